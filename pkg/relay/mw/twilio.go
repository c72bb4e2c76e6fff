package mw

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/twilio/twilio-go/client"

	"github.com/vango-go/vai-relay/pkg/relay/apierror"
	"github.com/vango-go/vai-relay/pkg/relay/config"
)

const twilioSignatureHeader = "X-Twilio-Signature"

// TwilioSignature rejects requests whose X-Twilio-Signature does not match
// the URL Twilio called. Form posts are validated with their parameters; the
// relay websocket handshake is validated against its ws(s) URL.
func TwilioSignature(cfg config.Config, logger *slog.Logger, next http.Handler) http.Handler {
	if !cfg.ValidateTwilioSignature {
		return next
	}
	validator := client.NewRequestValidator(cfg.TwilioAuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, _ := RequestIDFrom(r.Context())
		reject := func(msg string) {
			if logger != nil {
				logger.Warn("twilio signature rejected", "request_id", reqID, "path", r.URL.Path, "reason", msg)
			}
			apierror.Write(w, http.StatusForbidden, &apierror.Error{
				Type:      apierror.ErrAuthentication,
				Message:   msg,
				Param:     twilioSignatureHeader,
				RequestID: reqID,
			})
		}

		sig := strings.TrimSpace(r.Header.Get(twilioSignatureHeader))
		if sig == "" {
			reject("missing twilio signature")
			return
		}

		params := map[string]string{}
		if r.Method == http.MethodPost {
			if err := r.ParseForm(); err != nil {
				reject("invalid form body")
				return
			}
			for k, v := range r.PostForm {
				if len(v) > 0 {
					params[k] = v[0]
				}
			}
		}

		target := BaseURL(r, cfg.PublicURL)
		if IsWebSocketUpgrade(r) {
			target = WebSocketURL(target)
		}
		if !validator.Validate(target+r.URL.RequestURI(), params, sig) {
			reject("invalid twilio signature")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BaseURL is scheme://host as seen by the caller. publicURL wins when set.
func BaseURL(r *http.Request, publicURL string) string {
	if base := strings.TrimRight(strings.TrimSpace(publicURL), "/"); base != "" {
		return base
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); p != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(p, ",")[0]))
	}
	return scheme + "://" + r.Host
}

// WebSocketURL maps an http(s) base URL to ws(s).
func WebSocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

func IsWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}
