package handlers

import (
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/twilio/twilio-go/twiml"

	"github.com/vango-go/vai-relay/pkg/relay/admission"
	"github.com/vango-go/vai-relay/pkg/relay/apierror"
	"github.com/vango-go/vai-relay/pkg/relay/config"
	"github.com/vango-go/vai-relay/pkg/relay/lifecycle"
	"github.com/vango-go/vai-relay/pkg/relay/metrics"
	"github.com/vango-go/vai-relay/pkg/relay/mw"
)

const RelayPath = "/v1/relay"

// conversationRelay renders <ConversationRelay>. Attribute keys are written
// in their final camelCase form.
type conversationRelay struct {
	URL                   string
	WelcomeGreeting       string
	Voice                 string
	Language              string
	TTSProvider           string
	TranscriptionProvider string
	Hints                 []string
	InnerElements         []twiml.Element
}

func (c conversationRelay) GetName() string { return "ConversationRelay" }

func (c conversationRelay) GetText() string { return "" }

func (c conversationRelay) GetAttr() (map[string]string, map[string]string) {
	attrs := map[string]string{
		"url":                   c.URL,
		"welcomeGreeting":       c.WelcomeGreeting,
		"voice":                 c.Voice,
		"language":              c.Language,
		"ttsProvider":           c.TTSProvider,
		"transcriptionProvider": c.TranscriptionProvider,
		"hints":                 strings.Join(c.Hints, ","),
	}
	for k, v := range attrs {
		if v == "" {
			delete(attrs, k)
		}
	}
	return attrs, nil
}

func (c conversationRelay) GetInnerElements() []twiml.Element { return c.InnerElements }

type relayParameter struct {
	Name  string
	Value string
}

func (p relayParameter) GetName() string { return "Parameter" }

func (p relayParameter) GetText() string { return "" }

func (p relayParameter) GetAttr() (map[string]string, map[string]string) {
	return map[string]string{"name": p.Name, "value": p.Value}, nil
}

func (p relayParameter) GetInnerElements() []twiml.Element { return nil }

// TwiMLHandler answers the Twilio voice webhook with a <Connect> that hands
// the call to /v1/relay. Query parameters on the webhook URL are forwarded
// as ConversationRelay custom parameters.
type TwiMLHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Admission *admission.Limiter
	Metrics   *metrics.Metrics
}

func (h TwiMLHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		apierror.Write(w, http.StatusMethodNotAllowed, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID})
		return
	}
	if h.Lifecycle.IsDraining() {
		// Twilio falls back to the number's fallback URL on 5xx.
		apierror.Write(w, http.StatusServiceUnavailable, &apierror.Error{Type: apierror.ErrUnavailable, Message: "relay is draining", Code: "draining", RequestID: reqID})
		return
	}

	if reason := h.admit(r); reason != "" {
		h.Metrics.RecordError("admission", reason)
		if h.Logger != nil {
			h.Logger.Warn("call rejected", "request_id", reqID, "call_sid", r.FormValue("CallSid"), "reason", reason)
		}
		h.writeReject(w, reqID)
		return
	}

	doc, err := h.render(r)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("render twiml failed", "request_id", reqID, "error", err)
		}
		apiErr, status := apierror.FromError(err, reqID)
		apierror.Write(w, status, apiErr)
		return
	}

	if h.Logger != nil {
		h.Logger.Info("call connected to relay", "request_id", reqID, "call_sid", r.FormValue("CallSid"))
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

// admit returns a non-empty reason when the call should be turned away.
func (h TwiMLHandler) admit(r *http.Request) string {
	if h.Admission.AtCapacity() {
		return "at_capacity"
	}
	if d := h.Admission.AllowWebhook(admission.CallerKey(r.FormValue("From")), time.Now()); !d.Allowed {
		return "caller_rate_limited"
	}
	return ""
}

// writeReject answers with <Reject reason="busy"> so the caller hears a busy
// signal instead of a Twilio application error.
func (h TwiMLHandler) writeReject(w http.ResponseWriter, reqID string) {
	doc, err := twiml.Voice([]twiml.Element{&twiml.VoiceReject{Reason: "busy"}})
	if err != nil {
		apierror.Write(w, http.StatusTooManyRequests, &apierror.Error{Type: apierror.ErrRateLimit, Message: "call rejected", RequestID: reqID})
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

func (h TwiMLHandler) render(r *http.Request) (string, error) {
	query := r.URL.Query()
	names := make([]string, 0, len(query))
	for name := range query {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]twiml.Element, 0, len(names))
	for _, name := range names {
		params = append(params, relayParameter{Name: name, Value: query.Get(name)})
	}

	relay := conversationRelay{
		URL:                   mw.WebSocketURL(mw.BaseURL(r, h.Config.PublicURL)) + RelayPath,
		WelcomeGreeting:       h.Config.WelcomeGreeting,
		Voice:                 h.Config.Voice,
		Language:              h.Config.Language,
		TTSProvider:           h.Config.TTSProvider,
		TranscriptionProvider: h.Config.TranscriptionProvider,
		Hints:                 h.Config.Hints,
		InnerElements:         params,
	}
	connect := &twiml.VoiceConnect{
		Action:        h.Config.ConnectActionURL,
		InnerElements: []twiml.Element{relay},
	}
	return twiml.Voice([]twiml.Element{connect})
}
