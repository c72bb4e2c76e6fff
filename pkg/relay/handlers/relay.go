package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-relay/pkg/relay/admission"
	"github.com/vango-go/vai-relay/pkg/relay/agent"
	"github.com/vango-go/vai-relay/pkg/relay/apierror"
	"github.com/vango-go/vai-relay/pkg/relay/config"
	"github.com/vango-go/vai-relay/pkg/relay/lifecycle"
	"github.com/vango-go/vai-relay/pkg/relay/metrics"
	"github.com/vango-go/vai-relay/pkg/relay/mw"
	"github.com/vango-go/vai-relay/pkg/relay/notify"
	"github.com/vango-go/vai-relay/pkg/relay/session"
	"github.com/vango-go/vai-relay/pkg/relay/sessions"
	"github.com/vango-go/vai-relay/pkg/relay/store"
)

// RelayHandler serves /v1/relay ConversationRelay websocket connections.
type RelayHandler struct {
	Config    config.Config
	Agent     agent.Streamer
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Registry
	Store     store.Store
	Notifier  notify.Publisher
	Admission *admission.Limiter

	NewConnectionID func() string
	Now             func() time.Time
}

func (h RelayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		apierror.Write(w, http.StatusMethodNotAllowed, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID})
		return
	}
	if h.Lifecycle.IsDraining() {
		apierror.Write(w, http.StatusServiceUnavailable, &apierror.Error{Type: apierror.ErrUnavailable, Message: "relay is draining", Code: "draining", RequestID: reqID})
		return
	}
	if h.Agent == nil {
		apierror.Write(w, http.StatusServiceUnavailable, &apierror.Error{Type: apierror.ErrUnavailable, Message: "agent is not configured", RequestID: reqID})
		return
	}

	permit := h.Admission.AcquireCall()
	if !permit.Allowed {
		h.Metrics.RecordError("admission", "at_capacity")
		w.Header().Set("Retry-After", strconv.Itoa(permit.RetryAfter))
		apierror.Write(w, http.StatusTooManyRequests, &apierror.Error{Type: apierror.ErrRateLimit, Message: "too many concurrent calls", Code: "at_capacity", RequestID: reqID})
		return
	}
	defer permit.Permit.Release()

	// Twilio does not send an Origin header; authenticity comes from the
	// signature middleware.
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	logger := h.logger()
	now := h.now()
	connID := h.connectionID()
	startAt := now()

	s, err := session.New(session.Dependencies{
		Conn:         conn,
		Logger:       logger.With("request_id", reqID),
		Agent:        h.Agent,
		Metrics:      h.Metrics,
		ConnectionID: connID,
		StartTime:    startAt,
		Now:          now,
		Config: session.Config{
			PingInterval:       h.Config.RelayWSPingInterval,
			WriteTimeout:       h.Config.RelayWSWriteTimeout,
			ReadTimeout:        h.Config.RelayWSReadTimeout,
			MaxSessionDuration: h.Config.RelayMaxSessionDuration,
			TurnTimeout:        h.Config.RelayTurnTimeout,
			MaxMessageBytes:    h.Config.RelayMaxMessageBytes,
			OutboundQueueSize:  h.Config.RelayOutboundQueueSize,
			DTMFAsPrompt:       h.Config.RelayDTMFAsPrompt,
			FallbackMessage:    h.Config.RelayFallbackMessage,
			Lang:               h.Config.RelayLang,
		},
	})
	if err != nil {
		logger.Error("relay session init failed", "connection_id", connID, "request_id", reqID, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session init failed"), time.Now().Add(time.Second))
		return
	}

	unregister := h.Sessions.Register(connID, sessions.Handle{
		Summary: s.Snapshot,
		Cancel:  s.Cancel,
		End:     s.End,
	})
	runErr := s.Run()
	unregister()

	if runErr != nil {
		logger.Warn("relay session ended with error", "connection_id", connID, "request_id", reqID, "reason", s.EndReason(), "error", runErr)
	} else {
		logger.Info("relay session ended", "connection_id", connID, "request_id", reqID, "reason", s.EndReason())
	}

	h.finish(context.WithoutCancel(r.Context()), s, now())
}

// finish persists the transcript and announces the call. Connections that
// never sent setup are not recorded.
func (h RelayHandler) finish(ctx context.Context, s *session.RelaySession, endedAt time.Time) {
	if _, ok := s.State().Setup(); !ok {
		return
	}
	if h.Store == nil && h.Notifier == nil {
		return
	}

	timeout := h.Config.StoreTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rec := store.FromSession(s, endedAt)
	logger := h.logger().With("connection_id", rec.ConnectionID, "call_sid", rec.CallSID)
	if h.Store != nil {
		if err := h.Store.SaveCall(ctx, rec); err != nil {
			h.Metrics.RecordError("store", "save_failed")
			logger.Error("save call failed", "error", err)
		}
	}
	if h.Notifier != nil {
		if err := h.Notifier.CallCompleted(ctx, rec); err != nil {
			h.Metrics.RecordError("notify", "publish_failed")
			logger.Warn("publish call completed failed", "error", err)
		}
	}
}

func (h RelayHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h RelayHandler) now() func() time.Time {
	if h.Now == nil {
		return time.Now
	}
	return h.Now
}

func (h RelayHandler) connectionID() string {
	if h.NewConnectionID != nil {
		if id := strings.TrimSpace(h.NewConnectionID()); id != "" {
			return id
		}
	}
	return uuid.NewString()
}
