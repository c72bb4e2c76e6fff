package handlers

import (
	"net/http"

	"github.com/vango-go/vai-relay/pkg/relay/apierror"
	"github.com/vango-go/vai-relay/pkg/relay/config"
	"github.com/vango-go/vai-relay/pkg/relay/lifecycle"
	"github.com/vango-go/vai-relay/pkg/relay/mw"
	"github.com/vango-go/vai-relay/pkg/relay/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Registry
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK              bool     `json:"ok"`
		Draining        bool     `json:"draining"`
		AgentProvider   string   `json:"agent_provider"`
		Store           string   `json:"store"`
		SignatureChecks bool     `json:"signature_checks"`
		ActiveCalls     int      `json:"active_calls"`
		Issues          []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 2)
	if err := h.Config.Validate(); err != nil {
		issues = append(issues, err.Error())
	}
	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "draining")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyResp{
		OK:              ok,
		Draining:        draining,
		AgentProvider:   string(h.Config.AgentProvider),
		Store:           string(h.Config.StoreBackend),
		SignatureChecks: h.Config.ValidateTwilioSignature,
		ActiveCalls:     h.Sessions.Count(),
		Issues:          issues,
	})
}

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.Write(w, http.StatusNotFound, &apierror.Error{
		Type:      apierror.ErrNotFound,
		Message:   "not found",
		RequestID: reqID,
	})
}
