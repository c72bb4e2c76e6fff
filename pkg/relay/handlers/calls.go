package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/vango-go/vai-relay/pkg/relay/apierror"
	"github.com/vango-go/vai-relay/pkg/relay/mw"
	"github.com/vango-go/vai-relay/pkg/relay/session"
	"github.com/vango-go/vai-relay/pkg/relay/sessions"
	"github.com/vango-go/vai-relay/pkg/relay/store"
)

// CallLookup finds a finished call. The in-memory store implements it.
type CallLookup interface {
	Get(connectionID string) (store.CallRecord, error)
}

// CallsHandler serves GET /v1/calls and GET /v1/calls/{id}.
type CallsHandler struct {
	Sessions *sessions.Registry
	Calls    CallLookup
}

type callsResponse struct {
	Count int                   `json:"count"`
	Calls []session.CallSummary `json:"calls"`
}

type callResponse struct {
	Status string               `json:"status"`
	Live   *session.CallSummary `json:"live,omitempty"`
	Record *store.CallRecord    `json:"record,omitempty"`
}

func (h CallsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		apierror.Write(w, http.StatusMethodNotAllowed, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID})
		return
	}

	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		calls := h.Sessions.Snapshot()
		if calls == nil {
			calls = []session.CallSummary{}
		}
		writeJSON(w, http.StatusOK, callsResponse{Count: len(calls), Calls: calls})
		return
	}

	for _, c := range h.Sessions.Snapshot() {
		if c.ConnectionID == id {
			writeJSON(w, http.StatusOK, callResponse{Status: "live", Live: &c})
			return
		}
	}

	if h.Calls != nil {
		rec, err := h.Calls.Get(id)
		if err == nil {
			writeJSON(w, http.StatusOK, callResponse{Status: "completed", Record: &rec})
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			apiErr, status := apierror.FromError(err, reqID)
			apierror.Write(w, status, apiErr)
			return
		}
	}
	apiErr, status := apierror.FromError(store.ErrNotFound, reqID)
	apierror.Write(w, status, apiErr)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
