package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/vai-relay/pkg/relay/store"
)

func TestFromError_Mapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantType   ErrorType
		wantStatus int
	}{
		{"deadline", fmt.Errorf("wrap: %w", context.DeadlineExceeded), ErrAPI, http.StatusGatewayTimeout},
		{"canceled", context.Canceled, ErrAPI, http.StatusRequestTimeout},
		{"not found", fmt.Errorf("get: %w", store.ErrNotFound), ErrNotFound, http.StatusNotFound},
		{"canonical", &Error{Type: ErrAuthentication, Message: "bad signature"}, ErrAuthentication, http.StatusUnauthorized},
		{"rate limit", &Error{Type: ErrRateLimit, Message: "busy"}, ErrRateLimit, http.StatusTooManyRequests},
		{"unknown", errors.New("db exploded"), ErrAPI, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, status := FromError(tt.err, "req_1")
			if got.Type != tt.wantType || status != tt.wantStatus {
				t.Fatalf("type=%q status=%d, want %q %d", got.Type, status, tt.wantType, tt.wantStatus)
			}
			if got.RequestID != "req_1" {
				t.Fatalf("request_id=%q, want req_1", got.RequestID)
			}
		})
	}
}

func TestFromError_UnknownDoesNotLeak(t *testing.T) {
	got, _ := FromError(errors.New("password=hunter2"), "")
	if got.Message != "internal error" {
		t.Fatalf("message=%q, want internal error", got.Message)
	}
}

func TestWrite_Envelope(t *testing.T) {
	rr := httptest.NewRecorder()
	Write(rr, http.StatusNotFound, &Error{Type: ErrNotFound, Message: "not found", RequestID: "req_2"})

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rr.Code)
	}
	var env Envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error == nil || env.Error.Type != ErrNotFound || env.Error.RequestID != "req_2" {
		t.Fatalf("envelope=%+v", env.Error)
	}
}
