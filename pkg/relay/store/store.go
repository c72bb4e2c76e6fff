// Package store persists finished call transcripts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vango-go/vai-relay/pkg/relay/protocol"
	"github.com/vango-go/vai-relay/pkg/relay/session"
)

var ErrNotFound = errors.New("call not found")

// Store saves call records. Implementations must be safe for concurrent use.
type Store interface {
	SaveCall(ctx context.Context, rec CallRecord) error
	Close() error
}

type Turn struct {
	Role                string    `json:"role" firestore:"role"`
	Content             string    `json:"content" firestore:"content"`
	Timestamp           time.Time `json:"timestamp" firestore:"timestamp"`
	Interrupted         bool      `json:"interrupted,omitempty" firestore:"interrupted"`
	InterruptedAtOffset int       `json:"interrupted_at_offset,omitempty" firestore:"interrupted_at_offset,omitempty"`
}

// CallRecord is one relay connection after it closed. Phone numbers are
// stored masked.
type CallRecord struct {
	ConnectionID     string            `json:"connection_id" firestore:"connection_id"`
	CallSID          string            `json:"call_sid,omitempty" firestore:"call_sid"`
	SessionID        string            `json:"session_id,omitempty" firestore:"session_id"`
	AccountSID       string            `json:"account_sid,omitempty" firestore:"account_sid"`
	Direction        string            `json:"direction,omitempty" firestore:"direction"`
	From             string            `json:"from,omitempty" firestore:"from"`
	To               string            `json:"to,omitempty" firestore:"to"`
	CustomParameters map[string]string `json:"custom_parameters,omitempty" firestore:"custom_parameters,omitempty"`
	ConnectedAt      time.Time         `json:"connected_at" firestore:"connected_at"`
	EndedAt          time.Time         `json:"ended_at" firestore:"ended_at"`
	EndReason        string            `json:"end_reason" firestore:"end_reason"`
	Interrupts       int               `json:"interrupts" firestore:"interrupts"`
	Transcript       []Turn            `json:"transcript" firestore:"transcript"`
}

// FromSession builds the record for a session that has stopped running.
func FromSession(s *session.RelaySession, endedAt time.Time) CallRecord {
	summary := s.Snapshot()
	setup, _ := s.State().Setup()
	return NewCallRecord(summary, setup, s.State().Transcript(), s.EndReason(), endedAt)
}

func NewCallRecord(summary session.CallSummary, setup protocol.Setup, transcript []session.Turn, reason string, endedAt time.Time) CallRecord {
	rec := CallRecord{
		ConnectionID: summary.ConnectionID,
		CallSID:      summary.CallSID,
		SessionID:    summary.SessionID,
		AccountSID:   setup.AccountSID,
		Direction:    summary.Direction,
		From:         summary.From,
		To:           summary.To,
		ConnectedAt:  summary.ConnectedAt.UTC(),
		EndedAt:      endedAt.UTC(),
		EndReason:    reason,
		Interrupts:   summary.Interrupts,
		Transcript:   make([]Turn, 0, len(transcript)),
	}
	if len(setup.CustomParameters) > 0 {
		rec.CustomParameters = make(map[string]string, len(setup.CustomParameters))
		for k, v := range setup.CustomParameters {
			rec.CustomParameters[k] = v
		}
	}
	for _, t := range transcript {
		rec.Transcript = append(rec.Transcript, Turn{
			Role:                t.Role,
			Content:             t.Content,
			Timestamp:           t.Timestamp.UTC(),
			Interrupted:         t.Interrupted,
			InterruptedAtOffset: t.InterruptedAtOffset,
		})
	}
	return rec
}

func (r CallRecord) Duration() time.Duration {
	if r.EndedAt.Before(r.ConnectedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.ConnectedAt)
}
