// Package notify announces finished calls to other services.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vango-go/vai-relay/pkg/relay/store"
)

const DefaultSubject = "relay.call.completed"

type Publisher interface {
	CallCompleted(ctx context.Context, rec store.CallRecord) error
	Close()
}

// CallCompleted is the event body. It carries counts, not transcript text.
type CallCompleted struct {
	ConnectionID string    `json:"connection_id"`
	CallSID      string    `json:"call_sid,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	Direction    string    `json:"direction,omitempty"`
	EndReason    string    `json:"end_reason"`
	ConnectedAt  time.Time `json:"connected_at"`
	EndedAt      time.Time `json:"ended_at"`
	DurationMS   int64     `json:"duration_ms"`
	Turns        int       `json:"turns"`
	Interrupts   int       `json:"interrupts"`
}

func NewCallCompleted(rec store.CallRecord) CallCompleted {
	return CallCompleted{
		ConnectionID: rec.ConnectionID,
		CallSID:      rec.CallSID,
		SessionID:    rec.SessionID,
		Direction:    rec.Direction,
		EndReason:    rec.EndReason,
		ConnectedAt:  rec.ConnectedAt,
		EndedAt:      rec.EndedAt,
		DurationMS:   rec.Duration().Milliseconds(),
		Turns:        len(rec.Transcript),
		Interrupts:   rec.Interrupts,
	}
}

type NATS struct {
	nc      *nats.Conn
	subject string
	publish func(*nats.Msg) error
}

func NewNATS(url, subject string, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("vai-relay"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	n := newNATS(nc.PublishMsg, subject)
	n.nc = nc
	return n, nil
}

func newNATS(publish func(*nats.Msg) error, subject string) *NATS {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATS{subject: subject, publish: publish}
}

func (n *NATS) CallCompleted(ctx context.Context, rec store.CallRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(NewCallCompleted(rec))
	if err != nil {
		return fmt.Errorf("marshal call completed: %w", err)
	}
	msg := nats.NewMsg(n.subject)
	// JetStream dedupes on this header when the subject is captured by a stream.
	msg.Header.Set(nats.MsgIdHdr, rec.ConnectionID)
	msg.Data = data
	if err := n.publish(msg); err != nil {
		return fmt.Errorf("publish %s: %w", n.subject, err)
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (n *NATS) Close() {
	if n == nil || n.nc == nil {
		return
	}
	_ = n.nc.Drain()
}
