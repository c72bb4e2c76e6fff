package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vango-go/vai-relay/pkg/relay/agent"
	"github.com/vango-go/vai-relay/pkg/relay/protocol"
)

// Sender queues outbound frames. A non-zero turnID tags the frame with the
// turn that produced it.
type Sender interface {
	Send(turnID int, f protocol.Frame) error
}

type SenderFunc func(turnID int, f protocol.Frame) error

func (fn SenderFunc) Send(turnID int, f protocol.Frame) error { return fn(turnID, f) }

type TurnResult struct {
	TurnID      int
	Tokens      int
	Interrupted bool
	// Turn is the assistant turn recorded on completion, if any.
	Turn       Turn
	Recorded   bool
	FirstToken time.Duration
}

// Bridge drives one agent token stream per turn and relays it as text frames.
type Bridge struct {
	state *State
	agent agent.Streamer
	out   Sender
	lang  string
	now   func() time.Time
}

func NewBridge(state *State, streamer agent.Streamer, out Sender) (*Bridge, error) {
	if state == nil {
		return nil, fmt.Errorf("state is required")
	}
	if streamer == nil {
		return nil, fmt.Errorf("agent is required")
	}
	if out == nil {
		return nil, fmt.Errorf("sender is required")
	}
	return &Bridge{state: state, agent: streamer, out: out, now: time.Now}, nil
}

// WithLang stamps every emitted text frame with lang.
func (b *Bridge) WithLang(lang string) *Bridge {
	b.lang = lang
	return b
}

// StreamTurn streams one assistant turn. Only the first token is marked
// interruptible. The terminal empty last:true token is sent only when the
// stream ran to completion without a barge-in. Agent failures are returned as
// *AgentStreamError; cancellation of ctx returns ctx.Err(). A turn that a newer
// turn has already replaced never reaches the agent and returns
// ErrTurnSuperseded.
func (b *Bridge) StreamTurn(ctx context.Context, turnID int, req agent.Request) (TurnResult, error) {
	res := TurnResult{TurnID: turnID}
	started := b.now()
	if !b.state.BeginTurn(turnID) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		return res, ErrTurnSuperseded
	}

	stream, err := b.agent.Stream(ctx, req)
	if err != nil {
		b.state.AbortTurn(turnID)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		return res, &AgentStreamError{TurnID: turnID, Err: err}
	}
	defer stream.Close()

	for {
		tok, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Interrupted = b.state.Interrupted(turnID)
			b.state.AbortTurn(turnID)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			return res, &AgentStreamError{TurnID: turnID, Err: err}
		}
		if tok == "" {
			continue
		}
		if !b.state.AppendToken(turnID, tok) {
			res.Interrupted = b.state.Interrupted(turnID)
			b.state.CompleteTurn(turnID)
			if ctxErr := ctx.Err(); ctxErr != nil && !res.Interrupted {
				return res, ctxErr
			}
			return res, nil
		}
		first := res.Tokens == 0
		if first {
			res.FirstToken = b.now().Sub(started)
		}
		if err := b.out.Send(turnID, protocol.TextToken{
			Token:         tok,
			Last:          false,
			Interruptible: protocol.Bool(first),
			Lang:          b.lang,
		}); err != nil {
			b.state.AbortTurn(turnID)
			return res, fmt.Errorf("send token: %w", err)
		}
		res.Tokens++
	}

	if b.state.Interrupted(turnID) {
		res.Interrupted = true
		b.state.CompleteTurn(turnID)
		return res, nil
	}
	if err := b.out.Send(turnID, protocol.TextToken{Token: "", Last: true, Lang: b.lang}); err != nil {
		b.state.AbortTurn(turnID)
		return res, fmt.Errorf("send final token: %w", err)
	}
	res.Turn, res.Recorded = b.state.CompleteTurn(turnID)
	res.Interrupted = b.state.Interrupted(turnID)
	return res, nil
}
