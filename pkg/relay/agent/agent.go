// Package agent defines the streaming capability the relay drives for each
// caller turn, plus the model backends that implement it.
package agent

import (
	"context"
	"fmt"
	"io"
	"strings"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is everything an agent sees for one turn. History is the
// conversation so far and ends with the caller turn that carries Prompt.
type Request struct {
	SessionID        string
	CallID           string
	From             string
	To               string
	Prompt           string
	Lang             string
	CustomParameters map[string]string
	History          []Message
}

// TokenStream is a lazy, finite, non-restartable sequence of text chunks.
type TokenStream interface {
	// Next returns the next token. Returns "", io.EOF when the stream is exhausted.
	Next() (string, error)

	// Close releases resources.
	Close() error
}

// Streamer produces a TokenStream for a turn. Timeouts belong to the
// implementation; callers cancel through ctx.
type Streamer interface {
	Stream(ctx context.Context, req Request) (TokenStream, error)
}

// Messages returns req.History, falling back to a single caller message when
// the history is empty.
func (r Request) Messages() []Message {
	if len(r.History) > 0 {
		out := make([]Message, 0, len(r.History))
		for _, m := range r.History {
			if strings.TrimSpace(m.Content) == "" {
				continue
			}
			out = append(out, m)
		}
		return out
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return nil
	}
	return []Message{{Role: RoleUser, Content: r.Prompt}}
}

// Collect drains s and returns the concatenated text.
func Collect(s TokenStream) (string, error) {
	if s == nil {
		return "", fmt.Errorf("token stream is nil")
	}
	defer s.Close()
	var b strings.Builder
	for {
		tok, err := s.Next()
		if err == io.EOF {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(tok)
	}
}
