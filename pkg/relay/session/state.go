package session

import (
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-relay/pkg/relay/agent"
	"github.com/vango-go/vai-relay/pkg/relay/protocol"
)

type Turn struct {
	Role                string    `json:"role"`
	Content             string    `json:"content"`
	Timestamp           time.Time `json:"timestamp"`
	Interrupted         bool      `json:"interrupted,omitempty"`
	InterruptedAtOffset int       `json:"interrupted_at_offset,omitempty"`
}

// State is the per-call conversation state. The run loop and the turn
// goroutine share it; every method holds the lock for a short critical
// section only and never across an agent call.
type State struct {
	mu  sync.Mutex
	now func() time.Time

	connectedAt time.Time
	callID      string
	setup       protocol.Setup
	hasSetup    bool

	transcript []Turn

	// In-flight assistant response. pendingTurn is the id of the turn that
	// owns it; zero means nothing is streaming.
	pending     strings.Builder
	pendingTurn int
	// lastTurn is the highest turn id ever begun. Turn ids only move forward.
	lastTurn int

	interrupted         bool
	interruptedAtOffset int
	interruptedTurn     int
	interruptCount      int
}

func NewState(connectedAt time.Time) *State {
	if connectedAt.IsZero() {
		connectedAt = time.Now()
	}
	return &State{
		now:         time.Now,
		connectedAt: connectedAt,
		transcript:  make([]Turn, 0, 16),
	}
}

func (s *State) ConnectedAt() time.Time {
	return s.connectedAt
}

func (s *State) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

// Setup returns the setup frame applied to this call, if any.
func (s *State) Setup() (protocol.Setup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setup, s.hasSetup
}

// ApplySetup binds the call identifier and custom parameters. Only the first
// call succeeds; later calls return ErrDuplicateSetup and change nothing.
func (s *State) ApplySetup(setup protocol.Setup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasSetup {
		return ErrDuplicateSetup
	}
	if len(setup.CustomParameters) > 0 {
		params := make(map[string]string, len(setup.CustomParameters))
		for k, v := range setup.CustomParameters {
			params[k] = v
		}
		setup.CustomParameters = params
	}
	s.setup = setup
	s.callID = setup.CallSID
	s.hasSetup = true
	return nil
}

func (s *State) AppendUserTurn(text string) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn := Turn{Role: agent.RoleUser, Content: text, Timestamp: s.now()}
	s.transcript = append(s.transcript, turn)
	return turn
}

// BeginTurn makes turnID the owner of a fresh, empty pending response and
// clears any interrupt recorded against the previous turn. It reports whether
// turnID owns the response afterwards: calling it again for the current owner
// is a no-op that returns true, and an id older than the latest begun turn is
// refused.
func (s *State) BeginTurn(turnID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turnID <= 0 {
		return false
	}
	if turnID <= s.lastTurn {
		return turnID == s.pendingTurn
	}
	s.pending.Reset()
	s.pendingTurn = turnID
	s.lastTurn = turnID
	s.interrupted = false
	s.interruptedAtOffset = 0
	return true
}

// AppendToken adds tok to the pending response. It returns false when turnID
// no longer owns the response or the caller has barged in; the token must not
// be sent in that case.
func (s *State) AppendToken(turnID int, tok string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingTurn == 0 || s.pendingTurn != turnID || s.interrupted {
		return false
	}
	s.pending.WriteString(tok)
	return true
}

// Interrupted reports whether turnID was cut off by the caller. It stays true
// after the turn completes.
func (s *State) Interrupted(turnID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return turnID != 0 && s.interruptedTurn == turnID
}

// CompleteTurn closes turnID. The full response is recorded as an assistant
// turn only when no interrupt was resolved against it.
func (s *State) CompleteTurn(turnID int) (Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingTurn == 0 || s.pendingTurn != turnID {
		return Turn{}, false
	}
	content := s.pending.String()
	recorded := !s.interrupted && strings.TrimSpace(content) != ""
	var turn Turn
	if recorded {
		turn = Turn{Role: agent.RoleAssistant, Content: content, Timestamp: s.now()}
		s.transcript = append(s.transcript, turn)
	}
	s.pending.Reset()
	s.pendingTurn = 0
	return turn, recorded
}

// AbortTurn drops the pending response of turnID without recording it.
func (s *State) AbortTurn(turnID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingTurn == 0 || s.pendingTurn != turnID {
		return
	}
	s.pending.Reset()
	s.pendingTurn = 0
}

// SupersedeTurn closes turnID because a newer caller turn replaced it. The
// response streamed so far is assumed heard and is recorded as an interrupted
// assistant turn, unless an interrupt already recorded its heard prefix.
func (s *State) SupersedeTurn(turnID int) (Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingTurn == 0 || s.pendingTurn != turnID {
		return Turn{}, false
	}
	var (
		turn     Turn
		recorded bool
	)
	if !s.interrupted {
		pending := s.pending.String()
		turn, recorded = s.recordInterruptedLocked(pending, len(pending))
		s.interrupted = true
		s.interruptedAtOffset = len(pending)
		s.interruptedTurn = turnID
	}
	s.pending.Reset()
	s.pendingTurn = 0
	return turn, recorded
}

// PendingSnapshot returns the response streamed so far and whether one is in flight.
func (s *State) PendingSnapshot() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingTurn == 0 {
		return "", false
	}
	return s.pending.String(), true
}

// InterruptedAtOffset returns the cut point recorded against the in-flight turn.
func (s *State) InterruptedAtOffset() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interruptedAtOffset, s.interrupted
}

func (s *State) Transcript() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// History renders the transcript as agent messages.
func (s *State) History() []agent.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]agent.Message, 0, len(s.transcript))
	for _, t := range s.transcript {
		out = append(out, agent.Message{Role: t.Role, Content: t.Content})
	}
	return out
}

type Stats struct {
	Turns      int
	UserTurns  int
	Interrupts int
	Streaming  bool
}

func (s *State) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Turns: len(s.transcript), Interrupts: s.interruptCount, Streaming: s.pendingTurn != 0}
	for _, t := range s.transcript {
		if t.Role == agent.RoleUser {
			st.UserTurns++
		}
	}
	return st
}
