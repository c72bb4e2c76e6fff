package session

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/vango-go/vai-relay/pkg/relay/agent"
)

type InterruptResult struct {
	TurnID   int
	CutPoint int
	Matched  bool
	// Turn is the truncated assistant turn; zero when nothing audible was heard.
	Turn     Turn
	Recorded bool
}

// ResolveCutPoint returns the byte offset in pending up to which the caller
// heard playback. heard is matched case-insensitively; the cut point is the end
// of the first match plus any whitespace that follows it. When heard cannot be
// found the whole of pending is assumed heard.
func ResolveCutPoint(pending, heard string) (cut int, matched bool) {
	heard = strings.TrimSpace(heard)
	if heard == "" {
		return 0, true
	}
	_, end := indexFold(pending, heard)
	if end < 0 {
		return len(pending), false
	}
	for end < len(pending) {
		r, size := utf8.DecodeRuneInString(pending[end:])
		if !unicode.IsSpace(r) {
			break
		}
		end += size
	}
	return end, true
}

// indexFold is strings.Index under Unicode simple case folding. Offsets are
// byte offsets into s; (-1, -1) when substr is absent.
func indexFold(s, substr string) (start, end int) {
	if substr == "" {
		return 0, 0
	}
	for i := 0; i < len(s); {
		if n, ok := prefixFold(s[i:], substr); ok {
			return i, i + n
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return -1, -1
}

func prefixFold(s, prefix string) (int, bool) {
	n := 0
	for _, pr := range prefix {
		if n >= len(s) {
			return 0, false
		}
		sr, size := utf8.DecodeRuneInString(s[n:])
		if sr != pr && !strings.EqualFold(string(sr), string(pr)) {
			return 0, false
		}
		n += size
	}
	return n, true
}

// ResolveInterrupt applies a barge-in to the in-flight response. It is a no-op
// when nothing is streaming or the turn was already interrupted. Otherwise the
// heard prefix is recorded as an interrupted assistant turn (when non-blank)
// and the turn is marked so its full response is never recorded.
func (s *State) ResolveInterrupt(heard string) (InterruptResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingTurn == 0 || s.interrupted {
		return InterruptResult{}, false
	}

	pending := s.pending.String()
	cut, matched := ResolveCutPoint(pending, heard)
	res := InterruptResult{TurnID: s.pendingTurn, CutPoint: cut, Matched: matched}

	res.Turn, res.Recorded = s.recordInterruptedLocked(pending, cut)

	s.interrupted = true
	s.interruptedAtOffset = cut
	s.interruptedTurn = s.pendingTurn
	s.interruptCount++
	return res, true
}

// recordInterruptedLocked appends pending[:cut] as an interrupted assistant
// turn when it is not blank. s.mu must be held.
func (s *State) recordInterruptedLocked(pending string, cut int) (Turn, bool) {
	spoken := strings.TrimSpace(pending[:cut])
	if spoken == "" {
		return Turn{}, false
	}
	turn := Turn{
		Role:                agent.RoleAssistant,
		Content:             spoken,
		Timestamp:           s.now(),
		Interrupted:         true,
		InterruptedAtOffset: cut,
	}
	s.transcript = append(s.transcript, turn)
	return turn, true
}
