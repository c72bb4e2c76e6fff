package session

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateSetup = errors.New("duplicate setup frame")
	ErrPreSetupFrame  = errors.New("frame received before setup")
	ErrTurnSuperseded = errors.New("turn superseded by a newer turn")
)

// AgentStreamError reports that the agent failed while producing a turn.
// No final token is sent for the turn.
type AgentStreamError struct {
	TurnID int
	Err    error
}

func (e *AgentStreamError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("agent stream failed on turn %d: %v", e.TurnID, e.Err)
}

func (e *AgentStreamError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
