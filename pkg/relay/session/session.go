package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-relay/pkg/relay/agent"
	"github.com/vango-go/vai-relay/pkg/relay/metrics"
	"github.com/vango-go/vai-relay/pkg/relay/protocol"
)

const (
	maxCanceledTurnIDs        = 64
	outboundPriorityQueueSize = 8
)

// End reasons reported by EndReason and carried in the end frame handoff.
const (
	EndReasonClosed      = "closed"
	EndReasonRemoteError = "remote_error"
	EndReasonAgentError  = "agent_error"
	EndReasonMaxDuration = "max_duration"
	EndReasonCanceled    = "canceled"
	EndReasonTransport   = "transport_error"
)

var errBackpressure = errors.New("relay outbound backpressure")

// Conn is the subset of *websocket.Conn the session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type Config struct {
	PingInterval       time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	MaxSessionDuration time.Duration
	TurnTimeout        time.Duration
	MaxMessageBytes    int64
	OutboundQueueSize  int
	// DTMFAsPrompt forwards keypad digits to the agent as caller turns.
	DTMFAsPrompt bool
	// FallbackMessage is spoken when the agent fails mid-turn. When empty the
	// session ends with an agent_error handoff instead.
	FallbackMessage string
	// Lang is stamped on outbound text tokens when set.
	Lang string
}

type Dependencies struct {
	Conn         Conn
	Logger       *slog.Logger
	Agent        agent.Streamer
	Metrics      *metrics.Metrics
	ConnectionID string
	Config       Config
	StartTime    time.Time
	Now          func() time.Time
}

// RelaySession serves one ConversationRelay connection. Inbound frames are
// handled strictly in arrival order by Run; at most one assistant turn streams
// at a time.
type RelaySession struct {
	conn         Conn
	logger       *slog.Logger
	agent        agent.Streamer
	metrics      *metrics.Metrics
	connectionID string
	cfg          Config
	startTime    time.Time
	now          func() time.Time

	state  *State
	bridge *Bridge

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame
	endCh            chan string
	turnDone         chan turnDone
	turns            sync.WaitGroup

	canceledTurns atomic.Value // canceledTurnState

	endMu     sync.Mutex
	endReason string

	// Owned by the Run goroutine.
	turnSeq      int
	activeTurnID int
	activeCancel context.CancelFunc
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type turnDone struct {
	res TurnResult
	err error
}

type canceledTurnState struct {
	set   map[int]struct{}
	order []int
}

// CallSummary is a read-only view of a live call.
type CallSummary struct {
	ConnectionID string    `json:"connection_id"`
	CallSID      string    `json:"call_sid,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	Direction    string    `json:"direction,omitempty"`
	From         string    `json:"from,omitempty"`
	To           string    `json:"to,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	Turns        int       `json:"turns"`
	UserTurns    int       `json:"user_turns"`
	Interrupts   int       `json:"interrupts"`
	Streaming    bool      `json:"streaming"`
}

func New(deps Dependencies) (*RelaySession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Agent == nil {
		return nil, fmt.Errorf("agent is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.WriteTimeout <= 0 {
		deps.Config.WriteTimeout = 5 * time.Second
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.StartTime.IsZero() {
		deps.StartTime = deps.Now()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &RelaySession{
		conn:             deps.Conn,
		logger:           deps.Logger.With("connection_id", deps.ConnectionID),
		agent:            deps.Agent,
		metrics:          deps.Metrics,
		connectionID:     deps.ConnectionID,
		cfg:              deps.Config,
		startTime:        deps.StartTime,
		now:              deps.Now,
		state:            NewState(deps.StartTime),
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, max(1, min(deps.Config.OutboundQueueSize, outboundPriorityQueueSize))),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		endCh:            make(chan string, 1),
		turnDone:         make(chan turnDone, 4),
	}
	s.state.now = deps.Now
	bridge, err := NewBridge(s.state, deps.Agent, SenderFunc(s.sendTurnFrame))
	if err != nil {
		cancel()
		return nil, err
	}
	bridge.now = deps.Now
	s.bridge = bridge.WithLang(strings.TrimSpace(deps.Config.Lang))
	s.canceledTurns.Store(canceledTurnState{set: make(map[int]struct{})})
	return s, nil
}

func (s *RelaySession) Run() error {
	s.metrics.RecordSessionStart()
	defer func() {
		s.setEndReason(EndReasonClosed)
		s.metrics.RecordSessionEnd(s.EndReason(), s.now().Sub(s.startTime))
	}()
	defer func() {
		s.cancel()
		s.turns.Wait()
	}()

	if s.cfg.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:         s.conn,
			ctx:        s.ctx,
			cfg:        s.cfg,
			priority:   s.outboundPriority,
			normal:     s.outboundNormal,
			isCanceled: s.isTurnCanceled,
			onWrite: func(frame outboundFrame) {
				s.metrics.RecordFrame("outbound", frame.kind)
			},
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	flushAndClose := func() error {
		s.cancel()
		wait := 100 * time.Millisecond
		if s.cfg.WriteTimeout < wait {
			wait = s.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
		return nil
	}

	var sessionTimer *time.Timer
	if s.cfg.MaxSessionDuration > 0 {
		sessionTimer = time.NewTimer(s.cfg.MaxSessionDuration)
		defer sessionTimer.Stop()
	}
	sessionTimerCh := func() <-chan time.Time {
		if sessionTimer == nil {
			return nil
		}
		return sessionTimer.C
	}

	for {
		select {
		case <-s.ctx.Done():
			s.setEndReason(EndReasonCanceled)
			return nil
		case err := <-writerErrCh:
			if err == nil {
				return nil
			}
			s.setEndReason(EndReasonTransport)
			return err
		case <-sessionTimerCh():
			s.logger.Info("relay session reached max duration", "max_duration", s.cfg.MaxSessionDuration)
			s.endCall(EndReasonMaxDuration)
			return flushAndClose()
		case reason := <-s.endCh:
			s.endCall(reason)
			return flushAndClose()
		case done := <-s.turnDone:
			if stop := s.handleTurnDone(done); stop {
				return flushAndClose()
			}
		case frame, ok := <-readCh:
			if !ok || frame.err != nil {
				if frame.err != nil && websocket.IsUnexpectedCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Warn("relay connection closed unexpectedly", "error", frame.err)
				}
				return nil
			}
			if frame.messageType != websocket.TextMessage {
				s.logger.Debug("ignoring non-text relay message", "message_type", frame.messageType)
				continue
			}
			f, err := protocol.Decode(frame.data)
			if err != nil {
				s.recordFrameError(err)
				continue
			}
			stop, err := s.handleFrame(f)
			if err != nil {
				s.recordFrameError(err)
			}
			if stop {
				return flushAndClose()
			}
		}
	}
}

// handleFrame dispatches one decoded frame. stop reports that the session is over.
func (s *RelaySession) handleFrame(f protocol.Frame) (stop bool, err error) {
	kind := protocol.Kind(f)
	s.metrics.RecordFrame("inbound", kind)

	if _, isSetup := f.(protocol.Setup); !isSetup {
		if _, ok := s.state.Setup(); !ok {
			return false, fmt.Errorf("%w: %s", ErrPreSetupFrame, kind)
		}
	}

	switch m := f.(type) {
	case protocol.Setup:
		if err := s.state.ApplySetup(m); err != nil {
			return false, err
		}
		s.logger = s.logger.With("call_sid", m.CallSID)
		s.logger.Info("relay session setup", "setup", m.RedactedForLog())
	case protocol.Prompt:
		if strings.TrimSpace(m.VoicePrompt) == "" {
			s.logger.Debug("ignoring empty prompt", "last", m.Last)
			return false, nil
		}
		s.startTurn(m.VoicePrompt, m.Lang)
	case protocol.Interrupt:
		s.interrupt(m)
	case protocol.DTMF:
		s.logger.Info("relay dtmf", "digit", m.Digit)
		if s.cfg.DTMFAsPrompt {
			s.startTurn(fmt.Sprintf("The caller pressed %s on the keypad.", m.Digit), "")
		}
	case protocol.Error:
		s.logger.Warn("relay reported error", "description", m.Description)
		s.setEndReason(EndReasonRemoteError)
		return true, nil
	case protocol.TextToken, protocol.PlayToken, protocol.End:
		return false, fmt.Errorf("unexpected outbound frame %q from relay", kind)
	default:
		return false, fmt.Errorf("unhandled frame %T", f)
	}
	return false, nil
}

// startTurn replaces any in-flight turn and claims the pending response for
// the new one before its goroutine is spawned, so turn ownership follows
// frame order.
func (s *RelaySession) startTurn(text, lang string) {
	if s.activeCancel != nil {
		prev := s.activeTurnID
		s.cancelTurn(prev)
		s.activeCancel()
		s.activeCancel = nil
		if turn, recorded := s.state.SupersedeTurn(prev); recorded {
			s.logger.Debug("relay turn superseded", "turn_id", prev, "spoken_bytes", turn.InterruptedAtOffset)
		}
	}

	s.state.AppendUserTurn(text)
	s.turnSeq++
	turnID := s.turnSeq
	s.state.BeginTurn(turnID)

	setup, _ := s.state.Setup()
	req := agent.Request{
		SessionID:        setup.SessionID,
		CallID:           setup.CallSID,
		From:             setup.From,
		To:               setup.To,
		Prompt:           text,
		Lang:             lang,
		CustomParameters: setup.CustomParameters,
		History:          s.state.History(),
	}

	ctx, cancel := s.newTurnContext()
	s.activeTurnID = turnID
	s.activeCancel = cancel
	s.logger.Debug("relay turn started", "turn_id", turnID)

	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		res, err := s.bridge.StreamTurn(ctx, turnID, req)
		select {
		case s.turnDone <- turnDone{res: res, err: err}:
		case <-s.ctx.Done():
		}
	}()
}

func (s *RelaySession) interrupt(m protocol.Interrupt) {
	res, ok := s.state.ResolveInterrupt(m.UtteranceUntilInterrupt)
	if !ok {
		s.metrics.RecordInterrupt("noop")
		s.logger.Debug("relay interrupt with nothing in flight")
		return
	}
	s.cancelTurn(res.TurnID)
	if res.TurnID == s.activeTurnID && s.activeCancel != nil {
		s.activeCancel()
		s.activeCancel = nil
	}
	resolution := "empty"
	if res.Recorded {
		resolution = "recorded"
	}
	s.metrics.RecordInterrupt(resolution)
	s.logger.Info("relay interrupt",
		"turn_id", res.TurnID,
		"cut_point", res.CutPoint,
		"matched", res.Matched,
		"recorded", res.Recorded,
		"duration_ms", m.DurationUntilInterruptMS,
	)
}

func (s *RelaySession) handleTurnDone(done turnDone) (stop bool) {
	res, err := done.res, done.err
	if res.TurnID == s.activeTurnID {
		if s.activeCancel != nil {
			s.activeCancel()
			s.activeCancel = nil
		}
		s.activeTurnID = 0
	}

	var streamErr *AgentStreamError
	switch {
	case errors.As(err, &streamErr):
		s.metrics.RecordTurn(metrics.OutcomeAgentError, res.Tokens)
		s.metrics.RecordError("agent", "stream")
		s.logger.Error("agent stream failed", "turn_id", res.TurnID, "error", streamErr.Err)
		return s.onAgentError()
	case errors.Is(err, context.DeadlineExceeded) && s.ctx.Err() == nil:
		s.metrics.RecordTurn(metrics.OutcomeAgentError, res.Tokens)
		s.metrics.RecordError("agent", "timeout")
		s.logger.Error("agent turn timed out", "turn_id", res.TurnID, "turn_timeout", s.cfg.TurnTimeout)
		return s.onAgentError()
	case errors.Is(err, ErrTurnSuperseded):
		s.metrics.RecordTurn(metrics.OutcomeCanceled, res.Tokens)
		return false
	case errors.Is(err, context.Canceled):
		outcome := metrics.OutcomeCanceled
		if res.Interrupted {
			outcome = metrics.OutcomeInterrupted
		}
		s.metrics.RecordTurn(outcome, res.Tokens)
		return false
	case err != nil:
		s.metrics.RecordError("transport", "send")
		s.logger.Warn("relay turn aborted", "turn_id", res.TurnID, "error", err)
		s.setEndReason(EndReasonTransport)
		return true
	}

	outcome := metrics.OutcomeCompleted
	if res.Interrupted {
		outcome = metrics.OutcomeInterrupted
	}
	s.metrics.RecordTurn(outcome, res.Tokens)
	if res.Tokens > 0 {
		s.metrics.RecordFirstToken(res.FirstToken)
	}
	s.logger.Debug("relay turn finished", "turn_id", res.TurnID, "tokens", res.Tokens, "interrupted", res.Interrupted)
	return false
}

// onAgentError either speaks the fallback message and keeps the call open, or
// ends the relay session so Twilio continues with the <Connect> action URL.
func (s *RelaySession) onAgentError() (stop bool) {
	if msg := strings.TrimSpace(s.cfg.FallbackMessage); msg != "" {
		if err := s.sendPriority(protocol.TextToken{Token: msg, Last: true, Interruptible: protocol.Bool(true), Lang: s.bridge.lang}); err != nil {
			s.logger.Warn("failed to send fallback message", "error", err)
		}
		return false
	}
	s.endCall(EndReasonAgentError)
	return true
}

type handoff struct {
	Reason  string `json:"reason"`
	CallSID string `json:"callSid,omitempty"`
}

// endCall queues an end frame carrying reason as handoff data.
func (s *RelaySession) endCall(reason string) {
	s.setEndReason(reason)
	data, err := json.Marshal(handoff{Reason: reason, CallSID: s.state.CallID()})
	if err != nil {
		return
	}
	if err := s.sendPriority(protocol.End{HandoffData: string(data)}); err != nil {
		s.logger.Warn("failed to queue end frame", "error", err)
	}
}

func (s *RelaySession) recordFrameError(err error) {
	code := "frame_error"
	var decErr *protocol.DecodeError
	switch {
	case errors.As(err, &decErr):
		code = decErr.Code
	case errors.Is(err, ErrPreSetupFrame):
		code = "pre_setup_frame"
	case errors.Is(err, ErrDuplicateSetup):
		code = "duplicate_setup"
	}
	s.metrics.RecordFrameError(code)
	s.logger.Warn("ignoring relay frame", "code", code, "error", err)
}

func (s *RelaySession) sendTurnFrame(turnID int, f protocol.Frame) error {
	payload, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return s.enqueueNormal(outboundFrame{turnID: turnID, kind: protocol.Kind(f), payload: payload})
}

func (s *RelaySession) sendPriority(f protocol.Frame) error {
	payload, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return s.enqueuePriority(outboundFrame{kind: protocol.Kind(f), payload: payload})
}

// enqueueNormal waits up to WriteTimeout for queue space; tokens are never
// dropped silently.
func (s *RelaySession) enqueueNormal(frame outboundFrame) error {
	if frame.turnID != 0 && s.isTurnCanceled(frame.turnID) {
		return nil
	}
	select {
	case s.outboundNormal <- frame:
		return nil
	default:
	}
	timer := time.NewTimer(s.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case s.outboundNormal <- frame:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-timer.C:
		return errBackpressure
	}
}

// enqueuePriority waits up to WriteTimeout for queue space; queued end and
// fallback frames are never evicted.
func (s *RelaySession) enqueuePriority(frame outboundFrame) error {
	select {
	case s.outboundPriority <- frame:
		return nil
	default:
	}
	timer := time.NewTimer(s.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case s.outboundPriority <- frame:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-timer.C:
		return errBackpressure
	}
}

func (s *RelaySession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *RelaySession) newTurnContext() (context.Context, context.CancelFunc) {
	if s.cfg.TurnTimeout > 0 {
		return context.WithTimeout(s.ctx, s.cfg.TurnTimeout)
	}
	return context.WithCancel(s.ctx)
}

// cancelTurn marks turnID so queued frames from it are dropped before write.
func (s *RelaySession) cancelTurn(turnID int) {
	if turnID == 0 {
		return
	}
	state, ok := s.canceledTurns.Load().(canceledTurnState)
	if !ok {
		state = canceledTurnState{set: make(map[int]struct{})}
	}
	if _, exists := state.set[turnID]; exists {
		return
	}

	nextSet := make(map[int]struct{}, len(state.set)+1)
	for k := range state.set {
		nextSet[k] = struct{}{}
	}
	nextOrder := make([]int, 0, len(state.order)+1)
	nextOrder = append(nextOrder, state.order...)
	nextOrder = append(nextOrder, turnID)
	nextSet[turnID] = struct{}{}

	for len(nextOrder) > maxCanceledTurnIDs {
		delete(nextSet, nextOrder[0])
		nextOrder = nextOrder[1:]
	}

	s.canceledTurns.Store(canceledTurnState{set: nextSet, order: nextOrder})
}

func (s *RelaySession) isTurnCanceled(turnID int) bool {
	if turnID == 0 {
		return false
	}
	state, ok := s.canceledTurns.Load().(canceledTurnState)
	if !ok || state.set == nil {
		return false
	}
	_, exists := state.set[turnID]
	return exists
}

func (s *RelaySession) setEndReason(reason string) {
	s.endMu.Lock()
	defer s.endMu.Unlock()
	if s.endReason == "" {
		s.endReason = reason
	}
}

func (s *RelaySession) EndReason() string {
	s.endMu.Lock()
	defer s.endMu.Unlock()
	return s.endReason
}

// Cancel stops the session without an end frame.
func (s *RelaySession) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// End asks the session to send an end frame with reason and close. Safe to
// call from any goroutine.
func (s *RelaySession) End(reason string) {
	if s == nil {
		return
	}
	select {
	case s.endCh <- reason:
	default:
	}
}

func (s *RelaySession) State() *State {
	return s.state
}

func (s *RelaySession) ConnectionID() string {
	return s.connectionID
}

func (s *RelaySession) Snapshot() CallSummary {
	setup, _ := s.state.Setup()
	st := s.state.Stats()
	return CallSummary{
		ConnectionID: s.connectionID,
		CallSID:      setup.CallSID,
		SessionID:    setup.SessionID,
		Direction:    setup.Direction,
		From:         protocol.MaskNumber(setup.From),
		To:           protocol.MaskNumber(setup.To),
		ConnectedAt:  s.state.ConnectedAt(),
		Turns:        st.Turns,
		UserTurns:    st.UserTurns,
		Interrupts:   st.Interrupts,
		Streaming:    st.Streaming,
	}
}
