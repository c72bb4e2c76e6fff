package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-relay/pkg/relay/agent"
	"github.com/vango-go/vai-relay/pkg/relay/protocol"
)

type fakeConn struct {
	fakeWSWriter
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) SetReadLimit(int64) {}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(raw string) { c.in <- []byte(raw) }

func (c *fakeConn) hangUp() { close(c.in) }

func (c *fakeConn) frames(t *testing.T) []protocol.Frame {
	t.Helper()
	return decodeWrites(t, c.textWrites())
}

func (c *fakeConn) hasWrite(substr string) bool {
	for _, w := range c.textWrites() {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func decodeWrites(t *testing.T, writes []string) []protocol.Frame {
	t.Helper()
	out := make([]protocol.Frame, 0, len(writes))
	for _, w := range writes {
		f, err := protocol.Decode([]byte(w))
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", w, err)
		}
		out = append(out, f)
	}
	return out
}

const testSetup = `{"type":"setup","sessionId":"VX1","callSid":"CA1","from":"+15555550100","to":"+15555550199","direction":"inbound","customParameters":{"patientId":"p-1"}}`

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func startSession(t *testing.T, conn *fakeConn, a agent.Streamer, cfg Config) (*RelaySession, <-chan error) {
	t.Helper()
	if cfg.PingInterval == 0 {
		cfg.PingInterval = time.Hour
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = time.Second
	}
	s, err := New(Dependencies{Conn: conn, Agent: a, ConnectionID: "conn-1", Config: cfg})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Run() }()
	return s, done
}

func waitRun(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not stop")
	}
}

func TestRelaySession_EndToEndTurn(t *testing.T) {
	conn := newFakeConn()
	a := tokenAgent("Hi", " there", "!")
	s, done := startSession(t, conn, a, Config{})

	conn.send(testSetup)
	conn.send(`{"type":"prompt","voicePrompt":"Hello?","lang":"en-US","last":true}`)
	waitFor(t, 2*time.Second, func() bool { return len(conn.textWrites()) >= 4 })
	conn.hangUp()
	waitRun(t, done)

	frames := conn.frames(t)
	if len(frames) != 4 {
		t.Fatalf("len(frames)=%d, want 4", len(frames))
	}
	for i, want := range []string{"Hi", " there", "!"} {
		tok, ok := frames[i].(protocol.TextToken)
		if !ok || tok.Token != want || tok.Last {
			t.Fatalf("frame[%d]=%#v, want token %q", i, frames[i], want)
		}
	}
	if last, ok := frames[3].(protocol.TextToken); !ok || !last.Last || last.Token != "" {
		t.Fatalf("terminal frame=%#v", frames[3])
	}

	tr := s.State().Transcript()
	if len(tr) != 2 {
		t.Fatalf("len(transcript)=%d, want 2", len(tr))
	}
	if tr[0].Role != agent.RoleUser || tr[0].Content != "Hello?" {
		t.Fatalf("user turn=%+v", tr[0])
	}
	if tr[1].Role != agent.RoleAssistant || tr[1].Content != "Hi there!" {
		t.Fatalf("assistant turn=%+v", tr[1])
	}

	calls := a.calls()
	if len(calls) != 1 {
		t.Fatalf("agent calls=%d, want 1", len(calls))
	}
	req := calls[0]
	if req.CallID != "CA1" || req.Prompt != "Hello?" || req.Lang != "en-US" {
		t.Fatalf("request=%+v", req)
	}
	if req.CustomParameters["patientId"] != "p-1" {
		t.Fatalf("custom parameters not forwarded: %+v", req.CustomParameters)
	}
	if len(req.History) != 1 || req.History[0].Content != "Hello?" {
		t.Fatalf("history=%+v, want the caller turn last", req.History)
	}
	if s.EndReason() != EndReasonClosed {
		t.Fatalf("endReason=%q, want closed", s.EndReason())
	}
}

func TestRelaySession_PreSetupFramesIgnored(t *testing.T) {
	conn := newFakeConn()
	a := tokenAgent("unused")
	s, done := startSession(t, conn, a, Config{})

	conn.send(`{"type":"prompt","voicePrompt":"too early","last":true}`)
	conn.send(`{"type":"bogus"}`)
	conn.send(`{not json`)
	conn.send(testSetup)
	conn.send(`{"type":"setup","sessionId":"VX2","callSid":"CA2","from":"","to":"","direction":"inbound"}`)
	conn.hangUp()
	waitRun(t, done)

	if got := len(a.calls()); got != 0 {
		t.Fatalf("agent calls=%d, want 0", got)
	}
	if got := len(s.State().Transcript()); got != 0 {
		t.Fatalf("len(transcript)=%d, want 0", got)
	}
	if s.State().CallID() != "CA1" {
		t.Fatalf("callID=%q, want CA1", s.State().CallID())
	}
}

func TestRelaySession_InterruptRecordsHeardPrefix(t *testing.T) {
	conn := newFakeConn()
	a := &fakeAgent{streamFn: func(ctx context.Context, _ agent.Request) (agent.TokenStream, error) {
		s := &fakeStream{tokens: []string{"Hello, there", " and more"}, errAt: 1}
		s.before = func(i int) {
			if i == 1 {
				<-ctx.Done()
				s.err = ctx.Err()
			}
		}
		return s, nil
	}}
	s, done := startSession(t, conn, a, Config{})

	conn.send(testSetup)
	conn.send(`{"type":"prompt","voicePrompt":"hi","last":true}`)
	waitFor(t, 2*time.Second, func() bool { return len(conn.textWrites()) >= 1 })
	conn.send(`{"type":"interrupt","utteranceUntilInterrupt":"Hello","durationUntilInterruptMs":420}`)
	waitFor(t, 2*time.Second, func() bool {
		_, streaming := s.State().PendingSnapshot()
		return !streaming
	})
	conn.hangUp()
	waitRun(t, done)

	tr := s.State().Transcript()
	if len(tr) != 2 {
		t.Fatalf("len(transcript)=%d, want 2: %+v", len(tr), tr)
	}
	if !tr[1].Interrupted || tr[1].Content != "Hello" || tr[1].InterruptedAtOffset != 5 {
		t.Fatalf("interrupted turn=%+v", tr[1])
	}
	for _, f := range conn.frames(t) {
		if tok, ok := f.(protocol.TextToken); ok && tok.Last {
			t.Fatalf("no terminal token expected after interrupt")
		}
	}
	if st := s.Snapshot(); st.Interrupts != 1 || st.CallSID != "CA1" {
		t.Fatalf("snapshot=%+v", st)
	}
}

func TestRelaySession_AgentErrorEndsWithHandoff(t *testing.T) {
	conn := newFakeConn()
	a := &fakeAgent{streamFn: func(context.Context, agent.Request) (agent.TokenStream, error) {
		return &fakeStream{tokens: []string{"Hi"}, errAt: 1, err: errors.New("model overloaded")}, nil
	}}
	s, done := startSession(t, conn, a, Config{})

	conn.send(testSetup)
	conn.send(`{"type":"prompt","voicePrompt":"hi","last":true}`)
	waitRun(t, done)
	waitFor(t, 2*time.Second, func() bool { return conn.hasWrite(`"type":"end"`) })

	if s.EndReason() != EndReasonAgentError {
		t.Fatalf("endReason=%q, want agent_error", s.EndReason())
	}
	var end *protocol.End
	for _, f := range conn.frames(t) {
		switch v := f.(type) {
		case protocol.End:
			end = &v
		case protocol.TextToken:
			if v.Last {
				t.Fatalf("no terminal token expected after agent error")
			}
		}
	}
	if end == nil {
		t.Fatalf("expected end frame")
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(end.HandoffData), &data); err != nil {
		t.Fatalf("handoffData=%q: %v", end.HandoffData, err)
	}
	if data["reason"] != "agent_error" || data["callSid"] != "CA1" {
		t.Fatalf("handoff=%v", data)
	}
	if tr := s.State().Transcript(); len(tr) != 1 {
		t.Fatalf("transcript=%+v, want only the user turn", tr)
	}
}

func TestRelaySession_AgentErrorSpeaksFallback(t *testing.T) {
	conn := newFakeConn()
	a := &fakeAgent{streamFn: func(context.Context, agent.Request) (agent.TokenStream, error) {
		return nil, errors.New("model overloaded")
	}}
	s, done := startSession(t, conn, a, Config{FallbackMessage: "Sorry, one moment please."})

	conn.send(testSetup)
	conn.send(`{"type":"prompt","voicePrompt":"hi","last":true}`)
	waitFor(t, 2*time.Second, func() bool { return len(conn.textWrites()) >= 1 })
	conn.hangUp()
	waitRun(t, done)

	frames := conn.frames(t)
	tok, ok := frames[0].(protocol.TextToken)
	if !ok || tok.Token != "Sorry, one moment please." || !tok.Last {
		t.Fatalf("frame=%#v, want fallback message", frames[0])
	}
	if s.EndReason() != EndReasonClosed {
		t.Fatalf("endReason=%q, want closed", s.EndReason())
	}
}

func TestRelaySession_ErrorFrameIsTerminal(t *testing.T) {
	conn := newFakeConn()
	s, done := startSession(t, conn, tokenAgent("x"), Config{})

	conn.send(testSetup)
	conn.send(`{"type":"error","description":"Invalid message received"}`)
	waitRun(t, done)

	if s.EndReason() != EndReasonRemoteError {
		t.Fatalf("endReason=%q, want remote_error", s.EndReason())
	}
}

func TestRelaySession_EndSendsHandoff(t *testing.T) {
	conn := newFakeConn()
	s, done := startSession(t, conn, tokenAgent("x"), Config{})

	conn.send(testSetup)
	waitFor(t, 2*time.Second, func() bool { return s.State().CallID() != "" })
	s.End("draining")
	waitRun(t, done)
	waitFor(t, 2*time.Second, func() bool { return conn.hasWrite(`"type":"end"`) })

	writes := conn.textWrites()
	if len(writes) != 1 || !strings.Contains(writes[0], `"type":"end"`) || !strings.Contains(writes[0], `draining`) {
		t.Fatalf("writes=%v, want one end frame", writes)
	}
	if s.EndReason() != "draining" {
		t.Fatalf("endReason=%q, want draining", s.EndReason())
	}
}

func TestRelaySession_DTMFAsPrompt(t *testing.T) {
	conn := newFakeConn()
	a := tokenAgent("Got it.")
	s, done := startSession(t, conn, a, Config{DTMFAsPrompt: true})

	conn.send(testSetup)
	conn.send(`{"type":"dtmf","digit":"5"}`)
	waitFor(t, 2*time.Second, func() bool { return len(conn.textWrites()) >= 2 })
	conn.hangUp()
	waitRun(t, done)

	tr := s.State().Transcript()
	if len(tr) != 2 || !strings.Contains(tr[0].Content, "5") {
		t.Fatalf("transcript=%+v", tr)
	}
}

func TestNew_RequiresConnAndAgent(t *testing.T) {
	if _, err := New(Dependencies{Agent: tokenAgent()}); err == nil {
		t.Fatalf("expected error without conn")
	}
	if _, err := New(Dependencies{Conn: newFakeConn()}); err == nil {
		t.Fatalf("expected error without agent")
	}
}

// replyAgent answers each prompt with "Reply to <prompt>". The reply to
// "first" stalls after one token until its turn is canceled.
func replyAgent() *fakeAgent {
	return &fakeAgent{streamFn: func(ctx context.Context, req agent.Request) (agent.TokenStream, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := &fakeStream{tokens: []string{"Reply ", "to " + req.Prompt}}
		if req.Prompt == "first" {
			s.errAt = 1
			s.before = func(i int) {
				if i == 1 {
					<-ctx.Done()
					s.err = ctx.Err()
				}
			}
		}
		return s, nil
	}}
}

func countTerminalTokens(frames []protocol.Frame) int {
	n := 0
	for _, f := range frames {
		if tok, ok := f.(protocol.TextToken); ok && tok.Last {
			n++
		}
	}
	return n
}

func TestRelaySession_BackToBackPromptsReplyToLatest(t *testing.T) {
	for _, procs := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("procs=%d", procs), func(t *testing.T) {
			prev := runtime.GOMAXPROCS(procs)
			defer runtime.GOMAXPROCS(prev)

			for i := 0; i < 50; i++ {
				conn := newFakeConn()
				s, done := startSession(t, conn, replyAgent(), Config{})

				conn.send(testSetup)
				conn.send(`{"type":"prompt","voicePrompt":"first","last":true}`)
				conn.send(`{"type":"prompt","voicePrompt":"second","last":true}`)
				waitFor(t, 2*time.Second, func() bool { return conn.hasWrite(`"last":true`) })
				conn.hangUp()
				waitRun(t, done)

				tr := s.State().Transcript()
				if len(tr) < 3 {
					t.Fatalf("run %d: transcript=%+v", i, tr)
				}
				if tr[0].Role != agent.RoleUser || tr[0].Content != "first" {
					t.Fatalf("run %d: first turn=%+v", i, tr[0])
				}
				last := tr[len(tr)-1]
				if last.Role != agent.RoleAssistant || last.Content != "Reply to second" || last.Interrupted {
					t.Fatalf("run %d: last turn=%+v, transcript=%+v", i, last, tr)
				}
				if user := tr[len(tr)-2]; user.Role != agent.RoleUser || user.Content != "second" {
					t.Fatalf("run %d: transcript=%+v", i, tr)
				}
				if n := countTerminalTokens(conn.frames(t)); n != 1 {
					t.Fatalf("run %d: terminal tokens=%d, want 1", i, n)
				}
				if _, streaming := s.State().PendingSnapshot(); streaming {
					t.Fatalf("run %d: response still pending", i)
				}
			}
		})
	}
}

func TestRelaySession_NewPromptRecordsSupersededReply(t *testing.T) {
	conn := newFakeConn()
	a := &fakeAgent{streamFn: func(ctx context.Context, req agent.Request) (agent.TokenStream, error) {
		if req.Prompt != "first" {
			return &fakeStream{tokens: []string{"Sure."}}, nil
		}
		s := &fakeStream{tokens: []string{"Hi", " there", " and more"}, errAt: 2}
		s.before = func(i int) {
			if i == 2 {
				<-ctx.Done()
				s.err = ctx.Err()
			}
		}
		return s, nil
	}}
	s, done := startSession(t, conn, a, Config{})

	conn.send(testSetup)
	conn.send(`{"type":"prompt","voicePrompt":"first","last":true}`)
	waitFor(t, 2*time.Second, func() bool { return len(conn.textWrites()) >= 2 })
	conn.send(`{"type":"prompt","voicePrompt":"second","last":true}`)
	waitFor(t, 2*time.Second, func() bool { return conn.hasWrite(`"last":true`) })
	conn.hangUp()
	waitRun(t, done)

	tr := s.State().Transcript()
	if len(tr) != 4 {
		t.Fatalf("len(transcript)=%d, want 4: %+v", len(tr), tr)
	}
	partial := tr[1]
	if partial.Role != agent.RoleAssistant || partial.Content != "Hi there" || !partial.Interrupted || partial.InterruptedAtOffset != 8 {
		t.Fatalf("superseded turn=%+v", partial)
	}
	if tr[2].Content != "second" || tr[3].Content != "Sure." || tr[3].Interrupted {
		t.Fatalf("transcript=%+v", tr)
	}

	calls := a.calls()
	if len(calls) != 2 {
		t.Fatalf("agent calls=%d, want 2", len(calls))
	}
	if h := calls[1].History; len(h) != 3 || h[1].Content != "Hi there" {
		t.Fatalf("history=%+v, want the spoken prefix before the new caller turn", h)
	}
}

func TestRelaySession_EmptyPromptIgnored(t *testing.T) {
	conn := newFakeConn()
	a := tokenAgent("unused")
	s, done := startSession(t, conn, a, Config{})

	conn.send(testSetup)
	conn.send(`{"type":"prompt","voicePrompt":"","last":false}`)
	conn.send(`{"type":"prompt","voicePrompt":"  ","last":true}`)
	conn.hangUp()
	waitRun(t, done)

	if got := len(a.calls()); got != 0 {
		t.Fatalf("agent calls=%d, want 0", got)
	}
	if got := len(s.State().Transcript()); got != 0 {
		t.Fatalf("len(transcript)=%d, want 0", got)
	}
}

func TestRelaySession_PriorityQueueNeverEvicts(t *testing.T) {
	s, err := New(Dependencies{
		Conn:   newFakeConn(),
		Agent:  tokenAgent(),
		Config: Config{OutboundQueueSize: 1, WriteTimeout: 20 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Cancel()

	if err := s.sendPriority(protocol.End{HandoffData: "first"}); err != nil {
		t.Fatalf("sendPriority() error = %v", err)
	}
	if err := s.sendPriority(protocol.End{HandoffData: "second"}); !errors.Is(err, errBackpressure) {
		t.Fatalf("err=%v, want backpressure when the queue is full", err)
	}
	queued := <-s.outboundPriority
	if !strings.Contains(string(queued.payload), "first") {
		t.Fatalf("queued=%s, want the first end frame kept", queued.payload)
	}
}
