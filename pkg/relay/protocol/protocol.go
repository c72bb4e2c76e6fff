package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Frame kinds as they appear in the "type" discriminator.
const (
	KindSetup     = "setup"
	KindPrompt    = "prompt"
	KindInterrupt = "interrupt"
	KindDTMF      = "dtmf"
	KindError     = "error"
	KindText      = "text"
	KindPlay      = "play"
	KindEnd       = "end"
)

const (
	CodeMalformedFrame   = "malformed_frame"
	CodeUnknownFrameKind = "unknown_frame_kind"
)

var (
	ErrMalformedFrame   = errors.New("malformed relay frame")
	ErrUnknownFrameKind = errors.New("unknown relay frame kind")
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

// Is lets callers match on ErrMalformedFrame / ErrUnknownFrameKind.
func (e *DecodeError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrMalformedFrame:
		return e.Code == CodeMalformedFrame
	case ErrUnknownFrameKind:
		return e.Code == CodeUnknownFrameKind
	}
	return false
}

func malformed(message, param string) *DecodeError {
	return &DecodeError{Code: CodeMalformedFrame, Message: message, Param: param}
}

func unknownKind(kind string) *DecodeError {
	return &DecodeError{Code: CodeUnknownFrameKind, Message: fmt.Sprintf("unsupported frame type %q", kind), Param: "type"}
}

// Frame is one ConversationRelay message. The set of variants is closed:
// only types declared in this package implement it.
type Frame interface {
	frameKind() string
}

// Setup is the first frame Twilio sends on a new relay connection.
type Setup struct {
	SessionID        string            `json:"sessionId"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	ParentCallSID    string            `json:"parentCallSid,omitempty"`
	From             string            `json:"from"`
	To               string            `json:"to"`
	ForwardedFrom    string            `json:"forwardedFrom,omitempty"`
	CallerName       string            `json:"callerName,omitempty"`
	Direction        string            `json:"direction"`
	CallType         string            `json:"callType,omitempty"`
	CallStatus       string            `json:"callStatus,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// Prompt carries one transcribed caller utterance.
type Prompt struct {
	VoicePrompt string `json:"voicePrompt"`
	Lang        string `json:"lang,omitempty"`
	Last        bool   `json:"last"`
}

// Interrupt reports caller barge-in over assistant playback.
type Interrupt struct {
	UtteranceUntilInterrupt  string `json:"utteranceUntilInterrupt"`
	DurationUntilInterruptMS int64  `json:"durationUntilInterruptMs"`
}

type DTMF struct {
	Digit string `json:"digit"`
}

// Error is reported by Twilio when the relay leg fails.
type Error struct {
	Description string `json:"description"`
}

// TextToken sends one piece of assistant text for synthesis.
type TextToken struct {
	Token         string `json:"token"`
	Last          bool   `json:"last"`
	Interruptible *bool  `json:"interruptible,omitempty"`
	Preemptible   *bool  `json:"preemptible,omitempty"`
	Lang          string `json:"lang,omitempty"`
}

// PlayToken asks Twilio to play an audio file.
type PlayToken struct {
	Source        string `json:"source"`
	Loop          int    `json:"loop,omitempty"`
	Interruptible *bool  `json:"interruptible,omitempty"`
	Preemptible   *bool  `json:"preemptible,omitempty"`
	Lang          string `json:"lang,omitempty"`
}

// End terminates the relay session; Twilio continues with the <Connect> action URL.
type End struct {
	HandoffData string `json:"handoffData,omitempty"`
}

func (Setup) frameKind() string     { return KindSetup }
func (Prompt) frameKind() string    { return KindPrompt }
func (Interrupt) frameKind() string { return KindInterrupt }
func (DTMF) frameKind() string      { return KindDTMF }
func (Error) frameKind() string     { return KindError }
func (TextToken) frameKind() string { return KindText }
func (PlayToken) frameKind() string { return KindPlay }
func (End) frameKind() string       { return KindEnd }

// Kind returns the wire discriminator for f, or "" for nil.
func Kind(f Frame) string {
	if f == nil {
		return ""
	}
	return f.frameKind()
}

func Bool(v bool) *bool { return &v }

// Decode parses one raw relay payload.
func Decode(data []byte) (Frame, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, malformed("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, malformed("missing type", "type")
	}

	switch typ {
	case KindSetup:
		var msg Setup
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed("invalid setup frame", "")
		}
		if strings.TrimSpace(msg.CallSID) == "" {
			return nil, malformed("setup.callSid is required", "callSid")
		}
		return msg, nil
	case KindPrompt:
		var msg Prompt
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed("invalid prompt frame", "")
		}
		return msg, nil
	case KindInterrupt:
		var msg Interrupt
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed("invalid interrupt frame", "")
		}
		if msg.DurationUntilInterruptMS < 0 {
			return nil, malformed("interrupt.durationUntilInterruptMs must be >= 0", "durationUntilInterruptMs")
		}
		return msg, nil
	case KindDTMF:
		var msg DTMF
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed("invalid dtmf frame", "")
		}
		if strings.TrimSpace(msg.Digit) == "" {
			return nil, malformed("dtmf.digit is required", "digit")
		}
		return msg, nil
	case KindError:
		var msg Error
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed("invalid error frame", "")
		}
		return msg, nil
	case KindText:
		var msg TextToken
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed("invalid text frame", "")
		}
		return msg, nil
	case KindPlay:
		var msg PlayToken
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed("invalid play frame", "")
		}
		if strings.TrimSpace(msg.Source) == "" {
			return nil, malformed("play.source is required", "source")
		}
		if msg.Loop < 0 {
			return nil, malformed("play.loop must be >= 0", "loop")
		}
		return msg, nil
	case KindEnd:
		var msg End
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed("invalid end frame", "")
		}
		return msg, nil
	default:
		return nil, unknownKind(typ)
	}
}

// Encode renders f in the exact wire shape the relay expects.
func Encode(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case Setup:
		return json.Marshal(struct {
			Type string `json:"type"`
			Setup
		}{KindSetup, v})
	case Prompt:
		return json.Marshal(struct {
			Type string `json:"type"`
			Prompt
		}{KindPrompt, v})
	case Interrupt:
		return json.Marshal(struct {
			Type string `json:"type"`
			Interrupt
		}{KindInterrupt, v})
	case DTMF:
		return json.Marshal(struct {
			Type string `json:"type"`
			DTMF
		}{KindDTMF, v})
	case Error:
		return json.Marshal(struct {
			Type string `json:"type"`
			Error
		}{KindError, v})
	case TextToken:
		return json.Marshal(struct {
			Type string `json:"type"`
			TextToken
		}{KindText, v})
	case PlayToken:
		return json.Marshal(struct {
			Type string `json:"type"`
			PlayToken
		}{KindPlay, v})
	case End:
		return json.Marshal(struct {
			Type string `json:"type"`
			End
		}{KindEnd, v})
	case nil:
		return nil, fmt.Errorf("encode: nil frame")
	default:
		return nil, fmt.Errorf("encode: unsupported frame %T", f)
	}
}

// RedactedForLog masks caller identifiers; phone numbers never reach the logs.
func (s Setup) RedactedForLog() map[string]any {
	paramNames := make([]string, 0, len(s.CustomParameters))
	for k := range s.CustomParameters {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		paramNames = append(paramNames, k)
	}
	sort.Strings(paramNames)
	if len(paramNames) > 32 {
		paramNames = paramNames[:32]
	}

	return map[string]any{
		"session_id":  s.SessionID,
		"call_sid":    s.CallSID,
		"direction":   s.Direction,
		"call_type":   s.CallType,
		"call_status": s.CallStatus,
		"from":        MaskNumber(s.From),
		"to":          MaskNumber(s.To),
		"has_caller":  strings.TrimSpace(s.CallerName) != "",
		"param_names": paramNames,
	}
}

// MaskNumber keeps the last four characters of a phone number.
func MaskNumber(n string) string {
	n = strings.TrimSpace(n)
	if n == "" {
		return ""
	}
	if len(n) <= 4 {
		return "***"
	}
	return strings.Repeat("*", len(n)-4) + n[len(n)-4:]
}
