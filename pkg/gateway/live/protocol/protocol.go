// Package protocol defines the JSON envelopes exchanged on a live
// conversation connection.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/vango-go/voicegw/pkg/core"
)

// Inbound message types.
const (
	TypeSessionStart = "session.start"
	TypeAudioChunk   = "audio.chunk"
	TypeAudioEnd     = "audio.end"
	TypeSessionEnd   = "session.end"
)

// Outbound message types.
const (
	TypeSessionStarted    = "session.started"
	TypeAudioAck          = "audio.ack"
	TypeTranscriptPartial = "transcript.partial"
	TypeAssistantDelta    = "assistant.delta"
	TypeAssistantComplete = "assistant.complete"
	TypeSessionCompleted  = "session.completed"
	TypeSessionEnded      = "session.ended"
	TypeError             = "error"
)

// Error frame codes.
const (
	CodeBadRequest    = "bad_request"
	CodeUnknownType   = "unknown_type"
	CodeRateLimited   = "rate_limited"
	CodeTimeout       = "timeout"
	CodeProducerError = "producer_error"
)

// ErrNoPayload is returned for a known message type whose payload is absent
// or null. Such frames are ignored.
var ErrNoPayload = errors.New("protocol: message has no payload")

// ClientMessage is one of SessionStart, AudioChunk, AudioEnd or SessionEnd.
type ClientMessage interface {
	MessageType() string
}

type SessionStart struct {
	SessionID string `json:"sessionId,omitempty"`
}

type AudioChunk struct {
	SessionID  string `json:"sessionId"`
	Sequence   int    `json:"sequence"`
	Base64Data string `json:"base64Data"`
}

type AudioEnd struct {
	SessionID string `json:"sessionId"`
}

type SessionEnd struct {
	SessionID string `json:"sessionId"`
}

func (SessionStart) MessageType() string { return TypeSessionStart }
func (AudioChunk) MessageType() string   { return TypeAudioChunk }
func (AudioEnd) MessageType() string     { return TypeAudioEnd }
func (SessionEnd) MessageType() string   { return TypeSessionEnd }

// LogAttrs describes the chunk for logging without its audio bytes.
func (m AudioChunk) LogAttrs() []any {
	return []any{
		slog.String("session_id", m.SessionID),
		slog.Int("sequence", m.Sequence),
		slog.Int("base64_len", len(m.Base64Data)),
	}
}

type inboundEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeClientMessage parses one inbound text frame. Unknown types fail with
// core.ErrUnknownMessageType; malformed frames fail with core.ErrDecode.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, core.NewDecodeError("invalid json frame", "")
	}
	typ := strings.TrimSpace(env.Type)
	if typ == "" {
		return nil, core.NewDecodeError("missing type", "type")
	}

	switch typ {
	case TypeSessionStart:
		var msg SessionStart
		if err := decodePayload(env.Payload, &msg); err != nil {
			return nil, err
		}
		msg.SessionID = strings.TrimSpace(msg.SessionID)
		return msg, nil
	case TypeAudioChunk:
		var p struct {
			SessionID  string  `json:"sessionId"`
			Sequence   *int    `json:"sequence"`
			Base64Data *string `json:"base64Data"`
		}
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		id, err := requireSessionID(typ, p.SessionID)
		if err != nil {
			return nil, err
		}
		if p.Sequence == nil {
			return nil, core.NewDecodeError("audio.chunk.sequence is required", "sequence")
		}
		if p.Base64Data == nil {
			return nil, core.NewDecodeError("audio.chunk.base64Data is required", "base64Data")
		}
		return AudioChunk{SessionID: id, Sequence: *p.Sequence, Base64Data: *p.Base64Data}, nil
	case TypeAudioEnd:
		var msg AudioEnd
		if err := decodePayload(env.Payload, &msg); err != nil {
			return nil, err
		}
		id, err := requireSessionID(typ, msg.SessionID)
		if err != nil {
			return nil, err
		}
		msg.SessionID = id
		return msg, nil
	case TypeSessionEnd:
		var msg SessionEnd
		if err := decodePayload(env.Payload, &msg); err != nil {
			return nil, err
		}
		id, err := requireSessionID(typ, msg.SessionID)
		if err != nil {
			return nil, err
		}
		msg.SessionID = id
		return msg, nil
	default:
		return nil, core.NewUnknownMessageTypeError(typ)
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ErrNoPayload
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return core.NewDecodeError("invalid payload", "payload")
	}
	return nil
}

func requireSessionID(typ, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", core.NewDecodeError(typ+".sessionId is required", "sessionId")
	}
	return id, nil
}

// Envelope is an outbound frame.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type SessionStarted struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
}

type AudioAck struct {
	Sequence int `json:"sequence"`
}

type TranscriptPartial struct {
	Text    string  `json:"text"`
	StartMs float64 `json:"startMs"`
	EndMs   float64 `json:"endMs"`
}

type AssistantDelta struct {
	Text string `json:"text"`
}

type AssistantComplete struct{}

type SessionCompleted struct {
	SessionID string `json:"sessionId"`
}

type SessionEnded struct {
	SessionID string `json:"sessionId"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

func NewSessionStarted(id, state string) Envelope {
	return Envelope{Type: TypeSessionStarted, Payload: SessionStarted{SessionID: id, State: state}}
}

func NewAudioAck(seq int) Envelope {
	return Envelope{Type: TypeAudioAck, Payload: AudioAck{Sequence: seq}}
}

func NewTranscriptPartial(text string, startMs, endMs float64) Envelope {
	return Envelope{Type: TypeTranscriptPartial, Payload: TranscriptPartial{Text: text, StartMs: startMs, EndMs: endMs}}
}

func NewAssistantDelta(text string) Envelope {
	return Envelope{Type: TypeAssistantDelta, Payload: AssistantDelta{Text: text}}
}

func NewAssistantComplete() Envelope {
	return Envelope{Type: TypeAssistantComplete, Payload: AssistantComplete{}}
}

func NewSessionCompleted(id string) Envelope {
	return Envelope{Type: TypeSessionCompleted, Payload: SessionCompleted{SessionID: id}}
}

func NewSessionEnded(id string) Envelope {
	return Envelope{Type: TypeSessionEnded, Payload: SessionEnded{SessionID: id}}
}

func NewError(code, message, reason string) Envelope {
	return Envelope{Type: TypeError, Payload: Error{Code: code, Message: message, Reason: reason}}
}
