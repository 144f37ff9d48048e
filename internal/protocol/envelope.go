package protocol

import (
	"encoding/json"
	"time"
)

// MaxEnvelopeBytes is the hard cap on a single wire frame in either
// direction. Oversized inbound frames are a protocol violation.
const MaxEnvelopeBytes = 64 * 1024

// MaxRequestIDBytes bounds the client-chosen correlation id.
const MaxRequestIDBytes = 64

// MsgType is the envelope discriminator. The set is closed.
type MsgType string

const (
	TypeSubscribe      MsgType = "SUBSCRIBE"
	TypeUnsubscribe    MsgType = "UNSUBSCRIBE"
	TypeRequest        MsgType = "REQUEST"
	TypeCommand        MsgType = "COMMAND"
	TypeData           MsgType = "DATA"
	TypeError          MsgType = "ERROR"
	TypeSystem         MsgType = "SYSTEM"
	TypeAcknowledgment MsgType = "ACKNOWLEDGMENT"
)

var knownTypes = map[MsgType]struct{}{
	TypeSubscribe:      {},
	TypeUnsubscribe:    {},
	TypeRequest:        {},
	TypeCommand:        {},
	TypeData:           {},
	TypeError:          {},
	TypeSystem:         {},
	TypeAcknowledgment: {},
}

// Envelope is one JSON message frame in either direction. Field order here
// is the wire order for outbound frames.
type Envelope struct {
	Type      MsgType         `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Action    string          `json:"action,omitempty"`
	Operation string          `json:"operation,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Topics    []string        `json:"topics,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Code      int             `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	AuthToken string          `json:"authToken,omitempty"`

	// Params carries the free request parameters of REQUEST/COMMAND
	// envelopes (every top-level key that is not a named field above).
	// Never serialized outbound.
	Params map[string]json.RawMessage `json:"-"`
}

// envelopeFields are the reserved top-level keys; everything else in an
// inbound REQUEST/COMMAND is a handler parameter.
var envelopeFields = map[string]struct{}{
	"type": {}, "topic": {}, "action": {}, "operation": {}, "requestId": {},
	"topics": {}, "data": {}, "code": {}, "message": {}, "timestamp": {},
	"authToken": {},
}

// Decode parses and validates an inbound frame. The returned *Error maps
// directly onto an ERROR envelope.
func Decode(data []byte) (*Envelope, *Error) {
	if len(data) > MaxEnvelopeBytes {
		return nil, NewError(CodeInvalidFormat, "message exceeds 64KiB limit")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, NewError(CodeInvalidFormat, "invalid message format")
	}
	if _, ok := raw["type"]; !ok {
		return nil, NewError(CodeMissingType, "message type is required")
	}

	env := &Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, NewError(CodeInvalidFormat, "invalid message format")
	}
	if _, ok := knownTypes[env.Type]; !ok {
		return nil, NewError(CodeInvalidFormat, "unknown message type: "+string(env.Type))
	}

	switch env.Type {
	case TypeSubscribe, TypeUnsubscribe:
		if len(env.Topics) == 0 {
			return nil, NewError(CodeEmptyTopics, "subscription requires at least one topic")
		}
	case TypeRequest, TypeCommand:
		if env.Topic == "" || env.Action == "" {
			return nil, NewError(CodeInvalidFormat, "topic and action are required")
		}
		if len(env.RequestID) > MaxRequestIDBytes {
			return nil, NewError(CodeInvalidFormat, "requestId exceeds 64 bytes")
		}
		// Collect free parameters for the topic handler.
		for k, v := range raw {
			if _, reserved := envelopeFields[k]; reserved {
				continue
			}
			if env.Params == nil {
				env.Params = make(map[string]json.RawMessage, len(raw))
			}
			env.Params[k] = v
		}
	}

	return env, nil
}

// Encode serializes an outbound envelope, stamping the timestamp if the
// producer did not set one.
func Encode(env *Envelope) ([]byte, error) {
	if env.Timestamp == "" {
		env.Timestamp = Now()
	}
	return json.Marshal(env)
}

// Now returns the wire timestamp format: ISO-8601 UTC.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ErrorEnvelope builds the ERROR frame for a protocol error.
func ErrorEnvelope(e *Error) *Envelope {
	return &Envelope{
		Type:      TypeError,
		Topic:     e.Topic,
		RequestID: e.RequestID,
		Code:      e.Code,
		Message:   e.Message,
	}
}
