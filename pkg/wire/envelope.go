// Package wire defines the JSON envelope exchanged on the duplex guidance channel.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/callguide/pkg/errorsx"
)

// Type tags an envelope.
type Type string

// Inbound types.
const (
	TypeAudioChunk Type = "audio-chunk"
	TypeHeartbeat  Type = "heartbeat"
	TypeStartCall  Type = "start-call"
	TypeEndCall    Type = "end-call"
)

// Outbound types.
const (
	TypeTranscription    Type = "transcription"
	TypeSuggestions      Type = "suggestions"
	TypeALMUpdate        Type = "alm-update"
	TypeCallMetrics      Type = "call-metrics"
	TypeError            Type = "error"
	TypeConnectionStatus Type = "connection-status"
)

var (
	ErrMissingType = errors.New("envelope missing type")
	ErrUnknownType = errors.New("unknown envelope type")
)

var inbound = map[Type]struct{}{
	TypeAudioChunk: {},
	TypeHeartbeat:  {},
	TypeStartCall:  {},
	TypeEndCall:    {},
}

// IsKnownInbound reports whether t is routed by the receive path.
func IsKnownInbound(t Type) bool {
	_, ok := inbound[t]
	return ok
}

// Envelope is the unit on the wire: {type, payload, timestamp}.
type Envelope struct {
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// New marshals payload into an envelope stamped with the current time.
func New(t Type, payload any) (Envelope, error) {
	return NewAt(t, payload, time.Now())
}

// NewAt is New with an explicit timestamp.
func NewAt(t Type, payload any, at time.Time) (Envelope, error) {
	env := Envelope{Type: t, Timestamp: at.UTC().Format(time.RFC3339Nano)}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errorsx.Wrap(fmt.Errorf("marshal %s payload: %w", t, err), errorsx.ReasonEnvelopeDecode)
	}
	env.Payload = raw
	return env, nil
}

// Encode serialises an envelope.
func Encode(env Envelope) ([]byte, error) {
	if strings.TrimSpace(string(env.Type)) == "" {
		return nil, errorsx.Wrap(ErrMissingType, errorsx.ReasonEnvelopeDecode)
	}
	return json.Marshal(env)
}

// Decode parses raw bytes into an envelope. It does not judge the type tag.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errorsx.Wrap(err, errorsx.ReasonEnvelopeDecode)
	}
	if strings.TrimSpace(string(env.Type)) == "" {
		return Envelope{}, errorsx.Wrap(ErrMissingType, errorsx.ReasonEnvelopeDecode)
	}
	return env, nil
}

// DecodePayload unmarshals the payload into out.
func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return errorsx.Wrap(fmt.Errorf("decode %s payload: %w", e.Type, err), errorsx.ReasonEnvelopeDecode)
	}
	return nil
}

// Time parses the envelope timestamp, returning zero time when absent or invalid.
func (e Envelope) Time() time.Time {
	ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return ts
}
