// Package wire defines the messages participants exchange over a transport.
//
// Every message is an Envelope encoded as JSON. Request/response pairs share
// the envelope ID; the response kind is the request kind with a "_reply"
// suffix.
package wire

import (
	"encoding/json"
	"fmt"
)

// Kind names a message type.
type Kind string

const (
	KindControl         Kind = "control"
	KindTimeRequest     Kind = "time_request"
	KindSlaveRegister   Kind = "slave_register"
	KindSlaveUnregister Kind = "slave_unregister"
	KindTimeEvent       Kind = "time_event"
	KindStepRegister    Kind = "step_register"
	KindStepUnregister  Kind = "step_unregister"
	KindTriggerTick     Kind = "trigger_tick"
	KindTriggerAck      Kind = "trigger_ack"
	KindExternalTime    Kind = "external_time"
)

// Reply returns the response kind for a request kind.
func (k Kind) Reply() Kind {
	return k + "_reply"
}

// Envelope wraps one payload.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	ID      string          `json:"id,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals payload into an envelope of the given kind.
func Encode(kind Kind, id string, payload any) ([]byte, error) {
	env := Envelope{Kind: kind, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", kind, err)
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return data, nil
}

// EncodeError marshals an error reply.
func EncodeError(kind Kind, id string, cause error) ([]byte, error) {
	data, err := json.Marshal(Envelope{Kind: kind, ID: id, Error: cause.Error()})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return data, nil
}

// Decode unmarshals an envelope without touching its payload.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing kind")
	}
	return env, nil
}

// Unmarshal decodes the envelope payload into v.
func (e Envelope) Unmarshal(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("decode %s: empty payload", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Kind, err)
	}
	return nil
}
