// Package envelope defines the frames exchanged over a session socket.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ScopeUser is the audience class of every frame the server sends today.
const ScopeUser = "user"

type Type string

const (
	TypeInit           Type = "init"
	TypeAck            Type = "ack"
	TypeError          Type = "error"
	TypeAuthentication Type = "authentication"
	TypeSessions       Type = "sessions"
	TypeSessionsV2     Type = "sessionsV2"
	TypeActivation     Type = "activation"
	TypeVersion        Type = "version"
	TypePrometheus     Type = "prometheusQuery"
)

// Envelope is a server to client frame. It is a value type; the payload map
// is copied on construction and must not be mutated through Data.
type Envelope struct {
	Timestamp time.Time      `json:"timestamp"`
	Scope     string         `json:"scope"`
	Type      Type           `json:"type"`
	Data      map[string]any `json:"data"`
}

// New builds an envelope stamped with the current time. A string payload is
// wrapped as {"message": payload}.
func New(payload any, scope string, typ Type) Envelope {
	return Envelope{
		Timestamp: time.Now().UTC(),
		Scope:     scope,
		Type:      typ,
		Data:      normalize(payload),
	}
}

// User is shorthand for New with ScopeUser.
func User(typ Type, payload any) Envelope {
	return New(payload, ScopeUser, typ)
}

func normalize(payload any) map[string]any {
	switch p := payload.(type) {
	case nil:
		return map[string]any{}
	case string:
		return map[string]any{"message": p}
	case map[string]any:
		out := make(map[string]any, len(p))
		for k, v := range p {
			out[k] = v
		}
		return out
	}

	raw, err := json.Marshal(payload)
	if err == nil {
		var obj map[string]any
		if json.Unmarshal(raw, &obj) == nil && obj != nil {
			return obj
		}
	}
	return map[string]any{"message": payload}
}

// Bytes returns the wire form of the envelope.
func (e Envelope) Bytes() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		// Payloads come from decoded JSON or plain values; an unencodable
		// value still has to reach the client as something readable.
		fallback := Envelope{
			Timestamp: e.Timestamp,
			Scope:     e.Scope,
			Type:      TypeError,
			Data:      map[string]any{"message": fmt.Sprintf("unencodable %q payload: %v", e.Type, err)},
		}
		data, _ = json.Marshal(fallback)
	}
	return data
}

func (e Envelope) String() string {
	return string(e.Bytes())
}

// Error builds an "error" frame.
func Error(message string) Envelope {
	return User(TypeError, message)
}

// Init builds the connection acknowledgement frame.
func Init(message string) Envelope {
	return User(TypeInit, message)
}

// Ack answers a client ping.
func Ack(message string) Envelope {
	return User(TypeAck, message)
}

// Authentication tells the client its credentials can no longer be used.
func Authentication(expired, invalid bool) Envelope {
	data := map[string]any{}
	switch {
	case expired:
		data["message"] = "authentication expired"
		data["expired"] = true
	case invalid:
		data["message"] = "authentication not valid"
		data["invalid"] = true
	default:
		data["message"] = "authentication not valid"
	}
	return User(TypeAuthentication, data)
}

// ErrMalformed is returned for client frames that cannot be dispatched.
var ErrMalformed = errors.New("malformed client message")

// ClientMessage is a client to server frame.
type ClientMessage struct {
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Type      string          `json:"type"`
	Data      map[string]any  `json:"data"`
}

// ParseClientMessage decodes a raw frame. The data field must be a JSON
// object when present; a missing one is treated as empty.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var probe struct {
		Timestamp json.RawMessage `json:"timestamp"`
		Type      *string         `json:"type"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if probe.Type == nil || *probe.Type == "" {
		return ClientMessage{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	msg := ClientMessage{Timestamp: probe.Timestamp, Type: *probe.Type, Data: map[string]any{}}
	if len(probe.Data) > 0 && string(probe.Data) != "null" {
		if err := json.Unmarshal(probe.Data, &msg.Data); err != nil {
			return ClientMessage{}, fmt.Errorf("%w: data must be an object", ErrMalformed)
		}
		if msg.Data == nil {
			msg.Data = map[string]any{}
		}
	}
	return msg, nil
}
