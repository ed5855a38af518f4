package protocol

import (
	"encoding/json"
	"fmt"
)

// Message is the JSON envelope of every frame in both directions:
//
//	{"event": "secondary-connect-by-qr", "args": ["<public key>", "<token>"]}
type Message struct {
	Event Event             `json:"event"`
	Args  []json.RawMessage `json:"args,omitempty"`
}

func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Event == "" {
		return Message{}, fmt.Errorf("decode message: missing event")
	}
	return msg, nil
}

// Encode builds a frame for event with args marshalled in order.
func Encode(event Event, args ...any) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encode %s arg %d: %w", event, i, err)
		}
		raw = append(raw, data)
	}
	return json.Marshal(Message{Event: event, Args: raw})
}

func (m Message) arg(i int) (json.RawMessage, bool) {
	if i < 0 || i >= len(m.Args) {
		return nil, false
	}
	raw := m.Args[i]
	if len(raw) == 0 || string(raw) == "null" {
		return nil, false
	}
	return raw, true
}

// String returns argument i as a non-empty string.
func (m Message) String(i int) (string, error) {
	raw, ok := m.arg(i)
	if !ok {
		return "", fmt.Errorf("%s: missing argument %d", m.Event, i)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%s: argument %d is not a string", m.Event, i)
	}
	if s == "" {
		return "", fmt.Errorf("%s: argument %d is empty", m.Event, i)
	}
	return s, nil
}

// OptionalString returns argument i, or "" when it is absent, null or empty.
func (m Message) OptionalString(i int) (string, error) {
	raw, ok := m.arg(i)
	if !ok {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%s: argument %d is not a string", m.Event, i)
	}
	return s, nil
}

// Bool treats an absent argument as false. Anything other than a JSON
// boolean is rejected.
func (m Message) Bool(i int) (bool, error) {
	raw, ok := m.arg(i)
	if !ok {
		return false, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, fmt.Errorf("%s: argument %d is not a boolean", m.Event, i)
	}
	return b, nil
}

// Raw returns argument i untouched. Payloads are relayed byte for byte.
func (m Message) Raw(i int) (json.RawMessage, error) {
	raw, ok := m.arg(i)
	if !ok {
		return nil, fmt.Errorf("%s: missing argument %d", m.Event, i)
	}
	return raw, nil
}
