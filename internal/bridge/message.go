package bridge

import (
	"encoding/json"
	"fmt"
)

// Kind is the envelope type
type Kind string

const (
	// KindCall invokes a named function on the other side. An empty ID means no reply is wanted.
	KindCall Kind = "call"
	// KindResult settles a call successfully
	KindResult Kind = "result"
	// KindError settles a call with a CallError
	KindError Kind = "error"
	// KindEval asks the renderer to evaluate Script
	KindEval Kind = "eval"
)

// Message is the envelope exchanged with the renderer over every transport
type Message struct {
	Kind   Kind              `json:"kind"`
	ID     string            `json:"id,omitempty"`
	Name   string            `json:"name,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  *CallError        `json:"error,omitempty"`
	Script string            `json:"script,omitempty"`
}

// Validate checks the fields each kind requires
func (m Message) Validate() error {
	switch m.Kind {
	case KindCall:
		if m.Name == "" {
			return fmt.Errorf("call envelope without name")
		}
	case KindResult:
		if m.ID == "" {
			return fmt.Errorf("result envelope without id")
		}
	case KindError:
		if m.ID == "" {
			return fmt.Errorf("error envelope without id")
		}
		if m.Error == nil {
			return fmt.Errorf("error envelope without error")
		}
	case KindEval:
		if m.Script == "" {
			return fmt.Errorf("eval envelope without script")
		}
	default:
		return fmt.Errorf("unknown envelope kind %q", m.Kind)
	}
	return nil
}

// DecodeMessage parses and validates one envelope
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

// resultMessage builds the reply for a successful call
func resultMessage(id string, result json.RawMessage) Message {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return Message{Kind: KindResult, ID: id, Result: result}
}

// errorMessage builds the reply for a failed call
func errorMessage(id string, err *CallError) Message {
	return Message{Kind: KindError, ID: id, Error: err}
}

// MarshalArgs encodes Go values as an argument list
func MarshalArgs(args ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out = append(out, raw)
	}
	return out, nil
}
