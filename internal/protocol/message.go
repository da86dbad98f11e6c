// Package protocol defines the JSON messages exchanged with the browser over
// the page websocket.
package protocol

import (
	"encoding/json"

	"github.com/zot/ui-compose/internal/host"
	"github.com/zot/ui-compose/internal/tree"
)

// MessageType identifies the type of protocol message.
type MessageType string

const (
	// Server to browser
	MsgReset   MessageType = "reset"   // full page body, sent on connect
	MsgPatches MessageType = "patches" // incremental tree changes
	MsgSlots   MessageType = "slots"   // slot status snapshot
	MsgError   MessageType = "error"

	// Browser to server
	MsgRetry    MessageType = "retry"
	MsgReload   MessageType = "reload"
	MsgGetSlots MessageType = "getSlots"
)

// Message is the base protocol message structure.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ResetMessage replaces the page body.
type ResetMessage struct {
	Title string `json:"title"`
	HTML  string `json:"html"`
}

// PatchesMessage carries tree patches in the order they happened.
type PatchesMessage struct {
	Patches []tree.Patch `json:"patches"`
}

// SlotsMessage reports every slot's state.
type SlotsMessage struct {
	Slots []host.SlotStatus `json:"slots"`
}

// SlotMessage names the slot a retry or reload applies to.
type SlotMessage struct {
	Slot string `json:"slot"`
}

// ErrorMessage represents an error response.
type ErrorMessage struct {
	Code        string `json:"code"` // One-word error code (e.g., "unknown-slot", "not-settled")
	Description string `json:"description"`
}

// Response wraps REST API results.
type Response struct {
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// BatchWrapper wraps a batch of messages.
type BatchWrapper struct {
	Messages []Message `json:"messages"`
}

// ParseMessage parses a raw JSON message.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ParseMessages parses raw JSON that may be a single message, an array, or a batch wrapper.
func ParseMessages(data []byte) ([]*Message, error) {
	if len(data) == 0 {
		return nil, nil
	}

	switch data[0] {
	case '[':
		var msgs []Message
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, err
		}
		result := make([]*Message, len(msgs))
		for i := range msgs {
			result[i] = &msgs[i]
		}
		return result, nil

	case '{':
		var wrapper BatchWrapper
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil, err
		}
		if len(wrapper.Messages) > 0 {
			result := make([]*Message, len(wrapper.Messages))
			for i := range wrapper.Messages {
				result[i] = &wrapper.Messages[i]
			}
			return result, nil
		}
		msg, err := ParseMessage(data)
		if err != nil {
			return nil, err
		}
		return []*Message{msg}, nil

	default:
		return nil, nil
	}
}

// NewMessage creates a new message with the given type and data.
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}
	return &Message{
		Type: msgType,
		Data: raw,
	}, nil
}

// Decode unmarshals the message data into v.
func (m *Message) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Encode serializes a message to JSON.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
