// Package proto defines the inter-CI message model, the lifecycle status
// and event enums, and the JSON codecs shared by the registry, the
// lifecycle manager, and the socket server.
package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"argo/pkg/cierrors"
)

// MaxMessageSize bounds a single wire message. Larger frames are rejected
// before parsing.
const MaxMessageSize = 8 * 1024

// DefaultMessageType is assumed when a wire frame omits the type field.
const DefaultMessageType = "request"

// Well-known message types. The field is free-form on the wire; these are
// the values the daemon itself produces.
const (
	TypeRequest   = "request"
	TypeResponse  = "response"
	TypeHeartbeat = "heartbeat"
	TypeTask      = "task"
	TypeShutdown  = "shutdown"
	TypeError     = "error"
)

// Metadata carries optional routing hints on a message.
type Metadata struct {
	Priority  int `json:"priority,omitempty"`
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

// Message is one inter-CI message. From, To, Type, and Content are the
// minimal wire fields; ThreadID, Metadata, and Timestamp are recognized by
// the registry codec but not required by the socket parser.
type Message struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Metadata  *Metadata `json:"metadata,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// NewMessage creates a message stamped with the current time.
func NewMessage(from, to, msgType, content string) *Message {
	if msgType == "" {
		msgType = DefaultMessageType
	}
	return &Message{
		From:      from,
		To:        to,
		Type:      msgType,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks the fields required for routing.
func (m *Message) Validate() error {
	if m.From == "" {
		return cierrors.New(cierrors.KindInput, "proto.validate", "from is required")
	}
	if m.To == "" {
		return cierrors.New(cierrors.KindInput, "proto.validate", "to is required")
	}
	if m.Type == "" {
		return cierrors.New(cierrors.KindInput, "proto.validate", "type is required")
	}
	return nil
}

// ToJSON serializes the full message, optional fields included.
func (m *Message) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, cierrors.Wrap(cierrors.KindInternal, "proto.encode", err, "marshal message")
	}
	if len(data) > MaxMessageSize {
		return nil, cierrors.Newf(cierrors.KindProtocol, "proto.encode",
			"message of %d bytes exceeds %d byte limit", len(data), MaxMessageSize)
	}
	return data, nil
}

// ToWire serializes only the minimal wire fields, dropping thread and
// metadata extensions. This is the form written to a CI socket.
func (m *Message) ToWire() ([]byte, error) {
	wire := struct {
		From    string `json:"from"`
		To      string `json:"to"`
		Type    string `json:"type"`
		Content string `json:"content"`
	}{m.From, m.To, m.Type, m.Content}

	data, err := json.Marshal(&wire)
	if err != nil {
		return nil, cierrors.Wrap(cierrors.KindInternal, "proto.encode_wire", err, "marshal message")
	}
	if len(data) > MaxMessageSize {
		return nil, cierrors.Newf(cierrors.KindProtocol, "proto.encode_wire",
			"message of %d bytes exceeds %d byte limit", len(data), MaxMessageSize)
	}
	return data, nil
}

// ParseMessage decodes a full message as produced by ToJSON. All routing
// fields must be present.
func ParseMessage(data []byte) (*Message, error) {
	if len(data) > MaxMessageSize {
		return nil, cierrors.Newf(cierrors.KindProtocol, "proto.parse",
			"frame of %d bytes exceeds %d byte limit", len(data), MaxMessageSize)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, cierrors.Wrap(cierrors.KindProtocol, "proto.parse", err, "malformed message")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ParseWire decodes a minimal wire frame. from and to are required;
// content may be empty; a missing type defaults to "request". Unknown
// fields are ignored so richer producers interoperate with the minimal
// parser.
func ParseWire(data []byte) (*Message, error) {
	if len(data) > MaxMessageSize {
		return nil, cierrors.Newf(cierrors.KindProtocol, "proto.parse_wire",
			"frame of %d bytes exceeds %d byte limit", len(data), MaxMessageSize)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, cierrors.Wrap(cierrors.KindProtocol, "proto.parse_wire", err, "malformed frame")
	}
	if msg.From == "" {
		return nil, cierrors.New(cierrors.KindProtocol, "proto.parse_wire", "from is required")
	}
	if msg.To == "" {
		return nil, cierrors.New(cierrors.KindProtocol, "proto.parse_wire", "to is required")
	}
	if msg.Type == "" {
		msg.Type = DefaultMessageType
	}
	return &msg, nil
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	clone := *m
	if m.Metadata != nil {
		md := *m.Metadata
		clone.Metadata = &md
	}
	return &clone
}

// Timeout returns the metadata timeout as a duration, or def when unset.
func (m *Message) Timeout(def time.Duration) time.Duration {
	if m.Metadata != nil && m.Metadata.TimeoutMs > 0 {
		return time.Duration(m.Metadata.TimeoutMs) * time.Millisecond
	}
	return def
}

func (m *Message) String() string {
	return fmt.Sprintf("%s->%s [%s] %q", m.From, m.To, m.Type, m.Content)
}
