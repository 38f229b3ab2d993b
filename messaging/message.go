package messaging

import (
	"github.com/glimte/mmate-lite/serialization"
	"github.com/vmihailenco/msgpack/v5"
)

// Message is a single value delivered to a worker or subscriber
type Message struct {
	// Destination is the queue or exchange the message arrived on
	Destination string

	// CorrelationID and ReplyTo are set for RPC requests
	CorrelationID string
	ReplyTo       string

	// Packed reports whether the value arrived as part of a batch
	Packed bool

	raw msgpack.RawMessage
}

// NewMessage creates a message around an encoded value
func NewMessage(destination string, raw []byte) *Message {
	return &Message{Destination: destination, raw: raw}
}

// Raw returns the msgpack encoding of the value
func (m *Message) Raw() []byte {
	return m.raw
}

// Decode unmarshals the value into v
func (m *Message) Decode(v interface{}) error {
	return serialization.Unmarshal(m.raw, v)
}

// Value decodes the message into a generic value
func (m *Message) Value() (interface{}, error) {
	var v interface{}
	if err := m.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// Reply is the successful result of an RPC call
type Reply struct {
	Destination   string
	CorrelationID string

	raw msgpack.RawMessage
}

// Raw returns the msgpack encoding of the result
func (r *Reply) Raw() []byte {
	return r.raw
}

// Decode unmarshals the result into v
func (r *Reply) Decode(v interface{}) error {
	return serialization.Unmarshal(r.raw, v)
}
