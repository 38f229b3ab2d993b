package contracts

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Envelope wraps outgoing unbatched pushes and requests
type Envelope struct {
	Packed bool        `msgpack:"packed"`
	Data   interface{} `msgpack:"data"`
}

// PackedEnvelope carries a batch of pushes as {packed: true, items: [...]}
type PackedEnvelope struct {
	Packed bool          `msgpack:"packed"`
	Items  []interface{} `msgpack:"items"`
}

// NewEnvelope wraps a single value
func NewEnvelope(data interface{}) Envelope {
	return Envelope{Packed: false, Data: data}
}

// NewPackedEnvelope wraps a batch of values
func NewPackedEnvelope(items []interface{}) PackedEnvelope {
	if items == nil {
		items = []interface{}{}
	}
	return PackedEnvelope{Packed: true, Items: items}
}

// InboundEnvelope is the consumer-side view of an Envelope or a PackedEnvelope
type InboundEnvelope struct {
	Packed bool                 `msgpack:"packed"`
	Data   msgpack.RawMessage   `msgpack:"data"`
	Items  []msgpack.RawMessage `msgpack:"items,omitempty"`
}

// Len returns the number of values carried by the envelope
func (e *InboundEnvelope) Len() int {
	if e.Packed {
		return len(e.Items)
	}
	return 1
}
