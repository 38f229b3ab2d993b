package contracts

import (
	"github.com/vmihailenco/msgpack/v5"
)

// ReplyEnvelope is sent by a worker back to the caller's reply queue
type ReplyEnvelope struct {
	Success bool        `msgpack:"success"`
	Result  interface{} `msgpack:"result"`
}

// NewSuccessReply creates a reply carrying a handler result
func NewSuccessReply(result interface{}) ReplyEnvelope {
	return ReplyEnvelope{Success: true, Result: result}
}

// NewErrorReply creates a reply carrying an error payload
func NewErrorReply(payload interface{}) ReplyEnvelope {
	return ReplyEnvelope{Success: false, Result: payload}
}

// InboundReply is the caller-side view of a ReplyEnvelope
type InboundReply struct {
	Success bool               `msgpack:"success"`
	Result  msgpack.RawMessage `msgpack:"result"`
}
