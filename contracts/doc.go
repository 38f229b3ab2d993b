// Package contracts defines the wire envelopes exchanged over the broker.
//
// Three shapes travel on the wire:
//   - Envelope: a push or an RPC request, either a single value ({packed:false, data})
//     or a batch of values ({packed:true, items})
//   - ReplyEnvelope: an RPC reply ({success, result})
//   - a raw encoded value for topic publications
//
// Outbound envelopes carry arbitrary Go values; inbound envelopes keep every member
// as undecoded msgpack so a consumer can decode each value on its own.
package contracts
