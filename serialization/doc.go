// Package serialization encodes application values for the wire.
//
// Values are encoded with msgpack and the result is gzip compressed. Struct fields
// are named by their msgpack tag, falling back to the json tag, so types that are
// already annotated for JSON encode the same way without extra tags.
package serialization
