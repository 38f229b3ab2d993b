package serialization

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/vmihailenco/msgpack/v5"
)

// fallbackTag is consulted when a struct field has no msgpack tag
const fallbackTag = "json"

var (
	// ErrEmptyPayload is returned when decoding an empty buffer
	ErrEmptyPayload = errors.New("serialization: empty payload")
)

// Serializer converts values to and from wire bytes
type Serializer interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
}

// MsgpackSerializer encodes values as gzip-compressed msgpack
type MsgpackSerializer struct {
	level   int
	writers sync.Pool
}

// SerializerOption configures the serializer
type SerializerOption func(*MsgpackSerializer)

// WithCompressionLevel sets the gzip compression level
func WithCompressionLevel(level int) SerializerOption {
	return func(s *MsgpackSerializer) {
		s.level = level
	}
}

// NewSerializer creates a new msgpack+gzip serializer
func NewSerializer(options ...SerializerOption) *MsgpackSerializer {
	s := &MsgpackSerializer{
		level: gzip.DefaultCompression,
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Encode marshals v and compresses the result
func (s *MsgpackSerializer) Encode(v interface{}) ([]byte, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw, err := s.writer(&buf)
	if err != nil {
		return nil, fmt.Errorf("serialization: gzip writer: %w", err)
	}
	defer s.writers.Put(zw)

	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("serialization: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("serialization: compress: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode decompresses data and unmarshals it into v
func (s *MsgpackSerializer) Decode(data []byte, v interface{}) error {
	if len(data) == 0 {
		return ErrEmptyPayload
	}

	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("serialization: decompress: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("serialization: decompress: %w", err)
	}

	return Unmarshal(raw, v)
}

func (s *MsgpackSerializer) writer(w io.Writer) (*gzip.Writer, error) {
	if zw, ok := s.writers.Get().(*gzip.Writer); ok {
		zw.Reset(w)
		return zw, nil
	}
	return gzip.NewWriterLevel(w, s.level)
}

// Marshal encodes v as msgpack without compression
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag(fallbackTag)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("serialization: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data into v
func Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return ErrEmptyPayload
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag(fallbackTag)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("serialization: decode: %w", err)
	}
	return nil
}
