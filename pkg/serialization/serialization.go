package serialization

import (
	"bytes"
	"io"
)

const (

	// JSONType represents the serialization type for JSON format.
	JSONType = "json"

	// GobType represents the serialization type for Gob format.
	GobType = "gob"
)

// Decoder and Encoder are the interface for serialization.
type Decoder interface {
	Decode(v any) error
}

// Encoder and Decoder are the interface for serialization.
type Encoder interface {
	Encode(v any) error
}

// Marshal encodes v once into a byte payload with the given encoder factory.
func Marshal(newEncoder func(io.Writer) Encoder, v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := newEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a payload produced by Marshal into v.
func Unmarshal(newDecoder func(io.Reader) Decoder, data []byte, v any) error {
	return newDecoder(bytes.NewReader(data)).Decode(v)
}
