package exchange

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
)

// gzipLevel matches what the engine writes.
const gzipLevel = 3

// Encode marshals v to JSON and gzips it into a binary frame payload.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzipLevel)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compress message: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress message: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode gunzips a binary frame payload and unmarshals the envelope.
func Decode(frame []byte) (*Envelope, error) {
	zr, err := gzip.NewReader(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("decompress frame: %w", err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress frame: %w", err)
	}
	return DecodePlain(data)
}

// DecodePlain unmarshals an uncompressed envelope.
func DecodePlain(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	return &env, nil
}
