// Package json is a thin wrapper over sonic so the rest of the codebase can
// swap JSON engines in one place.
package json

import (
	stdjson "encoding/json"
	"io"

	"github.com/bytedance/sonic"
)

// Re-exported stdlib types so callers never import encoding/json directly.
type (
	RawMessage = stdjson.RawMessage
	Number     = stdjson.Number
	Marshaler  = stdjson.Marshaler
)

var api = sonic.ConfigStd

// Marshal encodes v using sonic with stdlib-compatible behavior.
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// MarshalIndent encodes v with indentation.
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// Valid reports whether data is syntactically valid JSON.
func Valid(data []byte) bool {
	return api.Valid(data)
}

// Encoder streams JSON values to an io.Writer.
type Encoder struct {
	enc sonic.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: api.NewEncoder(w)}
}

func (e *Encoder) Encode(v any) error { return e.enc.Encode(v) }

func (e *Encoder) SetEscapeHTML(on bool) { e.enc.SetEscapeHTML(on) }

// Decoder streams JSON values from an io.Reader.
type Decoder struct {
	dec sonic.Decoder
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: api.NewDecoder(r)}
}

func (d *Decoder) Decode(v any) error { return d.dec.Decode(v) }

func (d *Decoder) More() bool { return d.dec.More() }
