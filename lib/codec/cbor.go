// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so a given
// envelope always produces the same bytes.
var encMode cbor.EncMode

// decMode decodes untyped maps as map[string]any. Envelope payloads are
// opaque values that handlers inspect as JSON-shaped data and the relay
// later re-encodes as JSON for the device; the CBOR default of
// map[any]any would break both.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Payload numbers decode as int64 when they fit, matching
		// what encoding/json callers compare against in tests and
		// handlers.
		IntDec: cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder is a CBOR stream encoder.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder.
type Decoder = cbor.Decoder

// NewEncoder returns a stream encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a stream decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
