package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// CBOR frames messages as a CBOR sequence (RFC 8742).
var CBOR Codec = cborCodec{}

// encMode uses Core Deterministic Encoding: sorted map keys and the
// smallest integer encoding, so equal frames produce equal bytes.
var encMode cbor.EncMode

// decMode decodes untyped maps as map[string]any, the shape the bridge
// expects for call arguments.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborCodec struct{}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) NewEncoder(w io.Writer) Encoder {
	return encMode.NewEncoder(w)
}

func (cborCodec) NewDecoder(r io.Reader) Decoder {
	return decMode.NewDecoder(r)
}

// Marshal encodes v with the deterministic CBOR encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
