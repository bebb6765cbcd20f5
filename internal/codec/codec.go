// Package codec frames the messages exchanged with a host over a byte
// stream. Two framings are available: newline-delimited JSON, which is
// easy to drive from a shell, and a CBOR sequence for hosts that prefer a
// binary channel.
package codec

import (
	"fmt"
	"io"
	"sort"
)

// Frame kinds.
const (
	KindCall         = "call"
	KindResult       = "result"
	KindNotification = "notification"
)

// Frame is one message on the wire. Calls carry ID, Method and Args;
// results echo the ID of their call; notifications carry Method and Args.
type Frame struct {
	Kind           string         `json:"kind" cbor:"kind"`
	ID             uint64         `json:"id,omitempty" cbor:"id,omitempty"`
	Method         string         `json:"method,omitempty" cbor:"method,omitempty"`
	Args           map[string]any `json:"args,omitempty" cbor:"args,omitempty"`
	Value          any            `json:"value" cbor:"value"`
	NotImplemented bool           `json:"notImplemented,omitempty" cbor:"notImplemented,omitempty"`
	Error          string         `json:"error,omitempty" cbor:"error,omitempty"`
}

// Encoder writes frames. It is not safe for concurrent use.
type Encoder interface {
	Encode(v any) error
}

// Decoder reads frames. It returns io.EOF at a clean end of stream.
type Decoder interface {
	Decode(v any) error
}

// Codec creates encoders and decoders for one framing.
type Codec interface {
	Name() string
	NewEncoder(w io.Writer) Encoder
	NewDecoder(r io.Reader) Decoder
}

var codecs = map[string]Codec{
	JSON.Name(): JSON,
	CBOR.Name(): CBOR,
}

// ByName returns the codec registered under name.
func ByName(name string) (Codec, error) {
	c, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("unknown codec %q (available: %v)", name, Names())
	}
	return c, nil
}

// Names lists the registered codecs, sorted.
func Names() []string {
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
