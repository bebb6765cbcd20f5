package codec

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByName(t *testing.T) {
	c, err := ByName("json")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	c, err = ByName("cbor")
	require.NoError(t, err)
	assert.Equal(t, "cbor", c.Name())

	_, err = ByName("xml")
	assert.ErrorContains(t, err, `unknown codec "xml"`)

	assert.Equal(t, []string{"cbor", "json"}, Names())
}

func TestCodecs_StreamRoundtrip(t *testing.T) {
	frames := []Frame{
		{Kind: KindCall, ID: 1, Method: "init", Args: map[string]any{
			"mobileKey":         "sdk-x",
			"user":              map[string]any{"email": "a@b.c"},
			"privateAttributes": []any{"email"},
		}},
		{Kind: KindResult, ID: 1, Value: true},
		{Kind: KindResult, ID: 2, NotImplemented: true},
		{Kind: KindNotification, Method: "callbackAllFlagsListener", Args: map[string]any{
			"flagKeys":   []any{"a", "b"},
			"listenerId": "w",
		}},
	}

	for _, c := range []Codec{JSON, CBOR} {
		t.Run(c.Name(), func(t *testing.T) {
			var buf bytes.Buffer
			enc := c.NewEncoder(&buf)
			for _, f := range frames {
				require.NoError(t, enc.Encode(f))
			}

			dec := c.NewDecoder(&buf)
			for i, want := range frames {
				var got Frame
				require.NoError(t, dec.Decode(&got), "frame %d", i)
				assert.Equal(t, want, got, "frame %d", i)
			}

			var extra Frame
			assert.True(t, errors.Is(dec.Decode(&extra), io.EOF))
		})
	}
}

func TestJSON_OneFramePerLine(t *testing.T) {
	var buf bytes.Buffer
	enc := JSON.NewEncoder(&buf)
	require.NoError(t, enc.Encode(Frame{Kind: KindResult, ID: 1, Value: "<b>"}))
	require.NoError(t, enc.Encode(Frame{Kind: KindResult, ID: 2, Value: false}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `{"kind":"result","id":1,"value":"<b>"}`, lines[0])
	assert.Equal(t, `{"kind":"result","id":2,"value":false}`, lines[1])
}

func TestJSON_NumbersDecodeAsFloat(t *testing.T) {
	dec := JSON.NewDecoder(strings.NewReader(`{"kind":"call","id":3,"method":"intVariationFallback","args":{"fallback":7}}`))

	var f Frame
	require.NoError(t, dec.Decode(&f))
	assert.Equal(t, uint64(3), f.ID)
	assert.Equal(t, 7.0, f.Args["fallback"])
}

func TestCBOR_IntegersAndNestedMaps(t *testing.T) {
	data, err := Marshal(map[string]any{
		"kind": KindCall,
		"args": map[string]any{
			"fallback": 7,
			"custom":   map[string]any{"age": -2},
		},
	})
	require.NoError(t, err)

	var f Frame
	require.NoError(t, Unmarshal(data, &f))
	assert.Equal(t, uint64(7), f.Args["fallback"])
	assert.Equal(t, map[string]any{"age": int64(-2)}, f.Args["custom"])
}

func TestCBOR_Deterministic(t *testing.T) {
	f := Frame{Kind: KindNotification, Method: "m", Args: map[string]any{"z": 1, "a": 2, "m": 3}}

	first, err := Marshal(f)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Marshal(f)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDecoders_RejectGarbage(t *testing.T) {
	var f Frame
	assert.Error(t, JSON.NewDecoder(strings.NewReader("not json\n")).Decode(&f))
	assert.Error(t, CBOR.NewDecoder(bytes.NewReader([]byte{0xff})).Decode(&f))
}
