package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	launchdarkly "github.com/andre-paraense/launchdarkly-flutter"
	"github.com/andre-paraense/launchdarkly-flutter/internal/codec"
	"github.com/andre-paraense/launchdarkly-flutter/internal/remote"
)

type echoHandler struct{}

func (echoHandler) Handle(_ context.Context, call launchdarkly.MethodCall) launchdarkly.Result {
	if call.Method == "unknown" {
		return launchdarkly.NotImplemented()
	}
	return launchdarkly.Success(call.Args["flagKey"])
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readFrames(t *testing.T, c codec.Codec, data []byte) map[uint64]codec.Frame {
	t.Helper()
	out := make(map[uint64]codec.Frame)
	dec := c.NewDecoder(bytes.NewReader(data))
	for {
		var f codec.Frame
		err := dec.Decode(&f)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out[f.ID] = f
	}
}

func TestHost_ServeAnswersEveryCall(t *testing.T) {
	for _, c := range []codec.Codec{codec.JSON, codec.CBOR} {
		t.Run(c.Name(), func(t *testing.T) {
			var in, out bytes.Buffer
			enc := c.NewEncoder(&in)
			require.NoError(t, enc.Encode(codec.Frame{Kind: codec.KindCall, ID: 1, Method: "boolVariation", Args: map[string]any{"flagKey": "a"}}))
			require.NoError(t, enc.Encode(codec.Frame{Kind: codec.KindCall, ID: 2, Method: "unknown"}))
			require.NoError(t, enc.Encode(codec.Frame{Kind: codec.KindResult, ID: 3}))
			require.NoError(t, enc.Encode(codec.Frame{Kind: codec.KindCall, ID: 4, Method: "boolVariation", Args: map[string]any{"flagKey": "b"}}))

			h := newHost(c.NewEncoder(&out), discardLogger())
			h.handler = echoHandler{}
			require.NoError(t, h.serve(context.Background(), c.NewDecoder(&in)))

			frames := readFrames(t, c, out.Bytes())
			require.Len(t, frames, 4)

			assert.Equal(t, "a", frames[1].Value)
			assert.Equal(t, codec.KindResult, frames[1].Kind)
			assert.True(t, frames[2].NotImplemented)
			assert.NotEmpty(t, frames[3].Error)
			assert.Equal(t, "b", frames[4].Value)
		})
	}
}

func TestHost_ServeRejectsGarbage(t *testing.T) {
	var out bytes.Buffer
	h := newHost(codec.JSON.NewEncoder(&out), discardLogger())
	h.handler = echoHandler{}

	err := h.serve(context.Background(), codec.JSON.NewDecoder(strings.NewReader("{oops\n")))
	assert.ErrorContains(t, err, "decode frame")
}

func TestHost_NotifyWritesNotificationFrame(t *testing.T) {
	var out bytes.Buffer
	h := newHost(codec.JSON.NewEncoder(&out), discardLogger())

	h.Notify(launchdarkly.Notification{
		Method: launchdarkly.CallbackFeatureFlagChanged,
		Args:   map[string]any{"flagKey": "new-ui", "listenerId": "new-ui"},
	})

	assert.JSONEq(t,
		`{"kind":"notification","method":"callbackRegisterFeatureFlagListener","args":{"flagKey":"new-ui","listenerId":"new-ui"},"value":null}`,
		out.String())
}

func TestHost_DrivesBridge(t *testing.T) {
	svc := remote.NewMemoryService()
	svc.SetValues(map[string]any{"new-ui": true, "limit": 3})

	var out bytes.Buffer
	h := newHost(codec.JSON.NewEncoder(&out), discardLogger())
	bridge, err := launchdarkly.New(
		launchdarkly.WithRemote(svc),
		launchdarkly.WithSink(h),
		launchdarkly.WithLogger(discardLogger()),
		launchdarkly.WithoutStorage(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bridge.Close() })
	h.handler = bridge

	input := `{"kind":"call","id":1,"method":"init","args":{"mobileKey":"mob-1","userKey":"u1"}}` + "\n"
	require.NoError(t, h.serve(context.Background(), codec.JSON.NewDecoder(strings.NewReader(input))))

	input = `{"kind":"call","id":2,"method":"boolVariationFallback","args":{"flagKey":"new-ui","fallback":false}}` + "\n" +
		`{"kind":"call","id":3,"method":"intVariationFallback","args":{"flagKey":"missing","fallback":7}}` + "\n"
	require.NoError(t, h.serve(context.Background(), codec.JSON.NewDecoder(strings.NewReader(input))))

	frames := readFrames(t, codec.JSON, out.Bytes())
	assert.Equal(t, true, frames[1].Value)
	assert.Equal(t, true, frames[2].Value)
	assert.Equal(t, 7.0, frames[3].Value)
}

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"--codec", "cbor", "--flags-file", "f.yaml", "--admin-addr", ":0"})
	require.NoError(t, err)
	assert.Equal(t, "cbor", opts.codec)
	assert.Equal(t, "f.yaml", opts.flagsFile)
	assert.Equal(t, ":0", opts.adminAddr)
	assert.Equal(t, "info", opts.logLevel)

	_, err = parseFlags([]string{"extra"})
	assert.ErrorContains(t, err, "unexpected argument")

	_, err = parseFlags([]string{"--nope"})
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	_, err := loadConfig(options{})
	assert.ErrorContains(t, err, "--flags-file is required")

	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("offline:\n  flags_file: from-config.yaml\nadmin:\n  addr: 127.0.0.1:9000\n"), 0o600))

	cfg, err := loadConfig(options{config: path})
	require.NoError(t, err)
	assert.Equal(t, "from-config.yaml", cfg.Offline.FlagsFile)
	assert.Equal(t, "127.0.0.1:9000", cfg.Admin.Addr)

	cfg, err = loadConfig(options{config: path, flagsFile: "cli.yaml", adminAddr: ":1"})
	require.NoError(t, err)
	assert.Equal(t, "cli.yaml", cfg.Offline.FlagsFile)
	assert.Equal(t, ":1", cfg.Admin.Addr)
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger("debug")
	assert.NoError(t, err)

	_, err = newLogger("loud")
	assert.Error(t, err)
}
