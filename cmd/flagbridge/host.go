package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	launchdarkly "github.com/andre-paraense/launchdarkly-flutter"
	"github.com/andre-paraense/launchdarkly-flutter/internal/codec"
)

// handler answers method calls. *launchdarkly.Bridge implements it.
type handler interface {
	Handle(ctx context.Context, call launchdarkly.MethodCall) launchdarkly.Result
}

// host connects a frame stream to a handler. Calls are handled
// concurrently; results and notifications share one encoder.
type host struct {
	logger  *slog.Logger
	handler handler

	mu  sync.Mutex
	enc codec.Encoder

	inflight sync.WaitGroup
}

func newHost(enc codec.Encoder, logger *slog.Logger) *host {
	return &host{enc: enc, logger: logger}
}

// Notify implements launchdarkly.Sink.
func (h *host) Notify(n launchdarkly.Notification) {
	h.write(codec.Frame{
		Kind:   codec.KindNotification,
		Method: n.Method,
		Args:   n.Args,
	})
}

// serve reads call frames from dec until the stream ends or ctx is
// cancelled, then waits for in-flight calls to finish.
func (h *host) serve(ctx context.Context, dec codec.Decoder) error {
	defer h.inflight.Wait()

	for {
		var frame codec.Frame
		if err := dec.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode frame: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}

		if frame.Kind != codec.KindCall || frame.Method == "" {
			h.write(codec.Frame{
				Kind:  codec.KindResult,
				ID:    frame.ID,
				Error: fmt.Sprintf("expected a %q frame with a method", codec.KindCall),
			})
			continue
		}

		h.inflight.Add(1)
		go func(frame codec.Frame) {
			defer h.inflight.Done()
			h.call(ctx, frame)
		}(frame)
	}
}

func (h *host) call(ctx context.Context, frame codec.Frame) {
	res := h.handler.Handle(ctx, launchdarkly.MethodCall{
		Method: frame.Method,
		Args:   frame.Args,
	})

	h.write(codec.Frame{
		Kind:           codec.KindResult,
		ID:             frame.ID,
		Value:          res.Value,
		NotImplemented: res.NotImplemented,
	})
}

func (h *host) write(frame codec.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.enc.Encode(frame); err != nil {
		h.logger.Error("write frame failed",
			"kind", frame.Kind,
			"method", frame.Method,
			"error", err)
	}
}
