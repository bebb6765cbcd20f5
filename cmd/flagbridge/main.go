// Command flagbridge runs a flag bridge over stdin and stdout.
//
// Each input frame is a method call; the matching result frame carries
// the same id. Flag change notifications are written to stdout as they
// happen. Flag values come from a local YAML flag file, which is
// re-read on SIGHUP or POST /reload.
//
// Usage:
//
//	flagbridge --flags-file flags.yaml [--codec json|cbor] [--config bridge.yaml] [--admin-addr :8090]
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	launchdarkly "github.com/andre-paraense/launchdarkly-flutter"
	"github.com/andre-paraense/launchdarkly-flutter/internal/codec"
	"github.com/andre-paraense/launchdarkly-flutter/internal/offline"
	"github.com/andre-paraense/launchdarkly-flutter/internal/server"
)

type options struct {
	codec     string
	config    string
	flagsFile string
	adminAddr string
	logLevel  string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options

	flagSet := pflag.NewFlagSet("flagbridge", pflag.ContinueOnError)
	flagSet.StringVar(&opts.codec, "codec", codec.JSON.Name(), fmt.Sprintf("frame codec %v", codec.Names()))
	flagSet.StringVar(&opts.config, "config", "", "path to a YAML bridge configuration")
	flagSet.StringVar(&opts.flagsFile, "flags-file", "", "path to the YAML flag file (overrides offline.flags_file)")
	flagSet.StringVar(&opts.adminAddr, "admin-addr", "", "serve the admin endpoints on this address (overrides admin.addr)")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")

	if err := flagSet.Parse(args); err != nil {
		return opts, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return opts, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return opts, nil
}

func loadConfig(opts options) (launchdarkly.Config, error) {
	cfg := launchdarkly.DefaultConfig()
	if opts.config != "" {
		var err error
		if cfg, err = launchdarkly.LoadConfig(opts.config); err != nil {
			return cfg, err
		}
	}

	if opts.flagsFile != "" {
		cfg.Offline.FlagsFile = opts.flagsFile
	}
	if opts.adminAddr != "" {
		cfg.Admin.Addr = opts.adminAddr
	}
	if cfg.Offline.FlagsFile == "" {
		return cfg, errors.New("--flags-file is required")
	}
	return cfg, nil
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger, err := newLogger(opts.logLevel)
	if err != nil {
		return err
	}

	frames, err := codec.ByName(opts.codec)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	source, err := offline.Load(cfg.Offline.FlagsFile, logger)
	if err != nil {
		return err
	}

	h := newHost(frames.NewEncoder(os.Stdout), logger)
	bridge, err := launchdarkly.New(
		launchdarkly.WithConfig(cfg),
		launchdarkly.WithRemote(source),
		launchdarkly.WithSink(h),
		launchdarkly.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer bridge.Close()
	h.handler = bridge

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reloadOnHangup(ctx, source, logger)

	if cfg.Admin.Addr != "" {
		admin := server.NewAdminServer(bridge, source, cfg.Admin.Addr, logger)
		go func() {
			if err := admin.Start(); err != nil {
				logger.Error("admin server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = admin.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("flagbridge running",
		"codec", frames.Name(),
		"flags_file", source.Path(),
		"flags", len(source.Keys()))

	done := make(chan error, 1)
	go func() { done <- h.serve(ctx, frames.NewDecoder(os.Stdin)) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	}
}

func reloadOnHangup(ctx context.Context, source *offline.Source, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := source.Reload(); err != nil {
				logger.Error("reload failed", "error", err)
			}
		}
	}
}
