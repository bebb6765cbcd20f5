package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/andre-paraense/launchdarkly-flutter/internal/observer"
	"github.com/andre-paraense/launchdarkly-flutter/internal/session"
)

// FlagSource is what the admin server needs from the bridge
type FlagSource interface {
	Status() session.Status
	AllFlags() map[string]any
	Observers() []observer.Observer
}

// observerView is the JSON form of a registered listener
type observerView struct {
	ID      string `json:"listenerId"`
	Scope   string `json:"scope"`
	FlagKey string `json:"flagKey,omitempty"`
}

// Reloader re-reads local flag data
type Reloader interface {
	Reload() error
}

// AdminServer provides debug HTTP endpoints
type AdminServer struct {
	flags    FlagSource
	reloader Reloader
	logger   *slog.Logger
	server   *http.Server
}

// NewAdminServer creates a new admin server listening on addr. reloader
// may be nil, in which case POST /reload answers 404.
func NewAdminServer(flags FlagSource, reloader Reloader, addr string, logger *slog.Logger) *AdminServer {
	if logger == nil {
		logger = slog.Default()
	}

	a := &AdminServer{
		flags:    flags,
		reloader: reloader,
		logger:   logger,
	}
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a
}

// Handler returns the admin routes
func (a *AdminServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/flags", a.handleFlags)
	mux.HandleFunc("/observers", a.handleObservers)
	mux.HandleFunc("/reload", a.handleReload)
	return mux
}

// Start serves until Shutdown is called
func (a *AdminServer) Start() error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return err
	}
	return a.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called
func (a *AdminServer) Serve(ln net.Listener) error {
	a.logger.Info("admin server listening", "addr", ln.Addr().String())
	if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (a *AdminServer) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

func (a *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := a.flags.Status()
	health := "healthy"
	if status.State != "ready" {
		health = status.State
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    health,
		"timestamp": time.Now().Format(time.RFC3339),
		"session":   status,
	})
}

func (a *AdminServer) handleFlags(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, a.flags.AllFlags())
}

func (a *AdminServer) handleObservers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	observers := a.flags.Observers()
	views := make([]observerView, 0, len(observers))
	for _, o := range observers {
		views = append(views, observerView{ID: string(o.ID), Scope: o.Scope.String(), FlagKey: o.Key})
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *AdminServer) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.reloader == nil {
		http.Error(w, "No flag file configured", http.StatusNotFound)
		return
	}

	if err := a.reloader.Reload(); err != nil {
		a.logger.Error("reload failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
