// Package server serves the softphone panel: an HTML page with HTMX
// partials, a JSON API and a WebSocket stream of status snapshots.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	types "github.com/sebas/softphone/api/types/v1"
	"github.com/sebas/softphone/internal/phone"
	"github.com/sebas/softphone/internal/ui/view"
)

// Phone is the controller surface the server drives.
type Phone interface {
	State() phone.State
	Subscribe() (<-chan phone.State, func())
	Connect(ctx context.Context, cfg phone.Config) error
	Disconnect(ctx context.Context) error
	Call(ctx context.Context, destination string) error
	Answer(ctx context.Context) error
	Hangup(ctx context.Context) error
}

var _ Phone = (*phone.Controller)(nil)

// Server provides the softphone HTTP server
type Server struct {
	phone      Phone
	log        *slog.Logger
	httpServer *http.Server
	templates  *Templates
	startTime  time.Time

	mu   sync.Mutex
	form view.Form

	done     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a new UI server listening on addr. defaults seeds the
// phone form.
func NewServer(addr string, ph Phone, defaults view.Form, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		phone:     ph,
		log:       logger,
		startTime: time.Now(),
		form:      defaults.Trimmed(),
		done:      make(chan struct{}),
	}

	var err error
	s.templates, err = NewTemplates()
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}

	mux := http.NewServeMux()

	// Phone panel routes
	mux.HandleFunc("GET /{$}", s.handlePage)
	mux.HandleFunc("GET /partials/phone", s.handlePhonePartial)
	mux.HandleFunc("POST /partials/controls", s.handleControlsPartial)
	mux.HandleFunc("POST /phone/{action}", s.handleFormAction)

	// JSON API
	mux.HandleFunc("GET /api/v1/status", s.handleAPIStatus)
	mux.HandleFunc("POST /api/v1/{action}", s.handleAPIAction)

	// Status push
	mux.HandleFunc("GET /ws", s.handleStream)

	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("[UI] Starting HTTP server", "addr", s.httpServer.Addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	if err := s.Stop(); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server and ends open status streams
func (s *Server) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// handleHealth returns the health status of the UI server
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status: "ok",
		Uptime: int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) currentForm() view.Form {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.form
}

func (s *Server) setForm(f view.Form) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.form = f
}

// perform runs a phone action if the current state and form enable it.
// The request context is detached so that a closed tab does not abort a
// registration or call in flight.
func (s *Server) perform(ctx context.Context, action string, form view.Form) error {
	s.setForm(form)
	st := s.phone.State()
	if !view.Derive(st, form).Allowed(action) {
		return &disabledError{Action: action, Label: view.StatusLabel(st)}
	}

	s.log.Info("[UI] Phone action", "action", action)
	ctx = context.WithoutCancel(ctx)

	var err error
	switch action {
	case view.ActionConnect:
		err = s.phone.Connect(ctx, form.SipConfig())
	case view.ActionDisconnect, view.ActionReset:
		err = s.phone.Disconnect(ctx)
	case view.ActionCall:
		err = s.phone.Call(ctx, form.Destination)
	case view.ActionAnswer:
		err = s.phone.Answer(ctx)
	case view.ActionHangup:
		err = s.phone.Hangup(ctx)
	}
	if err != nil {
		s.log.Debug("[UI] Phone action failed", "action", action, "error", err)
	}
	return err
}

// disabledError is returned for an action whose control is disabled.
type disabledError struct {
	Action string
	Label  string
}

func (e *disabledError) Error() string {
	return fmt.Sprintf("%s is not available while %s", e.Action, e.Label)
}

func isAction(action string) bool {
	switch action {
	case view.ActionConnect, view.ActionDisconnect, view.ActionReset,
		view.ActionCall, view.ActionAnswer, view.ActionHangup:
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// formatUptime formats a duration for display
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	}
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
