// Package webhook reruns the sync whenever GitHub reports a push to a
// template repository
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schaermu/tmplsync/internal/activation"
	"github.com/schaermu/tmplsync/internal/config"
	tmplsync "github.com/schaermu/tmplsync/internal/sync"
)

// maxPayload caps the webhook body read into memory
const maxPayload = 1 << 20

// Runner performs full sync runs and exposes their metrics
type Runner interface {
	Run(ctx context.Context) (*tmplsync.Report, error)
	Gatherer() prometheus.Gatherer
}

// PushEvent holds the fields of a GitHub push payload the server looks at
type PushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Server triggers syncs from GitHub webhooks and serves health and metrics
type Server struct {
	cfg      *config.Config
	runner   Runner
	logger   *slog.Logger
	secret   []byte
	debounce *debouncer

	mu      sync.Mutex // guards running and pending
	running bool       // a sync is in progress
	pending bool       // one more sync was requested while running

	// listen opens the server socket; replaced in tests.
	listen func(addr string) (net.Listener, bool, error)
}

// debouncer coalesces bursts of pushes into a single sync
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer reads the webhook secret and prepares a server around runner
func NewServer(cfg *config.Config, runner Runner, logger *slog.Logger) (*Server, error) {
	raw, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	// Secret files usually end with a newline
	secret := []byte(strings.TrimSpace(string(raw)))
	if len(secret) == 0 {
		return nil, errors.New("webhook secret is empty")
	}

	return &Server{
		cfg:      cfg,
		runner:   runner,
		logger:   logger,
		secret:   secret,
		debounce: &debouncer{delay: 2 * time.Second},
		listen:   activation.Listen,
	}, nil
}

// Start runs an initial sync and then serves HTTP until ctx is canceled.
// A systemd-activated socket is used when present.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("running initial sync")
	s.performSync(ctx)

	if ctx.Err() != nil {
		return nil
	}

	listener, activated, err := s.listen(s.cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           s.routes(ctx),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	// Serve in the background so cancellation can be observed
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server listening", "addr", listener.Addr().String(), "socket_activated", activated)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until shutdown or a serve failure
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		s.debounce.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// routes builds the HTTP handler. Syncs scheduled by webhooks are bound to ctx.
func (s *Server) routes(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.runner.Gatherer(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.handleWebhook(ctx, w, r)
	})
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintln(w, "ok")
}

// handleWebhook validates a GitHub delivery and schedules a debounced sync
func (s *Server) handleWebhook(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	// POST only
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting webhook", "reason", "method", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Check content type
	if ct := r.Header.Get("Content-Type"); ct != "application/json" {
		s.logger.Warn("rejecting webhook", "reason", "content type", "content_type", ct)
		http.Error(w, "Expected application/json", http.StatusBadRequest)
		return
	}

	// Read body
	defer func() {
		_ = r.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayload))
	if err != nil {
		s.logger.Error("failed to read webhook body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}

	// Verify signature
	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting webhook", "reason", "signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	// Filter on event type
	eventType := r.Header.Get("X-GitHub-Event")
	if !allowed(s.cfg.Serve.AllowedEventTypes, eventType) {
		s.logger.Info("ignoring webhook", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintln(w, "Event ignored")
		return
	}

	// Decode the push and filter on ref
	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to decode push payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	if !allowed(s.cfg.Serve.AllowedRefs, event.Ref) {
		s.logger.Info("ignoring webhook", "event", eventType, "ref", event.Ref)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintln(w, "Ref ignored")
		return
	}

	s.logger.Info("scheduling sync",
		"event", eventType,
		"ref", event.Ref,
		"commit", event.After,
		"template_repo", event.Repository.FullName)

	// Debounce
	s.debounce.trigger(func() {
		s.performSync(ctx)
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintln(w, "Sync scheduled")
}

// verifySignature checks an X-Hub-Signature-256 header against body
func (s *Server) verifySignature(body []byte, header string) bool {
	// Header format: sha256=<hex>
	got, ok := strings.CutPrefix(header, "sha256=")
	if !ok || got == "" {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(got), []byte(want))
}

// allowed reports whether value passes the filter. An empty filter passes
// everything.
func allowed(filter []string, value string) bool {
	return len(filter) == 0 || slices.Contains(filter, value)
}

// performSync runs at most one sync at a time. A request arriving during a
// run queues exactly one follow-up run; further requests fold into it.
func (s *Server) performSync(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.pending = true
		s.mu.Unlock()
		s.logger.Info("sync in progress, queuing follow-up run")
		return
	}
	s.running = true
	s.mu.Unlock()

	for {
		report, err := s.runner.Run(ctx)
		switch {
		case err != nil && report == nil:
			s.logger.Error("sync failed", "error", err)
		case err != nil:
			counts := report.Counts()
			s.logger.Warn("sync finished with failures", "failed", counts.Failed, "succeeded", counts.Succeeded, "error", err)
		default:
			s.logger.Info("sync finished")
		}

		// Stop unless a follow-up was queued while running
		s.mu.Lock()
		if !s.pending || ctx.Err() != nil {
			s.pending = false
			s.running = false
			s.mu.Unlock()
			return
		}
		s.pending = false
		s.mu.Unlock()

		s.logger.Info("running queued sync")
	}
}

// trigger (re)arms the timer so callback runs once the delay has passed
// without another trigger
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback
	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

// stop cancels a scheduled callback
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
