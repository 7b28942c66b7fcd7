package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/deploysync/internal/config"
	"github.com/schaermu/deploysync/internal/git"
	"github.com/schaermu/deploysync/internal/listener"
	deploysync "github.com/schaermu/deploysync/internal/sync"
)

// zeroSHA is what GitHub sends as before/after when a branch is created or deleted
const zeroSHA = "0000000000000000000000000000000000000000"

// GitHubPushEvent represents the relevant fields from a GitHub push webhook
type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	Before     string `json:"before"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Reconciler runs one reconciliation over a commit range
type Reconciler interface {
	Run(ctx context.Context, r deploysync.Range) error
}

// Server implements the webhook HTTP server
type Server struct {
	cfg         *config.Config
	git         git.Client
	reconciler  Reconciler
	logger      *slog.Logger
	secret      []byte
	syncMu      sync.Mutex        // guards syncRunning, syncPending and queued
	syncRunning bool              // whether a sync is currently in progress
	syncPending bool              // whether another sync is needed after the current one
	queued      *deploysync.Range // commits pushed but not reconciled yet
	debounce    *debouncer
}

// debouncer implements debouncing for webhook events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new webhook server
func NewServer(cfg *config.Config, gitClient git.Client, reconciler Reconciler, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	// Trim any whitespace/newlines from secret
	secret = []byte(strings.TrimSpace(string(secret)))

	s := &Server{
		cfg:        cfg,
		git:        gitClient,
		reconciler: reconciler,
		logger:     logger,
		secret:     secret,
	}

	s.debounce = &debouncer{
		delay: 2 * time.Second,
	}

	return s, nil
}

// Start serves webhooks until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebhook)

	server := &http.Server{
		Addr:              s.cfg.Serve.ListenAddr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	l, inherited, err := listener.Open(s.cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", l.Addr().String(), "inherited", inherited)
		if err := server.Serve(l); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	signature := r.Header.Get("X-Hub-Signature-256")
	if !s.verifySignature(body, signature) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", "event", eventType)

	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for sync\n")
		return
	}

	var event GitHubPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !s.isRefAllowed(event.Ref) {
		s.logger.Info("ignoring disallowed ref", "ref", event.Ref)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Ref not configured for sync\n")
		return
	}

	if event.Deleted || event.After == zeroSHA {
		s.logger.Info("ignoring branch deletion", "ref", event.Ref)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Branch deletion ignored\n")
		return
	}

	rng := s.rangeFor(event)
	s.logger.Info("webhook accepted",
		"event", eventType,
		"ref", event.Ref,
		"base", rng.Base,
		"commit", rng.Head,
		"repo", event.Repository.FullName)

	s.enqueue(rng)
	s.debounce.trigger(func() {
		s.performSync(context.Background())
	})

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

// rangeFor maps a push to the commits it introduced. New branches carry no
// usable before and fall back to the configured base.
func (s *Server) rangeFor(event GitHubPushEvent) deploysync.Range {
	base := event.Before
	if base == "" || base == zeroSHA {
		base = s.cfg.Repo.BaseRef
	}
	head := event.After
	if head == "" {
		head = strings.TrimPrefix(event.Ref, "refs/heads/")
	}
	return deploysync.Range{Base: base, Head: head}
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	// GitHub signature format: sha256=<hex>
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}

// isEventTypeAllowed checks if the event type is in the allowed list
func (s *Server) isEventTypeAllowed(eventType string) bool {
	if len(s.cfg.Serve.AllowedEventTypes) == 0 {
		return true // no filter configured
	}

	for _, allowed := range s.cfg.Serve.AllowedEventTypes {
		if eventType == allowed {
			return true
		}
	}
	return false
}

// isRefAllowed checks if the ref is in the allowed list
func (s *Server) isRefAllowed(ref string) bool {
	if len(s.cfg.Serve.AllowedRefs) == 0 {
		return true // no filter configured
	}

	for _, allowed := range s.cfg.Serve.AllowedRefs {
		if ref == allowed {
			return true
		}
	}
	return false
}

// enqueue merges r into the range waiting to be reconciled
func (s *Server) enqueue(r deploysync.Range) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	if s.queued == nil {
		s.queued = &r
		return
	}
	merged := s.queued.Merge(r)
	s.queued = &merged
}

// performSync reconciles the queued range with single-flight semantics.
// If a sync is already in progress, at most one additional run is queued;
// pushes arriving meanwhile are merged into the queued range.
func (s *Server) performSync(ctx context.Context) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		s.syncMu.Lock()
		queued := s.queued
		s.queued = nil
		s.syncMu.Unlock()

		if queued != nil {
			s.reconcile(ctx, *queued)
		}

		// Atomically check whether another sync was requested while we were
		// running. If not, release the running slot and stop; if yes, clear
		// the flag and loop to service that one pending request.
		s.syncMu.Lock()
		if !s.syncPending {
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running sync due to pending request")
	}
}

// reconcile checks out the head of r and reconciles the range
func (s *Server) reconcile(ctx context.Context, r deploysync.Range) {
	s.logger.Info("performing sync operation", "base", r.Base, "head", r.Head)

	if r.Head != "" {
		commit, err := s.git.FetchCheckout(ctx, r.Head)
		if err != nil {
			s.logger.Error("sync failed", "error", fmt.Errorf("failed to check out %s: %w", r.Head, err))
			return
		}
		s.logger.Info("repository checked out", "commit", commit)
		r.Head = commit
	}

	if err := s.reconciler.Run(ctx, r); err != nil {
		s.logger.Error("sync failed", "error", err)
		return
	}
	s.logger.Info("sync completed successfully")
}

// trigger schedules the callback to run after the debounce delay
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
