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

	"github.com/schaermu/reposyncd/internal/activation"
	"github.com/schaermu/reposyncd/internal/config"
	"github.com/schaermu/reposyncd/internal/github"
	reposync "github.com/schaermu/reposyncd/internal/sync"
)

const (
	eventPush    = "push"
	eventRelease = "release"
	eventPing    = "ping"
)

// GitHubEvent represents the relevant fields of GitHub push and release
// webhook payloads
type GitHubEvent struct {
	Ref     string `json:"ref"`
	After   string `json:"after"`
	Action  string `json:"action"`
	Release struct {
		TagName string `json:"tag_name"`
	} `json:"release"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// TargetRunner runs a set of targets
type TargetRunner interface {
	RunAll(ctx context.Context, targets []config.TargetConfig, report func(config.TargetConfig, reposync.Event)) []reposync.Result
}

// Server implements the webhook HTTP server
type Server struct {
	cfg      *config.Config
	runner   TargetRunner
	logger   *slog.Logger
	secret   []byte
	baseCtx  context.Context
	debounce *debouncer

	syncMu      sync.Mutex          // guards syncRunning and syncPending
	syncRunning bool                // whether a sync is currently in progress
	syncPending map[string]struct{} // target names to sync after the current run
}

// debouncer implements debouncing for webhook events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new webhook server
func NewServer(cfg *config.Config, runner TargetRunner, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	return &Server{
		cfg:         cfg,
		runner:      runner,
		logger:      logger,
		secret:      []byte(strings.TrimSpace(string(secret))),
		baseCtx:     context.Background(),
		debounce:    &debouncer{delay: 2 * time.Second},
		syncPending: make(map[string]struct{}),
	}, nil
}

// Start syncs every target once and then serves webhooks until ctx is done.
// A systemd-activated socket is used when present.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx

	s.logger.Info("performing initial sync before starting webhook server", "targets", len(s.cfg.Targets))
	s.performSync(ctx, targetNames(s.cfg.Targets))

	if ctx.Err() != nil {
		return nil
	}

	ln, activated, err := activation.Listen(s.cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebhook)

	server := &http.Server{
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", ln.Addr().String(), "socket_activated", activated)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

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

	if eventType == eventPing {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "pong\n")
		return
	}

	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for sync\n")
		return
	}

	var event GitHubEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if eventType == eventRelease && !isReleaseActionRelevant(event.Action) {
		s.logger.Info("ignoring release action", "action", event.Action)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Release action not relevant for sync\n")
		return
	}

	targets := s.matchTargets(eventType, event.Repository.FullName)
	if len(targets) == 0 {
		s.logger.Info("no targets for repository", "event", eventType, "repo", event.Repository.FullName)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "No matching targets\n")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"ref", event.Ref,
		"commit", event.After,
		"tag", event.Release.TagName,
		"repo", event.Repository.FullName,
		"targets", targets)

	s.enqueue(targets)
	s.debounce.trigger(func() {
		s.performSync(s.baseCtx, nil)
	})

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Sync triggered for %d target(s)\n", len(targets))
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

	return hmac.Equal([]byte(signature), []byte(expected))
}

// isEventTypeAllowed checks if the event type is in the allowed list
func (s *Server) isEventTypeAllowed(eventType string) bool {
	if eventType != eventPush && eventType != eventRelease {
		return false
	}
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

// isReleaseActionRelevant reports whether a release action can change the
// latest release
func isReleaseActionRelevant(action string) bool {
	switch action {
	case "", "published", "released":
		return true
	default:
		return false
	}
}

// matchTargets returns the names of targets tracking fullName whose mode is
// affected by eventType
func (s *Server) matchTargets(eventType, fullName string) []string {
	var names []string
	for _, t := range s.cfg.Targets {
		owner, name, err := github.ParseRepoURL(t.Repo)
		if err != nil || !strings.EqualFold(github.FullName(owner, name), fullName) {
			continue
		}
		switch eventType {
		case eventPush:
			if !t.Mode.SyncsSource() {
				continue
			}
		case eventRelease:
			if !t.Mode.SyncsRelease() {
				continue
			}
		}
		names = append(names, t.Name)
	}
	return names
}

func (s *Server) enqueue(names []string) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	for _, n := range names {
		s.syncPending[n] = struct{}{}
	}
}

// performSync runs the pending targets with single-flight semantics. If a
// sync is already in progress, names are merged into the pending set and the
// running call picks them up once its current batch finishes.
func (s *Server) performSync(ctx context.Context, names []string) {
	s.enqueue(names)

	s.syncMu.Lock()
	if s.syncRunning {
		s.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		// Atomically take the pending set. If it is empty, release the
		// running slot and stop.
		s.syncMu.Lock()
		if len(s.syncPending) == 0 {
			s.syncRunning = false
			s.syncMu.Unlock()
			return
		}
		batch := s.pendingTargets()
		s.syncPending = make(map[string]struct{})
		s.syncMu.Unlock()

		if len(batch) == 0 {
			continue
		}
		if ctx.Err() != nil {
			s.logger.Info("skipping sync, server is shutting down")
			continue
		}

		s.logger.Info("performing sync operation", "targets", targetNames(batch))
		results := s.runner.RunAll(ctx, batch, func(t config.TargetConfig, ev reposync.Event) {
			s.logger.Debug("sync progress", "target", t.Name, "percent", ev.Percent, "message", ev.Message)
		})

		for _, res := range results {
			switch res.Outcome {
			case reposync.OutcomeError:
				s.logger.Error("sync failed", "target", res.Target, "kind", res.Kind, "error", res.Err)
			case reposync.OutcomeWarning:
				s.logger.Warn("sync completed with warnings", "target", res.Target, "warnings", res.Warnings)
			default:
				s.logger.Info("sync completed successfully", "target", res.Target)
			}
		}
	}
}

// pendingTargets resolves the pending names against the configured targets,
// preserving configuration order. Caller must hold syncMu.
func (s *Server) pendingTargets() []config.TargetConfig {
	var batch []config.TargetConfig
	for _, t := range s.cfg.Targets {
		if _, ok := s.syncPending[t.Name]; ok {
			batch = append(batch, t)
		}
	}
	return batch
}

func targetNames(targets []config.TargetConfig) []string {
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = t.Name
	}
	return names
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

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
