// Package worker implements the client cache worker: it classifies page
// requests, serves static assets cache-first and API calls network-first, and
// owns the install/activate lifecycle of one versioned cache generation.
//
// The worker is an http.RoundTripper, so a page-side http.Client can route
// every fetch through it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/nvc-practice/nvc-edge/internal/cache"
	"github.com/nvc-practice/nvc-edge/internal/logging"
	"github.com/nvc-practice/nvc-edge/internal/telemetry"
)

// installConcurrency 限制安装阶段并发预取的数量。
const installConcurrency = 4

// Options carries the collaborators of a worker generation.
type Options struct {
	Storage   cache.Storage
	Transport http.RoundTripper
	Host      Host
	Logger    *logrus.Logger
	// OnStateChange 在每次状态迁移后调用，不得阻塞。
	OnStateChange func(w *Worker, state State)
}

// Worker is one generation of the client cache worker.
type Worker struct {
	cfg       Config
	storage   cache.Storage
	transport http.RoundTripper
	host      Host
	logger    *logrus.Entry
	onState   func(*Worker, State)

	mu          sync.RWMutex
	state       State
	skipWaiting bool
}

// New creates a generation in the parsed state.
func New(cfg Config, opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("worker: cache storage is required")
	}
	if cfg.Origin == nil {
		return nil, errors.New("worker: page origin is required")
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Worker{
		cfg:       cfg,
		storage:   opts.Storage,
		transport: transport,
		host:      opts.Host,
		logger:    logging.Component(opts.Logger, "worker").WithField("version", cfg.Version),
		onState:   opts.OnStateChange,
		state:     StateParsed,
	}, nil
}

// Config returns the generation configuration.
func (w *Worker) Config() Config {
	return w.cfg
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// SkipWaitingRequested reports whether activation may bypass the waiting period.
func (w *Worker) SkipWaitingRequested() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.skipWaiting
}

// SkipWaiting records that this generation should activate without waiting
// for pages of the previous generation to close.
func (w *Worker) SkipWaiting() {
	w.mu.Lock()
	w.skipWaiting = true
	w.mu.Unlock()
}

// HandleMessage 处理前台消息，目前只识别 SKIP_WAITING，其余消息忽略。
func (w *Worker) HandleMessage(msg Message) {
	if msg.Type != MessageTypeSkipWaiting {
		w.logger.WithField("message_type", msg.Type).Debug("ignored worker message")
		return
	}
	w.SkipWaiting()
}

// PathResult is the pre-cache outcome of one shell path.
type PathResult struct {
	Path   string `json:"path"`
	Status int    `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// InstallReport aggregates the per-path outcomes of an install.
type InstallReport struct {
	Version   string       `json:"version"`
	CacheName string       `json:"cache_name"`
	Cached    []PathResult `json:"cached"`
	Failed    []PathResult `json:"failed"`
}

// Complete reports whether every shell path was cached.
func (r InstallReport) Complete() bool {
	return len(r.Failed) == 0
}

// Install opens the generation's store and pre-caches the shell file set.
// Individual path failures are recorded in the report and never fail the
// install; only a store that cannot be opened does.
func (w *Worker) Install(ctx context.Context) (InstallReport, error) {
	report := InstallReport{Version: w.cfg.Version, CacheName: w.cfg.CacheName()}
	if err := w.transition(StateInstalling); err != nil {
		return report, err
	}

	ctx, span := telemetry.StartSpan(ctx, "worker.install", nil,
		attribute.String("worker.version", w.cfg.Version),
		attribute.String("worker.cache", report.CacheName))

	store, err := w.storage.Open(ctx, report.CacheName)
	if err != nil {
		telemetry.EndSpan(span, 0, err)
		w.logger.WithFields(logging.GenerationFields("worker_install", w.cfg.Version, report.CacheName)).
			WithError(err).Error("open cache store failed")
		w.markRedundant()
		return report, fmt.Errorf("open cache %s: %w", report.CacheName, err)
	}

	results := make([]PathResult, len(w.cfg.ShellFiles))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(installConcurrency)
	for i, path := range w.cfg.ShellFiles {
		group.Go(func() error {
			results[i] = w.precache(groupCtx, store, path)
			return nil
		})
	}
	_ = group.Wait()

	for _, result := range results {
		if result.Error != "" {
			report.Failed = append(report.Failed, result)
			w.logger.WithFields(logging.GenerationFields("worker_precache", w.cfg.Version, report.CacheName)).
				WithField("path", result.Path).
				WithField("error", result.Error).
				Warn("shell file not cached")
			continue
		}
		report.Cached = append(report.Cached, result)
	}
	span.SetAttributes(
		attribute.Int("worker.cached", len(report.Cached)),
		attribute.Int("worker.failed", len(report.Failed)),
	)
	telemetry.EndSpan(span, 0, nil)

	if err := w.transition(StateWaiting); err != nil {
		return report, err
	}
	if !w.cfg.WaitForRelease {
		w.SkipWaiting()
	}
	w.logger.WithFields(logging.GenerationFields("worker_install", w.cfg.Version, report.CacheName)).
		WithField("cached", len(report.Cached)).
		WithField("failed", len(report.Failed)).
		Info("worker installed")
	return report, nil
}

func (w *Worker) precache(ctx context.Context, store cache.Store, path string) PathResult {
	result := PathResult{Path: path}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.URL(path), http.NoBody)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	resp, err := w.fetch(req)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()

	result.Status = resp.StatusCode
	if !isOK(resp.StatusCode) {
		result.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return result
	}
	if err := store.Put(ctx, req, resp); err != nil {
		result.Error = err.Error()
	}
	return result
}

// Activate purges stale generations of the static cache and, when the
// claim policy is enabled, takes control of every open page.
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(StateActivating); err != nil {
		return err
	}

	ctx, span := telemetry.StartSpan(ctx, "worker.activate", nil,
		attribute.String("worker.version", w.cfg.Version))
	purged := w.purgeStale(ctx)
	span.SetAttributes(attribute.StringSlice("worker.purged", purged))

	if w.cfg.ClaimOnActivate && w.host != nil {
		if err := w.host.ClaimClients(ctx, w); err != nil {
			w.logger.WithError(err).Warn("claim clients failed")
		}
	}
	telemetry.EndSpan(span, 0, nil)

	if err := w.transition(StateActivated); err != nil {
		return err
	}
	w.logger.WithFields(logging.GenerationFields("worker_activate", w.cfg.Version, w.cfg.CacheName())).
		WithField("purged", purged).
		WithField("claimed", w.cfg.ClaimOnActivate).
		Info("worker activated")
	return nil
}

// purgeStale 删除同前缀但非当前版本的缓存；失败只记录日志，不阻塞激活。
func (w *Worker) purgeStale(ctx context.Context) []string {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("list cache stores failed")
		return nil
	}
	var purged []string
	for _, name := range names {
		if !w.cfg.IsStaleCache(name) {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			w.logger.WithError(err).WithField("cache", name).Warn("delete stale cache failed")
			continue
		}
		purged = append(purged, name)
	}
	return purged
}

// RoundTrip implements http.RoundTripper. Requests the worker does not
// intercept go to the underlying transport untouched.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	if resp, ok := w.intercept(req); ok {
		return resp, nil
	}
	return w.transport.RoundTrip(req)
}

// intercept 仅在已激活时接管请求；返回的响应永不为 nil（ok 为 true 时）。
func (w *Worker) intercept(req *http.Request) (*http.Response, bool) {
	if w.State() != StateActivated {
		return nil, false
	}
	class := Classify(w.cfg, req)
	switch class {
	case ClassAPI:
		return w.networkFirstAPI(req), true
	case ClassStatic:
		return w.cacheFirst(req), true
	default:
		return nil, false
	}
}

// markRedundant moves the generation out of service.
func (w *Worker) markRedundant() {
	_ = w.transition(StateRedundant)
}

func (w *Worker) transition(to State) error {
	w.mu.Lock()
	from := w.state
	if !canTransition(from, to) {
		w.mu.Unlock()
		return transitionError(from, to)
	}
	w.state = to
	w.mu.Unlock()

	w.logger.WithFields(logrus.Fields{
		"action": "worker_state",
		"from":   from.String(),
		"to":     to.String(),
	}).Debug("worker state changed")
	if w.onState != nil {
		w.onState(w, to)
	}
	return nil
}

func isOK(status int) bool {
	return status >= 200 && status < 300
}
