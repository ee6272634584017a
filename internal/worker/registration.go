package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nvc-practice/nvc-edge/internal/logging"
)

// updateBuffer 是 Updates 通道的容量，消费者过慢时新事件被丢弃。
const updateBuffer = 16

// UpdateEvent reports a lifecycle transition of one generation.
type UpdateEvent struct {
	Version     string `json:"version"`
	Fingerprint string `json:"fingerprint"`
	State       State  `json:"state"`
}

// Registration stands in for the browser's worker registration: it detects
// new generations, runs install before activate, and decides which
// generation controls the pages.
type Registration struct {
	opts   Options
	logger *logrus.Entry

	updateMu sync.Mutex

	mu         sync.Mutex
	active     *Worker
	waiting    *Worker
	controller *Worker

	updates chan UpdateEvent
}

// NewRegistration creates an empty registration. opts.Host and
// opts.OnStateChange are owned by the registration and ignored.
func NewRegistration(opts Options) (*Registration, error) {
	if opts.Storage == nil {
		return nil, errors.New("worker: cache storage is required")
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	r := &Registration{
		logger:  logging.Component(opts.Logger, "registration"),
		updates: make(chan UpdateEvent, updateBuffer),
	}
	opts.Host = r
	opts.OnStateChange = r.publish
	r.opts = opts
	return r, nil
}

// Update installs cfg as a new generation unless it matches the active or
// waiting one. The new generation activates right away when it asked to skip
// waiting or when no page is controlled; otherwise it stays waiting.
func (r *Registration) Update(ctx context.Context, cfg Config) (*Worker, error) {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	fingerprint := cfg.Fingerprint()
	r.mu.Lock()
	for _, current := range []*Worker{r.active, r.waiting} {
		if current != nil && current.cfg.Fingerprint() == fingerprint {
			r.mu.Unlock()
			r.logger.WithField("version", cfg.Version).Debug("worker unchanged, update skipped")
			return current, nil
		}
	}
	r.mu.Unlock()

	w, err := New(cfg, r.opts)
	if err != nil {
		return nil, err
	}
	if _, err := w.Install(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.waiting != nil {
		r.waiting.markRedundant()
	}
	r.waiting = w
	activate := w.SkipWaitingRequested() || r.controller == nil
	r.mu.Unlock()

	if activate {
		if err := r.activateWaiting(ctx); err != nil {
			return w, err
		}
	}
	return w, nil
}

// PostMessage delivers msg to the waiting generation. It is a no-op when
// nothing is waiting.
func (r *Registration) PostMessage(ctx context.Context, msg Message) error {
	w := r.Waiting()
	if w == nil {
		return nil
	}
	w.HandleMessage(msg)
	if !w.SkipWaitingRequested() {
		return nil
	}
	return r.activateWaiting(ctx)
}

// ClientsReleased tells the registration that no page of the previous
// generation is open any more. A waiting generation activates and pages
// loaded from now on are controlled by the active generation.
func (r *Registration) ClientsReleased(ctx context.Context) error {
	if err := r.activateWaiting(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	changed := r.active != nil && r.controller != r.active
	r.controller = r.active
	active := r.active
	r.mu.Unlock()
	if changed {
		r.logger.WithField("version", active.cfg.Version).Info("pages now controlled")
	}
	return nil
}

// ClaimClients implements Host.
func (r *Registration) ClaimClients(_ context.Context, w *Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w != r.active {
		return errors.New("worker: only the active generation can claim pages")
	}
	r.controller = w
	return nil
}

func (r *Registration) activateWaiting(ctx context.Context) error {
	r.mu.Lock()
	w := r.waiting
	if w == nil {
		r.mu.Unlock()
		return nil
	}
	previous := r.active
	r.waiting = nil
	r.active = w
	r.mu.Unlock()

	if err := w.Activate(ctx); err != nil {
		return err
	}

	if previous != nil {
		previous.markRedundant()
		r.mu.Lock()
		if r.controller == previous {
			r.controller = w
		}
		r.mu.Unlock()
	}
	return nil
}

// Active returns the activated generation, or nil.
func (r *Registration) Active() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Waiting returns the installed generation waiting to activate, or nil.
func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// Controller returns the generation controlling open pages, or nil when the
// pages are uncontrolled.
func (r *Registration) Controller() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controller
}

// Updates streams lifecycle transitions so the foreground can announce a
// new version.
func (r *Registration) Updates() <-chan UpdateEvent {
	return r.updates
}

// RoundTrip routes page requests through the controlling generation.
// Uncontrolled pages fetch from the network directly.
func (r *Registration) RoundTrip(req *http.Request) (*http.Response, error) {
	if controller := r.Controller(); controller != nil {
		return controller.RoundTrip(req)
	}
	return r.opts.Transport.RoundTrip(req)
}

func (r *Registration) publish(w *Worker, state State) {
	event := UpdateEvent{Version: w.cfg.Version, Fingerprint: w.cfg.Fingerprint(), State: state}
	select {
	case r.updates <- event:
	default:
		r.logger.WithField("version", event.Version).
			WithField("state", state.String()).
			Warn("update event dropped")
	}
}
