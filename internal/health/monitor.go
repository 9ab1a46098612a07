package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"facegate.org/internal/ids"
)

const DefaultProbeTimeout = 5 * time.Second

// Probe checks a dependency. A nil error means the dependency is usable.
type Probe func(ctx context.Context) error

// Metrics receives health observations. Implemented by obs.
type Metrics interface {
	ComponentStatus(component string, status string)
	Transition(component, from, to string)
	QueueDepth(n int)
}

type nopMetrics struct{}

func (nopMetrics) ComponentStatus(string, string)    {}
func (nopMetrics) Transition(string, string, string) {}
func (nopMetrics) QueueDepth(int)                    {}

// Monitor tracks component health, derives capabilities and owns the
// degraded-mode registration queue.
type Monitor struct {
	mu         sync.RWMutex
	components map[Component]ComponentHealth

	cbMu      sync.RWMutex
	callbacks []StateChangeFunc

	queue   Queue
	logger  *zap.Logger
	metrics Metrics
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithQueue replaces the default in-memory registration queue.
func WithQueue(q Queue) Option {
	return func(m *Monitor) {
		if q != nil {
			m.queue = q
		}
	}
}

// WithLogger sets the operational logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics attaches health gauges and counters.
func WithMetrics(mt Metrics) Option {
	return func(m *Monitor) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// WithProbeTimeout bounds each probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewMonitor returns a monitor with every component UNAVAILABLE until probed.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		components: make(map[Component]ComponentHealth, len(Components)),
		queue:      NewMemoryQueue(),
		logger:     zap.NewNop(),
		metrics:    nopMetrics{},
		timeout:    DefaultProbeTimeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	now := m.now().UTC()
	for _, c := range Components {
		m.components[c] = ComponentHealth{
			Component:   c,
			Status:      StatusUnavailable,
			Message:     "not checked",
			LastChecked: now,
		}
		m.metrics.ComponentStatus(string(c), string(StatusUnavailable))
	}
	return m
}

// OnStateChange registers fn to be called after every status transition.
func (m *Monitor) OnStateChange(fn StateChangeFunc) {
	if fn == nil {
		return
	}
	m.cbMu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.cbMu.Unlock()
}

// UpdateHealth overwrites the record for c. Callbacks fire only when the
// status differs from the previous one.
func (m *Monitor) UpdateHealth(c Component, s Status, message string, cause error) error {
	if !knownComponent(c) {
		return fmt.Errorf("%w: %q", ErrUnknownComponent, c)
	}
	if !knownStatus(s) {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
	rec := ComponentHealth{
		Component:   c,
		Status:      s,
		Message:     message,
		LastChecked: m.now().UTC(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}

	m.mu.Lock()
	prev := m.components[c]
	m.components[c] = rec
	m.mu.Unlock()

	m.metrics.ComponentStatus(string(c), string(s))
	if prev.Status == s {
		return nil
	}
	m.metrics.Transition(string(c), string(prev.Status), string(s))
	m.logger.Info("component status changed",
		zap.String("component", string(c)),
		zap.String("from", string(prev.Status)),
		zap.String("to", string(s)),
		zap.String("message", message),
	)
	m.notify(Transition{Component: c, From: prev.Status, To: s, Record: rec})
	return nil
}

func (m *Monitor) notify(t Transition) {
	m.cbMu.RLock()
	callbacks := append([]StateChangeFunc(nil), m.callbacks...)
	m.cbMu.RUnlock()
	for _, fn := range callbacks {
		m.safeCall(fn, t)
	}
}

func (m *Monitor) safeCall(fn StateChangeFunc, t Transition) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("state change callback panicked",
				zap.String("component", string(t.Component)),
				zap.Any("panic", r),
			)
		}
	}()
	fn(t)
}

// Component returns the current record for c.
func (m *Monitor) Component(c Component) (ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.components[c]
	return rec, ok
}

// Status returns the current status of c.
func (m *Monitor) Status(c Component) Status {
	rec, ok := m.Component(c)
	if !ok {
		return StatusUnavailable
	}
	return rec.Status
}

// CheckEmbeddingEngine runs probe and records HEALTHY or UNAVAILABLE.
func (m *Monitor) CheckEmbeddingEngine(ctx context.Context, probe Probe) bool {
	if err := m.runProbe(ctx, probe); err != nil {
		m.record(ComponentEmbeddingEngine, StatusUnavailable, "embedding engine unavailable", err)
		return false
	}
	m.record(ComponentEmbeddingEngine, StatusHealthy, "embedding engine ready", nil)
	return true
}

// CheckVectorStore runs probe and records HEALTHY or DEGRADED. On recovery it
// reports how many queued registrations are ready to drain.
func (m *Monitor) CheckVectorStore(ctx context.Context, probe Probe) bool {
	if err := m.runProbe(ctx, probe); err != nil {
		m.record(ComponentVectorStore, StatusDegraded, "vector store degraded; registrations will be queued", err)
		return false
	}
	msg := "vector store ready"
	if m.Status(ComponentVectorStore) != StatusHealthy {
		n, err := m.queue.Len(ctx)
		if err != nil {
			m.logger.Warn("queue length unavailable", zap.Error(err))
		}
		if n > 0 {
			msg = fmt.Sprintf("vector store recovered; %d queued registrations ready to drain", n)
			m.logger.Info("vector store recovered", zap.Int("queued", n))
		}
	}
	m.record(ComponentVectorStore, StatusHealthy, msg, nil)
	return true
}

// CheckAuth runs probe and records HEALTHY or UNAVAILABLE.
func (m *Monitor) CheckAuth(ctx context.Context, probe Probe) bool {
	if err := m.runProbe(ctx, probe); err != nil {
		m.record(ComponentAuth, StatusUnavailable, "auth unavailable", err)
		return false
	}
	m.record(ComponentAuth, StatusHealthy, "auth ready", nil)
	return true
}

func (m *Monitor) record(c Component, s Status, msg string, cause error) {
	if cause != nil {
		m.logger.Warn("health probe failed", zap.String("component", string(c)), zap.Error(cause))
	}
	_ = m.UpdateHealth(c, s, msg, cause)
}

// runProbe executes probe bounded by the monitor timeout. Panics and
// timeouts are reported as errors.
func (m *Monitor) runProbe(ctx context.Context, probe Probe) error {
	if probe == nil {
		return fmt.Errorf("health: no probe configured")
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("health: probe panicked: %v", r)
			}
		}()
		done <- probe(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w after %s", ErrProbeTimeout, m.timeout)
	}
}

// QueueRegistration appends a deferred registration and returns its 1-based
// position in the queue.
func (m *Monitor) QueueRegistration(ctx context.Context, name string, image []byte, metadata map[string]any) (int, error) {
	entry := QueuedRegistration{
		ID:        ids.WithPrefix("reg"),
		Name:      name,
		ImageData: image,
		Metadata:  metadata,
		Timestamp: m.now().UTC(),
	}
	pos, err := m.queue.Enqueue(ctx, entry)
	if err != nil {
		return 0, err
	}
	m.metrics.QueueDepth(pos)
	m.logger.Info("registration queued", zap.String("id", entry.ID), zap.Int("position", pos))
	return pos, nil
}

// QueuedRegistrations returns pending registrations in FIFO order.
func (m *Monitor) QueuedRegistrations(ctx context.Context) ([]QueuedRegistration, error) {
	return m.queue.List(ctx)
}

// PeekQueued returns the oldest queued registration without removing it.
func (m *Monitor) PeekQueued(ctx context.Context) (QueuedRegistration, error) {
	return m.queue.Peek(ctx)
}

// AckQueued removes the head of the queue once it has been handled. It is a
// no-op when the head is no longer id, e.g. after a concurrent clear.
func (m *Monitor) AckQueued(ctx context.Context, id string) error {
	head, err := m.queue.Peek(ctx)
	if errors.Is(err, ErrQueueEmpty) {
		return nil
	}
	if err != nil {
		return err
	}
	if head.ID != id {
		m.logger.Warn("queue head changed before ack", zap.String("id", id), zap.String("head", head.ID))
		return nil
	}
	if _, err := m.queue.Pop(ctx); err != nil {
		return err
	}
	if n, err := m.queue.Len(ctx); err == nil {
		m.metrics.QueueDepth(n)
	}
	return nil
}

// ClearRegistrationQueue empties the queue and returns how many entries it held.
func (m *Monitor) ClearRegistrationQueue(ctx context.Context) (int, error) {
	n, err := m.queue.Clear(ctx)
	if err != nil {
		return 0, err
	}
	m.metrics.QueueDepth(0)
	if n > 0 {
		m.logger.Info("registration queue cleared", zap.Int("count", n))
	}
	return n, nil
}

// Capabilities derives permitted operations from the current state.
func (m *Monitor) Capabilities() Capabilities {
	m.mu.RLock()
	engine := m.components[ComponentEmbeddingEngine].Status
	store := m.components[ComponentVectorStore].Status
	m.mu.RUnlock()
	return DeriveCapabilities(engine, store)
}

// Summary is the externally reported health view.
type Summary struct {
	OverallStatus string                        `json:"overall_status"`
	Components    map[Component]ComponentHealth `json:"components"`
	Capabilities  Capabilities                  `json:"capabilities"`
	DegradedMode  DegradedMode                  `json:"degraded_mode"`
}

// DegradedMode reports whether writes are being queued.
type DegradedMode struct {
	Active      bool `json:"active"`
	QueuedCount int  `json:"queued_count"`
}

const (
	OverallHealthy  = "healthy"
	OverallDegraded = "degraded"
)

// Summary snapshots component records, capabilities and queue depth.
func (m *Monitor) Summary(ctx context.Context) Summary {
	m.mu.RLock()
	components := make(map[Component]ComponentHealth, len(m.components))
	overall := OverallHealthy
	for c, rec := range m.components {
		components[c] = rec
		if rec.Status != StatusHealthy {
			overall = OverallDegraded
		}
	}
	m.mu.RUnlock()

	caps := DeriveCapabilities(components[ComponentEmbeddingEngine].Status, components[ComponentVectorStore].Status)
	queued, err := m.queue.Len(ctx)
	if err != nil {
		m.logger.Warn("queue length unavailable", zap.Error(err))
	}
	return Summary{
		OverallStatus: overall,
		Components:    components,
		Capabilities:  caps,
		DegradedMode: DegradedMode{
			Active:      caps.Allows(CapQueueWrite),
			QueuedCount: queued,
		},
	}
}

// Healthy reports whether every component is HEALTHY.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.components {
		if rec.Status != StatusHealthy {
			return false
		}
	}
	return true
}
