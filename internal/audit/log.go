package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"facegate.org/internal/ids"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// FailureCounter is notified when a record cannot be written.
type FailureCounter interface {
	AuditWriteFailed()
}

// Trail is the append-only audit log. Write failures are reported on the
// debug logger and never returned to the caller.
type Trail struct {
	sink     Sink
	debug    *zap.Logger
	redactor Redactor
	now      func() time.Time
	failures FailureCounter
}

// Option configures a Trail.
type Option func(*Trail)

// WithDebugLogger sets the operational logger used for write failures.
func WithDebugLogger(l *zap.Logger) Option {
	return func(t *Trail) {
		if l != nil {
			t.debug = l
		}
	}
}

// WithRedaction enables identifier hashing and PII masking.
func WithRedaction(enabled bool, salt string) Option {
	return func(t *Trail) { t.redactor = NewRedactor(enabled, salt) }
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(t *Trail) {
		if fn != nil {
			t.now = fn
		}
	}
}

// WithFailureCounter attaches a metric for failed writes.
func WithFailureCounter(fc FailureCounter) Option {
	return func(t *Trail) { t.failures = fc }
}

func NewTrail(sink Sink, opts ...Option) *Trail {
	t := &Trail{
		sink:  sink,
		debug: zap.NewNop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// LogAuditEvent builds, redacts and writes a record. The record is returned
// even when the write fails.
func (t *Trail) LogAuditEvent(ctx context.Context, ev Event) Record {
	rec := Record{
		ID:        ids.WithPrefix("aud"),
		Timestamp: t.now().UTC(),
		EventType: ev.Type,
		Category:  ev.Type.Category(),
		Outcome:   ev.Outcome,
		RequestID: RequestIDFromContext(ctx),
		ClientID:  t.redactor.ID(ev.ClientID),
		UserID:    t.redactor.ID(ev.UserID),
		Details:   t.redactor.Details(ev.Details),
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}
	if t.sink == nil {
		return rec
	}
	if err := t.write(rec); err != nil {
		if t.failures != nil {
			t.failures.AuditWriteFailed()
		}
		t.debug.Warn("audit write failed",
			zap.String("audit_id", rec.ID),
			zap.String("event_type", string(rec.EventType)),
			zap.Error(err),
		)
	}
	return rec
}

func (t *Trail) write(rec Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("audit sink panicked: %v", r)
		}
	}()
	return t.sink.Write(rec)
}

// Sync flushes the sink.
func (t *Trail) Sync() error {
	if t.sink == nil {
		return nil
	}
	return t.sink.Sync()
}
