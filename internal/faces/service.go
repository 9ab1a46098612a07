package faces

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"facegate.org/internal/audit"
	"facegate.org/internal/health"
	"facegate.org/internal/ids"
	"facegate.org/internal/recognition"
)

const (
	DefaultThreshold   = 0.6
	DefaultSearchLimit = 5

	StatusRegistered = "registered"
	StatusQueued     = "queued"
	StatusFailed     = "failed"
)

// Service runs face operations behind capability checks and records every
// outcome on the audit trail.
type Service struct {
	monitor   *health.Monitor
	engine    recognition.Engine
	store     recognition.VectorStore
	trail     *audit.Trail
	logger    *zap.Logger
	threshold float64

	drainMu sync.Mutex
	drainWG sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithThreshold sets the minimum confidence for a recognition match.
func WithThreshold(t float64) Option {
	return func(s *Service) {
		if t > 0 {
			s.threshold = t
		}
	}
}

func NewService(m *health.Monitor, engine recognition.Engine, store recognition.VectorStore, trail *audit.Trail, opts ...Option) *Service {
	s := &Service{
		monitor:   m,
		engine:    engine,
		store:     store,
		trail:     trail,
		logger:    zap.NewNop(),
		threshold: DefaultThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) require(ctx context.Context, clientID string, c health.Capability) error {
	if s.monitor.Capabilities().Allows(c) {
		return nil
	}
	overall := s.monitor.Summary(ctx).OverallStatus
	s.trail.LogAuthorization(ctx, clientID, string(c), overall)
	return &CapabilityError{Operation: c, OverallStatus: overall}
}

// RegisterRequest describes a face enrollment.
type RegisterRequest struct {
	UserID   string         `json:"user_id,omitempty"`
	Name     string         `json:"name"`
	Image    []byte         `json:"image"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RegisterResult is either a completed registration or a queued one.
type RegisterResult struct {
	Status        string `json:"status"`
	UserID        string `json:"user_id,omitempty"`
	QueuePosition int    `json:"queue_position,omitempty"`
}

// Register enrolls a face. While the vector store cannot take writes but the
// embedding engine is up, the request is queued and its 1-based position returned.
func (s *Service) Register(ctx context.Context, clientID string, req RegisterRequest) (RegisterResult, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Image) == 0 {
		return RegisterResult{}, fmt.Errorf("%w: name and image are required", ErrInvalidInput)
	}

	caps := s.monitor.Capabilities()
	if caps.Allows(health.CapQueueWrite) {
		meta := req.Metadata
		if req.UserID != "" {
			meta = withUserID(meta, req.UserID)
		}
		pos, err := s.monitor.QueueRegistration(ctx, req.Name, req.Image, meta)
		if err != nil {
			s.trail.LogRegistration(ctx, clientID, req.UserID, req.Name, audit.OutcomeError, req.Metadata, err)
			return RegisterResult{}, fmt.Errorf("faces: queue registration: %w", err)
		}
		s.trail.LogQueuedRegistration(ctx, clientID, req.Name, pos, req.Metadata)
		return RegisterResult{Status: StatusQueued, QueuePosition: pos}, nil
	}
	if err := s.require(ctx, clientID, health.CapRegister); err != nil {
		return RegisterResult{}, err
	}

	userID, err := s.enroll(ctx, req)
	if err != nil {
		s.trail.LogRegistration(ctx, clientID, req.UserID, req.Name, failureOutcome(err), req.Metadata, err)
		return RegisterResult{}, err
	}
	s.trail.LogRegistration(ctx, clientID, userID, req.Name, audit.OutcomeSuccess, req.Metadata, nil)
	return RegisterResult{Status: StatusRegistered, UserID: userID}, nil
}

func (s *Service) enroll(ctx context.Context, req RegisterRequest) (string, error) {
	embedding, err := s.engine.Embed(ctx, req.Image)
	if err != nil {
		return "", err
	}
	userID := req.UserID
	if userID == "" {
		userID = ids.WithPrefix("usr")
	}
	err = s.store.Add(ctx, recognition.Profile{
		UserID:    userID,
		Name:      req.Name,
		Metadata:  req.Metadata,
		Embedding: embedding,
	})
	if err != nil {
		return "", err
	}
	return userID, nil
}

// RecognizeResult lists matches above the confidence threshold, best first.
type RecognizeResult struct {
	Recognized bool                `json:"recognized"`
	Best       *recognition.Match  `json:"best_match,omitempty"`
	Matches    []recognition.Match `json:"matches"`
}

func (s *Service) Recognize(ctx context.Context, clientID string, image []byte, limit int) (RecognizeResult, error) {
	if len(image) == 0 {
		return RecognizeResult{}, fmt.Errorf("%w: image is required", ErrInvalidInput)
	}
	if err := s.require(ctx, clientID, health.CapRecognize); err != nil {
		return RecognizeResult{}, err
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	embedding, err := s.engine.Embed(ctx, image)
	if err != nil {
		s.trail.LogRecognition(ctx, clientID, "", 0, 0, err)
		return RecognizeResult{}, err
	}
	found, err := s.store.Search(ctx, embedding, limit)
	if err != nil {
		s.trail.LogRecognition(ctx, clientID, "", 0, 0, err)
		return RecognizeResult{}, err
	}
	res := RecognizeResult{Matches: []recognition.Match{}}
	for _, m := range found {
		if m.Confidence >= s.threshold {
			res.Matches = append(res.Matches, m)
		}
	}
	if len(res.Matches) > 0 {
		best := res.Matches[0]
		res.Best = &best
		res.Recognized = true
		s.trail.LogRecognition(ctx, clientID, best.UserID, best.Confidence, len(res.Matches), nil)
	} else {
		s.trail.LogRecognition(ctx, clientID, "", 0, 0, nil)
	}
	return res, nil
}

func (s *Service) Profile(ctx context.Context, clientID, userID string) (recognition.Profile, error) {
	if err := s.require(ctx, clientID, health.CapProfileRead); err != nil {
		return recognition.Profile{}, err
	}
	p, err := s.store.Get(ctx, userID)
	s.trail.LogProfileAccess(ctx, clientID, userID, err)
	return p, err
}

func (s *Service) List(ctx context.Context, clientID string) ([]recognition.Profile, error) {
	if err := s.require(ctx, clientID, health.CapList); err != nil {
		return nil, err
	}
	profiles, err := s.store.List(ctx)
	s.trail.LogDatabaseOperation(ctx, clientID, "list", failureOutcome(err), map[string]any{"count": len(profiles)}, err)
	return profiles, err
}

func (s *Service) Delete(ctx context.Context, clientID, userID string) error {
	if err := s.require(ctx, clientID, health.CapDelete); err != nil {
		return err
	}
	err := s.store.Delete(ctx, userID)
	s.trail.LogDeletion(ctx, clientID, userID, err)
	return err
}

// UpdateRequest changes a profile; a new image requires a healthy engine.
type UpdateRequest struct {
	Name     *string        `json:"name,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Image    []byte         `json:"image,omitempty"`
}

func (s *Service) Update(ctx context.Context, clientID, userID string, req UpdateRequest) (recognition.Profile, error) {
	if err := s.require(ctx, clientID, health.CapUpdate); err != nil {
		return recognition.Profile{}, err
	}
	u := recognition.ProfileUpdate{Name: req.Name, Metadata: req.Metadata}
	if len(req.Image) > 0 {
		if s.monitor.Status(health.ComponentEmbeddingEngine) != health.StatusHealthy {
			overall := s.monitor.Summary(ctx).OverallStatus
			s.trail.LogAuthorization(ctx, clientID, string(health.CapUpdate), overall)
			return recognition.Profile{}, &CapabilityError{Operation: health.CapUpdate, OverallStatus: overall}
		}
		embedding, err := s.engine.Embed(ctx, req.Image)
		if err != nil {
			s.trail.LogUserUpdate(ctx, clientID, userID, []string{"embedding"}, err)
			return recognition.Profile{}, err
		}
		u.Embedding = embedding
	}
	if len(u.Fields()) == 0 {
		return recognition.Profile{}, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}
	p, err := s.store.Update(ctx, userID, u)
	s.trail.LogUserUpdate(ctx, clientID, userID, u.Fields(), err)
	return p, err
}

// Stats combines store statistics with the degraded-mode queue depth.
type Stats struct {
	recognition.Stats
	Queued int `json:"queued_registrations"`
}

func (s *Service) Stats(ctx context.Context, clientID string) (Stats, error) {
	if err := s.require(ctx, clientID, health.CapStats); err != nil {
		return Stats{}, err
	}
	st, err := s.store.Stats(ctx)
	if err != nil {
		s.trail.LogDatabaseOperation(ctx, clientID, "stats", audit.OutcomeError, nil, err)
		return Stats{}, err
	}
	queued, _ := s.monitor.QueuedRegistrations(ctx)
	s.trail.LogDatabaseOperation(ctx, clientID, "stats", audit.OutcomeSuccess, nil, nil)
	return Stats{Stats: st, Queued: len(queued)}, nil
}

// BatchItem is the per-entry result of BatchEnroll.
type BatchItem struct {
	Name          string `json:"name"`
	Status        string `json:"status"`
	UserID        string `json:"user_id,omitempty"`
	QueuePosition int    `json:"queue_position,omitempty"`
	Error         string `json:"error,omitempty"`
}

// BatchResult summarises a batch enrollment.
type BatchResult struct {
	Total     int         `json:"total"`
	Succeeded int         `json:"succeeded"`
	Queued    int         `json:"queued"`
	Failed    int         `json:"failed"`
	Items     []BatchItem `json:"items"`
}

// BatchEnroll registers each request independently; one failure does not
// stop the rest.
func (s *Service) BatchEnroll(ctx context.Context, clientID string, reqs []RegisterRequest) (BatchResult, error) {
	if len(reqs) == 0 {
		return BatchResult{}, fmt.Errorf("%w: no entries", ErrInvalidInput)
	}
	res := BatchResult{Total: len(reqs), Items: make([]BatchItem, 0, len(reqs))}
	for _, req := range reqs {
		item := BatchItem{Name: req.Name}
		out, err := s.Register(ctx, clientID, req)
		switch {
		case err != nil:
			item.Status = StatusFailed
			item.Error = err.Error()
			res.Failed++
		case out.Status == StatusQueued:
			item.Status = StatusQueued
			item.QueuePosition = out.QueuePosition
			res.Queued++
		default:
			item.Status = StatusRegistered
			item.UserID = out.UserID
			res.Succeeded++
		}
		res.Items = append(res.Items, item)
	}
	s.trail.LogBatchEnrollment(ctx, clientID, res.Total, res.Succeeded, res.Queued, res.Failed)
	return res, nil
}

// Health returns the monitor summary unchanged.
func (s *Service) Health(ctx context.Context) health.Summary {
	return s.monitor.Summary(ctx)
}

// DrainResult reports how many queued registrations were processed. Retained
// counts entries left at the head of the queue after a transient failure.
type DrainResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Retained  int `json:"retained,omitempty"`
}

// DrainQueue enrolls queued registrations in FIFO order once both the engine
// and the store are healthy. Entries the engine or store rejects outright are
// audited and discarded; a transient failure stops the drain and keeps the
// entry queued for the next recovery.
func (s *Service) DrainQueue(ctx context.Context) (DrainResult, error) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	var res DrainResult
	for {
		if !s.monitor.Capabilities().Allows(health.CapRecognize) {
			if res.Processed+res.Failed == 0 {
				return res, &CapabilityError{Operation: health.CapRegister, OverallStatus: s.monitor.Summary(ctx).OverallStatus}
			}
			break
		}
		entry, err := s.monitor.PeekQueued(ctx)
		if errors.Is(err, health.ErrQueueEmpty) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("faces: drain queue: %w", err)
		}
		req := RegisterRequest{Name: entry.Name, Image: entry.ImageData}
		req.Metadata, req.UserID = splitUserID(entry.Metadata)
		userID, err := s.enroll(ctx, req)
		if err != nil && !permanent(err) {
			res.Retained++
			s.logger.Warn("queued registration deferred", zap.String("queue_id", entry.ID), zap.Error(err))
			s.trail.LogRegistration(ctx, "", req.UserID, entry.Name, audit.OutcomeQueued, withSource(req.Metadata, entry.ID), err)
			break
		}
		if ackErr := s.monitor.AckQueued(ctx, entry.ID); ackErr != nil {
			return res, fmt.Errorf("faces: drain queue: %w", ackErr)
		}
		if err != nil {
			res.Failed++
			s.logger.Warn("queued registration failed", zap.String("queue_id", entry.ID), zap.Error(err))
			s.trail.LogRegistration(ctx, "", req.UserID, entry.Name, audit.OutcomeFailure, withSource(req.Metadata, entry.ID), err)
			continue
		}
		res.Processed++
		s.trail.LogRegistration(ctx, "", userID, entry.Name, audit.OutcomeSuccess, withSource(req.Metadata, entry.ID), nil)
	}
	if res.Processed+res.Failed+res.Retained > 0 {
		s.logger.Info("registration queue drained",
			zap.Int("processed", res.Processed), zap.Int("failed", res.Failed), zap.Int("retained", res.Retained))
		s.trail.LogDatabaseOperation(ctx, "", "drain_queue", drainOutcome(res), map[string]any{
			"processed": res.Processed, "failed": res.Failed, "retained": res.Retained,
		}, nil)
	}
	return res, nil
}

// permanent reports whether retrying err with the same input cannot succeed.
func permanent(err error) bool {
	return errors.Is(err, recognition.ErrNoFace) ||
		errors.Is(err, recognition.ErrAlreadyExists) ||
		errors.Is(err, recognition.ErrDimensionMismatch) ||
		errors.Is(err, ErrInvalidInput)
}

// DrainOnRecovery subscribes to the monitor and drains the queue in the
// background whenever the engine and store are both healthy again.
func (s *Service) DrainOnRecovery(ctx context.Context) {
	s.monitor.OnStateChange(func(t health.Transition) {
		if t.To != health.StatusHealthy {
			return
		}
		if t.Component != health.ComponentVectorStore && t.Component != health.ComponentEmbeddingEngine {
			return
		}
		s.drainWG.Add(1)
		go func() {
			defer s.drainWG.Done()
			if _, err := s.DrainQueue(ctx); err != nil && !errors.Is(err, ErrCapabilityUnavailable) {
				s.logger.Error("drain queue", zap.Error(err))
			}
		}()
	})
}

// Wait blocks until background drains started by DrainOnRecovery finish.
func (s *Service) Wait() { s.drainWG.Wait() }

func failureOutcome(err error) audit.Outcome {
	switch {
	case err == nil:
		return audit.OutcomeSuccess
	case errors.Is(err, recognition.ErrNoFace),
		errors.Is(err, recognition.ErrNotFound),
		errors.Is(err, recognition.ErrAlreadyExists),
		errors.Is(err, ErrInvalidInput):
		return audit.OutcomeFailure
	default:
		return audit.OutcomeError
	}
}

func drainOutcome(r DrainResult) audit.Outcome {
	switch {
	case r.Failed == 0 && r.Retained == 0:
		return audit.OutcomeSuccess
	case r.Processed == 0:
		return audit.OutcomeFailure
	default:
		return audit.OutcomePartial
	}
}

const queuedUserIDKey = "_user_id"

func withUserID(meta map[string]any, userID string) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out[queuedUserIDKey] = userID
	return out
}

func splitUserID(meta map[string]any) (map[string]any, string) {
	id, ok := meta[queuedUserIDKey].(string)
	if !ok {
		return meta, ""
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if k != queuedUserIDKey {
			out[k] = v
		}
	}
	return out, id
}

func withSource(meta map[string]any, queueID string) map[string]any {
	out := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	out["source"] = "queue"
	out["queue_id"] = queueID
	return out
}
