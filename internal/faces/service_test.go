package faces

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"facegate.org/internal/audit"
	"facegate.org/internal/auth"
	"facegate.org/internal/health"
	"facegate.org/internal/recognition"
)

// byteEngine embeds an image as its raw byte values.
type byteEngine struct{ err error }

func (e byteEngine) Embed(_ context.Context, image []byte) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	if bytes.Equal(image, []byte("blank")) {
		return nil, recognition.ErrNoFace
	}
	out := make([]float32, len(image))
	for i, b := range image {
		out[i] = float32(b)
	}
	return out, nil
}

func (e byteEngine) Ping(context.Context) error { return e.err }

type fixture struct {
	svc     *Service
	monitor *health.Monitor
	store   *recognition.MemoryStore
	audit   *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var buf bytes.Buffer
	m := health.NewMonitor()
	store := recognition.NewMemoryStore()
	trail := audit.NewTrail(audit.NewSink(zapcore.AddSync(&buf)), audit.WithRedaction(true, ""))
	return &fixture{
		svc:     NewService(m, byteEngine{}, store, trail),
		monitor: m,
		store:   store,
		audit:   &buf,
	}
}

func (f *fixture) set(t *testing.T, engine, store health.Status) {
	t.Helper()
	require.NoError(t, f.monitor.UpdateHealth(health.ComponentEmbeddingEngine, engine, "test", nil))
	require.NoError(t, f.monitor.UpdateHealth(health.ComponentVectorStore, store, "test", nil))
	require.NoError(t, f.monitor.UpdateHealth(health.ComponentAuth, health.StatusHealthy, "test", nil))
}

func TestDegradedModeEndToEnd(t *testing.T) {
	ctx := context.Background()

	keys, err := auth.GenerateKeyPair(auth.DefaultKeyBits)
	require.NoError(t, err)
	clients, err := auth.OpenFileStore(filepath.Join(t.TempDir(), "clients.json"))
	require.NoError(t, err)
	authority, err := auth.New(clients, keys)
	require.NoError(t, err)

	creds, err := authority.CreateClient(ctx, "demo_client", "Demo")
	require.NoError(t, err)
	require.Equal(t, "demo_client", creds.ClientID)
	tok, err := authority.CreateAccessToken(creds.ClientID)
	require.NoError(t, err)
	claims := authority.VerifyToken(tok.Value)
	require.NotNil(t, claims)
	require.Equal(t, "demo_client", claims.Subject)

	f := newFixture(t)
	f.set(t, health.StatusHealthy, health.StatusDegraded)

	caps := f.monitor.Capabilities()
	require.True(t, caps.Allows(health.CapRegister))
	require.False(t, caps.Allows(health.CapRecognize))

	res, err := f.svc.Register(ctx, claims.Subject, RegisterRequest{Name: "Ada", Image: []byte{9, 1, 1}})
	require.NoError(t, err)
	require.Equal(t, StatusQueued, res.Status)
	require.Equal(t, 1, res.QueuePosition)

	require.NoError(t, f.monitor.UpdateHealth(health.ComponentVectorStore, health.StatusHealthy, "recovered", nil))
	require.True(t, f.monitor.Capabilities().Allows(health.CapRecognize))
	summary := f.svc.Health(ctx)
	require.False(t, summary.DegradedMode.Active)
	require.Equal(t, health.OverallHealthy, summary.OverallStatus)
	require.Equal(t, 1, summary.DegradedMode.QueuedCount)

	drained, err := f.svc.DrainQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, DrainResult{Processed: 1}, drained)

	rec, err := f.svc.Recognize(ctx, claims.Subject, []byte{9, 1, 1}, 0)
	require.NoError(t, err)
	require.True(t, rec.Recognized)
	require.Equal(t, "Ada", rec.Best.Name)

	log := f.audit.String()
	require.Contains(t, log, `"outcome":"queued"`)
	require.Contains(t, log, string(audit.EventFaceRecognition))
	require.NotContains(t, log, "Ada")
}

func TestRegisterDirectWhenHealthy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.set(t, health.StatusHealthy, health.StatusHealthy)

	res, err := f.svc.Register(ctx, "c", RegisterRequest{UserID: "emp-7", Name: "Grace", Image: []byte{1, 2, 3}})
	require.NoError(t, err)
	require.Equal(t, RegisterResult{Status: StatusRegistered, UserID: "emp-7"}, res)

	p, err := f.svc.Profile(ctx, "c", "emp-7")
	require.NoError(t, err)
	require.Equal(t, "Grace", p.Name)

	queued, err := f.monitor.QueuedRegistrations(ctx)
	require.NoError(t, err)
	require.Empty(t, queued)
}

func TestRegisterQueuesWhenStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.set(t, health.StatusHealthy, health.StatusUnavailable)

	for i := 1; i <= 2; i++ {
		res, err := f.svc.Register(ctx, "c", RegisterRequest{Name: "n", Image: []byte{byte(i)}})
		require.NoError(t, err)
		require.Equal(t, i, res.QueuePosition)
	}
}

func TestCapabilityErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.set(t, health.StatusUnavailable, health.StatusDegraded)

	_, err := f.svc.Register(ctx, "c", RegisterRequest{Name: "Ada", Image: []byte{1}})
	var capErr *CapabilityError
	require.ErrorAs(t, err, &capErr)
	require.Equal(t, health.CapRegister, capErr.Operation)
	require.Equal(t, health.OverallDegraded, capErr.OverallStatus)
	require.ErrorIs(t, err, ErrCapabilityUnavailable)

	_, err = f.svc.Recognize(ctx, "c", []byte{1}, 1)
	require.ErrorAs(t, err, &capErr)
	require.Equal(t, health.CapRecognize, capErr.Operation)

	_, err = f.svc.List(ctx, "c")
	require.ErrorIs(t, err, ErrCapabilityUnavailable)
	require.ErrorIs(t, f.svc.Delete(ctx, "c", "u"), ErrCapabilityUnavailable)
	_, err = f.svc.Stats(ctx, "c")
	require.ErrorIs(t, err, ErrCapabilityUnavailable)

	require.Contains(t, f.audit.String(), `"outcome":"denied"`)
}

func TestUpdateWithImageNeedsEngine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.set(t, health.StatusHealthy, health.StatusHealthy)
	_, err := f.svc.Register(ctx, "c", RegisterRequest{UserID: "u1", Name: "Ada", Image: []byte{1, 2}})
	require.NoError(t, err)

	require.NoError(t, f.monitor.UpdateHealth(health.ComponentEmbeddingEngine, health.StatusUnavailable, "down", nil))
	name := "Ada L."
	p, err := f.svc.Update(ctx, "c", "u1", UpdateRequest{Name: &name})
	require.NoError(t, err)
	require.Equal(t, "Ada L.", p.Name)

	_, err = f.svc.Update(ctx, "c", "u1", UpdateRequest{Image: []byte{3, 4}})
	require.ErrorIs(t, err, ErrCapabilityUnavailable)

	_, err = f.svc.Update(ctx, "c", "u1", UpdateRequest{})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestBatchEnrollMixedResults(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.set(t, health.StatusHealthy, health.StatusHealthy)

	res, err := f.svc.BatchEnroll(ctx, "c", []RegisterRequest{
		{Name: "Ada", Image: []byte{1, 0}},
		{Name: "Nobody", Image: []byte("blank")},
		{Name: "", Image: []byte{1}},
	})
	require.NoError(t, err)
	require.Equal(t, 3, res.Total)
	require.Equal(t, 1, res.Succeeded)
	require.Equal(t, 2, res.Failed)
	require.Equal(t, StatusFailed, res.Items[1].Status)
	require.Contains(t, f.audit.String(), `"outcome":"partial"`)
}

func TestDrainQueueDiscardsFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.set(t, health.StatusHealthy, health.StatusDegraded)

	_, err := f.svc.Register(ctx, "c", RegisterRequest{Name: "Ada", Image: []byte{1, 0}, UserID: "u1"})
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, "c", RegisterRequest{Name: "Nobody", Image: []byte("blank")})
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, "c", RegisterRequest{Name: "Grace", Image: []byte{0, 1}})
	require.NoError(t, err)

	_, err = f.svc.DrainQueue(ctx)
	require.ErrorIs(t, err, ErrCapabilityUnavailable)

	require.NoError(t, f.monitor.UpdateHealth(health.ComponentVectorStore, health.StatusHealthy, "ok", nil))
	res, err := f.svc.DrainQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, DrainResult{Processed: 2, Failed: 1}, res)

	p, err := f.store.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "Ada", p.Name)
	require.NotContains(t, p.Metadata, queuedUserIDKey)

	queued, err := f.monitor.QueuedRegistrations(ctx)
	require.NoError(t, err)
	require.Empty(t, queued)
}

// flakyStore fails the first n Add calls with a connection error.
type flakyStore struct {
	*recognition.MemoryStore
	n int
}

func (s *flakyStore) Add(ctx context.Context, p recognition.Profile) error {
	if s.n > 0 {
		s.n--
		return errors.New("connection reset by peer")
	}
	return s.MemoryStore.Add(ctx, p)
}

func TestDrainQueueKeepsEntryOnStoreError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.set(t, health.StatusHealthy, health.StatusDegraded)

	_, err := f.svc.Register(ctx, "c", RegisterRequest{Name: "Ada", Image: []byte{1, 0}})
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, "c", RegisterRequest{Name: "Grace", Image: []byte{0, 1}})
	require.NoError(t, err)
	f.svc.store = &flakyStore{MemoryStore: f.store, n: 1}
	require.NoError(t, f.monitor.UpdateHealth(health.ComponentVectorStore, health.StatusHealthy, "ok", nil))

	res, err := f.svc.DrainQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, DrainResult{Retained: 1}, res)
	queued, err := f.monitor.QueuedRegistrations(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	require.Equal(t, "Ada", queued[0].Name)

	res, err = f.svc.DrainQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, DrainResult{Processed: 2}, res)
	st, err := f.store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, st.Profiles)
}

func TestDrainOnRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.DrainOnRecovery(ctx)
	f.set(t, health.StatusHealthy, health.StatusDegraded)

	_, err := f.svc.Register(ctx, "c", RegisterRequest{Name: "Ada", Image: []byte{1, 0}})
	require.NoError(t, err)

	require.NoError(t, f.monitor.UpdateHealth(health.ComponentVectorStore, health.StatusHealthy, "ok", nil))
	require.Eventually(t, func() bool {
		st, _ := f.store.Stats(ctx)
		return st.Profiles == 1
	}, time.Second, 5*time.Millisecond)
	f.svc.Wait()
}

func TestRecognizeBelowThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.set(t, health.StatusHealthy, health.StatusHealthy)
	_, err := f.svc.Register(ctx, "c", RegisterRequest{Name: "Ada", Image: []byte{1, 0}})
	require.NoError(t, err)

	res, err := f.svc.Recognize(ctx, "c", []byte{0, 1}, 3)
	require.NoError(t, err)
	require.False(t, res.Recognized)
	require.Empty(t, res.Matches)
}

func TestEngineFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.engine = byteEngine{err: errors.New("gpu lost")}
	f.set(t, health.StatusHealthy, health.StatusHealthy)

	_, err := f.svc.Register(ctx, "c", RegisterRequest{Name: "Ada", Image: []byte{1}})
	require.Error(t, err)
	require.True(t, strings.Contains(f.audit.String(), `"outcome":"error"`))
}
