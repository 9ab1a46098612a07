package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func ok(context.Context) error { return nil }

func failing(context.Context) error { return errors.New("connection refused") }

func TestDeriveCapabilities(t *testing.T) {
	cases := []struct {
		name                    string
		engine, store           Status
		register, recognize, qw bool
		read                    bool
	}{
		{"all healthy", StatusHealthy, StatusHealthy, true, true, false, true},
		{"store degraded", StatusHealthy, StatusDegraded, true, false, true, false},
		{"store unavailable", StatusHealthy, StatusUnavailable, false, false, true, false},
		{"engine down store healthy", StatusUnavailable, StatusHealthy, false, false, false, true},
		{"engine down store degraded", StatusUnavailable, StatusDegraded, false, false, false, false},
		{"engine degraded", StatusDegraded, StatusHealthy, false, false, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			caps := DeriveCapabilities(tc.engine, tc.store)
			require.Equal(t, tc.register, caps.Allows(CapRegister))
			require.Equal(t, tc.recognize, caps.Allows(CapRecognize))
			require.Equal(t, tc.qw, caps.Allows(CapQueueWrite))
			for _, c := range []Capability{CapProfileRead, CapList, CapDelete, CapStats, CapUpdate} {
				require.Equal(t, tc.read, caps.Allows(c), "capability %s", c)
			}
		})
	}
}

func TestNewMonitorStartsUnchecked(t *testing.T) {
	m := NewMonitor()
	for _, c := range Components {
		rec, found := m.Component(c)
		require.True(t, found)
		require.Equal(t, StatusUnavailable, rec.Status)
		require.Equal(t, "not checked", rec.Message)
	}
	s := m.Summary(context.Background())
	require.Equal(t, OverallDegraded, s.OverallStatus)
	require.False(t, s.DegradedMode.Active)
}

func TestUpdateHealthCallbacks(t *testing.T) {
	m := NewMonitor()

	type change struct {
		c        Component
		from, to Status
	}
	var got []change
	var messages []string
	m.OnStateChange(func(tr Transition) {
		got = append(got, change{tr.Component, tr.From, tr.To})
		messages = append(messages, tr.Record.Message)
	})

	require.NoError(t, m.UpdateHealth(ComponentVectorStore, StatusHealthy, "ok", nil))
	require.NoError(t, m.UpdateHealth(ComponentVectorStore, StatusHealthy, "still ok", nil))
	require.NoError(t, m.UpdateHealth(ComponentVectorStore, StatusDegraded, "slow", errors.New("timeout")))

	require.Equal(t, []change{
		{ComponentVectorStore, StatusUnavailable, StatusHealthy},
		{ComponentVectorStore, StatusHealthy, StatusDegraded},
	}, got)
	require.Equal(t, []string{"ok", "slow"}, messages)

	rec, _ := m.Component(ComponentVectorStore)
	require.Equal(t, "slow", rec.Message)
	require.Equal(t, "timeout", rec.Error)
}

func TestUpdateHealthUnknownComponent(t *testing.T) {
	m := NewMonitor()
	err := m.UpdateHealth(Component("gpu"), StatusHealthy, "", nil)
	require.ErrorIs(t, err, ErrUnknownComponent)
}

func TestUpdateHealthRejectsUnknownStatus(t *testing.T) {
	m := NewMonitor()
	calls := 0
	m.OnStateChange(func(Transition) { calls++ })

	err := m.UpdateHealth(ComponentVectorStore, Status("on_fire"), "", nil)
	require.ErrorIs(t, err, ErrUnknownStatus)
	require.Equal(t, StatusUnavailable, m.Status(ComponentVectorStore))
	require.Equal(t, "unavailable", string(m.Summary(context.Background()).Components[ComponentVectorStore].Status))
	require.Zero(t, calls)
}

func TestCallbackPanicIsContained(t *testing.T) {
	m := NewMonitor()
	calls := 0
	m.OnStateChange(func(Transition) { panic("boom") })
	m.OnStateChange(func(Transition) { calls++ })

	require.NotPanics(t, func() {
		require.NoError(t, m.UpdateHealth(ComponentAuth, StatusHealthy, "ok", nil))
	})
	require.Equal(t, 1, calls)
}

func TestProbeFailureMapping(t *testing.T) {
	ctx := context.Background()
	m := NewMonitor()

	require.False(t, m.CheckEmbeddingEngine(ctx, failing))
	require.Equal(t, StatusUnavailable, m.Status(ComponentEmbeddingEngine))

	require.False(t, m.CheckVectorStore(ctx, failing))
	require.Equal(t, StatusDegraded, m.Status(ComponentVectorStore))

	require.False(t, m.CheckAuth(ctx, failing))
	require.Equal(t, StatusUnavailable, m.Status(ComponentAuth))

	require.False(t, m.CheckAuth(ctx, func(context.Context) error { panic("bad config") }))
	require.False(t, m.CheckEmbeddingEngine(ctx, nil))

	require.True(t, m.CheckEmbeddingEngine(ctx, ok))
	require.True(t, m.CheckVectorStore(ctx, ok))
	require.True(t, m.CheckAuth(ctx, ok))
	require.True(t, m.Healthy())
	require.Equal(t, OverallHealthy, m.Summary(ctx).OverallStatus)
}

func TestHungProbeTimesOut(t *testing.T) {
	m := NewMonitor(WithProbeTimeout(20 * time.Millisecond))
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	healthy := m.CheckVectorStore(context.Background(), func(context.Context) error {
		<-release
		return nil
	})
	require.False(t, healthy)
	require.Less(t, time.Since(start), time.Second)

	rec, _ := m.Component(ComponentVectorStore)
	require.Equal(t, StatusDegraded, rec.Status)
	require.Contains(t, rec.Error, "timed out")
}

func TestCapabilitiesNotBlockedByRunningProbe(t *testing.T) {
	m := NewMonitor(WithProbeTimeout(time.Second))
	started := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.CheckEmbeddingEngine(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan Capabilities, 1)
	go func() { done <- m.Capabilities() }()
	select {
	case caps := <-done:
		require.False(t, caps.Allows(CapRegister))
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Capabilities blocked on a running probe")
	}
	close(release)
	wg.Wait()
}

func TestQueueFIFOAndClear(t *testing.T) {
	ctx := context.Background()
	m := NewMonitor()

	for i, name := range []string{"ada", "grace", "linus"} {
		pos, err := m.QueueRegistration(ctx, name, []byte{byte(i)}, map[string]any{"dept": "eng"})
		require.NoError(t, err)
		require.Equal(t, i+1, pos)
	}
	queued, err := m.QueuedRegistrations(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 3)
	require.Equal(t, "ada", queued[0].Name)
	require.Equal(t, "grace", queued[1].Name)
	require.Equal(t, "linus", queued[2].Name)
	require.NotEqual(t, queued[0].ID, queued[1].ID)

	head, err := m.PeekQueued(ctx)
	require.NoError(t, err)
	require.Equal(t, "ada", head.Name)
	require.NoError(t, m.AckQueued(ctx, "not-the-head"))
	require.NoError(t, m.AckQueued(ctx, head.ID))
	head, err = m.PeekQueued(ctx)
	require.NoError(t, err)
	require.Equal(t, "grace", head.Name)

	n, err := m.ClearRegistrationQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	queued, err = m.QueuedRegistrations(ctx)
	require.NoError(t, err)
	require.Empty(t, queued)

	_, err = m.PeekQueued(ctx)
	require.ErrorIs(t, err, ErrQueueEmpty)
	require.NoError(t, m.AckQueued(ctx, head.ID))
}

func TestRecoveryReportsQueuedCount(t *testing.T) {
	ctx := context.Background()
	m := NewMonitor()
	require.True(t, m.CheckEmbeddingEngine(ctx, ok))
	require.False(t, m.CheckVectorStore(ctx, failing))

	s := m.Summary(ctx)
	require.True(t, s.DegradedMode.Active)

	_, err := m.QueueRegistration(ctx, "ada", []byte("img"), nil)
	require.NoError(t, err)
	_, err = m.QueueRegistration(ctx, "grace", []byte("img"), nil)
	require.NoError(t, err)

	require.True(t, m.CheckVectorStore(ctx, ok))
	rec, _ := m.Component(ComponentVectorStore)
	require.Contains(t, rec.Message, "2 queued registrations")

	s = m.Summary(ctx)
	require.False(t, s.DegradedMode.Active)
	require.Equal(t, 2, s.DegradedMode.QueuedCount)
	require.True(t, s.Capabilities.Allows(CapRecognize))
}

func TestConcurrentUpdatesAndReads(t *testing.T) {
	ctx := context.Background()
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(3)
		go func(i int) {
			defer wg.Done()
			s := StatusHealthy
			if i%2 == 0 {
				s = StatusDegraded
			}
			_ = m.UpdateHealth(ComponentVectorStore, s, "flap", nil)
		}(i)
		go func() {
			defer wg.Done()
			_ = m.Summary(ctx)
		}()
		go func() {
			defer wg.Done()
			_, _ = m.QueueRegistration(ctx, "x", nil, nil)
		}()
	}
	wg.Wait()
	n, err := m.ClearRegistrationQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 20, n)
}

func TestProberChecksImmediately(t *testing.T) {
	m := NewMonitor()
	p := NewProber(m, Probes{EmbeddingEngine: ok, VectorStore: failing, Auth: ok}, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return m.Status(ComponentAuth) == StatusHealthy
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, StatusDegraded, m.Status(ComponentVectorStore))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("prober did not stop")
	}
}

func TestGRPCReporterFollowsMonitor(t *testing.T) {
	ctx := context.Background()
	m := NewMonitor()
	r := NewGRPCReporter(m)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := r.Server().Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(""))

	for _, c := range Components {
		require.NoError(t, m.UpdateHealth(c, StatusHealthy, "ok", nil))
	}
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check(ServicePrefix+string(ComponentVectorStore)))

	require.NoError(t, m.UpdateHealth(ComponentVectorStore, StatusDegraded, "slow", nil))
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(""))
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(ServicePrefix+string(ComponentVectorStore)))
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check(ServicePrefix+string(ComponentEmbeddingEngine)))
}
