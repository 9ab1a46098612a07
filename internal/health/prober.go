package health

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const DefaultProbeInterval = 30 * time.Second

// Probes bundles the dependency checks run by a Prober. Nil probes are skipped.
type Probes struct {
	EmbeddingEngine Probe
	VectorStore     Probe
	Auth            Probe
}

// Prober runs the dependency checks immediately and then on a fixed interval.
type Prober struct {
	monitor  *Monitor
	probes   Probes
	interval time.Duration
	logger   *zap.Logger
}

func NewProber(m *Monitor, probes Probes, interval time.Duration, logger *zap.Logger) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{monitor: m, probes: probes, interval: interval, logger: logger}
}

// CheckAll runs every configured probe once.
func (p *Prober) CheckAll(ctx context.Context) {
	if p.probes.EmbeddingEngine != nil {
		p.monitor.CheckEmbeddingEngine(ctx, p.probes.EmbeddingEngine)
	}
	if p.probes.VectorStore != nil {
		p.monitor.CheckVectorStore(ctx, p.probes.VectorStore)
	}
	if p.probes.Auth != nil {
		p.monitor.CheckAuth(ctx, p.probes.Auth)
	}
}

// Run blocks until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	p.logger.Info("health prober started", zap.Duration("interval", p.interval))
	p.CheckAll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("health prober stopped")
			return
		case <-ticker.C:
			p.CheckAll(ctx)
		}
	}
}
