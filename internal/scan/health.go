package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

const healthProbeTimeout = 5 * time.Second

// ProbeHealth checks every backend whose breaker is open. Healthy probes
// count toward closing the breaker; a failed probe resets that progress.
// Closed backends are not probed: the request path already exercises them.
func (e *Engine) ProbeHealth(ctx context.Context) {
	for _, s := range e.registry.All() {
		b := e.breaker(s.ID())
		if !b.IsOpen() {
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		err := s.Health(pctx)
		cancel()

		if err != nil {
			b.RecordFailure()
			e.logger.DebugContext(ctx, "scanner health probe failed", "scanner", s.ID(), "error", err)
			continue
		}
		if _, change := b.RecordSuccess(); change.Closed {
			e.metrics.SetBreakerOpen(s.ID(), false)
			e.logger.InfoContext(ctx, "scanner circuit closed", "scanner", s.ID())
		}
	}
}

// HealthProber runs ProbeHealth on a cron schedule.
type HealthProber struct {
	engine *Engine
	cron   *cron.Cron
}

// NewHealthProber schedules probes with a standard cron spec or a
// descriptor such as "@every 30s".
func NewHealthProber(engine *Engine, schedule string) (*HealthProber, error) {
	c := cron.New()
	p := &HealthProber{engine: engine, cron: c}
	if _, err := c.AddFunc(schedule, func() {
		p.engine.ProbeHealth(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("invalid health probe schedule %q: %w", schedule, err)
	}
	return p, nil
}

func (p *HealthProber) Start() {
	p.engine.logger.Info("scanner health prober started", "entries", len(p.cron.Entries()))
	p.cron.Start()
}

// Stop halts scheduling and waits for a running probe to finish or ctx to
// expire.
func (p *HealthProber) Stop(ctx context.Context) {
	done := p.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
