// Package jobs schedules the background loops: state reconciliation and
// the idle sweep. Each job runs on its own ticker and is measured per run.
package jobs

import (
	"context"
	"log"
	"time"

	"github.com/kamvdi/vdi-control-plane/internal/metrics"
)

type Reconciler interface {
	RefreshAll(ctx context.Context) error
}

type Sweeper interface {
	Sweep(ctx context.Context) error
}

type Config struct {
	ReconcileInterval time.Duration
	SweepInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 60 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	return c
}

type Runner struct {
	reconciler Reconciler
	sweeper    Sweeper
	cfg        Config
}

func NewRunner(reconciler Reconciler, sweeper Sweeper, cfg Config) *Runner {
	return &Runner{reconciler: reconciler, sweeper: sweeper, cfg: cfg.withDefaults()}
}

// Start launches the job loops. They stop when ctx is canceled.
func (r *Runner) Start(ctx context.Context) {
	go r.runEvery(ctx, "state_reconcile", r.cfg.ReconcileInterval, r.reconciler.RefreshAll)
	go r.runEvery(ctx, "idle_sweep", r.cfg.SweepInterval, r.sweeper.Sweep)
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.runOnce(ctx, name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	durMs := float64(time.Since(start).Milliseconds())
	labels := map[string]string{
		"job": name,
	}
	if err != nil {
		log.Printf("metric=job_run name=%s status=error duration_ms=%d err=%q", name, int64(durMs), err.Error())
		labels["status"] = "error"
		metrics.Default().IncCounter("vdi_job_runs_total", labels)
		metrics.Default().ObserveHistogram("vdi_job_duration_ms", durMs, map[string]string{"job": name})
		return
	}
	log.Printf("metric=job_run name=%s status=ok duration_ms=%d", name, int64(durMs))
	labels["status"] = "ok"
	metrics.Default().IncCounter("vdi_job_runs_total", labels)
	metrics.Default().ObserveHistogram("vdi_job_duration_ms", durMs, map[string]string{"job": name})
}
