package worker

import (
	"context"
	"sync/atomic"

	"github.com/goral/internal/config"
	"github.com/goral/internal/health"
	"github.com/goral/pkg/protocol"
	"github.com/rs/zerolog"
)

// Progress is a snapshot of a batch run taken after each finished call.
type Progress struct {
	Done   int
	Total  int
	Active int
	Queued int
}

// Fraction returns the finished share of the run.
func (p Progress) Fraction() float64 {
	if p.Total == 0 {
		return 1
	}
	return float64(p.Done) / float64(p.Total)
}

// RunOptions tunes a batch run. The zero value runs at worker.rate without
// callbacks.
type RunOptions struct {
	// Rate replaces worker.rate when non-nil. A non-positive rate removes
	// the limit.
	Rate *float64

	// OnResult and OnProgress are called from worker goroutines.
	OnResult   func(Result)
	OnProgress func(Progress)
}

// Run executes every service Repeat times through a pool and returns the
// summary once all calls have finished.
func Run(ctx context.Context, cfg *config.Config, services []config.Service, registry *protocol.Registry,
	metrics *health.Metrics, log zerolog.Logger, opts RunOptions) (*Summary, error) {
	total := 0
	for _, svc := range services {
		total += svc.Repeat
	}

	pool := NewPool(cfg.Worker, registry, metrics, log)
	if opts.Rate != nil {
		pool.SetRate(*opts.Rate)
	}

	var done atomic.Int64
	pool.OnResult(func(r Result) {
		if opts.OnResult != nil {
			opts.OnResult(r)
		}
		n := done.Add(1)
		if opts.OnProgress != nil {
			opts.OnProgress(Progress{
				Done:   int(n),
				Total:  total,
				Active: pool.Active(),
				Queued: pool.QueueSize(),
			})
		}
	})
	pool.Start(ctx)

	var submitErr error
submit:
	for _, svc := range services {
		for i := 0; i < svc.Repeat; i++ {
			if err := pool.SubmitWait(ctx, Job{Service: svc, Seq: i}); err != nil {
				submitErr = err
				break submit
			}
		}
	}

	if submitErr != nil {
		pool.Stop()
		return pool.Summary(), submitErr
	}
	pool.Close()
	return pool.Summary(), ctx.Err()
}
