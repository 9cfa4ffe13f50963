package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goral/internal/config"
	"github.com/goral/internal/health"
	"github.com/goral/pkg/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrPoolStopped is returned when submitting to a stopped pool.
var ErrPoolStopped = errors.New("worker: pool stopped")

// Job is one call of a configured service.
type Job struct {
	Service config.Service
	Seq     int
}

// Result is the outcome of one Job.
type Result struct {
	Service  string
	Protocol string
	Seq      int
	Status   int
	Body     []byte
	Err      error
	Duration time.Duration
}

// Pool manages a pool of worker goroutines dispatching calls through a
// protocol registry.
type Pool struct {
	cfg      config.Worker
	registry *protocol.Registry
	metrics  *health.Metrics
	summary  *Summary
	log      zerolog.Logger
	limiter  *rate.Limiter
	onResult func(Result)

	jobs     chan Job
	wg       sync.WaitGroup
	active   int64
	cancel   context.CancelFunc
	mu       sync.RWMutex
	stopped  bool
	quit     chan struct{}
	quitOnce sync.Once
}

// NewPool creates a new worker pool. metrics may be nil.
func NewPool(cfg config.Worker, registry *protocol.Registry, metrics *health.Metrics, log zerolog.Logger) *Pool {
	limit := rate.Inf
	burst := 1
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
		burst = burstFor(cfg.Rate)
	}

	return &Pool{
		cfg:      cfg,
		registry: registry,
		metrics:  metrics,
		summary:  NewSummary(),
		log:      log,
		limiter:  rate.NewLimiter(limit, burst),
		jobs:     make(chan Job, cfg.QueueSize),
		quit:     make(chan struct{}),
	}
}

// OnResult registers fn to receive every result. It must be set before
// Start and is called from worker goroutines once the call no longer
// counts as active.
func (p *Pool) OnResult(fn func(Result)) {
	p.onResult = fn
}

// Start launches the worker pool.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.PoolSize; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.log.Debug().Int("workers", p.cfg.PoolSize).Int("queue", p.cfg.QueueSize).Msg("worker pool started")
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.processJob(ctx, job)
		}
	}
}

func (p *Pool) processJob(ctx context.Context, job Job) {
	if p.metrics != nil {
		p.metrics.SetQueuedCalls(len(p.jobs))
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return // Context cancelled
	}

	atomic.AddInt64(&p.active, 1)
	if p.metrics != nil {
		p.metrics.IncCallsInFlight()
	}
	res := p.execute(ctx, job)
	atomic.AddInt64(&p.active, -1)
	if p.metrics != nil {
		p.metrics.DecCallsInFlight()
	}

	if p.metrics != nil {
		p.metrics.RecordCall(res.Service, res.Protocol, res.Err, len(res.Body), res.Duration.Seconds())
	}
	p.summary.Record(res)

	ev := p.log.Debug()
	if res.Err != nil {
		ev = p.log.Warn().Err(res.Err)
	}
	ev.Str("service", res.Service).Int("seq", res.Seq).Int("status", res.Status).
		Dur("duration", res.Duration).Msg("call finished")

	if p.onResult != nil {
		p.onResult(res)
	}
}

func (p *Pool) execute(ctx context.Context, job Job) Result {
	svc := job.Service
	res := Result{Service: svc.Name, Protocol: svc.Protocol, Seq: job.Seq}

	raw, err := svc.RequestConfig()
	if err != nil {
		res.Err = err
		return res
	}

	if svc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, svc.Timeout)
		defer cancel()
	}

	start := time.Now()
	call, body, err := p.registry.Do(ctx, svc.Protocol, raw)
	res.Duration = time.Since(start)
	res.Body = body
	res.Err = err
	if call != nil {
		res.Status = call.StatusCode()
	}
	return res
}

// Submit adds a job to the queue without blocking. It reports false when
// the queue is full or the pool is stopped.
func (p *Pool) Submit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}

	select {
	case p.jobs <- job:
		if p.metrics != nil {
			p.metrics.SetQueuedCalls(len(p.jobs))
		}
		return true
	default:
		return false
	}
}

// SubmitWait adds a job to the queue, blocking until there is room or ctx
// is done.
func (p *Pool) SubmitWait(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.jobs <- job:
		if p.metrics != nil {
			p.metrics.SetQueuedCalls(len(p.jobs))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolStopped
	}
}

// SetRate updates the rate limiter. A non-positive rate removes the limit.
func (p *Pool) SetRate(perSecond float64) {
	if perSecond <= 0 {
		p.limiter.SetLimit(rate.Inf)
		return
	}
	p.limiter.SetLimit(rate.Limit(perSecond))
	p.limiter.SetBurst(burstFor(perSecond))
}

// burstFor allows 10% of the rate as burst, at least one.
func burstFor(perSecond float64) int {
	if b := int(perSecond / 10); b > 1 {
		return b
	}
	return 1
}

// Summary returns the latency and outcome summary of processed jobs.
func (p *Pool) Summary() *Summary {
	return p.summary
}

// Active returns the number of currently active workers.
func (p *Pool) Active() int {
	return int(atomic.LoadInt64(&p.active))
}

// QueueSize returns the current queue length.
func (p *Pool) QueueSize() int {
	return len(p.jobs)
}

// Close stops accepting jobs and waits until every queued job has been
// processed.
func (p *Pool) Close() {
	p.quitOnce.Do(func() { close(p.quit) })

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	if p.cancel != nil {
		p.cancel()
	}
	p.log.Debug().Msg("all workers stopped")
}

// Stop cancels in-flight calls, discards queued jobs and waits for the
// workers to exit.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.Close()
}
