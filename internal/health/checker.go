package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goral/internal/config"
	"github.com/goral/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Status is the last probe result of one service.
type Status struct {
	Healthy   bool
	Err       error
	CheckedAt time.Time
	Latency   time.Duration
}

// Checker performs periodic health probes on services.
type Checker struct {
	cfg      config.Health
	services []config.Service
	registry *protocol.Registry
	metrics  *Metrics
	log      zerolog.Logger

	statuses map[string]Status
	mu       sync.RWMutex
	rounds   atomic.Int64
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewChecker creates a new health checker. metrics may be nil.
func NewChecker(cfg config.Health, services []config.Service, registry *protocol.Registry, metrics *Metrics, log zerolog.Logger) *Checker {
	return &Checker{
		cfg:      cfg,
		services: services,
		registry: registry,
		metrics:  metrics,
		log:      log,
		statuses: make(map[string]Status),
	}
}

// Start probes every service once and then keeps probing on the
// configured interval until ctx is done or Stop is called.
func (c *Checker) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.CheckAll(ctx)
		c.run(ctx)
	}()
}

func (c *Checker) run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckAll(ctx)
		}
	}
}

// CheckAll probes all services concurrently and waits for the round.
func (c *Checker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup

	for _, svc := range c.services {
		wg.Add(1)
		go func(s config.Service) {
			defer wg.Done()
			c.check(ctx, s)
		}(svc)
	}

	wg.Wait()
	c.rounds.Add(1)
}

func (c *Checker) check(ctx context.Context, svc config.Service) {
	start := time.Now()
	err := c.probe(ctx, svc)
	latency := time.Since(start)
	healthy := err == nil

	c.mu.Lock()
	prev, seen := c.statuses[svc.Name]
	c.statuses[svc.Name] = Status{Healthy: healthy, Err: err, CheckedAt: start, Latency: latency}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetServiceHealth(svc.Name, healthy)
	}

	if !seen || prev.Healthy != healthy {
		if healthy {
			c.log.Info().Str("service", svc.Name).Dur("latency", latency).Msg("service is healthy")
		} else {
			c.log.Warn().Str("service", svc.Name).Err(err).Msg("service is unhealthy")
		}
	}
}

func (c *Checker) probe(ctx context.Context, svc config.Service) error {
	raw, err := svc.RequestConfig()
	if err != nil {
		return err
	}

	timeout := c.cfg.Timeout
	if svc.Timeout > 0 && svc.Timeout < timeout {
		timeout = svc.Timeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, _, err = c.registry.Do(probeCtx, svc.Protocol, raw)
	return err
}

// Status returns the last probe result of a service.
func (c *Checker) Status(name string) (Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.statuses[name]
	return s, ok
}

// IsHealthy returns whether a service passed its last probe.
func (c *Checker) IsHealthy(name string) bool {
	s, _ := c.Status(name)
	return s.Healthy
}

// Ready reports whether a full probe round has run and every service is
// healthy.
func (c *Checker) Ready() bool {
	if c.rounds.Load() == 0 {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.services {
		if !c.statuses[s.Name].Healthy {
			return false
		}
	}
	return true
}

// HealthyServices returns the services that passed their last probe.
func (c *Checker) HealthyServices() []config.Service {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var healthy []config.Service
	for _, s := range c.services {
		if c.statuses[s.Name].Healthy {
			healthy = append(healthy, s)
		}
	}
	return healthy
}

// Stop stops the health checker and waits for the running round.
func (c *Checker) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Server serves Prometheus metrics and health endpoints.
type Server struct {
	server *http.Server
	log    zerolog.Logger
}

// NewServer creates a new metrics/health HTTP server. gatherer may be nil
// for the default registry; ready may be nil to always report ready.
func NewServer(cfg config.Metrics, gatherer prometheus.Gatherer, ready func() bool, log zerolog.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:              cfg.Address,
			Handler:           NewHandler(cfg.Path, gatherer, ready),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// NewHandler builds the mux behind Server.
func NewHandler(metricsPath string, gatherer prometheus.Gatherer, ready func() bool) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()

	mux.Handle(metricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Liveness probe
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Readiness probe
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return mux
}

// Start begins serving metrics. It blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting metrics server")
	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
