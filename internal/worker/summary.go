package worker

import (
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/goral/internal/health"
)

const (
	minLatency = int64(time.Microsecond)
	maxLatency = int64(time.Minute)
	sigFigs    = 3
)

// ServiceStats aggregates results of one service.
type ServiceStats struct {
	Name     string
	Calls    int64
	Errors   int64
	Outcomes map[string]int64
	Statuses map[int]int64
	Bytes    int64
	P50      time.Duration
	P95      time.Duration
	P99      time.Duration
	Max      time.Duration
	Mean     time.Duration
}

type serviceSummary struct {
	hist     *hdrhistogram.Histogram
	calls    int64
	errors   int64
	bytes    int64
	outcomes map[string]int64
	statuses map[int]int64
}

// Summary records per-service latency distributions.
type Summary struct {
	mu       sync.Mutex
	services map[string]*serviceSummary
}

// NewSummary creates an empty summary.
func NewSummary() *Summary {
	return &Summary{services: make(map[string]*serviceSummary)}
}

// Record adds one result.
func (s *Summary) Record(res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.services[res.Service]
	if !ok {
		ss = &serviceSummary{
			hist:     hdrhistogram.New(minLatency, maxLatency, sigFigs),
			outcomes: make(map[string]int64),
			statuses: make(map[int]int64),
		}
		s.services[res.Service] = ss
	}

	ss.calls++
	if res.Err != nil {
		ss.errors++
	}
	ss.outcomes[health.Outcome(res.Err)]++
	if res.Status != 0 {
		ss.statuses[res.Status]++
	}
	ss.bytes += int64(len(res.Body))

	v := int64(res.Duration)
	if v < minLatency {
		v = minLatency
	}
	if v > maxLatency {
		v = maxLatency
	}
	_ = ss.hist.RecordValue(v)
}

// Stats returns a snapshot of every service, sorted by name.
func (s *Summary) Stats() []ServiceStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ServiceStats, 0, len(s.services))
	for name, ss := range s.services {
		st := ServiceStats{
			Name:     name,
			Calls:    ss.calls,
			Errors:   ss.errors,
			Bytes:    ss.bytes,
			Outcomes: make(map[string]int64, len(ss.outcomes)),
			Statuses: make(map[int]int64, len(ss.statuses)),
			P50:      time.Duration(ss.hist.ValueAtQuantile(50)),
			P95:      time.Duration(ss.hist.ValueAtQuantile(95)),
			P99:      time.Duration(ss.hist.ValueAtQuantile(99)),
			Max:      time.Duration(ss.hist.Max()),
			Mean:     time.Duration(ss.hist.Mean()),
		}
		for k, v := range ss.outcomes {
			st.Outcomes[k] = v
		}
		for k, v := range ss.statuses {
			st.Statuses[k] = v
		}
		out = append(out, st)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Failed reports whether any recorded call failed.
func (s *Summary) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ss := range s.services {
		if ss.errors > 0 {
			return true
		}
	}
	return false
}
