package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// Sample is one snapshot of resource usage: the process's goroutine count and heap allocation, and host-wide CPU usage.
type Sample struct {
	Goroutines     int
	HeapAllocBytes uint64
	CPUPercent     float64
}

// Sampler periodically reads runtime and gopsutil stats and feeds them to a Metrics instance's gauges, grounded on
// the sibling relay's SystemMetrics sampler. CPU usage is smoothed with an exponential moving average since a single
// cpu.Percent reading is noisy under bursty load.
type Sampler struct {
	interval time.Duration
	metrics  *Metrics

	mu         sync.Mutex
	cpuPercent float64
}

// NewSampler constructs a Sampler that reports into m every interval.
func NewSampler(m *Metrics, interval time.Duration) *Sampler {
	return &Sampler{interval: interval, metrics: m}
}

// Run samples system resource usage on a fixed interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	percents, err := cpu.Percent(0, false)
	current := 0.0
	if err == nil && len(percents) > 0 {
		current = percents[0]
	}

	s.mu.Lock()
	if s.cpuPercent == 0 {
		s.cpuPercent = current
	} else {
		const alpha = 0.3
		s.cpuPercent = alpha*current + (1-alpha)*s.cpuPercent
	}
	smoothed := s.cpuPercent
	s.mu.Unlock()

	s.metrics.UpdateSystemGauges(Sample{
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: mem.HeapAlloc,
		CPUPercent:     smoothed,
	})
}
