package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// SystemSnapshot is the system resource reading a /health handler
// reports alongside endpoint/connection counts.
type SystemSnapshot struct {
	mu          sync.RWMutex
	memStats    runtime.MemStats
	cpuPercent  float64
}

func NewSystemSnapshot() *SystemSnapshot {
	s := &SystemSnapshot{}
	s.updateCPU()
	return s
}

// Update refreshes both readings. Called periodically, not per request:
// cpu.Percent blocks for one second to sample.
func (s *SystemSnapshot) Update() {
	s.mu.Lock()
	runtime.ReadMemStats(&s.memStats)
	s.mu.Unlock()
	s.updateCPU()
}

func (s *SystemSnapshot) updateCPU() {
	percents, err := cpu.Percent(time.Second, false)
	if err != nil || len(percents) == 0 {
		return
	}
	current := percents[0]
	s.mu.Lock()
	if s.cpuPercent == 0 {
		s.cpuPercent = current
	} else {
		const alpha = 0.3
		s.cpuPercent = alpha*current + (1-alpha)*s.cpuPercent
	}
	s.mu.Unlock()
}

func (s *SystemSnapshot) HeapAllocMB() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return float64(s.memStats.HeapAlloc) / 1024 / 1024
}

func (s *SystemSnapshot) CPUPercent() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cpuPercent
}

func (s *SystemSnapshot) Goroutines() int { return runtime.NumGoroutine() }

// Report returns the fields a /health handler serializes directly.
func (s *SystemSnapshot) Report() map[string]interface{} {
	return map[string]interface{}{
		"heap_alloc_mb": s.HeapAllocMB(),
		"cpu_percent":   s.CPUPercent(),
		"goroutines":    s.Goroutines(),
		"go_version":    runtime.Version(),
	}
}
