// Package monitor samples resource usage of the running relay process.
package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is a point in time view of the relay process.
type ProcessStats struct {
	PID              int32     `json:"pid"`
	RSSBytes         uint64    `json:"rssBytes"`
	VMSBytes         uint64    `json:"vmsBytes"`
	CPUPercent       float64   `json:"cpuPercent"`
	Threads          int32     `json:"threads"`
	Goroutines       int       `json:"goroutines"`
	StartedAt        time.Time `json:"startedAt"`
	SystemMemoryUsed float64   `json:"systemMemoryUsedPercent,omitempty"`
	SampledAt        time.Time `json:"sampledAt"`
}

// Uptime is the time elapsed between process start and the sample.
func (p ProcessStats) Uptime() time.Duration {
	if p.StartedAt.IsZero() {
		return 0
	}
	return p.SampledAt.Sub(p.StartedAt)
}

// Sampler reads process stats and caches them for maxAge, so a busy health
// endpoint does not walk /proc on every request.
type Sampler struct {
	proc   *process.Process
	maxAge time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last ProcessStats
}

func NewSampler(pid int, maxAge time.Duration) (*Sampler, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("opening process %d: %w", pid, err)
	}
	return &Sampler{proc: p, maxAge: maxAge, now: time.Now}, nil
}

// Sample returns cached stats when they are fresh enough, otherwise it reads
// them again.
func (s *Sampler) Sample(ctx context.Context) (ProcessStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.last.SampledAt.IsZero() && now.Sub(s.last.SampledAt) < s.maxAge {
		return s.last, nil
	}

	stats := ProcessStats{
		PID:        s.proc.Pid,
		Goroutines: runtime.NumGoroutine(),
		SampledAt:  now,
	}

	memInfo, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return ProcessStats{}, fmt.Errorf("reading memory info: %w", err)
	}
	stats.RSSBytes = memInfo.RSS
	stats.VMSBytes = memInfo.VMS

	if cpu, err := s.proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if n, err := s.proc.NumThreadsWithContext(ctx); err == nil {
		stats.Threads = n
	}
	if ms, err := s.proc.CreateTimeWithContext(ctx); err == nil {
		stats.StartedAt = time.UnixMilli(ms)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.SystemMemoryUsed = vm.UsedPercent
	}

	s.last = stats
	return stats, nil
}
