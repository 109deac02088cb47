package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"
)

// ResourceSampler tracks host CPU and memory utilisation from /proc. CPU is
// the busy share of jiffies between two samples, so the first sample reports
// the average since boot.
type ResourceSampler struct {
	fs     procfs.FS
	logger *zap.SugaredLogger
	sink   func(cpu, memory float64)

	mu        sync.RWMutex
	prevTotal float64
	prevIdle  float64
	cpu       float64
	memory    float64
}

// NewResourceSampler reads from the proc filesystem mounted at procPath, or
// the default mount when procPath is empty.
func NewResourceSampler(procPath string, logger *zap.SugaredLogger) (*ResourceSampler, error) {
	if procPath == "" {
		procPath = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(procPath)
	if err != nil {
		return nil, fmt.Errorf("open proc fs %s: %w", procPath, err)
	}
	return &ResourceSampler{fs: fs, logger: logger}, nil
}

// OnSample registers fn to receive every successful sample.
func (s *ResourceSampler) OnSample(fn func(cpu, memory float64)) {
	s.mu.Lock()
	s.sink = fn
	s.mu.Unlock()
}

func (s *ResourceSampler) Sample() error {
	stat, err := s.fs.Stat()
	if err != nil {
		return fmt.Errorf("read cpu stat: %w", err)
	}
	mem, err := s.fs.Meminfo()
	if err != nil {
		return fmt.Errorf("read meminfo: %w", err)
	}

	c := stat.CPUTotal
	idle := c.Idle + c.Iowait
	total := idle + c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal

	memory := 0.0
	if mem.MemTotal != nil && mem.MemAvailable != nil && *mem.MemTotal > 0 {
		used := float64(*mem.MemTotal) - float64(*mem.MemAvailable)
		memory = clampPercent(used / float64(*mem.MemTotal) * 100)
	}

	s.mu.Lock()
	dTotal := total - s.prevTotal
	dIdle := idle - s.prevIdle
	if dTotal > 0 {
		s.cpu = clampPercent((dTotal - dIdle) / dTotal * 100)
	}
	s.prevTotal, s.prevIdle = total, idle
	s.memory = memory
	cpu, sink := s.cpu, s.sink
	s.mu.Unlock()

	if sink != nil {
		sink(cpu, memory)
	}
	return nil
}

// Usage returns the last sampled cpu and memory percentages.
func (s *ResourceSampler) Usage() (cpu, memory float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cpu, s.memory
}

func (s *ResourceSampler) Run(ctx context.Context, interval time.Duration) {
	if err := s.Sample(); err != nil {
		s.logger.Warnw("Resource sample failed", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sample(); err != nil {
				s.logger.Warnw("Resource sample failed", "error", err)
			}
		}
	}
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
