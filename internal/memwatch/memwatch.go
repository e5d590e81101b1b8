// Package memwatch reports local memory pressure and worker contention,
// gopsutil-backed with a cached read, and turns it into a batch-size
// hint for AI/transcode workers on this host.
package memwatch

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// BatchHint is the recommended concurrency/batch sizing for this host,
// derived from available memory (the design heartbeat stats feed this).
type BatchHint struct {
	AvailableMB  int64
	MaxBatchSize int
	BufferBytes  int64
}

// Monitor caches a BatchHint for a short window so hot loops (the AI
// worker's per-item loop) don't syscall on every item.
type Monitor struct {
	cacheDuration time.Duration
	cached        *BatchHint
	cachedAt      time.Time
}

func New() *Monitor {
	return &Monitor{cacheDuration: 30 * time.Second}
}

// Hint returns the current batch sizing recommendation.
func (m *Monitor) Hint() (BatchHint, error) {
	if m.cached != nil && time.Since(m.cachedAt) < m.cacheDuration {
		return *m.cached, nil
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return defaultHint(), fmt.Errorf("read virtual memory stats: %w", err)
	}

	availableMB := int64(vm.Available) / 1024 / 1024

	var maxBatch int
	switch {
	case availableMB > 4096:
		maxBatch = 8
	case availableMB > 2048:
		maxBatch = 4
	case availableMB > 1024:
		maxBatch = 2
	default:
		maxBatch = 1
	}

	hint := BatchHint{
		AvailableMB:  availableMB,
		MaxBatchSize: maxBatch,
		BufferBytes:  int64(float64(vm.Available) * 0.1),
	}
	m.cached = &hint
	m.cachedAt = time.Now()
	return hint, nil
}

func defaultHint() BatchHint {
	return BatchHint{AvailableMB: 1024, MaxBatchSize: 1, BufferBytes: 100 * 1024 * 1024}
}

// Stats is the subset of host memory/CPU figures reported in a worker's
// heartbeat.
type Stats struct {
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	MemoryAvailableMB int64   `json:"memory_available_mb"`
}

// CollectStats gathers current host memory figures for a heartbeat payload.
func CollectStats() (Stats, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Stats{}, fmt.Errorf("collect memory stats: %w", err)
	}
	return Stats{
		MemoryUsedPercent: vm.UsedPercent,
		MemoryAvailableMB: int64(vm.Available) / 1024 / 1024,
	}, nil
}
