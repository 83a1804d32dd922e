package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// SystemMonitor samples host CPU usage and the process's heap allocation
// and goroutine count on a fixed interval and
// publishes it to the Prometheus gauges. Measure once, query many times.
type SystemMonitor struct {
	logger   zerolog.Logger
	interval time.Duration

	mu         sync.RWMutex
	cpuPercent float64
	memoryMB   float64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystemMonitor creates an idle monitor; call Start to begin sampling.
func NewSystemMonitor(interval time.Duration, logger zerolog.Logger) *SystemMonitor {
	return &SystemMonitor{
		logger:   logger.With().Str("component", "system_monitor").Logger(),
		interval: interval,
	}
}

// Start begins the sampling loop.
func (sm *SystemMonitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sm.cancel = cancel

	// Prime gopsutil's CPU delta tracking; the first non-blocking call
	// after this returns usage since now.
	cpu.Percent(0, false)

	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()

		ticker := time.NewTicker(sm.interval)
		defer ticker.Stop()

		sm.logger.Info().Dur("interval", sm.interval).Msg("System monitor started")

		for {
			select {
			case <-ticker.C:
				sm.sample()
			case <-ctx.Done():
				sm.logger.Info().Msg("System monitor stopped")
				return
			}
		}
	}()
}

func (sm *SystemMonitor) sample() {
	var cpuPercent float64
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	} else if err != nil {
		sm.logger.Debug().Err(err).Msg("Failed to sample CPU usage")
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	goroutines := runtime.NumGoroutine()

	sm.mu.Lock()
	sm.cpuPercent = cpuPercent
	sm.memoryMB = float64(mem.Alloc) / (1024 * 1024)
	sm.mu.Unlock()

	CPUUsagePercent.Set(cpuPercent)
	MemoryUsageBytes.Set(float64(mem.Alloc))
	Goroutines.Set(float64(goroutines))

	sm.logger.Debug().
		Float64("cpu_percent", cpuPercent).
		Float64("memory_mb", sm.memoryMB).
		Int("goroutines", goroutines).
		Msg("System metrics updated")
}

// CPUPercent returns the most recent CPU sample.
func (sm *SystemMonitor) CPUPercent() float64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.cpuPercent
}

// MemoryMB returns the most recent heap sample in megabytes.
func (sm *SystemMonitor) MemoryMB() float64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.memoryMB
}

// Shutdown stops the sampling loop and waits for it to exit.
func (sm *SystemMonitor) Shutdown() {
	if sm.cancel == nil {
		return
	}
	sm.cancel()
	sm.wg.Wait()
}
