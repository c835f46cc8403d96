// Package diskguard is the circuit breaker gating uploads into the WAL
// (localnode.Node.Upload checks it before appending) before they hit a
// full filesystem: it warns, then throttles, then stops writes outright as
// usage against a volume climbs. Chunk Store writes are not gated by it.
package diskguard

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	internalerrors "github.com/akumaburn/crdtstore/internal/errors"
	"github.com/akumaburn/crdtstore/internal/metrics"
)

// Thresholds are usage percentages (0-100) at which the guard changes
// behavior: Warning just logs, Throttle rejects writes larger than a
// fraction of remaining space, CircuitBreak rejects all writes.
type Thresholds struct {
	Warning      float64
	Throttle     float64
	CircuitBreak float64
}

// DefaultThresholds matches the teacher's own 80/90/95 split.
func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 80, Throttle: 90, CircuitBreak: 95}
}

// Guard caches a filesystem usage reading and answers CheckWrite cheaply
// between refreshes.
type Guard struct {
	path       string
	thresholds Thresholds
	interval   time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu              sync.RWMutex
	lastCheck       time.Time
	usagePercent    float64
	availableBytes  uint64
	throttled       bool
	circuitBroken   bool
}

// New creates a Guard and performs an initial check.
func New(path string, thresholds Thresholds, interval time.Duration, logger *zap.Logger, m *metrics.Metrics) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	g := &Guard{path: path, thresholds: thresholds, interval: interval, logger: logger, metrics: m}
	if err := g.refresh(); err != nil {
		logger.Warn("initial disk space check failed", zap.Error(err))
	}
	return g
}

// CheckWrite returns an error if a write of estimatedBytes should be
// rejected or throttled at the current usage level.
func (g *Guard) CheckWrite(estimatedBytes uint64) error {
	g.mu.RLock()
	stale := time.Since(g.lastCheck) > g.interval
	g.mu.RUnlock()
	if stale {
		if err := g.refresh(); err != nil {
			g.logger.Warn("disk space refresh failed", zap.Error(err))
		}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.circuitBroken {
		return internalerrors.Wrap(internalerrors.KindIoError,
			fmt.Sprintf("disk usage at %.2f%%, circuit breaker engaged", g.usagePercent), nil)
	}
	if g.throttled && estimatedBytes > g.availableBytes/10 {
		return internalerrors.Wrap(internalerrors.KindIoError,
			fmt.Sprintf("disk usage at %.2f%%, write throttled", g.usagePercent), nil)
	}
	if estimatedBytes > g.availableBytes {
		return internalerrors.Wrap(internalerrors.KindIoError,
			fmt.Sprintf("insufficient space: need %d bytes, have %d", estimatedBytes, g.availableBytes), nil)
	}
	return nil
}

func (g *Guard) refresh() error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(g.path, &stat); err != nil {
		return fmt.Errorf("statfs %s: %w", g.path, err)
	}

	total := stat.Blocks * uint64(stat.Bsize)
	available := stat.Bavail * uint64(stat.Bsize)
	used := total - available
	usagePercent := 0.0
	if total > 0 {
		usagePercent = (float64(used) / float64(total)) * 100.0
	}

	g.mu.Lock()
	wasThrottled, wasBroken := g.throttled, g.circuitBroken
	g.usagePercent = usagePercent
	g.availableBytes = available
	g.lastCheck = time.Now()
	g.circuitBroken = usagePercent >= g.thresholds.CircuitBreak
	g.throttled = usagePercent >= g.thresholds.Throttle && !g.circuitBroken
	g.mu.Unlock()
	g.metrics.SetDiskUsage(usagePercent, available)

	if g.circuitBroken && !wasBroken {
		g.metrics.RecordDiskCircuitBroken()
		g.logger.Error("disk circuit breaker engaged", zap.Float64("usage_percent", usagePercent))
	} else if !g.circuitBroken && wasBroken {
		g.logger.Info("disk circuit breaker disengaged", zap.Float64("usage_percent", usagePercent))
	}
	if g.throttled && !wasThrottled && !g.circuitBroken {
		g.metrics.RecordDiskThrottled()
		g.logger.Warn("disk write throttling enabled", zap.Float64("usage_percent", usagePercent))
	} else if !g.throttled && wasThrottled {
		g.logger.Info("disk write throttling disabled", zap.Float64("usage_percent", usagePercent))
	}
	if usagePercent >= g.thresholds.Warning && !g.throttled && !g.circuitBroken {
		g.logger.Warn("disk usage warning", zap.Float64("usage_percent", usagePercent))
	}
	return nil
}

// Usage returns a snapshot of the guard's current view of disk usage.
type Usage struct {
	UsagePercent    float64
	AvailableBytes  uint64
	Throttled       bool
	CircuitBroken   bool
}

func (g *Guard) Usage() Usage {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Usage{
		UsagePercent:   g.usagePercent,
		AvailableBytes: g.availableBytes,
		Throttled:      g.throttled,
		CircuitBroken:  g.circuitBroken,
	}
}
