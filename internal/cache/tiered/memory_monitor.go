package tiered

import (
	"context"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"goflare.io/strata/internal/cache/local"
	"goflare.io/strata/internal/config"
	"goflare.io/strata/internal/models"
	"goflare.io/strata/internal/stats"
)

// entryOverhead approximates the map and metadata bytes held per entry on
// top of its key and payload.
const entryOverhead = 128

// MemorySample is one heap measurement.
type MemorySample struct {
	HeapUsed  uint64
	HeapTotal uint64
}

// Pressure returns HeapUsed / HeapTotal.
func (s MemorySample) Pressure() float64 {
	if s.HeapTotal == 0 {
		return 0
	}
	return float64(s.HeapUsed) / float64(s.HeapTotal)
}

// RuntimeSampler reads the Go heap statistics.
func RuntimeSampler() (heapUsed, heapTotal uint64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc, ms.HeapSys
}

// ReclaimReport describes one emergency reclamation.
type ReclaimReport struct {
	Pressure    float64
	Tier1Before int
	Tier1After  int
	Tier3Before int
	Tier3After  int
	// FreedBytes is the estimated heap released by Tier 1 evictions.
	FreedBytes int64
}

// MemoryMonitor samples heap pressure and reclaims entries when it crosses
// the configured threshold.
type MemoryMonitor struct {
	config  config.MemoryConfig
	sampler config.MemorySampler
	tier1   *local.Store
	tier3   *local.Store
	stats   *stats.Collector
	tracer  trace.Tracer
	logger  *zap.Logger

	mu sync.Mutex
}

// NewMemoryMonitor creates a new MemoryMonitor.
func NewMemoryMonitor(
	cfg *config.Config,
	tier1, tier3 *local.Store,
	collector *stats.Collector,
	tracer trace.Tracer) *MemoryMonitor {

	sampler := cfg.MemorySampler
	if sampler == nil {
		sampler = RuntimeSampler
	}
	return &MemoryMonitor{
		config:  cfg.Memory,
		sampler: sampler,
		tier1:   tier1,
		tier3:   tier3,
		stats:   collector,
		tracer:  tracer,
		logger:  cfg.Logger,
	}
}

// Sample takes a measurement and records it in the statistics.
func (m *MemoryMonitor) Sample() MemorySample {
	used, total := m.sampler()
	m.stats.RecordMemory(used)
	return MemorySample{HeapUsed: used, HeapTotal: total}
}

// Check samples memory and reclaims when pressure exceeds the threshold.
func (m *MemoryMonitor) Check(ctx context.Context) (ReclaimReport, bool) {
	sample := m.Sample()
	if sample.Pressure() <= m.config.PressureThreshold {
		return ReclaimReport{}, false
	}
	return m.Reclaim(ctx, sample, false), true
}

// Reclaim evicts low then normal priority entries from Tier 1 until the
// estimated freed bytes bring usage back under the threshold or Tier 1
// reaches its floor, then shrinks Tier 3 to its target fraction. A forced
// pass evicts at least one batch from Tier 1.
func (m *MemoryMonitor) Reclaim(ctx context.Context, sample MemorySample, force bool) ReclaimReport {
	_, span := m.tracer.Start(ctx, "MemoryMonitor.Reclaim")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	report := ReclaimReport{
		Pressure:    sample.Pressure(),
		Tier1Before: m.tier1.Len(),
		Tier3Before: m.tier3.Len(),
	}

	need := int64(sample.HeapUsed) - int64(m.config.PressureThreshold*float64(sample.HeapTotal))
	if force && need < 1 {
		need = 1
	}

	floor := int(float64(m.tier1.Capacity()) * m.config.Tier1FloorFraction)
	batch := max(m.config.ReclaimBatch, 1)

reclaim:
	for _, p := range []models.Priority{models.PriorityLow, models.PriorityNormal} {
		match := func(e *models.Entry) bool { return e.Priority == p }
		for report.FreedBytes < need {
			room := m.tier1.Len() - floor
			if room <= 0 {
				break reclaim
			}
			evicted, freed := m.tier1.EvictMatching(min(batch, room), match)
			if evicted == 0 {
				break
			}
			report.FreedBytes += freed + int64(evicted)*entryOverhead
		}
	}
	report.Tier1After = m.tier1.Len()

	m.tier3.ShrinkTo(int(math.Round(float64(report.Tier3Before) * m.config.Tier3TargetFraction)))
	report.Tier3After = m.tier3.Len()

	if m.config.ForceGC {
		debug.FreeOSMemory()
	}

	span.SetAttributes(
		attribute.Int("tier1_evicted", report.Tier1Before-report.Tier1After),
		attribute.Int("tier3_evicted", report.Tier3Before-report.Tier3After))
	m.logger.Warn("Emergency memory reclamation",
		zap.Float64("pressure", report.Pressure),
		zap.Int("tier1_before", report.Tier1Before),
		zap.Int("tier1_after", report.Tier1After),
		zap.Int("tier3_before", report.Tier3Before),
		zap.Int("tier3_after", report.Tier3After),
		zap.Int64("freed_bytes", report.FreedBytes))

	return report
}

// Run checks memory on every interval until ctx is done.
func (m *MemoryMonitor) Run(ctx context.Context) {
	if m.config.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Check(ctx)
		case <-ctx.Done():
			m.logger.Info("Stopping memory monitor due to context cancellation")
			return
		}
	}
}
