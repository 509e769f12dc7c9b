package tiered

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"goflare.io/strata/internal/config"
	"goflare.io/strata/internal/models"
	"goflare.io/strata/pkg/source"
)

// WarmReport describes one warming pass.
type WarmReport struct {
	Fetched  int
	Written  int
	Failed   int
	Duration time.Duration
}

// Warmer pre-populates the cache with the popular working set of a Source.
type Warmer struct {
	config config.WarmerConfig
	source source.Source
	cache  *Cache
	cron   *cron.Cron
	logger *zap.Logger
}

func newWarmer(cfg *config.Config, c *Cache) *Warmer {
	logger := cronLogger{s: cfg.Logger.Sugar()}
	return &Warmer{
		config: cfg.Warmer,
		source: cfg.Source,
		cache:  c,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		logger: cfg.Logger,
	}
}

// Warm fetches the working set and writes every item with high priority and
// an extended TTL. A failed item is logged and skipped.
func (w *Warmer) Warm(ctx context.Context) (WarmReport, error) {
	ctx, span := w.cache.tracer.Start(ctx, "Warmer.Warm")
	defer span.End()

	start := time.Now()
	var report WarmReport

	items, err := w.source.FetchPopular(ctx, w.config.Limit)
	if err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("failed to fetch popular items: %w", err)
	}
	report.Fetched = len(items)

	multiplier := w.config.TTLMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if item.Key == "" {
			report.Failed++
			w.logger.Warn("Skipping popular item without key")
			continue
		}

		ttl := item.TTL
		if ttl <= 0 {
			ttl = w.cache.ttl.BaseTTL(item.Category)
		}
		ttl = time.Duration(float64(ttl) * multiplier)

		if !w.cache.Set(ctx, item.Key, item.Value, ttl, SetOptions{Priority: models.PriorityHigh}) {
			report.Failed++
			w.logger.Warn("Failed to warm cache for key", zap.String("key", item.Key))
			continue
		}
		report.Written++
	}

	report.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("fetched", report.Fetched),
		attribute.Int("written", report.Written),
		attribute.Int("failed", report.Failed))
	w.logger.Info("Cache warmed",
		zap.Int("fetched", report.Fetched),
		zap.Int("written", report.Written),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration))

	return report, nil
}

// Run waits for the start delay, warms once and hands the periodic passes to
// the scheduler.
func (w *Warmer) Run(ctx context.Context) {
	timer := time.NewTimer(w.config.StartDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return
	}

	w.warmLogged(ctx)
	if ctx.Err() != nil || w.config.Interval <= 0 {
		return
	}

	w.cron.Schedule(cron.Every(w.config.Interval), cron.FuncJob(func() {
		w.warmLogged(ctx)
	}))
	w.cron.Start()
}

func (w *Warmer) warmLogged(ctx context.Context) {
	if _, err := w.Warm(ctx); err != nil {
		w.logger.Warn("Cache warming failed", zap.Error(err))
	}
}

// Stop stops the scheduler and waits for a running pass.
func (w *Warmer) Stop() {
	<-w.cron.Stop().Done()
}

// cronLogger routes scheduler logs to zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
