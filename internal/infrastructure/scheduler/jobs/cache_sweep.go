package jobs

import (
	"context"
	"log/slog"
)

// Sweeper drops unobserved cache entries past their GC time.
type Sweeper interface {
	Sweep() int
}

// CacheSweepJob garbage-collects the query cache.
type CacheSweepJob struct {
	cache  Sweeper
	logger *slog.Logger
}

func NewCacheSweepJob(cache Sweeper, logger *slog.Logger) *CacheSweepJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheSweepJob{cache: cache, logger: logger.With("job", "cache_sweep")}
}

func (j *CacheSweepJob) Name() string        { return "cache_sweep" }
func (j *CacheSweepJob) Description() string { return "remove unobserved cache entries past their gc time" }

func (j *CacheSweepJob) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n := j.cache.Sweep(); n > 0 {
		j.logger.Debug("cache swept", "removed", n)
	}
	return nil
}
