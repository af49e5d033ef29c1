package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Pinger is a session storage backend that can report its health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StorageHealthJob pings the session storage and remembers the outcome for
// the health endpoint.
type StorageHealthJob struct {
	storage Pinger
	timeout time.Duration
	logger  *slog.Logger
	healthy atomic.Bool
	checked atomic.Int64
}

func NewStorageHealthJob(storage Pinger, logger *slog.Logger) *StorageHealthJob {
	if logger == nil {
		logger = slog.Default()
	}
	j := &StorageHealthJob{storage: storage, timeout: 5 * time.Second, logger: logger.With("job", "storage_health")}
	j.healthy.Store(true)
	return j
}

func (j *StorageHealthJob) Name() string        { return "storage_health" }
func (j *StorageHealthJob) Description() string { return "ping the session storage backend" }

func (j *StorageHealthJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	err := j.storage.Ping(ctx)
	j.checked.Store(time.Now().Unix())
	wasHealthy := j.healthy.Swap(err == nil)
	if err != nil {
		if wasHealthy {
			j.logger.Warn("session storage unhealthy", "error", err)
		}
		return fmt.Errorf("ping session storage: %w", err)
	}
	if !wasHealthy {
		j.logger.Info("session storage recovered")
	}
	return nil
}

// Healthy reports the last observed state and when it was checked.
func (j *StorageHealthJob) Healthy() (bool, time.Time) {
	var at time.Time
	if ts := j.checked.Load(); ts > 0 {
		at = time.Unix(ts, 0)
	}
	return j.healthy.Load(), at
}
