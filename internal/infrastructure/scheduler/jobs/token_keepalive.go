// Package jobs contains the companion's scheduled jobs.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alem-hub/study-companion/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// TOKEN KEEPALIVE
// ══════════════════════════════════════════════════════════════════════════════

// TokenSource is the session store as seen by the keepalive job.
type TokenSource interface {
	NeedsRefresh(window time.Duration) bool
	Refresh(ctx context.Context) (string, error)
}

// TokenKeepaliveJob refreshes the access token shortly before it expires so
// foreground requests rarely meet a 401.
type TokenKeepaliveJob struct {
	source  TokenSource
	window  time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// NewTokenKeepaliveJob refreshes when the token expires within window.
func NewTokenKeepaliveJob(source TokenSource, window time.Duration, logger *slog.Logger) *TokenKeepaliveJob {
	if window <= 0 {
		window = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenKeepaliveJob{
		source:  source,
		window:  window,
		timeout: 30 * time.Second,
		logger:  logger.With("job", "token_keepalive"),
	}
}

func (j *TokenKeepaliveJob) Name() string { return "token_keepalive" }

func (j *TokenKeepaliveJob) Description() string {
	return fmt.Sprintf("refresh the access token when it expires within %s", j.window)
}

// Run is a no-op while signed out or while the token is comfortably valid.
// A rejected refresh token has already signed the user out and is not a job
// failure.
func (j *TokenKeepaliveJob) Run(ctx context.Context) error {
	if !j.source.NeedsRefresh(j.window) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	if _, err := j.source.Refresh(ctx); err != nil {
		if shared.IsSessionExpired(err) {
			j.logger.Info("session ended during keepalive", "error", err)
			return nil
		}
		return fmt.Errorf("refresh access token: %w", err)
	}
	j.logger.Debug("access token refreshed ahead of expiry")
	return nil
}
