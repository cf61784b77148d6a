// Package retention implements data retention for the generation engine.
// A background janitor periodically archives and purges terminal jobs older
// than the retention window and drops aged-out rate-limit counters.
//
// The usage ledger is exempt: it is the billing audit trail and is never
// purged by the engine.
//
// Archive failures are fail-safe: a job is not deleted if archiving it
// failed. The janitor respects context cancellation for graceful shutdown.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/plansmith/plansmith/engine/internal/store"
	"github.com/plansmith/plansmith/engine/pkg/models"
)

// DefaultJobRetention keeps terminal jobs for 30 days.
const DefaultJobRetention = 30 * 24 * time.Hour

// DefaultBatchSize is the max jobs handled per cycle.
const DefaultBatchSize = 1000

// Archiver writes expired jobs to durable cold storage before they are
// purged from the hot store.
type Archiver interface {
	// ArchiveJobs persists the batch and returns a URI describing where it
	// was written.
	ArchiveJobs(ctx context.Context, jobs []models.GenerationJob) (string, error)
}

// Janitor runs the periodic retention sweep.
type Janitor struct {
	store     store.Store
	interval  time.Duration
	retention time.Duration

	// archiver is optional; without one expired jobs are purged directly.
	archiver Archiver
}

// NewJanitor creates a janitor sweeping on the given interval.
func NewJanitor(s store.Store, interval, retention time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	if retention <= 0 {
		retention = DefaultJobRetention
	}
	return &Janitor{store: s, interval: interval, retention: retention}
}

// SetArchiver enables archive-then-purge mode.
func (j *Janitor) SetArchiver(a Archiver) { j.archiver = a }

// Start runs the janitor until ctx is canceled. It blocks; run it in a
// goroutine.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Dur("retention", j.retention).
		Bool("archiving", j.archiver != nil).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one retention sweep.
func (j *Janitor) RunCycle(ctx context.Context) {
	start := time.Now()

	purgedJobs := j.sweepJobs(ctx)
	purgedLimits := j.sweepRateLimits(ctx)

	if purgedJobs > 0 || purgedLimits > 0 {
		log.Info().
			Int("purged_jobs", purgedJobs).
			Int("purged_rate_limits", purgedLimits).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
}

func (j *Janitor) sweepJobs(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-j.retention)
	expired, err := j.store.ListTerminalJobsBefore(ctx, cutoff, DefaultBatchSize)
	if err != nil {
		log.Warn().Err(err).Msg("Retention janitor: failed to list expired jobs")
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	if j.archiver != nil {
		uri, err := j.archiver.ArchiveJobs(ctx, expired)
		if err != nil {
			// Fail-safe: keep the hot copies when the archive write failed.
			log.Warn().Err(err).Int("jobs", len(expired)).Msg("Archive failed, skipping purge")
			return 0
		}
		log.Info().Str("uri", uri).Int("jobs", len(expired)).Msg("Expired jobs archived")
	}

	purged := 0
	for _, job := range expired {
		if err := j.store.DeleteJob(ctx, job.RequestID); err != nil {
			log.Warn().Err(err).Str("request_id", job.RequestID).Msg("Failed to delete expired job")
			continue
		}
		purged++
	}
	return purged
}

func (j *Janitor) sweepRateLimits(ctx context.Context) int {
	// Any counter older than the retention window is long past its rate
	// window and only occupies space.
	cutoff := time.Now().UTC().Add(-j.retention)
	n, err := j.store.PurgeExpiredRateLimits(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("Retention janitor: failed to purge rate limit records")
		return 0
	}
	return n
}
