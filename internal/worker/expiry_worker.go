package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/config"
)

// releaseLeaseScript deletes the lease only if this instance still owns it.
var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// OverdueExpirer finalizes attempts whose time is up.
type OverdueExpirer interface {
	ExpireOverdue(ctx context.Context, limit int) (int, error)
}

// ExpiryWorker periodically sweeps overdue attempts so they finalize even
// when no client calls in. A Redis lease keeps one sweeper active across instances.
type ExpiryWorker struct {
	expirer   OverdueExpirer
	rdb       *redis.Client
	log       zerolog.Logger
	schedule  string
	batchSize int
	leaseTTL  time.Duration
	owner     string
}

func NewExpiryWorker(expirer OverdueExpirer, rdb *redis.Client, cfg *config.Config, log zerolog.Logger) *ExpiryWorker {
	return &ExpiryWorker{
		expirer:   expirer,
		rdb:       rdb,
		log:       log.With().Str("component", "expiry_worker").Logger(),
		schedule:  cfg.ExpirySweep,
		batchSize: cfg.ExpiryBatchSize,
		leaseTTL:  cfg.ExpiryLeaseTTL,
		owner:     uuid.NewString(),
	}
}

// Start runs the sweep on its cron schedule until ctx is cancelled.
func (w *ExpiryWorker) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))

	if _, err := c.AddFunc(w.schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, w.leaseTTL)
		defer cancel()
		if _, err := w.RunOnce(runCtx); err != nil {
			w.log.Error().Err(err).Msg("Expiry sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule expiry sweep %q: %w", w.schedule, err)
	}

	w.log.Info().Str("schedule", w.schedule).Int("batch_size", w.batchSize).Msg("ExpiryWorker started")
	c.Start()

	<-ctx.Done()
	w.log.Info().Msg("ExpiryWorker stopping, waiting for running sweep...")
	<-c.Stop().Done()
	return nil
}

// RunOnce performs one sweep if the lease is free. It drains overdue attempts
// batch by batch and returns how many were expired.
func (w *ExpiryWorker) RunOnce(ctx context.Context) (int, error) {
	key := config.CacheKey.ExpirySweepLockKey()

	acquired, err := w.rdb.SetNX(ctx, key, w.owner, w.leaseTTL).Result()
	if err != nil {
		return 0, fmt.Errorf("acquire sweep lease: %w", err)
	}
	if !acquired {
		w.log.Debug().Msg("Sweep lease held elsewhere, skipping")
		return 0, nil
	}
	defer func() {
		if err := releaseLeaseScript.Run(context.Background(), w.rdb, []string{key}, w.owner).Err(); err != nil {
			w.log.Warn().Err(err).Msg("Failed to release sweep lease")
		}
	}()

	total := 0
	for {
		n, err := w.expirer.ExpireOverdue(ctx, w.batchSize)
		total += n
		if err != nil {
			return total, err
		}
		// A short batch means the backlog is drained.
		if n < w.batchSize {
			break
		}
	}

	if total > 0 {
		w.log.Info().Int("expired", total).Msg("Expired overdue attempts")
	}
	return total, nil
}
