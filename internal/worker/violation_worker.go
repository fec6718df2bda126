package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/repository"
	"github.com/stemsi/exstem-attempt/internal/service"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// ViolationStore persists violation batches.
type ViolationStore interface {
	BulkInsert(ctx context.Context, batch []repository.ViolationRecord) error
	Insert(ctx context.Context, v repository.ViolationRecord) error
	IncrementCounts(ctx context.Context, deltas map[uuid.UUID]int) error
}

// ViolationWorker drains the violation queue into PostgreSQL in batches.
type ViolationWorker struct {
	store   ViolationStore
	rdb     *redis.Client
	log     zerolog.Logger
	queue   string
	backoff time.Duration // pause after a requeue while the database recovers
}

func NewViolationWorker(store ViolationStore, rdb *redis.Client, log zerolog.Logger) *ViolationWorker {
	return &ViolationWorker{
		store:   store,
		rdb:     rdb,
		log:     log.With().Str("component", "violation_worker").Logger(),
		queue:   config.WorkerKey.PersistViolationsQueue,
		backoff: 2 * time.Second,
	}
}

func (w *ViolationWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ViolationWorker started")

	buffer := make([]service.ViolationEvent, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Flush on size or age
		if len(buffer) > 0 && (len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout) {
			w.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlushTime = time.Now()
		}

		// 2. Graceful shutdown
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch; BLPop returns immediately if data exists
		result, err := w.rdb.BLPop(ctx, PollTimeout, w.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleepCtx(ctx, 3*time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var ev service.ViolationEvent
		if err := json.Unmarshal([]byte(result[1]), &ev); err != nil {
			// Malformed JSON can never succeed on retry.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}
		buffer = append(buffer, ev)
	}
}

// flushSafe attempts a bulk insert, then row-by-row insert, then requeue.
func (w *ViolationWorker) flushSafe(ctx context.Context, batch []service.ViolationEvent) {
	records := make([]repository.ViolationRecord, 0, len(batch))
	for _, ev := range batch {
		records = append(records, toRecord(ev))
	}

	persisted := batch
	if err := w.store.BulkInsert(ctx, records); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		persisted = w.fallbackInsert(ctx, batch, records)
	}

	deltas := make(map[uuid.UUID]int)
	for _, ev := range persisted {
		deltas[ev.AttemptID]++
	}
	if err := w.store.IncrementCounts(ctx, deltas); err != nil {
		w.log.Error().Err(err).Int("attempts", len(deltas)).Msg("Failed to update violation counts")
	}
}

// fallbackInsert inserts one by one, requeues failures and returns what was persisted.
func (w *ViolationWorker) fallbackInsert(ctx context.Context, batch []service.ViolationEvent, records []repository.ViolationRecord) []service.ViolationEvent {
	persisted := make([]service.ViolationEvent, 0, len(batch))
	requeueList := make([]service.ViolationEvent, 0)

	for i, ev := range batch {
		if ev.AttemptID == uuid.Nil {
			w.log.Error().Int("candidate_id", ev.CandidateID).Msg("Dropping violation without attempt")
			continue
		}
		if err := w.store.Insert(ctx, records[i]); err != nil {
			w.log.Error().Err(err).Str("attempt_id", ev.AttemptID.String()).Msg("Insert failed, requeueing")
			requeueList = append(requeueList, ev)
			continue
		}
		persisted = append(persisted, ev)
	}

	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
	return persisted
}

func (w *ViolationWorker) requeue(ctx context.Context, items []service.ViolationEvent) {
	pipe := w.rdb.Pipeline()
	for _, ev := range items {
		data, _ := json.Marshal(ev)
		pipe.RPush(ctx, w.queue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	sleepCtx(ctx, w.backoff)
}

func (w *ViolationWorker) shutdown(buffer []service.ViolationEvent) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}

func toRecord(ev service.ViolationEvent) repository.ViolationRecord {
	return repository.ViolationRecord{
		AttemptID:   ev.AttemptID,
		ExamID:      ev.ExamID,
		CandidateID: ev.CandidateID,
		Kind:        ev.Kind,
		EventData:   eventData(ev.Payload),
		RecordedAt:  time.Unix(ev.Timestamp, 0).UTC(),
	}
}

// eventData turns a client payload into a JSONB value. Plain text is stored as a JSON string.
func eventData(payload string) *string {
	if payload == "" {
		return nil
	}
	if json.Valid([]byte(payload)) {
		return &payload
	}
	quoted, _ := json.Marshal(payload)
	s := string(quoted)
	return &s
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
