package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// putTimerScript writes the snapshot only if it is newer than the cached one,
// so a slow writer can never roll the cache back.
var putTimerScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1],
  'version', ARGV[1],
  'status', ARGV[2],
  'current_subject', ARGV[3],
  'ends_at', ARGV[4],
  'candidate_id', ARGV[5],
  'exam_id', ARGV[6])
redis.call('PEXPIRE', KEYS[1], ARGV[7])
return 1
`)

// cachedTimer is the Redis fast-lane copy of the fields a sync call needs.
type cachedTimer struct {
	Version        int64
	ExamID         uuid.UUID
	CandidateID    int
	Status         model.AttemptStatus
	CurrentSubject int
	EndsAt         time.Time
}

// TimerCache keeps a per-attempt timer snapshot in Redis so sync polling
// does not hit PostgreSQL.
type TimerCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewTimerCache creates a new TimerCache.
func NewTimerCache(rdb *redis.Client, ttl time.Duration) *TimerCache {
	return &TimerCache{rdb: rdb, ttl: ttl}
}

// Put stores the attempt's timer fields. It reports false when a newer
// version was already cached.
func (c *TimerCache) Put(ctx context.Context, a *model.Attempt) (bool, error) {
	key := config.CacheKey.AttemptTimerKey(a.ID.String())
	n, err := putTimerScript.Run(ctx, c.rdb, []string{key},
		a.Version,
		string(a.Status),
		a.CurrentSubject,
		a.EndsAt.UnixNano(),
		a.CandidateID,
		a.ExamID.String(),
		c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("put timer: %w", err)
	}
	return n == 1, nil
}

// Get returns the cached snapshot. ok is false on a cache miss.
func (c *TimerCache) Get(ctx context.Context, attemptID uuid.UUID) (t *cachedTimer, ok bool, err error) {
	vals, err := c.rdb.HGetAll(ctx, config.CacheKey.AttemptTimerKey(attemptID.String())).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get timer: %w", err)
	}
	if len(vals) == 0 {
		return nil, false, nil
	}

	t = &cachedTimer{Status: model.AttemptStatus(vals["status"])}
	if t.Version, err = strconv.ParseInt(vals["version"], 10, 64); err != nil {
		return nil, false, fmt.Errorf("parse version: %w", err)
	}
	if t.CurrentSubject, err = strconv.Atoi(vals["current_subject"]); err != nil {
		return nil, false, fmt.Errorf("parse current_subject: %w", err)
	}
	if t.CandidateID, err = strconv.Atoi(vals["candidate_id"]); err != nil {
		return nil, false, fmt.Errorf("parse candidate_id: %w", err)
	}
	if t.ExamID, err = uuid.Parse(vals["exam_id"]); err != nil {
		return nil, false, fmt.Errorf("parse exam_id: %w", err)
	}
	nanos, err := strconv.ParseInt(vals["ends_at"], 10, 64)
	if err != nil {
		return nil, false, fmt.Errorf("parse ends_at: %w", err)
	}
	t.EndsAt = time.Unix(0, nanos).UTC()
	return t, true, nil
}
