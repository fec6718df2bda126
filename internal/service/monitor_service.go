package service

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/repository"
)

// MonitorSource is the data access the monitor needs.
type MonitorSource interface {
	GetAttemptSummaries(ctx context.Context, examID uuid.UUID) ([]repository.AttemptSummary, error)
	GetViolationCounts(ctx context.Context, examID uuid.UUID) (map[string]int64, error)
	Subscribe(ctx context.Context, examID uuid.UUID) *redis.PubSub
}

// MonitorService orchestrates live exam monitoring.
type MonitorService struct {
	monitorRepo MonitorSource
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(monitorRepo MonitorSource) *MonitorService {
	return &MonitorService{monitorRepo: monitorRepo}
}

// MonitorStats aggregates attempt counts by status.
type MonitorStats struct {
	TotalJoined     int   `json:"total_joined"`
	TotalInProgress int   `json:"total_in_progress"`
	TotalSubmitted  int   `json:"total_submitted"`
	TotalTimedOut   int   `json:"total_timed_out"`
	TotalViolations int64 `json:"total_violations"`
}

// MonitorSnapshot is the full state pushed to an admin when they attach.
type MonitorSnapshot struct {
	Stats          MonitorStats                `json:"stats"`
	Attempts       []repository.AttemptSummary `json:"attempts"`
	ViolationKinds map[string]int64            `json:"violation_kinds"`
}

// GetSnapshot returns attempt summaries and violation counts, fetched concurrently.
func (s *MonitorService) GetSnapshot(ctx context.Context, examID uuid.UUID) (*MonitorSnapshot, error) {
	var (
		summaries    []repository.AttemptSummary
		kinds        map[string]int64
		summariesErr error
		kindsErr     error
		wg           sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		summaries, summariesErr = s.monitorRepo.GetAttemptSummaries(ctx, examID)
	}()
	go func() {
		defer wg.Done()
		kinds, kindsErr = s.monitorRepo.GetViolationCounts(ctx, examID)
	}()
	wg.Wait()

	// Summaries are critical; violation kinds are best-effort
	if summariesErr != nil {
		return nil, summariesErr
	}

	snap := &MonitorSnapshot{
		Attempts:       summaries,
		ViolationKinds: map[string]int64{},
	}
	if kindsErr == nil && kinds != nil {
		snap.ViolationKinds = kinds
	}
	snap.Stats = summarize(summaries, snap.ViolationKinds)
	return snap, nil
}

// Subscribe attaches to the exam's live event stream. The caller must close it.
func (s *MonitorService) Subscribe(ctx context.Context, examID uuid.UUID) *redis.PubSub {
	return s.monitorRepo.Subscribe(ctx, examID)
}

func summarize(summaries []repository.AttemptSummary, kinds map[string]int64) MonitorStats {
	stats := MonitorStats{TotalJoined: len(summaries)}
	for _, a := range summaries {
		switch a.Status {
		case model.AttemptStatusInProgress:
			stats.TotalInProgress++
		case model.AttemptStatusSubmitted:
			stats.TotalSubmitted++
		default:
			stats.TotalTimedOut++
		}
	}
	for _, n := range kinds {
		stats.TotalViolations += n
	}
	return stats
}
