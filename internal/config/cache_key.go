package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AttemptTimerKey returns the cache key for an attempt's timer snapshot hash
func (r *CacheKeyStruct) AttemptTimerKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:timer", attemptID)
}

// ExamDefinitionKey returns the cache key for an exam's definition payload
func (r *CacheKeyStruct) ExamDefinitionKey(examID string) string {
	return fmt.Sprintf("exam:%s:definition", examID)
}

// ExpirySweepLockKey returns the lease key held by the instance running the expiry sweep
func (r *CacheKeyStruct) ExpirySweepLockKey() string {
	return "lock:expiry_sweep"
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

var CacheKey = NewCacheKeyStruct()
