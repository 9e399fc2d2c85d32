package state

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Counter names shared by the service and the final run summary.
const (
	PivotsProcessed   = "pivots_processed"
	RangesSplit       = "ranges_split"
	RangesEnumerated  = "ranges_enumerated"
	RangesEmpty       = "ranges_empty"
	RangesLossy       = "ranges_lossy"
	ListingsEmitted   = "listings_emitted"
	DetailsSaved      = "details_saved"
	ReviewsIncomplete = "reviews_incomplete"
	TasksRetried      = "tasks_retried"
	TasksFailed       = "tasks_failed"
	TasksReclaimed    = "tasks_reclaimed"
	DuplicatesSkipped = "duplicates_skipped"
	SearchRequests    = "search_requests"
)

// StatsRecorder keeps crawl counters. The Redis implementation shares them
// across every process working on the same run.
type StatsRecorder interface {
	Incr(ctx context.Context, field string, n int64) error
	Snapshot(ctx context.Context) (map[string]int64, error)
}

type redisStatsRecorder struct {
	redisClient *redis.Client
	key         string
}

func NewRedisStatsRecorder(redisClient *redis.Client, runID string) StatsRecorder {
	return &redisStatsRecorder{
		redisClient: redisClient,
		key:         fmt.Sprintf("airbnb:%s:stats", runID),
	}
}

func (s *redisStatsRecorder) Incr(ctx context.Context, field string, n int64) error {
	if err := s.redisClient.HIncrBy(ctx, s.key, field, n).Err(); err != nil {
		return fmt.Errorf("failed to increment stat %s: %w", field, err)
	}
	return nil
}

func (s *redisStatsRecorder) Snapshot(ctx context.Context) (map[string]int64, error) {
	raw, err := s.redisClient.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}

	stats := make(map[string]int64, len(raw))
	for field, val := range raw {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stat %s: %w", field, err)
		}
		stats[field] = n
	}
	return stats, nil
}

type memoryStatsRecorder struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewMemoryStatsRecorder() StatsRecorder {
	return &memoryStatsRecorder{counts: make(map[string]int64)}
}

func (s *memoryStatsRecorder) Incr(_ context.Context, field string, n int64) error {
	s.mu.Lock()
	s.counts[field] += n
	s.mu.Unlock()
	return nil
}

func (s *memoryStatsRecorder) Snapshot(_ context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(map[string]int64, len(s.counts))
	for k, v := range s.counts {
		stats[k] = v
	}
	return stats, nil
}
