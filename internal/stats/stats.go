// Package stats maintains per-class check-in aggregates in Redis. The worker
// applies recorded events; the api reads the totals for professor dashboards.
package stats

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	"campusattend/internal/queue"
)

// Aggregates reads and writes the per-class counters.
type Aggregates struct {
	rdb *redis.Client
}

// New creates an aggregates store.
func New(rdb *redis.Client) *Aggregates {
	return &Aggregates{rdb: rdb}
}

func classKey(classID string) string {
	return "campusattend:class:" + classID + ":checkins"
}

// Apply folds one recorded event into the class counters.
func (a *Aggregates) Apply(ctx context.Context, evt queue.RecordedEvent) error {
	key := classKey(evt.ClassID)
	pipe := a.rdb.Pipeline()
	pipe.HIncrBy(ctx, key, "total", 1)
	pipe.HIncrBy(ctx, key, string(evt.Method), 1)
	_, err := pipe.Exec(ctx)
	return err
}

// ClassStats holds check-in totals for one class.
type ClassStats struct {
	Total    int64            `json:"total"`
	ByMethod map[string]int64 `json:"by_method"`
}

// ClassStats returns the counters for a class. A class nobody checked into
// yields zeroes, not an error.
func (a *Aggregates) ClassStats(ctx context.Context, classID string) (ClassStats, error) {
	fields, err := a.rdb.HGetAll(ctx, classKey(classID)).Result()
	if err != nil {
		return ClassStats{}, err
	}
	out := ClassStats{ByMethod: make(map[string]int64)}
	for field, raw := range fields {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		if field == "total" {
			out.Total = n
			continue
		}
		out.ByMethod[field] = n
	}
	return out, nil
}
