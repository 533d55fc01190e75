package data

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ProbeCursorRepo stores the prober's round-robin cursor in the shared
// store, so consecutive cycles continue where the last one stopped even
// across instances and restarts.
type ProbeCursorRepo struct {
	rdb *redis.Client
}

// NewProbeCursorRepo creates a new probe cursor repository.
func NewProbeCursorRepo(rdb *redis.Client) *ProbeCursorRepo {
	return &ProbeCursorRepo{rdb: rdb}
}

// Advance atomically moves the cursor forward by delta and returns the new
// position. Callers take modulo over the current catalog size.
func (r *ProbeCursorRepo) Advance(ctx context.Context, delta int64) (int64, error) {
	if r.rdb == nil {
		return 0, fmt.Errorf("redis client is nil")
	}
	pos, err := r.rdb.IncrBy(ctx, CacheKeyProbeCursor, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("advance probe cursor: %w", err)
	}
	return pos, nil
}
