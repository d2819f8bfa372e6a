package engine

import (
	"context"
	"log"
	"time"

	"github.com/strideclub/coach/backend/queue"
	cache "github.com/strideclub/coach/backend/storage/cache"
	storage "github.com/strideclub/coach/backend/storage/persistent"
	"github.com/strideclub/coach/lib/utils"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Engine is the coaching engine: it materializes enrollments into dated
// habit instances, serves the daily execution ledger, reconciles lazily
// scheduled habits, and maintains the reward ledger. All methods take the
// acting user explicitly; there is no ambient identity state.
type Engine struct {
	store      storage.StorageInterface
	cache      cache.CacheInterface
	emailQueue *queue.Queue
	now        func() time.Time
}

// New creates an Engine on top of the given storage backend. The cache and
// email queue may be nil, in which case stats caching and enrollment
// confirmation emails are skipped.
func New(store storage.StorageInterface, c cache.CacheInterface, emailQueue *queue.Queue) *Engine {
	return &Engine{
		store:      store,
		cache:      c,
		emailQueue: emailQueue,
		now:        time.Now,
	}
}

// SetClock overrides the engine's notion of "now". Test-only.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Today returns the current calendar day at UTC midnight.
func (e *Engine) Today() time.Time {
	return utils.DateOnly(e.now())
}

// statsCacheKey is the per-user cache key for computed stats.
func statsCacheKey(userID primitive.ObjectID) string {
	return "stats_" + userID.Hex()
}

// invalidateStats drops the user's cached stats after a mutating operation.
// Cache failures are logged, never surfaced: the cache is an optimization,
// not a source of truth.
func (e *Engine) invalidateStats(ctx context.Context, userID primitive.ObjectID) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Delete(ctx, statsCacheKey(userID)); err != nil {
		log.Printf("failed to invalidate stats cache for user %s: %v", userID.Hex(), err)
	}
}
