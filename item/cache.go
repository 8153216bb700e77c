package item

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"swapflow/logger"
)

const defaultCacheTTL = 30 * time.Second

type cacheClient interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
}

// CachedLookup is a Redis read-through cache in front of another Lookup.
// Redis failures are logged and served from the backing lookup. Absent items
// are never cached.
type CachedLookup struct {
	next Lookup
	rdb  cacheClient
	ttl  time.Duration
	log  *logger.Logger
}

type cachedItem struct {
	ID       int64 `json:"id"`
	OwnerID  int64 `json:"ownerId"`
	IsActive bool  `json:"isActive"`
}

// NewCachedLookup wraps next with a cache held in rdb for ttl.
func NewCachedLookup(next Lookup, rdb cacheClient, ttl time.Duration, log *logger.Logger) *CachedLookup {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &CachedLookup{
		next: next,
		rdb:  rdb,
		ttl:  ttl,
		log:  log.With("component", "ItemCache"),
	}
}

func cacheKey(id int64) string {
	return "item:" + strconv.FormatInt(id, 10)
}

// GetByID serves from Redis when present, otherwise from the backing lookup.
func (c *CachedLookup) GetByID(ctx context.Context, id int64) (Item, error) {
	key := cacheKey(id)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var ci cachedItem
		jsonErr := json.Unmarshal(raw, &ci)
		if jsonErr == nil {
			return Item{ID: ci.ID, OwnerID: ci.OwnerID, IsActive: ci.IsActive}, nil
		}
		c.log.Warn("item cache decode failed", "key", key, "error", jsonErr)
	case errors.Is(err, goredis.Nil):
	default:
		if ctx.Err() != nil {
			return Item{}, ctx.Err()
		}
		c.log.Warn("item cache get failed", "key", key, "error", err)
	}

	it, err := c.next.GetByID(ctx, id)
	if err != nil {
		return Item{}, err
	}

	body, err := json.Marshal(cachedItem{ID: it.ID, OwnerID: it.OwnerID, IsActive: it.IsActive})
	if err == nil {
		if setErr := c.rdb.Set(ctx, key, body, c.ttl).Err(); setErr != nil {
			c.log.Warn("item cache set failed", "key", key, "error", setErr)
		}
	}
	return it, nil
}

var _ Lookup = (*CachedLookup)(nil)
