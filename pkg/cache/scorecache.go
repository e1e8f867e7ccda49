// Package cache keeps scorer reconstructions in Redis so overlapping window
// replays skip duplicate model calls. Cache failures degrade to misses; the
// pipeline never depends on the cache being up.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"log"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "sentinel:recon:"

// ScoreCache wraps a Redis client with reconstruction get/set.
type ScoreCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New connects to Redis at addr. ttl bounds how long reconstructions stay
// cached; zero means one hour.
func New(addr, password string, db int, ttl time.Duration) *ScoreCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ScoreCache{
		rdb: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ttl: ttl,
	}
}

// Ping verifies connectivity.
func (c *ScoreCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the client.
func (c *ScoreCache) Close() error { return c.rdb.Close() }

// Key derives a stable digest for a scaled window so identical content maps
// to the same cache slot regardless of which batch produced it.
func Key(sequence [][]float64) string {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(len(sequence)))
	h.Write(buf[:])
	for _, row := range sequence {
		binary.BigEndian.PutUint64(buf[:], uint64(len(row)))
		h.Write(buf[:])
		for _, v := range row {
			binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
			h.Write(buf[:])
		}
	}
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}

// GetReconstruction returns the cached reconstruction for key, or false on
// miss or any cache failure.
func (c *ScoreCache) GetReconstruction(ctx context.Context, key string) ([][]float64, bool) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		log.Printf("[cache] get %s: %v", key, err)
		return nil, false
	}
	var recon [][]float64
	if err := json.Unmarshal(raw, &recon); err != nil {
		log.Printf("[cache] stale value at %s: %v", key, err)
		return nil, false
	}
	return recon, true
}

// SetReconstruction stores a reconstruction; failures are logged and ignored.
func (c *ScoreCache) SetReconstruction(ctx context.Context, key string, recon [][]float64) {
	raw, err := json.Marshal(recon)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		log.Printf("[cache] set %s: %v", key, err)
	}
}
