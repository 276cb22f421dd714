package store

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrNotFound signals that a key does not exist or has expired.
var ErrNotFound = errors.New("key not found")

// Score bounds for range queries. Scores are inclusive on both ends.
var (
	MinScore = math.Inf(-1)
	MaxScore = math.Inf(1)
)

// OrderedStore is the atomic key-value substrate shared by every worker
// process. Every method is a single round-trip.
type OrderedStore interface {
	// ZAdd inserts or rescores a sorted-set member.
	ZAdd(ctx context.Context, key, member string, score float64) error
	// ZRem removes members and reports how many were actually present. A
	// return of 1 for a single member means this caller won the removal.
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	ZCount(ctx context.Context, key string, minScore, maxScore float64) (int64, error)
	ZRangeByScore(ctx context.Context, key string, minScore, maxScore float64, offset, count int64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, minScore, maxScore float64) (int64, error)

	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value; ttl <= 0 stores without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) (int64, error)
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	SCard(ctx context.Context, key string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	Close() error
}

// Score converts a timestamp into the millisecond score used for leases and
// queue slots.
func Score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// After returns the smallest score strictly greater than t.
func After(t time.Time) float64 {
	return Score(t) + 1
}
