// Package memory provides an in-process OrderedStore for tests and
// single-node development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/scrapegate/internal/store"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Store implements store.OrderedStore with maps guarded by a single mutex.
// Key expiry is evaluated lazily against the configured clock.
type Store struct {
	mu      sync.Mutex
	clock   Clock
	values  map[string][]byte
	zsets   map[string]map[string]float64
	sets    map[string]map[string]struct{}
	expires map[string]time.Time
	closed  bool
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the clock used for TTL evaluation.
func WithClock(c Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// New constructs an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:   systemClock{},
		values:  make(map[string][]byte),
		zsets:   make(map[string]map[string]float64),
		sets:    make(map[string]map[string]struct{}),
		expires: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.OrderedStore = (*Store)(nil)

// evict drops key if its TTL has passed. Callers hold s.mu.
func (s *Store) evict(key string) {
	exp, ok := s.expires[key]
	if !ok || s.clock.Now().Before(exp) {
		return
	}
	s.drop(key)
}

func (s *Store) drop(key string) {
	delete(s.values, key)
	delete(s.zsets, key)
	delete(s.sets, key)
	delete(s.expires, key)
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory store: %w", err)
	}
	if s.closed {
		return fmt.Errorf("memory store closed")
	}
	return nil
}

// ZAdd inserts or rescores a member.
func (s *Store) ZAdd(ctx context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.evict(key)
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

// ZRem removes members, returning how many existed.
func (s *Store) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.evict(key)
	z := s.zsets[key]
	var removed int64
	for _, m := range members {
		if _, ok := z[m]; ok {
			delete(z, m)
			removed++
		}
	}
	if z != nil && len(z) == 0 {
		s.drop(key)
	}
	return removed, nil
}

// ZCount counts members with minScore <= score <= maxScore.
func (s *Store) ZCount(ctx context.Context, key string, minScore, maxScore float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.evict(key)
	var n int64
	for _, score := range s.zsets[key] {
		if score >= minScore && score <= maxScore {
			n++
		}
	}
	return n, nil
}

// ZRangeByScore returns members in ascending score order. count <= 0 means no limit.
func (s *Store) ZRangeByScore(
	ctx context.Context,
	key string,
	minScore, maxScore float64,
	offset, count int64,
) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.evict(key)
	type scored struct {
		member string
		score  float64
	}
	var all []scored
	for m, score := range s.zsets[key] {
		if score >= minScore && score <= maxScore {
			all = append(all, scored{member: m, score: score})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score == all[j].score {
			return all[i].member < all[j].member
		}
		return all[i].score < all[j].score
	})
	if offset >= int64(len(all)) {
		return nil, nil
	}
	all = all[offset:]
	if count > 0 && count < int64(len(all)) {
		all = all[:count]
	}
	out := make([]string, 0, len(all))
	for _, e := range all {
		out = append(out, e.member)
	}
	return out, nil
}

// ZRemRangeByScore deletes members in the inclusive score range.
func (s *Store) ZRemRangeByScore(ctx context.Context, key string, minScore, maxScore float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.evict(key)
	z := s.zsets[key]
	var removed int64
	for m, score := range z {
		if score >= minScore && score <= maxScore {
			delete(z, m)
			removed++
		}
	}
	if z != nil && len(z) == 0 {
		s.drop(key)
	}
	return removed, nil
}

// Get returns a copy of the stored value or store.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.evict(key)
	v, ok := s.values[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set stores value with an optional TTL.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.setLocked(key, value, ttl)
	return nil
}

func (s *Store) setLocked(key string, value []byte, ttl time.Duration) {
	s.values[key] = append([]byte(nil), value...)
	if ttl > 0 {
		s.expires[key] = s.clock.Now().Add(ttl)
	} else {
		delete(s.expires, key)
	}
}

// SetNX stores value only if key is absent.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	s.evict(key)
	if _, ok := s.values[key]; ok {
		return false, nil
	}
	s.setLocked(key, value, ttl)
	return true, nil
}

// Del removes keys of any type.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	for _, k := range keys {
		s.drop(k)
	}
	return nil
}

// Expire sets a TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.evict(key)
	_, isValue := s.values[key]
	_, isZSet := s.zsets[key]
	_, isSet := s.sets[key]
	if !isValue && !isZSet && !isSet {
		return nil
	}
	if ttl <= 0 {
		s.drop(key)
		return nil
	}
	s.expires[key] = s.clock.Now().Add(ttl)
	return nil
}

// IncrBy atomically adds delta to an integer value.
func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.evict(key)
	var current int64
	if raw, ok := s.values[key]; ok {
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("incr %s: value is not an integer", key)
		}
		current = n
	}
	current += delta
	s.values[key] = []byte(strconv.FormatInt(current, 10))
	return current, nil
}

// SAdd adds members to a set.
func (s *Store) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.evict(key)
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	var added int64
	for _, m := range members {
		if _, exists := set[m]; !exists {
			set[m] = struct{}{}
			added++
		}
	}
	return added, nil
}

// SRem removes members from a set.
func (s *Store) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.evict(key)
	set := s.sets[key]
	var removed int64
	for _, m := range members {
		if _, ok := set[m]; ok {
			delete(set, m)
			removed++
		}
	}
	if set != nil && len(set) == 0 {
		s.drop(key)
	}
	return removed, nil
}

// SCard returns the set size.
func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.evict(key)
	return int64(len(s.sets[key])), nil
}

// SMembers returns the set members in sorted order.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.evict(key)
	out := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// SIsMember reports set membership.
func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	s.evict(key)
	_, ok := s.sets[key][member]
	return ok, nil
}

// Close marks the store closed; later calls fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
