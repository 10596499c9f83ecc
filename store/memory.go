package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is the degraded-mode fallback used when Redis is unreachable.
// It is scoped to a single process: counters and TTLs are not shared across
// instances, so it must never carry a multi-instance deployment.
type MemoryStore struct {
	mu      sync.Mutex
	strings map[string]memoryValue
	zsets   map[string]map[string]float64
	sets    map[string]map[string]struct{}
	now     func() time.Time
}

type memoryValue struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]memoryValue),
		zsets:   make(map[string]map[string]float64),
		sets:    make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

func (s *MemoryStore) getLocked(key string) (memoryValue, bool) {
	v, ok := s.strings[key]
	if !ok {
		return memoryValue{}, false
	}
	if !v.expiresAt.IsZero() && s.now().After(v.expiresAt) {
		delete(s.strings, key)
		return memoryValue{}, false
	}
	return v, true
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.getLocked(key)
	if !ok {
		return "", ErrNil
	}
	return v.value, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.strings[key] = memoryValue{value: value}
	return nil
}

func (s *MemoryStore) SetEx(ctx context.Context, key string, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.strings[key] = memoryValue{value: value, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.getLocked(key)
	var n int64
	if ok {
		parsed, err := strconv.ParseInt(v.value, 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++
	s.strings[key] = memoryValue{value: strconv.FormatInt(n, 10), expiresAt: v.expiresAt}
	return n, nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.getLocked(key)
	if !ok {
		return nil
	}
	v.expiresAt = s.now().Add(ttl)
	s.strings[key] = v
	return nil
}

func (s *MemoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.strings, key)
		delete(s.zsets, key)
		delete(s.sets, key)
	}
	return nil
}

func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.getLocked(key)
	if !ok {
		return -2 * time.Second, nil
	}
	if v.expiresAt.IsZero() {
		return -1 * time.Second, nil
	}
	return v.expiresAt.Sub(s.now()), nil
}

func (s *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	zset, ok := s.zsets[key]
	if !ok {
		zset = make(map[string]float64)
		s.zsets[key] = zset
	}
	zset[member] = score
	return nil
}

func (s *MemoryStore) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	zset := s.zsets[key]
	members := make([]string, 0, len(zset))
	for m := range zset {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		si, sj := zset[members[i]], zset[members[j]]
		if si != sj {
			return si > sj
		}
		return members[i] > members[j]
	})

	if start < 0 {
		start = 0
	}
	if stop < 0 || stop >= int64(len(members)) {
		stop = int64(len(members)) - 1
	}
	if start > stop {
		return []string{}, nil
	}
	return members[start : stop+1], nil
}

func (s *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return int64(len(s.zsets[key])), nil
}

func (s *MemoryStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	zset := s.zsets[key]
	var removed int64
	for m, score := range zset {
		if score >= min && score <= max {
			delete(zset, m)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) SAdd(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.sets[key]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	return members, nil
}

func (s *MemoryStore) SCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return int64(len(s.sets[key])), nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
