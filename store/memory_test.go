package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSetExExpiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.SetEx(ctx, "k", "v", 10*time.Second))

	val, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	ttl, err := s.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, ttl)

	now = now.Add(11 * time.Second)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNil)
}

func TestMemoryStoreIncrKeepsExpiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	n, err := s.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.Expire(ctx, "counter", 60*time.Second))

	n, err = s.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ttl, err := s.TTL(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, ttl)

	now = now.Add(61 * time.Second)
	n, err = s.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "expired counter restarts from zero")
}

func TestMemoryStoreTTLMissingKey(t *testing.T) {
	s := NewMemoryStore()

	ttl, err := s.TTL(context.Background(), "absent")
	require.NoError(t, err)
	assert.Equal(t, -2*time.Second, ttl)
}

func TestMemoryStoreZRevRange(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.ZAdd(ctx, "timeline", 1, "a"))
	require.NoError(t, s.ZAdd(ctx, "timeline", 3, "c"))
	require.NoError(t, s.ZAdd(ctx, "timeline", 2, "b"))

	members, err := s.ZRevRange(ctx, "timeline", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, members)

	members, err = s.ZRevRange(ctx, "timeline", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, members)

	count, err := s.ZCard(ctx, "timeline")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	removed, err := s.ZRemRangeByScore(ctx, "timeline", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}

func TestMemoryStoreSets(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SAdd(ctx, "set", "x", "y"))
	require.NoError(t, s.SAdd(ctx, "set", "x"))

	count, err := s.SCard(ctx, "set")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	members, err := s.SMembers(ctx, "set")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x", "y"}, members)

	require.NoError(t, s.Del(ctx, "set"))
	count, err = s.SCard(ctx, "set")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestKeyBuildersDisjoint(t *testing.T) {
	keys := []string{
		RateLimitKey("ratelimit:login", "iphash", "fp"),
		RateLimitUserKey("ratelimit:login", "iphash", "fp", "u1"),
		BehaviorKey("u1"),
		ReputationKey("1.2.3.4"),
		CaptchaKey("c1"),
		CaptchaFailKey("c1"),
		CaptchaFailureCountKey("u1"),
		VerificationKey("v1"),
		VerificationLookupKey("u1", "email_change"),
		EventKey("e1"),
		EventTimelineKey(),
		EventTypeKey("ip_blocked"),
		EventIPKey("1.2.3.4"),
		EventSeverityKey("high"),
	}

	seen := make(map[string]bool)
	for _, k := range keys {
		assert.False(t, seen[k], "duplicate key %q", k)
		seen[k] = true
	}
}
