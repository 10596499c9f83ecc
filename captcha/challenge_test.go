package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bskmt/risk-engine/store"
)

func storedChallenge(t *testing.T, s *store.MemoryStore, id string) Challenge {
	t.Helper()
	data, err := s.Get(context.Background(), store.CaptchaKey(id))
	require.NoError(t, err)
	var ch Challenge
	require.NoError(t, json.Unmarshal([]byte(data), &ch))
	return ch
}

func TestCreateReturnsOnlyPublicFields(t *testing.T) {
	s := store.NewMemoryStore()
	c := NewChallenger(s, nil)

	pub, err := c.Create(context.Background(), Easy)
	require.NoError(t, err)

	assert.NotEmpty(t, pub.ID)
	assert.Contains(t, pub.Question, "What is")
	assert.NotContains(t, pub.Question, "answer")

	ch := storedChallenge(t, s, pub.ID)
	assert.NotEmpty(t, ch.Answer, "answer lives only in the store")
	assert.Equal(t, Easy, ch.Difficulty)
}

func TestVerifyCorrectAnswerIsSingleUse(t *testing.T) {
	s := store.NewMemoryStore()
	c := NewChallenger(s, nil)
	ctx := context.Background()

	pub, err := c.Create(ctx, Easy)
	require.NoError(t, err)
	answer := storedChallenge(t, s, pub.ID).Answer

	out, err := c.Verify(ctx, pub.ID, "  "+strings.ToUpper(answer)+" ")
	require.NoError(t, err)
	assert.True(t, out.Success, "trimmed, case-insensitive compare")

	out, err = c.Verify(ctx, pub.ID, answer)
	require.NoError(t, err)
	assert.False(t, out.Success, "replay of a solved challenge fails")
	assert.Contains(t, out.Message, "expired or not valid")
}

func TestVerifyWrongAnswersExhaustChallenge(t *testing.T) {
	s := store.NewMemoryStore()
	c := NewChallenger(s, nil)
	ctx := context.Background()

	pub, err := c.Create(ctx, Easy)
	require.NoError(t, err)
	answer := storedChallenge(t, s, pub.ID).Answer

	out, err := c.Verify(ctx, pub.ID, "wrong")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, 2, out.RemainingAttempts)

	out, err = c.Verify(ctx, pub.ID, "wrong")
	require.NoError(t, err)
	assert.Equal(t, 1, out.RemainingAttempts)

	out, err = c.Verify(ctx, pub.ID, "wrong")
	require.NoError(t, err)
	assert.Contains(t, out.Message, "too many failed attempts")

	// Challenge and counter are both gone; the right answer no longer helps.
	out, err = c.Verify(ctx, pub.ID, answer)
	require.NoError(t, err)
	assert.False(t, out.Success)
}

func TestVerifyExpiredChallenge(t *testing.T) {
	s := store.NewMemoryStore()
	c := NewChallenger(s, nil)
	ctx := context.Background()

	pub, err := c.Create(ctx, Easy)
	require.NoError(t, err)

	c.now = func() time.Time { return time.Now().Add(6 * time.Minute) }

	out, err := c.Verify(ctx, pub.ID, "anything")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, out.Message, "expired")
}

func TestGeneratedAnswersAreCorrect(t *testing.T) {
	for _, difficulty := range []Difficulty{Easy, Medium, Hard} {
		for i := 0; i < 50; i++ {
			question, answer := generate(difficulty)
			assert.Equal(t, solve(t, question), answer, "difficulty=%s question=%q", difficulty, question)
		}
	}
}

// solve parses "What is A op B?" and computes the expected answer.
func solve(t *testing.T, question string) string {
	t.Helper()
	trimmed := strings.TrimSuffix(strings.TrimPrefix(question, "What is "), "?")
	var a, b int
	var op string
	_, err := fmt.Sscanf(trimmed, "%d %s %d", &a, &op, &b)
	require.NoError(t, err, question)

	var result int
	switch op {
	case "+":
		result = a + b
	case "-":
		result = a - b
	case "x":
		result = a * b
	case "/":
		require.Zero(t, a%b, "division must be exact: %s", question)
		result = a / b
	default:
		t.Fatalf("unexpected operator %q", op)
	}
	return strconv.Itoa(result)
}

func TestEasyChallengeNeverMultipliesOrDivides(t *testing.T) {
	for i := 0; i < 100; i++ {
		question, _ := generate(Easy)
		assert.NotContains(t, question, "x")
		assert.NotContains(t, question, "/")
	}
}

func TestCreateConcurrently(t *testing.T) {
	s := store.NewMemoryStore()
	c := NewChallenger(s, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pub, err := c.Create(ctx, Hard)
			if err == nil {
				_, err = c.Verify(ctx, pub.ID, storedAnswer(s, pub.ID))
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func storedAnswer(s *store.MemoryStore, id string) string {
	data, err := s.Get(context.Background(), store.CaptchaKey(id))
	if err != nil {
		return ""
	}
	var ch Challenge
	if json.Unmarshal([]byte(data), &ch) != nil {
		return ""
	}
	return ch.Answer
}

func TestDifficultyForFailures(t *testing.T) {
	assert.Equal(t, Easy, DifficultyForFailures(0))
	assert.Equal(t, Easy, DifficultyForFailures(2))
	assert.Equal(t, Medium, DifficultyForFailures(3))
	assert.Equal(t, Medium, DifficultyForFailures(4))
	assert.Equal(t, Hard, DifficultyForFailures(5))
	assert.Equal(t, Hard, DifficultyForFailures(12))
}

func TestFailureTracking(t *testing.T) {
	s := store.NewMemoryStore()
	c := NewChallenger(s, nil)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, err := c.TrackFailure(ctx, "203.0.113.9")
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	n, err := c.Failures(ctx, "203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, c.ResetFailures(ctx, "203.0.113.9"))
	n, err = c.Failures(ctx, "203.0.113.9")
	require.NoError(t, err)
	assert.Zero(t, n)
}
