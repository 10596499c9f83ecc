package captcha

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bskmt/risk-engine/store"
)

// Difficulty scales operand ranges and the operator set.
type Difficulty string

const (
	Easy   Difficulty = "easy"
	Medium Difficulty = "medium"
	Hard   Difficulty = "hard"
)

const (
	challengeTTL    = 5 * time.Minute
	failCounterTTL  = 5 * time.Minute
	maxAttempts     = 3
	failureTrackTTL = time.Hour
)

// Challenge is the stored form, answer included. It never leaves the store.
type Challenge struct {
	ID         string     `json:"id"`
	Question   string     `json:"question"`
	Answer     string     `json:"answer"`
	CreatedAt  int64      `json:"created_at"`
	ExpiresAt  int64      `json:"expires_at"`
	Difficulty Difficulty `json:"difficulty"`
}

// Public is what callers are allowed to see.
type Public struct {
	ID        string `json:"id"`
	Question  string `json:"question"`
	ExpiresAt int64  `json:"expires_at"`
}

// Outcome reports a verification attempt.
type Outcome struct {
	Success           bool   `json:"success"`
	Message           string `json:"message"`
	RemainingAttempts int    `json:"remaining_attempts,omitempty"`
}

// Challenger issues and verifies single-use arithmetic challenges, used when
// automated-traffic scoring is inconclusive.
type Challenger struct {
	store  store.Store
	logger *log.Logger
	now    func() time.Time
}

func NewChallenger(s store.Store, logger *log.Logger) *Challenger {
	if logger == nil {
		logger = log.Default()
	}
	return &Challenger{
		store:  s,
		logger: logger,
		now:    time.Now,
	}
}

// Create generates a challenge and stores it under a fresh id. Only the
// question and id are returned.
func (c *Challenger) Create(ctx context.Context, difficulty Difficulty) (Public, error) {
	question, answer := generate(difficulty)
	now := c.now()

	challenge := Challenge{
		ID:         uuid.New().String(),
		Question:   question,
		Answer:     answer,
		CreatedAt:  now.UnixMilli(),
		ExpiresAt:  now.Add(challengeTTL).UnixMilli(),
		Difficulty: difficulty,
	}

	data, err := json.Marshal(challenge)
	if err != nil {
		return Public{}, err
	}
	if err := c.store.SetEx(ctx, store.CaptchaKey(challenge.ID), string(data), challengeTTL); err != nil {
		return Public{}, err
	}

	return Public{ID: challenge.ID, Question: challenge.Question, ExpiresAt: challenge.ExpiresAt}, nil
}

// Verify checks an answer. Success consumes the challenge; the third wrong
// answer exhausts it.
func (c *Challenger) Verify(ctx context.Context, challengeID, answer string) (Outcome, error) {
	key := store.CaptchaKey(challengeID)
	failKey := store.CaptchaFailKey(challengeID)

	data, err := c.store.Get(ctx, key)
	if err == store.ErrNil {
		return Outcome{Message: "challenge expired or not valid, request a new one"}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	var challenge Challenge
	if err := json.Unmarshal([]byte(data), &challenge); err != nil || challenge.ID == "" {
		c.store.Del(ctx, key)
		return Outcome{Message: "challenge expired or not valid, request a new one"}, nil
	}

	if c.now().UnixMilli() > challenge.ExpiresAt {
		c.store.Del(ctx, key, failKey)
		return Outcome{Message: "challenge expired, request a new one"}, nil
	}

	if normalize(answer) == normalize(challenge.Answer) {
		// Single use: gone the moment it succeeds.
		if err := c.store.Del(ctx, key, failKey); err != nil {
			return Outcome{}, err
		}
		return Outcome{Success: true, Message: "challenge verified"}, nil
	}

	fails, err := c.store.Incr(ctx, failKey)
	if err != nil {
		return Outcome{}, err
	}
	if fails == 1 {
		if err := c.store.Expire(ctx, failKey, failCounterTTL); err != nil {
			c.logger.Printf("captcha fail counter expire failed for %s: %v", challengeID, err)
		}
	}

	if fails >= maxAttempts {
		c.store.Del(ctx, key, failKey)
		return Outcome{Message: "too many failed attempts, request a new challenge"}, nil
	}

	return Outcome{
		Message:           "incorrect answer",
		RemainingAttempts: maxAttempts - int(fails),
	}, nil
}

// DifficultyForFailures escalates the next challenge as an identifier keeps
// failing.
func DifficultyForFailures(failureCount int) Difficulty {
	switch {
	case failureCount >= 5:
		return Hard
	case failureCount >= 3:
		return Medium
	default:
		return Easy
	}
}

// TrackFailure bumps the consecutive-failure count for an IP or user so
// callers can escalate difficulty.
func (c *Challenger) TrackFailure(ctx context.Context, identifier string) (int, error) {
	key := store.CaptchaFailureCountKey(identifier)
	fails, err := c.store.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := c.store.Expire(ctx, key, failureTrackTTL); err != nil {
		c.logger.Printf("captcha failure tracker expire failed for %s: %v", identifier, err)
	}
	return int(fails), nil
}

// ResetFailures clears the tracker after a successful verification.
func (c *Challenger) ResetFailures(ctx context.Context, identifier string) error {
	return c.store.Del(ctx, store.CaptchaFailureCountKey(identifier))
}

// Failures reads the current count.
func (c *Challenger) Failures(ctx context.Context, identifier string) (int, error) {
	data, err := c.store.Get(ctx, store.CaptchaFailureCountKey(identifier))
	if err == store.ErrNil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int
	fmt.Sscanf(data, "%d", &n)
	return n, nil
}

// generate draws from crypto/rand: challenges are served concurrently and a
// predictable operand stream would let a bot precompute answers.
func generate(difficulty Difficulty) (question, answer string) {
	operators := "+-"
	operandMax := 10
	switch difficulty {
	case Medium:
		operators = "+-*"
		operandMax = 20
	case Hard:
		operators = "+-*/"
		operandMax = 50
	}

	op := operators[randInt(len(operators))]
	a := randInt(operandMax) + 1
	b := randInt(operandMax) + 1

	var result int
	switch op {
	case '+':
		question = fmt.Sprintf("What is %d + %d?", a, b)
		result = a + b
	case '-':
		if b > a {
			a, b = b, a
		}
		question = fmt.Sprintf("What is %d - %d?", a, b)
		result = a - b
	case '*':
		// Keep products mental-math sized regardless of difficulty.
		a = randInt(10) + 1
		b = randInt(10) + 1
		question = fmt.Sprintf("What is %d x %d?", a, b)
		result = a * b
	case '/':
		// Construct the dividend so the quotient is exact.
		divisor := randInt(9) + 2
		quotient := randInt(10) + 1
		question = fmt.Sprintf("What is %d / %d?", divisor*quotient, divisor)
		result = quotient
	}

	return question, fmt.Sprintf("%d", result)
}

func randInt(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		// crypto/rand only fails when the platform entropy source is broken;
		// uuid.New on the same path panics there too.
		panic(err)
	}
	return int(n.Int64())
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
