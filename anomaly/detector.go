package anomaly

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bskmt/risk-engine/store"
)

// EventType classifies a tracked user action.
type EventType string

const (
	EventLogin         EventType = "login"
	EventFailedLogin   EventType = "failed_login"
	EventPasswordReset EventType = "password_reset"
	EventEmailChange   EventType = "email_change"
	EventProfileUpdate EventType = "profile_update"
	EventPurchase      EventType = "purchase"
)

// Location is optional coarse geo context attached to an event.
type Location struct {
	Country string `json:"country,omitempty"`
	City    string `json:"city,omitempty"`
}

// Event is one entry in a user's behavior history. IPs are stored hashed;
// the raw address never reaches the history key.
type Event struct {
	UserID    string    `json:"user_id"`
	Type      EventType `json:"event_type"`
	IPHash    string    `json:"ip_hash"`
	UserAgent string    `json:"user_agent"`
	Location  *Location `json:"location,omitempty"`
	Timestamp int64     `json:"timestamp"` // unix milliseconds
}

// Result is the scored verdict for one event.
type Result struct {
	IsAnomalous          bool
	RiskScore            int
	Reasons              []string
	RequiresVerification bool
	ShouldBlock          bool
}

// Thresholds expose the decision points as policy, not literals.
type Thresholds struct {
	RequireVerification int
	Block               int
}

var DefaultThresholds = Thresholds{RequireVerification: 40, Block: 70}

// Heuristic weights.
const (
	weightImpossibleTravel = 40
	weightVelocity         = 50
	weightDevice           = 30
	weightDefault          = 20
)

const (
	historyLimit     = 50
	historyTTL       = 30 * 24 * time.Hour
	scoringWindow    = 20
	travelLookback   = time.Hour
	travelMinGap     = 5 * time.Minute
	velocityWindow   = 5 * time.Minute
	velocityFailures = 5
	velocityMutation = 3
	deviceLookback   = 5
	deviceMinLogins  = 3
)

// Detector scores user events against recent history held in the shared
// store. Every call appends to history first, so even an action that ends
// up blocked leaves a forensic trail.
type Detector struct {
	store      store.Store
	ipSalt     string
	thresholds Thresholds
	logger     *log.Logger
}

func NewDetector(s store.Store, ipSalt string, logger *log.Logger) *Detector {
	if logger == nil {
		logger = log.Default()
	}
	return &Detector{
		store:      s,
		ipSalt:     ipSalt,
		thresholds: DefaultThresholds,
		logger:     logger,
	}
}

// NewEvent builds an event for the current moment, hashing the IP.
func (d *Detector) NewEvent(userID string, eventType EventType, ip, userAgent string, loc *Location) Event {
	return Event{
		UserID:    userID,
		Type:      eventType,
		IPHash:    d.HashIP(ip),
		UserAgent: userAgent,
		Location:  loc,
		Timestamp: time.Now().UnixMilli(),
	}
}

// HashIP hashes an address with the configured salt, keeping only enough
// bytes to compare equality.
func (d *Detector) HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip + d.ipSalt))
	return hex.EncodeToString(sum[:])[:12]
}

// Detect appends the event and evaluates the three heuristics over the most
// recent history.
func (d *Detector) Detect(ctx context.Context, event Event) (Result, error) {
	if err := d.append(ctx, event); err != nil {
		// History is the forensic record; scoring without it would hide the
		// miss, so surface the store failure to the caller.
		return Result{}, err
	}

	history, err := d.history(ctx, event.UserID, scoringWindow)
	if err != nil {
		return Result{}, err
	}

	// The freshly appended event is part of history. Travel and device
	// heuristics compare the current event against everything before it;
	// velocity counts the burst itself, current event included, so the
	// threshold fires on the Nth failure rather than the one after it.
	prior := history
	if n := len(prior); n > 0 && prior[n-1].Timestamp == event.Timestamp && prior[n-1].Type == event.Type {
		prior = prior[:n-1]
	}

	score := 0
	var reasons []string

	if detected, reason := d.detectImpossibleTravel(prior, event); detected {
		score += weightImpossibleTravel
		reasons = append(reasons, reason)
	}
	if detected, reason := d.detectVelocityAttack(history, event); detected {
		score += weightVelocity
		reasons = append(reasons, reason)
	}
	if detected, reason := d.detectDeviceAnomaly(prior, event); detected {
		score += weightDevice
		reasons = append(reasons, reason)
	}

	if score > 100 {
		score = 100
	}

	return Result{
		IsAnomalous:          score > 0,
		RiskScore:            score,
		Reasons:              reasons,
		RequiresVerification: score >= d.thresholds.RequireVerification,
		ShouldBlock:          score >= d.thresholds.Block,
	}, nil
}

// TrackFailedLogin records a failed attempt without scoring it.
func (d *Detector) TrackFailedLogin(ctx context.Context, userID, ip, userAgent string) error {
	return d.append(ctx, d.NewEvent(userID, EventFailedLogin, ip, userAgent, nil))
}

// TrackLogin records a successful login and scores it.
func (d *Detector) TrackLogin(ctx context.Context, userID, ip, userAgent string, loc *Location) (Result, error) {
	return d.Detect(ctx, d.NewEvent(userID, EventLogin, ip, userAgent, loc))
}

// ResetHistory wipes a user's behavior record.
func (d *Detector) ResetHistory(ctx context.Context, userID string) error {
	return d.store.Del(ctx, store.BehaviorKey(userID))
}

func (d *Detector) append(ctx context.Context, event Event) error {
	key := store.BehaviorKey(event.UserID)

	history, err := d.history(ctx, event.UserID, historyLimit)
	if err != nil {
		return err
	}

	history = append(history, event)
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}

	data, err := json.Marshal(history)
	if err != nil {
		return err
	}
	return d.store.SetEx(ctx, key, string(data), historyTTL)
}

func (d *Detector) history(ctx context.Context, userID string, limit int) ([]Event, error) {
	data, err := d.store.Get(ctx, store.BehaviorKey(userID))
	if err == store.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var events []Event
	if err := json.Unmarshal([]byte(data), &events); err != nil {
		d.logger.Printf("behavior history for %s is corrupt, resetting: %v", userID, err)
		return nil, nil
	}
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func (d *Detector) detectImpossibleTravel(events []Event, current Event) (bool, string) {
	var lastLogin *Event
	for i := range events {
		e := events[i]
		if e.Type != EventLogin {
			continue
		}
		if current.Timestamp-e.Timestamp > travelLookback.Milliseconds() {
			continue
		}
		lastLogin = &events[i]
	}
	if lastLogin == nil {
		return false, ""
	}

	gap := time.Duration(current.Timestamp-lastLogin.Timestamp) * time.Millisecond
	if lastLogin.IPHash != current.IPHash && gap < travelMinGap {
		from := locationLabel(lastLogin.Location)
		to := locationLabel(current.Location)
		return true, fmt.Sprintf("IP change from %s to %s in %d minutes", from, to, int(gap.Minutes()))
	}
	return false, ""
}

func (d *Detector) detectVelocityAttack(events []Event, current Event) (bool, string) {
	var failedLogins, criticalChanges int
	for _, e := range events {
		if current.Timestamp-e.Timestamp > velocityWindow.Milliseconds() {
			continue
		}
		switch e.Type {
		case EventFailedLogin:
			failedLogins++
		case EventEmailChange, EventPasswordReset:
			criticalChanges++
		}
	}

	if failedLogins >= velocityFailures {
		return true, fmt.Sprintf("%d failed login attempts in 5 minutes", failedLogins)
	}
	if criticalChanges >= velocityMutation {
		return true, "multiple critical profile changes in 5 minutes"
	}
	return false, ""
}

func (d *Detector) detectDeviceAnomaly(events []Event, current Event) (bool, string) {
	var logins []Event
	for _, e := range events {
		if e.Type == EventLogin {
			logins = append(logins, e)
		}
	}
	if len(logins) > deviceLookback {
		logins = logins[len(logins)-deviceLookback:]
	}
	if len(logins) < deviceMinLogins {
		return false, ""
	}

	// Vendor-token matching on the user agent is a crude signal; the rule is
	// tunable, not a contract.
	for _, e := range logins {
		if sharesVendorToken(e.UserAgent, current.UserAgent) {
			return false, ""
		}
	}
	return true, "login from unrecognized device/browser"
}

func sharesVendorToken(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	tokenA := strings.SplitN(a, "/", 2)[0]
	tokenB := strings.SplitN(b, "/", 2)[0]
	return strings.Contains(a, tokenB) || strings.Contains(b, tokenA)
}

func locationLabel(loc *Location) string {
	if loc == nil || loc.City == "" {
		return "unknown"
	}
	return loc.City
}
