package events

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/bskmt/risk-engine/store"
)

// Type enumerates the security event categories the detectors emit.
type Type string

const (
	TypeRateLimitExceeded        Type = "rate_limit_exceeded"
	TypeAnomalyDetected          Type = "anomaly_detected"
	TypeIPBlocked                Type = "ip_blocked"
	TypeRecaptchaFailed          Type = "recaptcha_failed"
	TypeCaptchaFallbackTriggered Type = "captcha_fallback_triggered"
	TypeBruteForceAttempt        Type = "brute_force_attempt"
	TypeSuspiciousLogin          Type = "suspicious_login"
	TypeAccountLocked            Type = "account_locked"
)

// AllTypes is used for statistics aggregation.
var AllTypes = []Type{
	TypeRateLimitExceeded,
	TypeAnomalyDetected,
	TypeIPBlocked,
	TypeRecaptchaFailed,
	TypeCaptchaFallbackTriggered,
	TypeBruteForceAttempt,
	TypeSuspiciousLogin,
	TypeAccountLocked,
}

// Severity orders events for triage.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var AllSeverities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

const eventTTL = 30 * 24 * time.Hour

// Event is one audit-trail entry. Immutable after creation except for the
// resolution fields.
type Event struct {
	ID         string                 `json:"id"`
	Type       Type                   `json:"type"`
	Timestamp  int64                  `json:"timestamp"`
	IP         string                 `json:"ip"`
	UserAgent  string                 `json:"user_agent"`
	UserID     string                 `json:"user_id,omitempty"`
	Email      string                 `json:"email,omitempty"`
	Endpoint   string                 `json:"endpoint"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Severity   Severity               `json:"severity"`
	Resolved   bool                   `json:"resolved"`
	ResolvedBy string                 `json:"resolved_by,omitempty"`
	ResolvedAt int64                  `json:"resolved_at,omitempty"`
	Notes      string                 `json:"notes,omitempty"`
}

// Statistics aggregates counts for the admin dashboard.
type Statistics struct {
	Total      int64              `json:"total"`
	ByType     map[Type]int64     `json:"by_type"`
	BySeverity map[Severity]int64 `json:"by_severity"`
	Resolved   int                `json:"resolved"`
	Unresolved int                `json:"unresolved"`
}

// Publisher receives a copy of every logged event, typically the abuse-event
// bus feeding long-term archival.
type Publisher interface {
	PublishSecurityEvent(ctx context.Context, event *Event) error
}

// Logger is the durable, queryable audit trail. It is diagnostic, not
// safety-critical: store failures yield empty results instead of errors so
// it can never block the request path.
type Logger struct {
	store     store.Store
	publisher Publisher
	logger    *log.Logger
}

func NewLogger(s store.Store, publisher Publisher, logger *log.Logger) *Logger {
	if logger == nil {
		logger = log.Default()
	}
	return &Logger{store: s, publisher: publisher, logger: logger}
}

// Log assigns id and timestamp, persists the event for 30 days and fans it
// out into the timeline and the type/IP/severity indexes.
func (l *Logger) Log(ctx context.Context, event Event) string {
	event.ID = uuid.New().String()
	event.Timestamp = time.Now().UnixMilli()
	event.Resolved = false

	data, err := json.Marshal(event)
	if err != nil {
		l.logger.Printf("security event marshal failed: %v", err)
		return ""
	}

	key := store.EventKey(event.ID)
	if err := l.store.SetEx(ctx, key, string(data), eventTTL); err != nil {
		l.logger.Printf("security event write failed, dropping %s: %v", event.Type, err)
		return ""
	}

	if err := l.store.ZAdd(ctx, store.EventTimelineKey(), float64(event.Timestamp), key); err != nil {
		l.logger.Printf("security event timeline update failed: %v", err)
	}
	for _, idx := range []string{
		store.EventTypeKey(string(event.Type)),
		store.EventIPKey(event.IP),
		store.EventSeverityKey(string(event.Severity)),
	} {
		if err := l.store.SAdd(ctx, idx, key); err != nil {
			l.logger.Printf("security event index update failed for %s: %v", idx, err)
		}
	}

	if l.publisher != nil {
		if err := l.publisher.PublishSecurityEvent(ctx, &event); err != nil {
			l.logger.Printf("security event publish failed: %v", err)
		}
	}

	return event.ID
}

// Recent returns events newest-first from the timeline.
func (l *Logger) Recent(ctx context.Context, limit, offset int) []Event {
	if limit <= 0 {
		limit = 50
	}

	keys, err := l.store.ZRevRange(ctx, store.EventTimelineKey(), int64(offset), int64(offset+limit-1))
	if err != nil {
		return nil
	}
	return l.fetch(ctx, keys, 0)
}

// ByType returns events of one type, newest first.
func (l *Logger) ByType(ctx context.Context, eventType Type, limit int) []Event {
	return l.byIndex(ctx, store.EventTypeKey(string(eventType)), limit)
}

// ByIP returns events for one address, newest first.
func (l *Logger) ByIP(ctx context.Context, ip string, limit int) []Event {
	return l.byIndex(ctx, store.EventIPKey(ip), limit)
}

// BySeverity returns events of one severity, newest first.
func (l *Logger) BySeverity(ctx context.Context, severity Severity, limit int) []Event {
	return l.byIndex(ctx, store.EventSeverityKey(string(severity)), limit)
}

func (l *Logger) byIndex(ctx context.Context, indexKey string, limit int) []Event {
	if limit <= 0 {
		limit = 50
	}

	keys, err := l.store.SMembers(ctx, indexKey)
	if err != nil {
		return nil
	}

	events := l.fetch(ctx, keys, 0)
	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp > events[j].Timestamp })
	if len(events) > limit {
		events = events[:limit]
	}
	return events
}

func (l *Logger) fetch(ctx context.Context, keys []string, limit int) []Event {
	var events []Event
	for _, key := range keys {
		if limit > 0 && len(events) >= limit {
			break
		}
		data, err := l.store.Get(ctx, key)
		if err != nil {
			// Expired events linger in the indexes until fetched.
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(data), &event); err != nil || event.ID == "" {
			continue
		}
		events = append(events, event)
	}
	return events
}

// Resolve marks an event handled, preserving its remaining TTL.
func (l *Logger) Resolve(ctx context.Context, eventID, resolvedBy, notes string) bool {
	key := store.EventKey(eventID)

	data, err := l.store.Get(ctx, key)
	if err != nil {
		return false
	}

	var event Event
	if err := json.Unmarshal([]byte(data), &event); err != nil || event.ID == "" {
		return false
	}

	event.Resolved = true
	event.ResolvedBy = resolvedBy
	event.ResolvedAt = time.Now().UnixMilli()
	if notes != "" {
		event.Notes = notes
	}

	updated, err := json.Marshal(event)
	if err != nil {
		return false
	}

	ttl, err := l.store.TTL(ctx, key)
	if err != nil || ttl <= 0 {
		ttl = eventTTL
	}
	return l.store.SetEx(ctx, key, string(updated), ttl) == nil
}

// Statistics aggregates counts by type and severity plus resolution state.
func (l *Logger) Statistics(ctx context.Context) Statistics {
	stats := Statistics{
		ByType:     make(map[Type]int64),
		BySeverity: make(map[Severity]int64),
	}

	total, err := l.store.ZCard(ctx, store.EventTimelineKey())
	if err != nil {
		return stats
	}
	stats.Total = total

	for _, t := range AllTypes {
		if n, err := l.store.SCard(ctx, store.EventTypeKey(string(t))); err == nil {
			stats.ByType[t] = n
		}
	}
	for _, s := range AllSeverities {
		if n, err := l.store.SCard(ctx, store.EventSeverityKey(string(s))); err == nil {
			stats.BySeverity[s] = n
		}
	}

	for _, event := range l.Recent(ctx, 1000, 0) {
		if event.Resolved {
			stats.Resolved++
		} else {
			stats.Unresolved++
		}
	}

	return stats
}
