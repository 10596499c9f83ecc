package kafka

import "github.com/bskmt/risk-engine/events"

// Message is the wire form published to the abuse-events topic for every
// logged security event. The consumer side archives these past the 30-day
// operational TTL of the shared store.
type Message struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	IP        string `json:"ip"`
	UserID    string `json:"user_id,omitempty"`
	Email     string `json:"email,omitempty"`
	Endpoint  string `json:"endpoint"`
	UserAgent string `json:"user_agent"`
	Severity  string `json:"severity"`
	Timestamp int64  `json:"timestamp"`
}

func messageFromEvent(event *events.Event) Message {
	return Message{
		ID:        event.ID,
		Type:      string(event.Type),
		IP:        event.IP,
		UserID:    event.UserID,
		Email:     event.Email,
		Endpoint:  event.Endpoint,
		UserAgent: event.UserAgent,
		Severity:  string(event.Severity),
		Timestamp: event.Timestamp,
	}
}
