package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/bskmt/risk-engine/captcha"
	"github.com/bskmt/risk-engine/events"
	"github.com/bskmt/risk-engine/middleware"
	"github.com/bskmt/risk-engine/ratelimit"
)

// CaptchaHandler issues and verifies fallback challenges for clients the
// automated scoring could not clear.
type CaptchaHandler struct {
	challenger *captcha.Challenger
	events     *events.Logger
	logger     *log.Logger
}

func NewCaptchaHandler(challenger *captcha.Challenger, eventLogger *events.Logger, logger *log.Logger) *CaptchaHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &CaptchaHandler{
		challenger: challenger,
		events:     eventLogger,
		logger:     logger,
	}
}

// Create issues a new challenge. Difficulty escalates with the caller's
// recent verification failures.
func (h *CaptchaHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info := middleware.ExtractRequestInfo(r)

	failures, err := h.challenger.Failures(ctx, info.Fingerprint)
	if err != nil {
		h.logger.Printf("captcha failure lookup failed for %s: %v", info.Fingerprint, err)
	}

	public, err := h.challenger.Create(ctx, captcha.DifficultyForFailures(failures))
	if err != nil {
		http.Error(w, `{"error": "could not create challenge"}`, http.StatusServiceUnavailable)
		return
	}

	h.events.Log(ctx, events.Event{
		Type:      events.TypeCaptchaFallbackTriggered,
		IP:        info.IP,
		UserAgent: info.UserAgent,
		UserID:    info.UserID,
		Endpoint:  info.Endpoint,
		Severity:  events.SeverityLow,
		Details:   map[string]interface{}{"failures": failures},
	})

	writeJSON(w, http.StatusOK, public)
}

// Verify checks a submitted answer. A correct answer clears the caller's
// failure counter; a wrong one advances it so the next challenge is harder.
func (h *CaptchaHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChallengeID string `json:"challenge_id"`
		Answer      string `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.ChallengeID == "" || req.Answer == "" {
		http.Error(w, `{"error": "challenge_id and answer are required"}`, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	info := middleware.ExtractRequestInfo(r)

	outcome, err := h.challenger.Verify(ctx, req.ChallengeID, req.Answer)
	if err != nil {
		http.Error(w, `{"error": "verification unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	if outcome.Success {
		if err := h.challenger.ResetFailures(ctx, info.Fingerprint); err != nil {
			h.logger.Printf("captcha failure reset failed for %s: %v", info.Fingerprint, err)
		}
	} else {
		if _, err := h.challenger.TrackFailure(ctx, info.Fingerprint); err != nil {
			h.logger.Printf("captcha failure tracking failed for %s: %v", info.Fingerprint, err)
		}
		h.events.Log(ctx, events.Event{
			Type:      events.TypeRecaptchaFailed,
			IP:        ratelimit.ClientIP(r),
			UserAgent: info.UserAgent,
			UserID:    info.UserID,
			Endpoint:  info.Endpoint,
			Severity:  events.SeverityLow,
			Details:   map[string]interface{}{"challenge_id": req.ChallengeID},
		})
	}

	writeJSON(w, http.StatusOK, outcome)
}
