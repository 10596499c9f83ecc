package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/bskmt/risk-engine/events"
	"github.com/bskmt/risk-engine/middleware"
	"github.com/bskmt/risk-engine/verification"
)

// VerificationHandler drives OTP confirmation for sensitive account actions.
type VerificationHandler struct {
	verifier *verification.Verifier
	events   *events.Logger
	logger   *log.Logger
}

func NewVerificationHandler(verifier *verification.Verifier, eventLogger *events.Logger, logger *log.Logger) *VerificationHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &VerificationHandler{
		verifier: verifier,
		events:   eventLogger,
		logger:   logger,
	}
}

// Create starts a verification: generates the OTP, emails it, and returns
// the verification id the client must quote back.
func (h *VerificationHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		Email      string                 `json:"email"`
		Action     string                 `json:"action"`
		ActionData map[string]interface{} `json:"action_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Action == "" {
		http.Error(w, `{"error": "email and action are required"}`, http.StatusBadRequest)
		return
	}
	if !verification.IsVerificationRequired(req.Action) {
		http.Error(w, `{"error": "unknown action"}`, http.StatusBadRequest)
		return
	}

	result, err := h.verifier.Create(r.Context(), userID, req.Email, verification.Action(req.Action), req.ActionData)
	if err != nil {
		if errors.Is(err, verification.ErrUnavailable) {
			http.Error(w, `{"error": "verification unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		h.logger.Printf("verification create failed for %s/%s: %v", userID, req.Action, err)
		http.Error(w, `{"error": "could not start verification"}`, http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]interface{}{
		"success":         result.Success,
		"verification_id": result.VerificationID,
		"message":         result.Message,
	})
}

// Verify consumes an OTP submission.
func (h *VerificationHandler) Verify(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		VerificationID string `json:"verification_id"`
		OTP            string `json:"otp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.VerificationID == "" || req.OTP == "" {
		http.Error(w, `{"error": "verification_id and otp are required"}`, http.StatusBadRequest)
		return
	}

	result, err := h.verifier.VerifyOTP(r.Context(), req.VerificationID, userID, req.OTP)
	if err != nil {
		if errors.Is(err, verification.ErrUnavailable) {
			http.Error(w, `{"error": "verification unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		http.Error(w, `{"error": "verification failed"}`, http.StatusInternalServerError)
		return
	}

	if !result.Success {
		info := middleware.ExtractRequestInfo(r)
		h.events.Log(r.Context(), events.Event{
			Type:      events.TypeSuspiciousLogin,
			IP:        info.IP,
			UserAgent: info.UserAgent,
			UserID:    userID,
			Endpoint:  info.Endpoint,
			Severity:  events.SeverityMedium,
			Details:   map[string]interface{}{"verification_id": req.VerificationID, "message": result.Message},
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     result.Success,
		"message":     result.Message,
		"action_data": result.ActionData,
	})
}

// Cancel abandons an in-flight verification.
func (h *VerificationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		VerificationID string `json:"verification_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.VerificationID == "" {
		http.Error(w, `{"error": "verification_id is required"}`, http.StatusBadRequest)
		return
	}

	ok, err := h.verifier.Cancel(r.Context(), req.VerificationID, userID)
	if err != nil {
		http.Error(w, `{"error": "verification unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.Error(w, `{"error": "verification not found"}`, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// Status reports whether the user has a live verification for an action.
func (h *VerificationHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	action := r.URL.Query().Get("action")
	if action == "" {
		http.Error(w, `{"error": "action parameter is required"}`, http.StatusBadRequest)
		return
	}

	active, err := h.verifier.Active(r.Context(), userID, verification.Action(action))
	if err != nil {
		http.Error(w, `{"error": "verification unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending":      active != nil,
		"verification": active,
	})
}
