package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/bskmt/risk-engine/events"
	"github.com/bskmt/risk-engine/middleware"
	"github.com/bskmt/risk-engine/reputation"
	"github.com/bskmt/risk-engine/store"
)

// AdminHandler serves the security event review endpoints.
type AdminHandler struct {
	events  *events.Logger
	checker *reputation.Checker
	store   store.Store
}

func NewAdminHandler(eventLogger *events.Logger, checker *reputation.Checker, s store.Store) *AdminHandler {
	return &AdminHandler{
		events:  eventLogger,
		checker: checker,
		store:   s,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// GetEvents returns the newest security events. Supports ?limit= and
// ?offset= paging plus optional ?type=, ?ip= and ?severity= filters.
func (h *AdminHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	var list []events.Event
	switch {
	case r.URL.Query().Get("type") != "":
		list = h.events.ByType(ctx, events.Type(r.URL.Query().Get("type")), limit)
	case r.URL.Query().Get("ip") != "":
		list = h.events.ByIP(ctx, r.URL.Query().Get("ip"), limit)
	case r.URL.Query().Get("severity") != "":
		list = h.events.BySeverity(ctx, events.Severity(r.URL.Query().Get("severity")), limit)
	default:
		list = h.events.Recent(ctx, limit, offset)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": list,
		"count":  len(list),
	})
}

// GetEventStats summarizes the event log by type and severity.
func (h *AdminHandler) GetEventStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.events.Statistics(r.Context()))
}

// ResolveEvent marks an event as reviewed.
func (h *AdminHandler) ResolveEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventID string `json:"event_id"`
		Notes   string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.EventID == "" {
		http.Error(w, `{"error": "event_id is required"}`, http.StatusBadRequest)
		return
	}

	resolvedBy := middleware.GetUserID(r.Context())
	if resolvedBy == "" {
		resolvedBy = "admin"
	}

	if !h.events.Resolve(r.Context(), req.EventID, resolvedBy, req.Notes) {
		http.Error(w, `{"error": "event not found"}`, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "event resolved",
		"event_id": req.EventID,
	})
}

// GetIPReputation looks up the abuse reputation for one address.
func (h *AdminHandler) GetIPReputation(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		http.Error(w, `{"error": "ip parameter is required"}`, http.StatusBadRequest)
		return
	}

	result := h.checker.Check(r.Context(), ip, 0)
	writeJSON(w, http.StatusOK, result)
}

// ReportIP files an abuse report for an address with the reputation provider.
func (h *AdminHandler) ReportIP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP         string `json:"ip"`
		Categories []int  `json:"categories"`
		Comment    string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.IP == "" {
		http.Error(w, `{"error": "ip is required"}`, http.StatusBadRequest)
		return
	}

	if !h.checker.Report(r.Context(), req.IP, req.Categories, req.Comment) {
		http.Error(w, `{"error": "report failed"}`, http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "ip reported",
		"ip":      req.IP,
	})
}

// GetRecentRequests exposes the in-memory request window.
func (h *AdminHandler) GetRecentRequests(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	requests := middleware.GetRecentRequests(limit)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": requests,
		"count":    len(requests),
	})
}

// HealthCheck reports service and store health.
func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	storeStatus := "up"
	if err := h.store.Ping(r.Context()); err != nil {
		storeStatus = "degraded"
	}

	stats := middleware.GetRequestStats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "risk-engine",
		"store":   storeStatus,
		"window":  stats,
	})
}
