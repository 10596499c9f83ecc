package handlers

import (
	"net/http"
	"time"

	"github.com/bskmt/risk-engine/repository"
)

// ArchiveHandler serves the Postgres-backed event archive, which outlives the
// shared store's retention window.
type ArchiveHandler struct {
	archive *repository.SecurityEventArchive
}

func NewArchiveHandler(archive *repository.SecurityEventArchive) *ArchiveHandler {
	return &ArchiveHandler{archive: archive}
}

// GetArchivedEvents queries the archive by ?ip= or ?type=.
func (h *ArchiveHandler) GetArchivedEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := queryInt(r, "limit", 100)

	var (
		list []*repository.ArchivedEvent
		err  error
	)
	switch {
	case r.URL.Query().Get("ip") != "":
		list, err = h.archive.ByIP(ctx, r.URL.Query().Get("ip"), limit)
	case r.URL.Query().Get("type") != "":
		list, err = h.archive.ByType(ctx, r.URL.Query().Get("type"), limit)
	default:
		http.Error(w, `{"error": "ip or type parameter is required"}`, http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, `{"error": "archive query failed"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": list,
		"count":  len(list),
	})
}

// GetOffenderCount reports how many archived events an address has produced
// inside a trailing window (default 30 days).
func (h *ArchiveHandler) GetOffenderCount(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		http.Error(w, `{"error": "ip parameter is required"}`, http.StatusBadRequest)
		return
	}

	days := queryInt(r, "days", 30)
	since := time.Now().AddDate(0, 0, -days)

	count, err := h.archive.CountByIPSince(r.Context(), ip, since)
	if err != nil {
		http.Error(w, `{"error": "archive query failed"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ip":    ip,
		"days":  days,
		"count": count,
	})
}
