package middleware

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/bskmt/risk-engine/ratelimit"
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += size
	return size, err
}

// RequestLog is one completed request, kept in memory for the admin overview.
type RequestLog struct {
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	IP         string    `json:"ip"`
	StatusCode int       `json:"status_code"`
	Duration   string    `json:"duration"`
	UserAgent  string    `json:"user_agent"`
	Size       int       `json:"size"`
}

// RequestLogStore keeps the most recent requests in memory.
type RequestLogStore struct {
	logs    []RequestLog
	mu      sync.RWMutex
	maxSize int
}

var globalRequestStore = &RequestLogStore{
	logs:    make([]RequestLog, 0, 100),
	maxSize: 100,
}

func (s *RequestLogStore) AddLog(log RequestLog) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs = append(s.logs, log)
	if len(s.logs) > s.maxSize {
		s.logs = s.logs[len(s.logs)-s.maxSize:]
	}
}

// GetRecentLogs returns recent request logs, newest first.
func (s *RequestLogStore) GetRecentLogs(limit int) []RequestLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit > len(s.logs) {
		limit = len(s.logs)
	}

	result := make([]RequestLog, limit)
	for i := 0; i < limit; i++ {
		result[i] = s.logs[len(s.logs)-1-i]
	}
	return result
}

// GetRecentRequests returns recent requests from the global store.
func GetRecentRequests(limit int) []RequestLog {
	return globalRequestStore.GetRecentLogs(limit)
}

// GetRequestStats summarizes the in-memory request window.
func GetRequestStats() map[string]interface{} {
	globalRequestStore.mu.RLock()
	defer globalRequestStore.mu.RUnlock()

	total := len(globalRequestStore.logs)
	throttled := 0
	denied := 0
	for _, l := range globalRequestStore.logs {
		switch l.StatusCode {
		case http.StatusTooManyRequests:
			throttled++
		case http.StatusUnauthorized, http.StatusForbidden:
			denied++
		}
	}

	return map[string]interface{}{
		"total":     total,
		"throttled": throttled,
		"denied":    denied,
	}
}

type LoggingMiddleware struct {
	logger *log.Logger
}

func NewLoggingMiddleware(logger *log.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

func (m *LoggingMiddleware) Log(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rw, r)

		duration := time.Since(start)

		globalRequestStore.AddLog(RequestLog{
			Timestamp:  start,
			Method:     r.Method,
			Path:       r.URL.Path,
			IP:         ratelimit.ClientIP(r),
			StatusCode: rw.statusCode,
			Duration:   duration.String(),
			UserAgent:  r.UserAgent(),
			Size:       rw.size,
		})

		m.logger.Printf(
			"[%s] %s %s %d %d %s %s",
			r.Method,
			r.URL.Path,
			ratelimit.ClientIP(r),
			rw.statusCode,
			rw.size,
			duration,
			r.UserAgent(),
		)
	})
}
