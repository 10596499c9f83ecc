package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bskmt/risk-engine/captcha"
	"github.com/bskmt/risk-engine/events"
	"github.com/bskmt/risk-engine/middleware"
	"github.com/bskmt/risk-engine/reputation"
	"github.com/bskmt/risk-engine/store"
	"github.com/bskmt/risk-engine/verification"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *log.Logger {
	return log.New(&discardWriter{}, "", 0)
}

type recordingMailer struct {
	lastBody string
}

func (m *recordingMailer) Send(ctx context.Context, to, subject, htmlBody string) error {
	m.lastBody = htmlBody
	return nil
}

var otpPattern = regexp.MustCompile(`>(\d{6})<`)

func (m *recordingMailer) lastOTP() string {
	match := otpPattern.FindStringSubmatch(m.lastBody)
	if match == nil {
		return ""
	}
	return match[1]
}

func asUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), middleware.UserIDKey, userID))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestCaptchaCreateAndVerify(t *testing.T) {
	s := store.NewMemoryStore()
	eventLogger := events.NewLogger(s, nil, testLogger())
	h := NewCaptchaHandler(captcha.NewChallenger(s, testLogger()), eventLogger, testLogger())

	rec := httptest.NewRecorder()
	h.Create(rec, httptest.NewRequest(http.MethodPost, "/api/captcha", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	created := decodeBody(t, rec)
	challengeID := created["id"].(string)
	question := created["question"].(string)
	require.NotEmpty(t, challengeID)
	require.NotEmpty(t, question)

	// A fresh challenge is always easy difficulty: two small operands.
	var a, b int
	var op string
	_, err := fmt.Sscanf(question, "What is %d %s %d?", &a, &op, &b)
	require.NoError(t, err)
	answer := a + b
	if op == "-" {
		answer = a - b
	}

	body := fmt.Sprintf(`{"challenge_id":%q,"answer":"%d"}`, challengeID, answer)
	rec = httptest.NewRecorder()
	h.Verify(rec, httptest.NewRequest(http.MethodPost, "/api/captcha/verify", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	outcome := decodeBody(t, rec)
	assert.Equal(t, true, outcome["success"])

	issued := eventLogger.ByType(context.Background(), events.TypeCaptchaFallbackTriggered, 10)
	assert.NotEmpty(t, issued)
}

func TestCaptchaVerifyWrongAnswerTracksFailure(t *testing.T) {
	s := store.NewMemoryStore()
	eventLogger := events.NewLogger(s, nil, testLogger())
	h := NewCaptchaHandler(captcha.NewChallenger(s, testLogger()), eventLogger, testLogger())

	rec := httptest.NewRecorder()
	h.Create(rec, httptest.NewRequest(http.MethodPost, "/api/captcha", nil))
	challengeID := decodeBody(t, rec)["id"].(string)

	body := fmt.Sprintf(`{"challenge_id":%q,"answer":"never-right"}`, challengeID)
	rec = httptest.NewRecorder()
	h.Verify(rec, httptest.NewRequest(http.MethodPost, "/api/captcha/verify", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	outcome := decodeBody(t, rec)
	assert.Equal(t, false, outcome["success"])

	failed := eventLogger.ByType(context.Background(), events.TypeRecaptchaFailed, 10)
	assert.NotEmpty(t, failed)
}

func TestCaptchaVerifyRejectsMissingFields(t *testing.T) {
	s := store.NewMemoryStore()
	h := NewCaptchaHandler(captcha.NewChallenger(s, testLogger()), events.NewLogger(s, nil, testLogger()), testLogger())

	rec := httptest.NewRecorder()
	h.Verify(rec, httptest.NewRequest(http.MethodPost, "/api/captcha/verify", strings.NewReader(`{"answer":"4"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerificationFlow(t *testing.T) {
	s := store.NewMemoryStore()
	mailer := &recordingMailer{}
	eventLogger := events.NewLogger(s, nil, testLogger())
	h := NewVerificationHandler(verification.NewVerifier(s, mailer, testLogger()), eventLogger, testLogger())

	createBody := `{"email":"user@example.com","action":"email_change","action_data":{"new_email":"new@example.com"}}`
	rec := httptest.NewRecorder()
	h.Create(rec, asUser(httptest.NewRequest(http.MethodPost, "/api/verification", strings.NewReader(createBody)), "user-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	created := decodeBody(t, rec)
	verificationID := created["verification_id"].(string)
	require.NotEmpty(t, verificationID)

	otp := mailer.lastOTP()
	require.Len(t, otp, 6)

	verifyBody := fmt.Sprintf(`{"verification_id":%q,"otp":%q}`, verificationID, otp)
	rec = httptest.NewRecorder()
	h.Verify(rec, asUser(httptest.NewRequest(http.MethodPost, "/api/verification/verify", strings.NewReader(verifyBody)), "user-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	result := decodeBody(t, rec)
	assert.Equal(t, true, result["success"])
	actionData := result["action_data"].(map[string]interface{})
	assert.Equal(t, "new@example.com", actionData["new_email"])
}

func TestVerificationRequiresAuthentication(t *testing.T) {
	s := store.NewMemoryStore()
	h := NewVerificationHandler(verification.NewVerifier(s, &recordingMailer{}, testLogger()), events.NewLogger(s, nil, testLogger()), testLogger())

	rec := httptest.NewRecorder()
	h.Create(rec, httptest.NewRequest(http.MethodPost, "/api/verification", strings.NewReader(`{"email":"a@b.c","action":"email_change"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerificationRejectsUnknownAction(t *testing.T) {
	s := store.NewMemoryStore()
	h := NewVerificationHandler(verification.NewVerifier(s, &recordingMailer{}, testLogger()), events.NewLogger(s, nil, testLogger()), testLogger())

	rec := httptest.NewRecorder()
	body := `{"email":"a@b.c","action":"change_avatar"}`
	h.Create(rec, asUser(httptest.NewRequest(http.MethodPost, "/api/verification", strings.NewReader(body)), "user-1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerificationDuplicateConflicts(t *testing.T) {
	s := store.NewMemoryStore()
	mailer := &recordingMailer{}
	h := NewVerificationHandler(verification.NewVerifier(s, mailer, testLogger()), events.NewLogger(s, nil, testLogger()), testLogger())

	body := `{"email":"user@example.com","action":"account_deletion"}`
	rec := httptest.NewRecorder()
	h.Create(rec, asUser(httptest.NewRequest(http.MethodPost, "/api/verification", strings.NewReader(body)), "user-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.Create(rec, asUser(httptest.NewRequest(http.MethodPost, "/api/verification", strings.NewReader(body)), "user-1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestVerificationCancelAndStatus(t *testing.T) {
	s := store.NewMemoryStore()
	mailer := &recordingMailer{}
	h := NewVerificationHandler(verification.NewVerifier(s, mailer, testLogger()), events.NewLogger(s, nil, testLogger()), testLogger())

	body := `{"email":"user@example.com","action":"2fa_disable"}`
	rec := httptest.NewRecorder()
	h.Create(rec, asUser(httptest.NewRequest(http.MethodPost, "/api/verification", strings.NewReader(body)), "user-1"))
	verificationID := decodeBody(t, rec)["verification_id"].(string)

	rec = httptest.NewRecorder()
	h.Status(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/verification/status?action=2fa_disable", nil), "user-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["pending"])

	cancelBody := fmt.Sprintf(`{"verification_id":%q}`, verificationID)
	rec = httptest.NewRecorder()
	h.Cancel(rec, asUser(httptest.NewRequest(http.MethodPost, "/api/verification/cancel", strings.NewReader(cancelBody)), "user-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.Status(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/verification/status?action=2fa_disable", nil), "user-1"))
	assert.Equal(t, false, decodeBody(t, rec)["pending"])
}

func TestAdminEventsAndResolve(t *testing.T) {
	s := store.NewMemoryStore()
	eventLogger := events.NewLogger(s, nil, testLogger())
	h := NewAdminHandler(eventLogger, reputation.NewChecker("", nil, s, testLogger()), s)

	ctx := context.Background()
	eventID := eventLogger.Log(ctx, events.Event{
		Type:     events.TypeAnomalyDetected,
		IP:       "203.0.113.50",
		Endpoint: "/api/login",
		Severity: events.SeverityHigh,
	})
	require.NotEmpty(t, eventID)

	rec := httptest.NewRecorder()
	h.GetEvents(rec, httptest.NewRequest(http.MethodGet, "/admin/events?severity=high", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])

	resolveBody := fmt.Sprintf(`{"event_id":%q,"notes":"reviewed"}`, eventID)
	rec = httptest.NewRecorder()
	h.ResolveEvent(rec, asUser(httptest.NewRequest(http.MethodPost, "/admin/events/resolve", strings.NewReader(resolveBody)), "admin-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ResolveEvent(rec, httptest.NewRequest(http.MethodPost, "/admin/events/resolve", strings.NewReader(`{"event_id":"missing"}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminHealthCheck(t *testing.T) {
	s := store.NewMemoryStore()
	h := NewAdminHandler(events.NewLogger(s, nil, testLogger()), reputation.NewChecker("", nil, s, testLogger()), s)

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "up", body["store"])
}

func TestAdminIPReputationRequiresIP(t *testing.T) {
	s := store.NewMemoryStore()
	h := NewAdminHandler(events.NewLogger(s, nil, testLogger()), reputation.NewChecker("", nil, s, testLogger()), s)

	rec := httptest.NewRecorder()
	h.GetIPReputation(rec, httptest.NewRequest(http.MethodGet, "/admin/reputation", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
