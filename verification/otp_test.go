package verification

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bskmt/risk-engine/store"
)

var otpPattern = regexp.MustCompile(`>(\d{6})<`)

type captureMailer struct {
	to      string
	subject string
	body    string
	fail    bool
	sent    int
}

func (m *captureMailer) Send(ctx context.Context, to, subject, htmlBody string) error {
	if m.fail {
		return errors.New("smtp unreachable")
	}
	m.to = to
	m.subject = subject
	m.body = htmlBody
	m.sent++
	return nil
}

func (m *captureMailer) otp(t *testing.T) string {
	t.Helper()
	match := otpPattern.FindStringSubmatch(m.body)
	require.Len(t, match, 2, "email body carries the 6-digit code")
	return match[1]
}

func newVerifier() (*Verifier, *captureMailer, *store.MemoryStore) {
	s := store.NewMemoryStore()
	m := &captureMailer{}
	return NewVerifier(s, m, nil), m, s
}

func TestCreateSendsOTPAndStoresOnlyHash(t *testing.T) {
	v, m, s := newVerifier()
	ctx := context.Background()

	res, err := v.Create(ctx, "u1", "user@example.com", ActionEmailChange, map[string]interface{}{"new_email": "new@example.com"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotEmpty(t, res.VerificationID)

	assert.Equal(t, "user@example.com", m.to)
	otp := m.otp(t)

	stored, err := s.Get(ctx, store.VerificationKey(res.VerificationID))
	require.NoError(t, err)
	assert.NotContains(t, stored, otp, "plaintext code never persisted")
	assert.Contains(t, stored, hashOTP(otp))
}

func TestCreateRejectsSecondInFlightRequest(t *testing.T) {
	v, _, _ := newVerifier()
	ctx := context.Background()

	first, err := v.Create(ctx, "u1", "user@example.com", ActionEmailChange, nil)
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := v.Create(ctx, "u1", "user@example.com", ActionEmailChange, nil)
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Contains(t, second.Message, "already pending")

	// A different action for the same user is its own slot.
	other, err := v.Create(ctx, "u1", "user@example.com", ActionAccountDeletion, nil)
	require.NoError(t, err)
	assert.True(t, other.Success)
}

func TestCreateRollsBackWhenEmailFails(t *testing.T) {
	v, m, s := newVerifier()
	m.fail = true
	ctx := context.Background()

	res, err := v.Create(ctx, "u1", "user@example.com", ActionEmailChange, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)

	_, err = s.Get(ctx, store.VerificationLookupKey("u1", string(ActionEmailChange)))
	assert.ErrorIs(t, err, store.ErrNil, "no orphaned record after send failure")

	// The slot is free again once mail delivery recovers.
	m.fail = false
	res, err = v.Create(ctx, "u1", "user@example.com", ActionEmailChange, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestVerifyOTPHappyPath(t *testing.T) {
	v, m, _ := newVerifier()
	ctx := context.Background()

	actionData := map[string]interface{}{"new_email": "new@example.com"}
	res, err := v.Create(ctx, "u1", "user@example.com", ActionEmailChange, actionData)
	require.NoError(t, err)

	out, err := v.VerifyOTP(ctx, res.VerificationID, "u1", m.otp(t))
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "new@example.com", out.ActionData["new_email"])

	// Consumed: the same code cannot be replayed.
	out, err = v.VerifyOTP(ctx, res.VerificationID, "u1", m.otp(t))
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, out.Message, "expired or invalid")
}

func TestVerifyOTPRejectsWrongOwner(t *testing.T) {
	v, m, _ := newVerifier()
	ctx := context.Background()

	res, err := v.Create(ctx, "u1", "user@example.com", ActionEmailChange, nil)
	require.NoError(t, err)

	out, err := v.VerifyOTP(ctx, res.VerificationID, "someone-else", m.otp(t))
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, out.Message, "expired or invalid")
}

func TestVerifyOTPAttemptBudget(t *testing.T) {
	v, m, _ := newVerifier()
	ctx := context.Background()

	res, err := v.Create(ctx, "u1", "user@example.com", ActionPasswordChange, nil)
	require.NoError(t, err)

	out, err := v.VerifyOTP(ctx, res.VerificationID, "u1", "000000")
	require.NoError(t, err)
	assert.Contains(t, out.Message, "2 attempts remaining")

	out, err = v.VerifyOTP(ctx, res.VerificationID, "u1", "000000")
	require.NoError(t, err)
	assert.Contains(t, out.Message, "1 attempts remaining")

	out, err = v.VerifyOTP(ctx, res.VerificationID, "u1", "000000")
	require.NoError(t, err)
	assert.Contains(t, out.Message, "too many failed attempts")

	// Record deleted on exhaustion: the correct code is dead too.
	out, err = v.VerifyOTP(ctx, res.VerificationID, "u1", m.otp(t))
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, out.Message, "expired or invalid")
}

func TestVerifyOTPExpiry(t *testing.T) {
	v, m, _ := newVerifier()
	ctx := context.Background()

	res, err := v.Create(ctx, "u1", "user@example.com", ActionEmailChange, nil)
	require.NoError(t, err)

	v.now = func() time.Time { return time.Now().Add(16 * time.Minute) }

	out, err := v.VerifyOTP(ctx, res.VerificationID, "u1", m.otp(t))
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, out.Message, "expired")
}

func TestCancel(t *testing.T) {
	v, _, _ := newVerifier()
	ctx := context.Background()

	res, err := v.Create(ctx, "u1", "user@example.com", Action2FADisable, nil)
	require.NoError(t, err)

	ok, err := v.Cancel(ctx, res.VerificationID, "someone-else")
	require.NoError(t, err)
	assert.False(t, ok, "only the owner can cancel")

	ok, err = v.Cancel(ctx, res.VerificationID, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Slot freed: a new request is accepted immediately.
	res, err = v.Create(ctx, "u1", "user@example.com", Action2FADisable, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestActiveStripsHash(t *testing.T) {
	v, _, _ := newVerifier()
	ctx := context.Background()

	_, err := v.Create(ctx, "u1", "user@example.com", ActionEmailChange, nil)
	require.NoError(t, err)

	req, err := v.Active(ctx, "u1", ActionEmailChange)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Empty(t, req.OTPHash)
	assert.Equal(t, "u1", req.UserID)

	none, err := v.Active(ctx, "u1", ActionAccountDeletion)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestIsVerificationRequired(t *testing.T) {
	assert.True(t, IsVerificationRequired("email_change"))
	assert.True(t, IsVerificationRequired("account_deletion"))
	assert.False(t, IsVerificationRequired("profile_update"))
}
