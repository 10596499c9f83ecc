package verification

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/bskmt/risk-engine/email"
	"github.com/bskmt/risk-engine/store"
)

// Action is a sensitive account mutation that must be confirmed by OTP.
type Action string

const (
	ActionEmailChange     Action = "email_change"
	ActionPasswordChange  Action = "password_change"
	Action2FADisable      Action = "2fa_disable"
	ActionAccountDeletion Action = "account_deletion"
)

const (
	requestTTL  = 15 * time.Minute
	MaxAttempts = 3
)

// ErrUnavailable is returned when the store is down. OTP gates authorization,
// so it fails closed.
var ErrUnavailable = errors.New("verification system unavailable")

// Request is the stored verification record. Only the OTP hash is persisted;
// the plaintext code exists in memory just long enough to be emailed.
type Request struct {
	ID          string                 `json:"id"`
	UserID      string                 `json:"user_id"`
	Email       string                 `json:"email"`
	Action      Action                 `json:"action"`
	OTPHash     string                 `json:"otp_hash"`
	CreatedAt   int64                  `json:"created_at"`
	ExpiresAt   int64                  `json:"expires_at"`
	Attempts    int                    `json:"attempts"`
	MaxAttempts int                    `json:"max_attempts"`
	ActionData  map[string]interface{} `json:"action_data,omitempty"`
}

// CreateResult reports the outcome of starting a verification.
type CreateResult struct {
	Success        bool
	VerificationID string
	Message        string
}

// VerifyResult reports an OTP submission. ActionData is only populated on
// success so the caller can apply the gated mutation exactly once.
type VerifyResult struct {
	Success    bool
	Message    string
	ActionData map[string]interface{}
}

// Verifier issues and checks time-boxed one-time codes for high-risk
// actions, one in-flight verification per (user, action).
type Verifier struct {
	store  store.Store
	mailer email.Mailer
	logger *log.Logger
	now    func() time.Time
}

func NewVerifier(s store.Store, mailer email.Mailer, logger *log.Logger) *Verifier {
	if logger == nil {
		logger = log.Default()
	}
	return &Verifier{store: s, mailer: mailer, logger: logger, now: time.Now}
}

// Create generates an OTP, persists its hash under both a unique id and the
// (user, action) lookup key, and emails the plaintext. A failed send rolls
// the record back so no undeliverable verification lingers.
func (v *Verifier) Create(ctx context.Context, userID, emailAddr string, action Action, actionData map[string]interface{}) (CreateResult, error) {
	lookupKey := store.VerificationLookupKey(userID, string(action))

	if existing, err := v.store.Get(ctx, lookupKey); err == nil {
		var req Request
		if json.Unmarshal([]byte(existing), &req) == nil && v.now().UnixMilli() < req.ExpiresAt {
			return CreateResult{Message: "a verification is already pending, check your email or wait for it to expire"}, nil
		}
	} else if err != store.ErrNil {
		return CreateResult{}, ErrUnavailable
	}

	otp, err := generateOTP()
	if err != nil {
		return CreateResult{}, err
	}

	now := v.now()
	req := Request{
		ID:          uuid.New().String(),
		UserID:      userID,
		Email:       emailAddr,
		Action:      action,
		OTPHash:     hashOTP(otp),
		CreatedAt:   now.UnixMilli(),
		ExpiresAt:   now.Add(requestTTL).UnixMilli(),
		MaxAttempts: MaxAttempts,
		ActionData:  actionData,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return CreateResult{}, err
	}

	idKey := store.VerificationKey(req.ID)
	if err := v.store.SetEx(ctx, idKey, string(data), requestTTL); err != nil {
		return CreateResult{}, ErrUnavailable
	}
	if err := v.store.SetEx(ctx, lookupKey, string(data), requestTTL); err != nil {
		v.store.Del(ctx, idKey)
		return CreateResult{}, ErrUnavailable
	}

	subject := fmt.Sprintf("Security verification: %s", actionLabel(action))
	if err := v.mailer.Send(ctx, emailAddr, subject, otpEmailBody(action, otp)); err != nil {
		v.logger.Printf("verification email to %s failed, rolling back: %v", emailAddr, err)
		v.store.Del(ctx, idKey, lookupKey)
		return CreateResult{Message: "could not send the verification code, try again"}, nil
	}

	return CreateResult{
		Success:        true,
		VerificationID: req.ID,
		Message:        "verification code sent, check your email",
	}, nil
}

// VerifyOTP validates ownership, expiry and the attempt budget before
// comparing hashes. Success and exhaustion both consume the record.
func (v *Verifier) VerifyOTP(ctx context.Context, verificationID, userID, otp string) (VerifyResult, error) {
	idKey := store.VerificationKey(verificationID)

	data, err := v.store.Get(ctx, idKey)
	if err == store.ErrNil {
		return VerifyResult{Message: "verification code expired or invalid"}, nil
	}
	if err != nil {
		return VerifyResult{}, ErrUnavailable
	}

	var req Request
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return VerifyResult{Message: "verification code expired or invalid"}, nil
	}

	lookupKey := store.VerificationLookupKey(req.UserID, string(req.Action))

	if req.UserID != userID {
		// Do not reveal that the id exists for another user.
		return VerifyResult{Message: "verification code expired or invalid"}, nil
	}

	if v.now().UnixMilli() > req.ExpiresAt {
		v.store.Del(ctx, idKey, lookupKey)
		return VerifyResult{Message: "verification code expired, request a new one"}, nil
	}

	if req.Attempts >= req.MaxAttempts {
		v.store.Del(ctx, idKey, lookupKey)
		return VerifyResult{Message: "too many failed attempts, request a new code"}, nil
	}

	if hashOTP(otp) != req.OTPHash {
		req.Attempts++
		remaining := time.Duration(req.ExpiresAt-v.now().UnixMilli()) * time.Millisecond
		if updated, err := json.Marshal(req); err == nil {
			v.store.SetEx(ctx, idKey, string(updated), remaining)
			v.store.SetEx(ctx, lookupKey, string(updated), remaining)
		}
		if req.Attempts >= req.MaxAttempts {
			v.store.Del(ctx, idKey, lookupKey)
			return VerifyResult{Message: "too many failed attempts, request a new code"}, nil
		}
		return VerifyResult{
			Message: fmt.Sprintf("incorrect code, %d attempts remaining", req.MaxAttempts-req.Attempts),
		}, nil
	}

	v.store.Del(ctx, idKey, lookupKey)
	return VerifyResult{
		Success:    true,
		Message:    "code verified",
		ActionData: req.ActionData,
	}, nil
}

// Cancel drops a pending verification if it belongs to the caller.
func (v *Verifier) Cancel(ctx context.Context, verificationID, userID string) (bool, error) {
	idKey := store.VerificationKey(verificationID)

	data, err := v.store.Get(ctx, idKey)
	if err == store.ErrNil {
		return false, nil
	}
	if err != nil {
		return false, ErrUnavailable
	}

	var req Request
	if err := json.Unmarshal([]byte(data), &req); err != nil || req.UserID != userID {
		return false, nil
	}

	if err := v.store.Del(ctx, idKey, store.VerificationLookupKey(req.UserID, string(req.Action))); err != nil {
		return false, ErrUnavailable
	}
	return true, nil
}

// Active returns the pending verification for (user, action) with the hash
// stripped, or nil when none is live.
func (v *Verifier) Active(ctx context.Context, userID string, action Action) (*Request, error) {
	lookupKey := store.VerificationLookupKey(userID, string(action))

	data, err := v.store.Get(ctx, lookupKey)
	if err == store.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, ErrUnavailable
	}

	var req Request
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return nil, nil
	}

	if v.now().UnixMilli() > req.ExpiresAt {
		v.store.Del(ctx, store.VerificationKey(req.ID), lookupKey)
		return nil, nil
	}

	req.OTPHash = ""
	return &req, nil
}

// IsVerificationRequired reports whether an action name is OTP-gated.
func IsVerificationRequired(action string) bool {
	switch Action(action) {
	case ActionEmailChange, ActionPasswordChange, Action2FADisable, ActionAccountDeletion:
		return true
	}
	return false
}

func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

func hashOTP(otp string) string {
	sum := sha256.Sum256([]byte(otp))
	return hex.EncodeToString(sum[:])
}

func actionLabel(action Action) string {
	switch action {
	case ActionEmailChange:
		return "email address change"
	case ActionPasswordChange:
		return "password change"
	case Action2FADisable:
		return "two-factor authentication disable"
	case ActionAccountDeletion:
		return "account deletion"
	}
	return string(action)
}

func otpEmailBody(action Action, otp string) string {
	return fmt.Sprintf(`<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <h2>Security verification</h2>
  <p>You requested the following action:</p>
  <p style="font-weight: bold;">%s</p>
  <p>Enter this code to confirm it:</p>
  <div style="background: #f3f4f6; padding: 20px; text-align: center; border-radius: 8px;">
    <span style="font-size: 32px; font-weight: bold; letter-spacing: 8px;">%s</span>
  </div>
  <p style="color: #6b7280; font-size: 14px;">
    This code expires in 15 minutes.<br>
    If you did not request this action, ignore this email and your account stays safe.
  </p>
</div>`, actionLabel(action), otp)
}
