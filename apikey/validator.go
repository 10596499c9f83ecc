package apikey

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Header names used by the frontend and admin panel when calling the engine.
const (
	KeyHeader       = "X-API-Key"
	SignatureHeader = "X-API-Signature"
	TimestampHeader = "X-API-Timestamp"
)

// Source identifies which of the two live credentials was presented.
type Source string

const (
	SourceFrontend Source = "frontend"
	SourceAdmin    Source = "admin"
	SourceUnknown  Source = "unknown"
)

// MaxTimestampSkew bounds both clock skew and the replay window for signed
// requests.
const MaxTimestampSkew = 5 * time.Minute

var (
	ErrMissingKey       = errors.New("api key not provided")
	ErrUnknownKey       = errors.New("api key not recognized")
	ErrMissingSignature = errors.New("signature or timestamp not provided")
	ErrBadTimestamp     = errors.New("timestamp invalid")
	ErrStaleTimestamp   = errors.New("timestamp outside allowed window")
	ErrBadSignature     = errors.New("signature mismatch")
)

// Validator authenticates the calling origin. Exactly two credentials are
// live at any time; everything else is rejected outright. Signature checks
// fail closed: any internal error is a rejection, never a bypass.
type Validator struct {
	secret      []byte
	frontendKey string
	adminKey    string
	now         func() time.Time
}

// ValidationResult carries the verdict plus a client-safe error. The error
// never confirms which part of the credential failed beyond what the caller
// needs to retry correctly.
type ValidationResult struct {
	IsValid bool
	Source  Source
	Err     error
}

// NewValidator fails when any credential is missing; running without them
// would silently disable origin authentication.
func NewValidator(secret, frontendKey, adminKey string) (*Validator, error) {
	if secret == "" {
		return nil, errors.New("apikey: signing secret must be configured")
	}
	if frontendKey == "" || adminKey == "" {
		return nil, errors.New("apikey: frontend and admin keys must be configured")
	}
	return &Validator{
		secret:      []byte(secret),
		frontendKey: frontendKey,
		adminKey:    adminKey,
		now:         time.Now,
	}, nil
}

// GenerateKey produces a fresh high-entropy credential for rotation.
func GenerateKey() string {
	buf := make([]byte, 32)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// Validate checks the presented key and, for mutating requests, the
// replay-resistant HMAC signature over key:timestamp:method:path:body.
func (v *Validator) Validate(r *http.Request, requireSignature bool) ValidationResult {
	key := r.Header.Get(KeyHeader)
	if key == "" {
		return ValidationResult{Err: ErrMissingKey}
	}

	source := v.identify(key)
	if source == SourceUnknown {
		return ValidationResult{Err: ErrUnknownKey}
	}

	if !requireSignature {
		return ValidationResult{IsValid: true, Source: source}
	}

	signature := r.Header.Get(SignatureHeader)
	timestampStr := r.Header.Get(TimestampHeader)
	if signature == "" || timestampStr == "" {
		return ValidationResult{Err: ErrMissingSignature}
	}

	timestamp, err := strconv.ParseInt(timestampStr, 10, 64)
	if err != nil {
		return ValidationResult{Err: ErrBadTimestamp}
	}

	skew := v.now().UnixMilli() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxTimestampSkew.Milliseconds() {
		return ValidationResult{Err: ErrStaleTimestamp}
	}

	body, err := readBody(r)
	if err != nil {
		return ValidationResult{Err: ErrBadSignature}
	}

	expected := v.Sign(key, timestamp, r.Method, r.URL.Path, body)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ValidationResult{Err: ErrBadSignature}
	}

	return ValidationResult{IsValid: true, Source: source}
}

// Sign computes the request signature. Exported so clients and tests can
// produce valid headers.
func (v *Validator) Sign(key string, timestamp int64, method, path, body string) string {
	payload := fmt.Sprintf("%s:%d:%s:%s:%s", key, timestamp, method, path, body)
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// ClientHeaders builds the three auth headers for an outbound signed request.
func (v *Validator) ClientHeaders(key, method, path, body string) map[string]string {
	timestamp := v.now().UnixMilli()
	return map[string]string{
		KeyHeader:       key,
		SignatureHeader: v.Sign(key, timestamp, method, path, body),
		TimestampHeader: strconv.FormatInt(timestamp, 10),
	}
}

func (v *Validator) identify(key string) Source {
	if key == v.frontendKey {
		return SourceFrontend
	}
	if key == v.adminKey {
		return SourceAdmin
	}
	return SourceUnknown
}

// readBody drains the request body for signing and restores it so the
// handler downstream can still read it. Only methods that carry a body are
// included in the signature.
func readBody(r *http.Request) (string, error) {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return "", nil
	}
	if r.Body == nil {
		return "", nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return "", err
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))
	return string(data), nil
}
