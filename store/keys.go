package store

import "fmt"

// Typed key builders. Every component namespaces its keys through one of
// these constructors so two components can never collide on a raw string.

func RateLimitKey(prefix, ipHash, fingerprint string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, ipHash, fingerprint)
}

func RateLimitUserKey(prefix, ipHash, fingerprint, userID string) string {
	return fmt.Sprintf("%s:%s:%s:user:%s", prefix, ipHash, fingerprint, userID)
}

func BehaviorKey(userID string) string {
	return "behavior:" + userID
}

func ReputationKey(ip string) string {
	return "ip:reputation:" + ip
}

func CaptchaKey(challengeID string) string {
	return "captcha:challenge:" + challengeID
}

func CaptchaFailKey(challengeID string) string {
	return "captcha:challenge:" + challengeID + ":fails"
}

func CaptchaFailureCountKey(identifier string) string {
	return "captcha:failures:" + identifier
}

func VerificationKey(verificationID string) string {
	return "verification:id:" + verificationID
}

// VerificationLookupKey is the deterministic per-(user, action) key that
// enforces a single in-flight verification.
func VerificationLookupKey(userID, action string) string {
	return fmt.Sprintf("verification:%s:%s", userID, action)
}

func EventKey(eventID string) string {
	return "security:event:" + eventID
}

func EventTimelineKey() string {
	return "security:events:timeline"
}

func EventTypeKey(eventType string) string {
	return "security:events:type:" + eventType
}

func EventIPKey(ip string) string {
	return "security:events:ip:" + ip
}

func EventSeverityKey(severity string) string {
	return "security:events:severity:" + severity
}
