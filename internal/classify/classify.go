// Package classify decides whether a failed AI or network call is worth retrying.
//
// Typed signals (genai.APIError status codes, context deadlines, net and
// syscall errors) are checked first. Errors without structure fall back to
// message heuristics, where quota patterns are matched before generic
// transient ones because providers report both as "429"-like text.
package classify

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"google.golang.org/genai"
)

type Class int

const (
	Unknown Class = iota
	RateLimited
	Transient
	QuotaExhausted
	InvalidCredentials
	ValidationFailed
)

func (c Class) String() string {
	switch c {
	case RateLimited:
		return "rate_limited"
	case Transient:
		return "transient"
	case QuotaExhausted:
		return "quota_exhausted"
	case InvalidCredentials:
		return "invalid_credentials"
	case ValidationFailed:
		return "validation_failed"
	default:
		return "unknown"
	}
}

// ParseClass maps a stored error code back to its Class.
func ParseClass(code string) Class {
	for c := RateLimited; c <= ValidationFailed; c++ {
		if c.String() == code {
			return c
		}
	}

	return Unknown
}

// Recoverable reports whether retrying the same operation may succeed.
func (c Class) Recoverable() bool {
	return c == RateLimited || c == Transient
}

// Status codes only count as whole tokens so ids and offsets inside a
// message do not change its class.
var (
	quotaCodes      = regexp.MustCompile(`\b402\b`)
	rateLimitCodes  = regexp.MustCompile(`\b429\b`)
	transientCodes  = regexp.MustCompile(`\b50[0234]\b`)
	credentialCodes = regexp.MustCompile(`\b40[13]\b`)
	validationCodes = regexp.MustCompile(`\b400\b`)
)

var (
	quotaPatterns = []string{
		"quota exceeded",
		"exceeded your current quota",
		"insufficient quota",
		"insufficient_quota",
		"billing",
		"insufficient credit",
		"credit balance",
		"payment required",
	}
	rateLimitPatterns = []string{
		"too many requests",
		"rate limit",
	}
	transientPatterns = []string{
		"internal server error",
		"bad gateway",
		"service unavailable",
		"gateway timeout",
		"timeout",
		"timed out",
		"deadline exceeded",
		"econnreset",
		"econnrefused",
		"connection reset",
		"connection refused",
		"network error",
		"socket hang up",
	}
	credentialPatterns = []string{
		"unauthorized",
		"forbidden",
		"permission denied",
		"api key not valid",
		"invalid api key",
	}
	validationPatterns = []string{
		"bad request",
		"validation",
		"schema",
		"invalid argument",
		"malformed",
	}
)

func Classify(err error) Class {
	if err == nil {
		return Unknown
	}

	if c, ok := classifyAPIError(err); ok {
		return c
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}

	return ClassifyMessage(err.Error())
}

// ClassifyMessage applies the string heuristics only.
func ClassifyMessage(msg string) Class {
	m := strings.ToLower(msg)

	switch {
	case quotaCodes.MatchString(m) || containsAny(m, quotaPatterns):
		return QuotaExhausted
	case rateLimitCodes.MatchString(m) || containsAny(m, rateLimitPatterns):
		return RateLimited
	case transientCodes.MatchString(m) || containsAny(m, transientPatterns):
		return Transient
	case credentialCodes.MatchString(m) || containsAny(m, credentialPatterns):
		return InvalidCredentials
	case validationCodes.MatchString(m) || containsAny(m, validationPatterns):
		return ValidationFailed
	default:
		return Unknown
	}
}

func IsQuotaExhausted(err error) bool {
	return Classify(err) == QuotaExhausted
}

// UserMessage is the remediation hint shown next to a failed task.
func UserMessage(c Class) string {
	switch c {
	case RateLimited, Transient:
		return "The AI service is temporarily unavailable. Try again in a few minutes."
	case QuotaExhausted:
		return "The AI usage quota is exhausted. Add credits to your account before trying again."
	case InvalidCredentials:
		return "The AI service rejected our credentials. Contact support."
	case ValidationFailed:
		return "The request could not be processed. Check the uploaded data and start a new request."
	default:
		return "An unexpected error occurred."
	}
}

func classifyAPIError(err error) (Class, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.Code, apiErr.Status+" "+apiErr.Message), true
	}

	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return classifyStatus(apiErrPtr.Code, apiErrPtr.Status+" "+apiErrPtr.Message), true
	}

	return Unknown, false
}

func classifyStatus(code int, msg string) Class {
	switch code {
	case 402:
		return QuotaExhausted
	case 429:
		if containsAny(strings.ToLower(msg), quotaPatterns) {
			return QuotaExhausted
		}
		return RateLimited
	case 500, 502, 503, 504:
		return Transient
	case 401, 403:
		return InvalidCredentials
	case 400, 404, 422:
		return ValidationFailed
	}

	return ClassifyMessage(strconv.Itoa(code) + " " + msg)
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}

	return false
}
