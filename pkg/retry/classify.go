// Package retry wraps a single network operation with failure classification
// and bounded exponential backoff.
package retry

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// Class is the outcome category of a completed attempt.
type Class int

const (
	ClassSuccess Class = iota
	ClassTransientNetwork
	ClassTransientServer
	ClassAuthExpired
	// ClassRecoverable is only produced by a caller-supplied Classifier. The
	// engine retries it once, immediately, with Attempt.Recovering set.
	ClassRecoverable
	ClassNonRetryable
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassTransientNetwork:
		return "transient-network"
	case ClassTransientServer:
		return "transient-server"
	case ClassAuthExpired:
		return "auth-expired"
	case ClassRecoverable:
		return "recoverable"
	case ClassNonRetryable:
		return "non-retryable"
	default:
		return "unknown"
	}
}

// Transient reports whether the class is retried with backoff.
func (c Class) Transient() bool {
	return c == ClassTransientNetwork || c == ClassTransientServer
}

// Result is the raw shape of a completed attempt.
type Result struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
	Data       any
}

// Classifier lets a caller classify backend-specific conditions before the
// default rules run. Returning false defers to Classify.
type Classifier func(res *Result, err error) (Class, bool)

// StatusCoder is implemented by backend errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// fatal is implemented by errors that must never be retried, such as
// configuration errors raised while exchanging credentials.
type fatal interface {
	Fatal() bool
}

var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":        true,
	"userRateLimitExceeded":    true,
	"sharingRateLimitExceeded": true,
	"quotaExceeded":            true,
	"backendError":             true,
	"internalError":            true,
}

var throttlingCodes = map[string]bool{
	"SlowDown":                 true,
	"Throttling":               true,
	"ThrottlingException":      true,
	"RequestLimitExceeded":     true,
	"TooManyRequestsException": true,
	"ServiceUnavailable":       true,
	"InternalError":            true,
}

var expiredCodes = map[string]bool{
	"ExpiredToken":          true,
	"ExpiredTokenException": true,
	"RequestExpired":        true,
	"InvalidToken":          true,
}

// Classify applies the default classification rules. Structured errors are
// inspected first; message sniffing is only a fallback.
func Classify(res *Result, err error) Class {
	if err == nil {
		if res != nil && res.Status >= 400 {
			return classifyStatus(res.Status, string(res.Body))
		}
		return ClassSuccess
	}

	var f fatal
	if errors.As(err, &f) && f.Fatal() {
		return ClassNonRetryable
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		for _, item := range gerr.Errors {
			if rateLimitReasons[item.Reason] {
				return ClassTransientServer
			}
			if item.Reason == "authError" {
				return ClassAuthExpired
			}
		}
		return classifyStatus(gerr.Code, gerr.Message+" "+gerr.Body)
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.ErrorCode == "invalid_grant" {
			return ClassAuthExpired
		}
		if rerr.Response != nil {
			return classifyStatus(rerr.Response.StatusCode, string(rerr.Body))
		}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if throttlingCodes[apiErr.ErrorCode()] {
			return ClassTransientServer
		}
		if expiredCodes[apiErr.ErrorCode()] {
			return ClassAuthExpired
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return classifyStatus(respErr.HTTPStatusCode(), respErr.Error())
	}

	var sc StatusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() > 0 {
		return classifyStatus(sc.HTTPStatus(), err.Error())
	}

	if isNetworkError(err) {
		return ClassTransientNetwork
	}

	if res != nil && res.Status >= 400 {
		return classifyStatus(res.Status, string(res.Body))
	}

	return classifyMessage(err.Error())
}

func classifyStatus(status int, body string) Class {
	switch status {
	case http.StatusUnauthorized:
		return ClassAuthExpired
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return ClassTransientServer
	case http.StatusForbidden:
		if isRateLimitText(body) {
			return ClassTransientServer
		}
		return ClassNonRetryable
	}
	if status >= 400 {
		return ClassNonRetryable
	}
	return ClassSuccess
}

func isNetworkError(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func isRateLimitText(s string) bool {
	s = strings.ToLower(s)
	for _, needle := range []string{
		"rate limit", "ratelimit", "quota", "too many requests",
		"user-rate limit", "try again", "service invoked too many times",
	} {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

func classifyMessage(msg string) Class {
	lower := strings.ToLower(msg)
	switch {
	case isRateLimitText(lower),
		strings.Contains(lower, "service unavailable"),
		strings.Contains(lower, "backend error"):
		return ClassTransientServer
	case strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "broken pipe"),
		strings.Contains(lower, "i/o timeout"),
		strings.Contains(lower, "timed out"),
		strings.Contains(lower, "unexpected eof"):
		return ClassTransientNetwork
	case strings.Contains(lower, "invalid_grant"),
		strings.Contains(lower, "token expired"),
		strings.Contains(lower, "invalid credentials"),
		strings.Contains(lower, "unauthenticated"),
		strings.Contains(lower, "refresh token is not set"):
		return ClassAuthExpired
	}
	return ClassNonRetryable
}

// StatusOf extracts the HTTP status carried by a result or error, or 0.
func StatusOf(res *Result, err error) int {
	if res != nil && res.Status > 0 {
		return res.Status
	}
	if err == nil {
		return 0
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		return rerr.Response.StatusCode
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}
