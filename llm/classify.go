package llm

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/relaychat/relay/types"
)

// statusPatterns extract an HTTP status code out of free-text error
// messages when no structured code is available. Ordered: the most
// specific shapes win over the bare leading digits.
var statusPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bHTTP\s+(\d{3})\b`),
	regexp.MustCompile(`(?i)\bstatus\s+code:?\s*(\d{3})\b`),
	regexp.MustCompile(`\b(\d{3})\s+[A-Z][A-Za-z]+`),
	regexp.MustCompile(`^\s*(\d{3})\b`),
}

// retryAfterPatterns parse the advised wait out of rate-limit messages.
var retryAfterPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)retry-after:?\s*(\d+)`),
	regexp.MustCompile(`(?i)retry\s+(?:in|after)\s+(\d+)`),
	regexp.MustCompile(`(?i)wait\s+(\d+)\s+seconds?`),
}

// defaultRetryAfter is used when a 429 carries no parseable wait.
const defaultRetryAfter = 60

// networkIndicators mark connectivity-level failures anywhere in an
// error's message or cause chain.
var networkIndicators = []string{
	"no such host",
	"dns",
	"socket",
	"connection refused",
	"connection reset",
	"connection closed",
	"broken pipe",
	"dial tcp",
	"i/o error",
	"network",
	"unreachable",
}

// Classify maps a raw failure onto the closed types.AIError taxonomy.
// First match wins:
//
//  1. request-level timeout signals -> Timeout
//  2. an HTTP-like status code, structured or parsed out of the
//     message text -> Authentication / InvalidRequest / RateLimit /
//     ServiceUnavailable
//  3. network-indicative text in the message or cause chain -> Network
//  4. anything else -> Unknown
//
// An already-classified *types.AIError passes through unchanged, so
// classification happens exactly once at the boundary.
func Classify(err error) *types.AIError {
	if err == nil {
		return nil
	}

	var ae *types.AIError
	if errors.As(err, &ae) {
		return ae
	}

	if isTimeout(err) {
		return types.NewTimeoutError().WithCause(err)
	}

	msg := err.Error()
	if status, ok := extractStatus(err, msg); ok {
		if classified := classifyStatus(status, msg, err); classified != nil {
			return classified
		}
	}

	if isNetwork(err) {
		return types.NewNetworkError(msg).WithCause(err)
	}

	return types.NewUnknownError(err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout") ||
		strings.Contains(strings.ToLower(err.Error()), "timed out")
}

// statusCoder is the structured carrier some raw failures implement.
type statusCoder interface {
	StatusCode() int
}

func extractStatus(err error, msg string) (int, bool) {
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode(), true
	}

	for _, re := range statusPatterns {
		if m := re.FindStringSubmatch(msg); m != nil {
			status, convErr := strconv.Atoi(m[1])
			if convErr == nil && status >= 100 && status < 600 {
				return status, true
			}
		}
	}
	return 0, false
}

func classifyStatus(status int, msg string, cause error) *types.AIError {
	switch status {
	case 401, 403:
		return types.NewAuthenticationError(msg).WithCause(cause).WithHTTPStatus(status)
	case 400:
		return types.NewInvalidRequestError(msg).WithCause(cause)
	case 429:
		return types.NewRateLimitError(parseRetryAfter(msg)).WithCause(cause)
	case 500, 503:
		return types.NewServiceUnavailableError(msg).WithCause(cause).WithHTTPStatus(status)
	default:
		// Unmapped statuses fall through to the remaining rules.
		return nil
	}
}

func parseRetryAfter(msg string) int {
	for _, re := range retryAfterPatterns {
		if m := re.FindStringSubmatch(msg); m != nil {
			if secs, err := strconv.Atoi(m[1]); err == nil && secs > 0 {
				return secs
			}
		}
	}
	return defaultRetryAfter
}

func isNetwork(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	// Walk the cause chain so indicators buried under wrapping match.
	for e := err; e != nil; e = errors.Unwrap(e) {
		lower := strings.ToLower(e.Error())
		for _, indicator := range networkIndicators {
			if strings.Contains(lower, indicator) {
				return true
			}
		}
	}
	return false
}
