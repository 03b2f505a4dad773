package llm

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"time"
)

var (
	rateLimitIndicator  = regexp.MustCompile(`(?i)(rate.?limit|usage.?limit|too.?many.?requests|overloaded|\b429\b|\b529\b)`)
	spendLimitIndicator = regexp.MustCompile(`(?i)(spend.?limit|credit|billing|insufficient.?quota|payment|\b402\b)`)
	timeoutIndicator    = regexp.MustCompile(`(?i)(timed?.?out|deadline exceeded)`)
	retrySecondsPattern = regexp.MustCompile(`(?i)retry (?:in|after)\s+(\d+)\s*(?:seconds?|s)`)
	retryAfterHeader    = regexp.MustCompile(`(?i)retry-after:?\s*(\d+)`)
)

// IsRateLimit reports whether an error looks like an HTTP 429 / overload.
func IsRateLimit(err error) bool {
	return err != nil && rateLimitIndicator.MatchString(err.Error())
}

// IsSpendLimit reports whether an error looks like an HTTP 402 / quota
// exhaustion. Spend limits are handled like rate limits but tracked
// separately in health records.
func IsSpendLimit(err error) bool {
	return err != nil && spendLimitIndicator.MatchString(err.Error())
}

// IsTimeout reports whether an error is a timeout, either a context
// deadline or a backend-reported one.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return timeoutIndicator.MatchString(err.Error())
}

// RetryAfter extracts a server-suggested wait from an error message.
// Returns 0 when the message carries no hint.
func RetryAfter(err error) time.Duration {
	if err == nil {
		return 0
	}
	msg := err.Error()
	for _, re := range []*regexp.Regexp{retrySecondsPattern, retryAfterHeader} {
		if m := re.FindStringSubmatch(msg); len(m) > 1 {
			if secs, perr := strconv.Atoi(m[1]); perr == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return 0
}
