// Package classify implements the Error Classifier as a sum type of
// outcomes over (status, body), rather than scattered conditionals, so the
// mapping can be enumerated by tests.
package classify

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Outcome enumerates what a classified response does to the selected key's
// state.
type Outcome int

const (
	// OutcomeOk applies no cooldown; record_request still runs.
	OutcomeOk Outcome = iota
	// OutcomeExhaust marks the key exhausted for a duration.
	OutcomeExhaust
	// OutcomeBlock marks the key blocked, with a reason, for a duration
	// (<=0 duration means indefinite).
	OutcomeBlock
)

// BlockReason mirrors gwstate.BlockReason's values without importing that
// package, keeping the classifier's sum type dependency-free and testable
// in isolation.
type BlockReason string

const (
	BlockReasonNone            BlockReason = ""
	BlockReasonAuth            BlockReason = "auth"
	BlockReasonPaymentRequired BlockReason = "payment_required"
)

// Result is the classifier's verdict for one response.
type Result struct {
	Outcome  Outcome
	Reason   BlockReason
	Duration time.Duration
	// ErrorCode, when non-empty, is the named error code for this outcome
	// (e.g. "payment_required"); empty means the numeric status stands
	// alone. The pipeline does not read it: its trace entries take their
	// error code from the response status.
	ErrorCode string
}

// defaultPaymentTokens are the spec's named billing-related substrings,
// checked case-insensitively against the response body. Configurable via
// Config.ExtraPaymentTokens.
var defaultPaymentTokens = []string{
	"payment", "billing", "insufficient quota", "balance", "余额不足",
}

// Config carries the cooldown durations and extensible token list the
// Classifier needs; these come from the gateway's own configuration.
type Config struct {
	RotationCooldownSeconds int
	PaymentBlockSeconds     int
	ExtraPaymentTokens      []string
}

// Classify maps one upstream response to an Outcome. retryAfterHeader is
// the raw Retry-After header value (may be empty); now is used to resolve
// an HTTP-date Retry-After into a duration.
func Classify(status int, body []byte, retryAfterHeader string, now time.Time, cfg Config) Result {
	switch {
	case status >= 200 && status < 400:
		return Result{Outcome: OutcomeOk}

	case status == 401:
		return Result{Outcome: OutcomeOk} // record_request's own err_401 counter does the invalidation

	case status == 402 || isPaymentRelated(body, cfg.ExtraPaymentTokens):
		return Result{
			Outcome:   OutcomeBlock,
			Reason:    BlockReasonPaymentRequired,
			Duration:  secondsOrIndefinite(cfg.PaymentBlockSeconds),
			ErrorCode: "payment_required",
		}

	case status == 403:
		return Result{
			Outcome:  OutcomeExhaust,
			Duration: time.Duration(cfg.RotationCooldownSeconds) * time.Second,
		}

	case status == 429:
		d := parseRetryAfter(retryAfterHeader, now)
		if d <= 0 {
			d = time.Duration(cfg.RotationCooldownSeconds) * time.Second
		}
		return Result{Outcome: OutcomeExhaust, Duration: d, ErrorCode: "rate_limited"}

	case status >= 500 && status <= 599:
		cooldown := cfg.RotationCooldownSeconds
		if cooldown > 60 {
			cooldown = 60
		}
		return Result{Outcome: OutcomeExhaust, Duration: time.Duration(cooldown) * time.Second, ErrorCode: "upstream_error"}

	default:
		return Result{Outcome: OutcomeOk}
	}
}

func secondsOrIndefinite(seconds int) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func isPaymentRelated(body []byte, extra []string) bool {
	if len(body) == 0 {
		return false
	}
	lower := strings.ToLower(string(body))
	for _, token := range defaultPaymentTokens {
		if strings.Contains(lower, strings.ToLower(token)) {
			return true
		}
	}
	for _, token := range extra {
		if token == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(token)) {
			return true
		}
	}
	return false
}

// parseRetryAfter parses a Retry-After header as either an integer number
// of seconds or an HTTP-date, returning 0 if absent or unparsable.
func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		d := t.Sub(now)
		if d < 0 {
			return 0
		}
		return d
	}
	return 0
}
