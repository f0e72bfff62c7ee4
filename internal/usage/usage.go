// Package usage implements the Usage Parser & Scorer: tolerant parsing of
// heterogeneous upstream usage payloads and the pure health-status scoring
// function.
package usage

import (
	"encoding/json"
	"math"

	"github.com/almazom/kmi-gateway/internal/gwstate"
)

// Usage is the parsed, normalized view of an upstream usage payload.
type Usage struct {
	RemainingPercent *float64
	Email            string
}

// disagreementThresholdPct is the maximum allowed difference, in
// percentage points, between the remaining_percent path and the
// (used, limit)-derived path before the (used, limit) value wins.
const disagreementThresholdPct = 1.0

// emailKeys are the payload key names searched anywhere in the JSON object
// graph to recover an account email for observability.
var emailKeys = map[string]bool{
	"email": true, "user_email": true, "account_email": true, "account": true,
}

// Parse extracts a Usage from raw upstream JSON. Parsing never fails in a
// way that blocks selection: malformed JSON yields a zero Usage with a
// non-nil error the caller MAY log, but callers should otherwise treat a
// parse failure the same as "no usage data."
func Parse(raw []byte) (Usage, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Usage{}, err
	}

	u := Usage{}
	if email := findEmail(payload); email != "" {
		u.Email = email
	}

	fromDirect, hasDirect := directRemainingPercent(payload)
	fromUsedLimit, hasUsedLimit := usedLimitRemainingPercent(payload)
	fromWindowed, hasWindowed := windowedRemainingPercent(payload)

	switch {
	case hasDirect && hasUsedLimit:
		if math.Abs(fromDirect-fromUsedLimit) > disagreementThresholdPct {
			u.RemainingPercent = &fromUsedLimit
		} else {
			u.RemainingPercent = &fromDirect
		}
	case hasUsedLimit:
		u.RemainingPercent = &fromUsedLimit
	case hasDirect:
		u.RemainingPercent = &fromDirect
	case hasWindowed:
		u.RemainingPercent = &fromWindowed
	}

	return u, nil
}

func directRemainingPercent(payload map[string]interface{}) (float64, bool) {
	if v, ok := numberField(payload, "remaining_percent"); ok {
		return v, true
	}
	return 0, false
}

func usedLimitRemainingPercent(payload map[string]interface{}) (float64, bool) {
	used, hasUsed := numberField(payload, "used")
	limit, hasLimit := numberField(payload, "limit")
	if !hasUsed || !hasLimit || limit <= 0 {
		return 0, false
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining / limit * 100, true
}

// windowedRemainingPercent picks the entry in a "limits" list with the
// largest window (field "window_seconds" or "window"), preferring
// remaining_percent, else (used, limit) within that entry.
func windowedRemainingPercent(payload map[string]interface{}) (float64, bool) {
	raw, ok := payload["limits"]
	if !ok {
		return 0, false
	}
	list, ok := raw.([]interface{})
	if !ok || len(list) == 0 {
		return 0, false
	}

	var best map[string]interface{}
	bestWindow := -1.0
	for _, item := range list {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		window, hasWindow := numberField(entry, "window_seconds")
		if !hasWindow {
			window, hasWindow = numberField(entry, "window")
		}
		if !hasWindow {
			continue
		}
		if window > bestWindow {
			bestWindow = window
			best = entry
		}
	}
	if best == nil {
		return 0, false
	}
	if v, ok := directRemainingPercent(best); ok {
		return v, true
	}
	return usedLimitRemainingPercent(best)
}

func numberField(payload map[string]interface{}, key string) (float64, bool) {
	raw, ok := payload[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func findEmail(node interface{}) string {
	switch v := node.(type) {
	case map[string]interface{}:
		for key, val := range v {
			if emailKeys[key] {
				if s, ok := val.(string); ok && s != "" {
					return s
				}
			}
		}
		for _, val := range v {
			if email := findEmail(val); email != "" {
				return email
			}
		}
	case []interface{}:
		for _, item := range v {
			if email := findEmail(item); email != "" {
				return email
			}
		}
	}
	return ""
}

// Status is a key's health classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusWarn      Status = "warn"
	StatusBlocked   Status = "blocked"
	StatusExhausted Status = "exhausted"
)

// Score classifies a key's health given its parsed usage (nil = unknown),
// KeyState counters, and the current exhausted/blocked wall-clock
// predicates, following the exact predicate order the spec prescribes.
func Score(u *Usage, ks gwstate.KeyState, exhausted, blocked bool) Status {
	switch {
	case blocked:
		return StatusBlocked
	case exhausted:
		return StatusExhausted
	case ks.Err401 > 0:
		return StatusBlocked
	case u != nil && u.RemainingPercent != nil && *u.RemainingPercent <= 0:
		return StatusBlocked
	case ks.Err403 > 0:
		return StatusWarn
	case u == nil:
		return StatusWarn
	case u.RemainingPercent != nil && *u.RemainingPercent < 20:
		return StatusWarn
	case ks.Err429 > 0 || ks.Err5xx > 0 || ks.ErrorRate() >= 0.05:
		return StatusWarn
	default:
		return StatusHealthy
	}
}
