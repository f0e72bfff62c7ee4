// Package rotation implements the Rotation Engine: eligibility, round-robin
// auto-rotation, and resource-scored manual rotation with deterministic
// tie-break reasons.
package rotation

import (
	"fmt"
	"time"

	"github.com/almazom/kmi-gateway/internal/gwstate"
	"github.com/almazom/kmi-gateway/internal/health"
	"github.com/almazom/kmi-gateway/internal/registry"
)

// KeyStateFunc and HealthFunc let callers supply per-label lookups without
// the Rotation Engine needing to know how State/Health store them.
type KeyStateFunc func(label string) gwstate.KeyState
type HealthFunc func(label string) *health.Info

// IsEligible reports whether key may be selected right now, given its
// KeyState and an optional health snapshot (h == nil means "no opinion, do
// not exclude on status").
func IsEligible(cred registry.Credential, ks gwstate.KeyState, now time.Time, h *health.Info) bool {
	if cred.Disabled {
		return false
	}
	if ks.Err401 != 0 {
		return false
	}
	if ks.ExhaustedUntil != nil && now.Before(*ks.ExhaustedUntil) {
		return false
	}
	if ks.BlockedReason != gwstate.BlockReasonNone && (ks.BlockedUntil == nil || now.Before(*ks.BlockedUntil)) {
		return false
	}
	if h != nil && (h.Status == health.StatusBlocked || h.Status == health.StatusExhausted) {
		return false
	}
	return true
}

// Selection is the outcome of a round-robin rotation attempt.
type Selection struct {
	Credential    registry.Credential
	Index         int
	RotationIndex int // new rotation_index to commit
	Found         bool
}

// SelectRoundRobin implements the two-pass auto-rotation selector.
// healthOf may be nil, in which case only the fallback pass runs (no
// healthy-status preference is possible without health data).
func SelectRoundRobin(reg *registry.Registry, rotationIndex int, now time.Time, keyStateOf KeyStateFunc, healthOf HealthFunc) Selection {
	n := reg.Len()
	if n == 0 {
		return Selection{}
	}
	start := ((rotationIndex % n) + n) % n

	if healthOf != nil {
		for i := 0; i < n; i++ {
			idx := (start + i) % n
			cred := reg.At(idx)
			ks := keyStateOf(cred.Label)
			h := healthOf(cred.Label)
			if !IsEligible(cred, ks, now, h) {
				continue
			}
			if h != nil && h.Status == health.StatusHealthy {
				return Selection{Credential: cred, Index: idx, RotationIndex: (idx + 1) % n, Found: true}
			}
		}
	}

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		cred := reg.At(idx)
		ks := keyStateOf(cred.Label)
		var h *health.Info
		if healthOf != nil {
			h = healthOf(cred.Label)
		}
		if !IsEligible(cred, ks, now, h) {
			continue
		}
		return Selection{Credential: cred, Index: idx, RotationIndex: (idx + 1) % n, Found: true}
	}

	return Selection{}
}

// statusRank orders health statuses for the manual scoring tuple: lower is
// better. A nil health pointer (no data) ranks with "other".
func statusRank(h *health.Info) int {
	if h == nil {
		return 2
	}
	switch h.Status {
	case health.StatusHealthy:
		return 0
	case health.StatusWarn:
		return 1
	default:
		return 2
	}
}

func remainingPercentOrDefault(h *health.Info) float64 {
	if h == nil || h.Usage == nil || h.Usage.RemainingPercent == nil {
		return 1.0
	}
	return *h.Usage.RemainingPercent / 100
}

func remainingPercentKnown(h *health.Info) (float64, bool) {
	if h == nil || h.Usage == nil || h.Usage.RemainingPercent == nil {
		return 0, false
	}
	return *h.Usage.RemainingPercent, true
}

type scoreTuple struct {
	statusRank int
	negRemain  float64
	errorRate  float64
}

func scoreLess(a, b scoreTuple) bool {
	if a.statusRank != b.statusRank {
		return a.statusRank < b.statusRank
	}
	if a.negRemain != b.negRemain {
		return a.negRemain < b.negRemain
	}
	return a.errorRate < b.errorRate
}

func scoreEqual(a, b scoreTuple) bool {
	return a.statusRank == b.statusRank && a.negRemain == b.negRemain && a.errorRate == b.errorRate
}

func scoreOf(ks gwstate.KeyState, h *health.Info) scoreTuple {
	return scoreTuple{
		statusRank: statusRank(h),
		negRemain:  -remainingPercentOrDefault(h),
		errorRate:  ks.ErrorRate(),
	}
}

// candidate is an eligible key under manual-rotation consideration.
type candidate struct {
	idx   int
	cred  registry.Credential
	ks    gwstate.KeyState
	h     *health.Info
	score scoreTuple
}

// ManualResult is the outcome of rotate_manual.
type ManualResult struct {
	Credential   registry.Credential
	Index        int
	Rotated      bool
	Reason       string
	NoCandidates bool
}

// RotateManual implements the resource-scored manual rotation, including
// the deterministic stay-reason strings used by the UI.
func RotateManual(reg *registry.Registry, activeIndex int, now time.Time, preferNextOnTie bool, keyStateOf KeyStateFunc, healthOf HealthFunc) ManualResult {
	n := reg.Len()
	if n == 0 {
		return ManualResult{NoCandidates: true}
	}

	var candidates []candidate
	for i := 0; i < n; i++ {
		cred := reg.At(i)
		ks := keyStateOf(cred.Label)
		var h *health.Info
		if healthOf != nil {
			h = healthOf(cred.Label)
		}
		if !IsEligible(cred, ks, now, h) {
			continue
		}
		candidates = append(candidates, candidate{idx: i, cred: cred, ks: ks, h: h, score: scoreOf(ks, h)})
	}
	if len(candidates) == 0 {
		return ManualResult{NoCandidates: true}
	}

	best := candidates[0].score
	for _, c := range candidates[1:] {
		if scoreLess(c.score, best) {
			best = c.score
		}
	}

	var bestCandidates []candidate
	for _, c := range candidates {
		if scoreEqual(c.score, best) {
			bestCandidates = append(bestCandidates, c)
		}
	}

	currentIsBest := false
	var currentCand candidate
	for _, c := range bestCandidates {
		if c.idx == activeIndex {
			currentIsBest = true
			currentCand = c
			break
		}
	}

	if currentIsBest {
		if preferNextOnTie && len(bestCandidates) > 1 {
			next := nextBestAfter(bestCandidates, activeIndex)
			return ManualResult{Credential: next.cred, Index: next.idx, Rotated: true, Reason: "Tie for best; rotating to next."}
		}

		runner := bestNonCurrentRunner(candidates, activeIndex)
		reason := stayReason(currentCand, runner)
		return ManualResult{Credential: currentCand.cred, Index: activeIndex, Rotated: false, Reason: reason}
	}

	winner := bestCandidates[0]
	for _, c := range bestCandidates[1:] {
		if c.idx < winner.idx {
			winner = c
		}
	}
	return ManualResult{Credential: winner.cred, Index: winner.idx, Rotated: true}
}

// nextBestAfter returns the best-candidate entry that follows activeIndex
// in registry order, wrapping around; bestCandidates has at least 2 entries.
func nextBestAfter(bestCandidates []candidate, activeIndex int) candidate {
	var after []candidate
	var before []candidate
	for _, c := range bestCandidates {
		if c.idx > activeIndex {
			after = append(after, c)
		} else if c.idx < activeIndex {
			before = append(before, c)
		}
	}
	if len(after) > 0 {
		next := after[0]
		for _, c := range after[1:] {
			if c.idx < next.idx {
				next = c
			}
		}
		return next
	}
	next := before[0]
	for _, c := range before[1:] {
		if c.idx < next.idx {
			next = c
		}
	}
	return next
}

func bestNonCurrentRunner(candidates []candidate, activeIndex int) *candidate {
	var runner *candidate
	for i := range candidates {
		c := &candidates[i]
		if c.idx == activeIndex {
			continue
		}
		if runner == nil || scoreLess(c.score, runner.score) || (scoreEqual(c.score, runner.score) && c.idx < runner.idx) {
			runner = c
		}
	}
	return runner
}

func stayReason(current candidate, runner *candidate) string {
	if runner == nil {
		return fmt.Sprintf("Current key already ranks best (status=%s).", statusName(current.h))
	}

	currentRemain, currentKnown := remainingPercentKnown(current.h)
	runnerRemain, runnerKnown := remainingPercentKnown(runner.h)

	if scoreEqual(current.score, runner.score) {
		if currentKnown {
			return fmt.Sprintf("Current key ties for best remaining quota (%s%%). Keeping current over %s.", formatPct(currentRemain), runner.cred.Label)
		}
		return fmt.Sprintf("Current key ties for best score. Keeping current over %s.", runner.cred.Label)
	}

	if currentKnown && runnerKnown {
		return fmt.Sprintf("Current key has higher remaining quota (%s%%), next best %s has %s%%.", formatPct(currentRemain), runner.cred.Label, formatPct(runnerRemain))
	}

	currentErr := current.ks.ErrorRate()
	runnerErr := runner.ks.ErrorRate()
	if currentErr != runnerErr {
		return fmt.Sprintf("Current key has lower error rate (%s%%), next best %s has %s%%.", formatPct(currentErr*100), runner.cred.Label, formatPct(runnerErr*100))
	}

	if statusName(current.h) != statusName(runner.h) {
		return fmt.Sprintf("Current key has better status (%s), next best %s has (%s).", statusName(current.h), runner.cred.Label, statusName(runner.h))
	}

	return fmt.Sprintf("Current key already ranks best (status=%s).", statusName(current.h))
}

func formatPct(v float64) string {
	return fmt.Sprintf("%.0f", v)
}

func statusName(h *health.Info) string {
	if h == nil {
		return "unknown"
	}
	return string(h.Status)
}
