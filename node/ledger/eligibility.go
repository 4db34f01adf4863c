package ledger

import (
	"time"
)

// Eligible computes the mature portion of a delegator's balance as of the
// cutoff instant, in micro VESTS.
//
// The walk accumulates the running balance in chronological order. Every
// event at or before the cutoff (ties count as eligible) captures
// max(0, runningBalance) as the candidate. Events after the cutoff keep
// updating the running balance but not the candidate. The final answer is
// capped at the current balance:
//
//	min(candidate, max(0, finalRunningBalance))
//
// so a delegator who fully withdrew after the cutoff is not paid for a
// balance that no longer exists, while one who topped up after the cutoff is
// paid only for the mature portion. The post-walk cap is load bearing; do
// not remove it.
func (l *Ledger) Eligible(delegator string, cutoff time.Time) int64 {
	var running, candidate int64
	for _, e := range l.events[delegator] {
		running += e.Delta
		if !e.Timestamp.After(cutoff) {
			candidate = running
			if candidate < 0 {
				candidate = 0
			}
		}
	}
	if running < 0 {
		running = 0
	}
	if candidate > running {
		candidate = running
	}
	return candidate
}

// EligibleBalances returns every delegator with a nonzero mature balance as
// of the cutoff. The result is derived, never persisted: it is recomputed
// from the event history on every run.
func (l *Ledger) EligibleBalances(cutoff time.Time) map[string]int64 {
	out := make(map[string]int64)
	for delegator := range l.events {
		if v := l.Eligible(delegator, cutoff); v > 0 {
			out[delegator] = v
		}
	}
	return out
}
