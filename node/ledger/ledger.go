package ledger

import (
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
)

// Event is a single observed change to a delegator's standing balance.
// Delta is in micro VESTS, positive for a delegation increase, negative for
// a withdrawal. Events are immutable once recorded: the chain history is the
// source of truth and we only ever append newly observed events.
type Event struct {
	Delegator string    `json:"delegator"`
	Delta     int64     `json:"delta"`
	Timestamp time.Time `json:"timestamp"`
}

// IngestStats reports what an Ingest call actually did. Duplicates and
// clamps are data quality signals, not errors.
type IngestStats struct {
	Added      int
	Duplicates int
	// Clamped counts delegators whose history was first observed to fold
	// below zero during this call.
	Clamped int
}

// Ledger holds the full per-delegator event history and derives running
// balances from it. Balances are a pure fold over the events; nothing here
// is authoritative except the events themselves.
type Ledger struct {
	events map[string][]Event
	warned map[string]bool

	// Two events are considered the same observation when they belong to
	// the same delegator, their timestamps differ by at most timeEps and
	// their deltas by at most deltaEps. Overlapping history re-fetches
	// produce exactly this kind of duplicate.
	timeEps  time.Duration
	deltaEps int64
}

// New returns an empty ledger with the given dedup tolerances.
func New(timeEps time.Duration, deltaEps int64) *Ledger {
	return &Ledger{
		events:   make(map[string][]Event),
		warned:   make(map[string]bool),
		timeEps:  timeEps,
		deltaEps: deltaEps,
	}
}

// FromEvents rebuilds a ledger from previously persisted events.
func FromEvents(events map[string][]Event, timeEps time.Duration, deltaEps int64) *Ledger {
	l := New(timeEps, deltaEps)
	for _, evs := range events {
		l.Ingest(evs)
	}
	return l
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func (l *Ledger) isDuplicate(e Event) bool {
	for _, have := range l.events[e.Delegator] {
		dt := e.Timestamp.Sub(have.Timestamp)
		if dt < 0 {
			dt = -dt
		}
		if dt <= l.timeEps && abs64(e.Delta-have.Delta) <= l.deltaEps {
			return true
		}
	}
	return false
}

// Ingest appends new events to the ledger. Input does not need to be sorted.
// Duplicate observations are discarded, which makes ingestion idempotent
// under re-fetches of overlapping history windows.
func (l *Ledger) Ingest(events []Event) IngestStats {
	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var stats IngestStats
	touched := make(map[string]bool)
	for _, e := range sorted {
		if l.isDuplicate(e) {
			stats.Duplicates++
			log.WithFields(log.Fields{
				"delegator": e.Delegator,
				"timestamp": e.Timestamp,
				"delta":     e.Delta,
			}).Debug("discarding duplicate delegation event")
			continue
		}
		evs := append(l.events[e.Delegator], e)
		// Keep the per-delegator history sorted so folds are a single pass.
		sort.SliceStable(evs, func(i, j int) bool {
			return evs[i].Timestamp.Before(evs[j].Timestamp)
		})
		l.events[e.Delegator] = evs
		stats.Added++
		touched[e.Delegator] = true
	}

	// A history that folds below zero means the feed handed us an
	// inconsistent sequence. Survived via the clamp, but warned about here,
	// once per delegator, so balance folds stay silent.
	for delegator := range touched {
		if l.warned[delegator] {
			continue
		}
		if _, clamped := l.fold(delegator); clamped {
			l.warned[delegator] = true
			stats.Clamped++
			log.WithField("delegator", delegator).
				Warn("delegation history folds below zero, clamping balance")
		}
	}
	return stats
}

// fold computes the clamped balance in a single pass and reports whether
// any step clamped.
func (l *Ledger) fold(delegator string) (int64, bool) {
	var balance int64
	var clamped bool
	for _, e := range l.events[delegator] {
		balance += e.Delta
		if balance < 0 {
			balance = 0
			clamped = true
		}
	}
	return balance, clamped
}

// Balance folds a delegator's events into the current standing balance in
// micro VESTS. The balance is clamped at zero after every step; the
// inconsistency behind a clamp is warned about once, at ingest time.
func (l *Ledger) Balance(delegator string) int64 {
	balance, _ := l.fold(delegator)
	return balance
}

// Balances returns the current standing balance of every delegator.
func (l *Ledger) Balances() map[string]int64 {
	out := make(map[string]int64, len(l.events))
	for delegator := range l.events {
		out[delegator] = l.Balance(delegator)
	}
	return out
}

// Delegators returns all delegators ever observed, in no particular order.
func (l *Ledger) Delegators() []string {
	out := make([]string, 0, len(l.events))
	for d := range l.events {
		out = append(out, d)
	}
	return out
}

// Events returns a copy of the stored history, sorted per delegator, in the
// persisted document shape.
func (l *Ledger) Events() map[string][]Event {
	out := make(map[string][]Event, len(l.events))
	for d, evs := range l.events {
		cp := make([]Event, len(evs))
		copy(cp, evs)
		out[d] = cp
	}
	return out
}
