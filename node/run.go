package node

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hivepool/payoutd/node/conversions"
	"github.com/hivepool/payoutd/node/distribution"
	"github.com/hivepool/payoutd/node/store"
)

// RunReport is the structured summary every run emits.
type RunReport struct {
	RunAt time.Time
	Pool  *RewardPool

	EligibleVests int64
	EligibleCount int

	Sent          int64 // nano HIVE, includes queue retries
	SentCount     int
	DeferredCount int
	FailedCount   int

	RetriedCount   int
	RetrySucceeded int
	RetryDropped   int
}

func (r *RunReport) summary() *store.RunSummary {
	s := &store.RunSummary{
		RunAt:         r.RunAt,
		EligibleVests: r.EligibleVests,
		Sent:          r.Sent,
		SentCount:     r.SentCount,
		DeferredCount: r.DeferredCount,
		FailedCount:   r.FailedCount,
		RetriedCount:  r.RetriedCount,
	}
	if r.Pool != nil {
		s.Pool = r.Pool.Hive
	}
	return s
}

func (d *Payoutd) now() time.Time {
	return time.Now().In(d.Location)
}

// Window returns the reward window for a run at the given instant: the 24
// hours ending at the most recent window-hour boundary.
func (d *Payoutd) Window(now time.Time) (start, end time.Time) {
	end = time.Date(now.Year(), now.Month(), now.Day(), d.WindowHour, 0, 0, 0, d.Location)
	if end.After(now) {
		end = end.AddDate(0, 0, -1)
	}
	return end.AddDate(0, 0, -1), end
}

// Cutoff returns the maturity cutoff: local midnight minus the configured
// number of days. A delegation change must be at or before this instant to
// count toward this cycle.
func (d *Payoutd) Cutoff(now time.Time) time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, d.Location)
	return midnight.AddDate(0, 0, -d.CutoffDays)
}

// Run executes one complete payout cycle:
//
//	pick a live node -> drain the failed-payment queue -> refresh the
//	ledger and the reward pool concurrently -> compute eligible balances
//	-> allocate -> dispatch -> persist the cache, then the summary.
//
// Partial completion is an expected outcome, not a failure mode: dispatch
// is append-only and the cache is persisted to reflect exactly what was not
// sent, so re-running simply retries the unpaid remainder.
func (d *Payoutd) Run(ctx context.Context) (*RunReport, error) {
	report := &RunReport{RunAt: d.now()}
	log.WithFields(log.Fields{
		"account": d.Account,
		"dryrun":  d.DryRun,
	}).Info("starting payout run")

	if err := d.Hive.PickNode(ctx); err != nil {
		return report, err
	}

	if d.ClaimFirst && !d.DryRun {
		err := d.Hive.Retry(ctx, "claim rewards", d.Hive.MaxAttempts, func(ctx context.Context) error {
			return d.Hive.ClaimRewards(ctx, d.Account)
		})
		if err != nil {
			// Unclaimed rewards stay claimable; not worth failing the run.
			log.WithError(err).Warn("reward claim failed, continuing")
		}
	}

	cache, err := d.loadCache()
	if err != nil {
		return report, err
	}
	if err := d.DrainFailedQueue(ctx, cache, report); err != nil {
		return report, err
	}
	if err := d.persistCache(cache); err != nil {
		return report, err
	}

	l, err := d.LoadLedger()
	if err != nil {
		return report, err
	}

	windowStart, windowEnd := d.Window(report.RunAt)

	// The pool fetch and the ledger refresh are independent read paths and
	// run concurrently. All state writes stay on this goroutine.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		report.Pool, err = d.FetchPool(gctx, windowStart, windowEnd)
		return err
	})
	g.Go(func() error {
		return d.RefreshLedger(gctx, l)
	})
	if err := g.Wait(); err != nil {
		return report, err
	}

	cutoff := d.Cutoff(report.RunAt)
	eligible := l.EligibleBalances(cutoff)
	report.EligibleCount = len(eligible)
	for _, v := range eligible {
		report.EligibleVests += v
	}
	log.WithFields(log.Fields{
		"cutoff":     cutoff,
		"delegators": report.EligibleCount,
		"vests":      conversions.FormatVests(report.EligibleVests),
	}).Info("eligible delegations")

	if report.Pool.Hive <= 0 {
		log.Info("nothing to distribute this cycle")
		d.writeSummary(ctx, report)
		return report, nil
	}

	res, err := distribution.Allocate(report.Pool.Hive, eligible, cache, d.RetainedBPS, d.MinPayout)
	if err != nil {
		// A nonzero pool with no one to pay aborts cleanly; nothing has
		// been mutated yet this cycle.
		d.Notify.Sendf("Payout run aborted: %v", err)
		return report, err
	}
	report.DeferredCount = res.Deferred

	dispatchErr := d.DispatchPayments(ctx, res, report)

	// The cache must hit disk before anything else happens, including
	// surfacing a dispatch error: it is the only record of unpaid reward.
	if err := d.persistCache(res.Cache); err != nil {
		return report, err
	}
	if dispatchErr != nil {
		return report, dispatchErr
	}

	d.writeSummary(ctx, report)
	if !d.DryRun {
		d.Notify.Sendf("Payout done: %s distributed to %d delegators (%d deferred, %d failed)",
			conversions.FormatHiveFull(report.Sent), report.SentCount,
			report.DeferredCount, report.FailedCount)
	}
	return report, nil
}

// persistCache is saveCache with the dry-run guard.
func (d *Payoutd) persistCache(cache distribution.Cache) error {
	if d.DryRun {
		log.Debug("dry-run: reward cache not persisted")
		return nil
	}
	return d.saveCache(cache)
}

func (d *Payoutd) writeSummary(ctx context.Context, report *RunReport) {
	summary := report.summary()
	log.WithFields(log.Fields{
		"pool":     conversions.FormatHiveFull(summary.Pool),
		"eligible": conversions.FormatVests(summary.EligibleVests),
		"sent":     conversions.FormatHiveFull(summary.Sent),
		"payments": summary.SentCount,
		"deferred": summary.DeferredCount,
		"failed":   summary.FailedCount,
		"retried":  summary.RetriedCount,
	}).Info("payout run complete")

	if d.DryRun {
		return
	}
	if err := d.Log.InsertRunSummary(ctx, summary); err != nil {
		log.WithError(err).Warn("failed to record run summary")
	}
}

// Schedule runs the payout once per day at the window boundary until the
// context is cancelled. Runs never overlap: the next wait starts only after
// the previous run returns.
func (d *Payoutd) Schedule(ctx context.Context) {
	for {
		now := d.now()
		_, end := d.Window(now)
		next := end.AddDate(0, 0, 1)

		log.WithField("next-run", next).Info("waiting for next payout window")
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}

		if _, err := d.Run(ctx); err != nil {
			log.WithError(err).Error("payout run failed")
			d.Notify.Sendf("Payout run failed: %v", err)
		}
	}
}

// Eligible recomputes the current eligible balances on demand (used by the
// status API). The ledger is read as persisted; no chain refresh happens
// here.
func (d *Payoutd) Eligible() (map[string]int64, time.Time, error) {
	l, err := d.LoadLedger()
	if err != nil {
		return nil, time.Time{}, err
	}
	cutoff := d.Cutoff(d.now())
	return l.EligibleBalances(cutoff), cutoff, nil
}
