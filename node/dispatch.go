package node

import (
	"context"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hivepool/payoutd/node/conversions"
	"github.com/hivepool/payoutd/node/distribution"
	"github.com/hivepool/payoutd/node/store"
)

// FailedPayment is a payout that exhausted its immediate retries. It lives
// in the durable failed-payment queue until a later run retries it
// successfully or the retry bound is exceeded. The queue is owned
// exclusively by the dispatcher.
type FailedPayment struct {
	Amount        int64     `json:"amount"` // nano HIVE
	FirstFailedAt time.Time `json:"firstfailedat"`
	RetryCount    int       `json:"retrycount"`
	LastError     string    `json:"lasterror"`
}

// FailedQueue maps delegator to their pending failed payouts.
type FailedQueue map[string][]FailedPayment

func (d *Payoutd) loadFailedQueue() (FailedQueue, error) {
	q := make(FailedQueue)
	err := d.Store.Load(store.DocFailedPayouts, &q)
	if err == store.ErrNotFound {
		return q, nil
	}
	return q, err
}

func (d *Payoutd) saveFailedQueue(q FailedQueue) error {
	return d.Store.Save(store.DocFailedPayouts, q)
}

func (d *Payoutd) memo() string {
	return fmt.Sprintf("Thank you for delegating to @%s - %s",
		d.Account, d.now().Format("January 2, 2006"))
}

// sendPayout moves amountNano from the pool account through the retry
// executor. In dry-run mode nothing is broadcast.
func (d *Payoutd) sendPayout(ctx context.Context, to string, amountNano int64, memo string) error {
	if d.DryRun {
		log.WithFields(log.Fields{
			"to":     to,
			"amount": conversions.FormatHive(amountNano),
		}).Info("dry-run: skipping transfer")
		return nil
	}
	operation := fmt.Sprintf("transfer to @%s", to)
	return d.Hive.Retry(ctx, operation, d.Hive.TransferAttempts, func(ctx context.Context) error {
		return d.Broadcast.Transfer(ctx, d.Account, to, amountNano, memo)
	})
}

// DrainFailedQueue retries every queued failed payout. It runs at the start
// of every run, before new allocations are computed. Successful retries are
// deducted from the delegator's carried remainder (the failure that
// enqueued them also restored the full owed amount to the cache). Entries
// that exceed the retry bound are dropped terminally: the amount is removed
// from both the queue and the carried remainder, recorded in the payout log,
// and alerted on. Fund loss is surfaced, never silent.
func (d *Payoutd) DrainFailedQueue(ctx context.Context, cache distribution.Cache, report *RunReport) error {
	if d.DryRun {
		log.Debug("dry-run: failed payout queue untouched")
		return nil
	}
	queue, err := d.loadFailedQueue()
	if err != nil {
		return err
	}
	if len(queue) == 0 {
		log.Debug("no failed payouts to retry")
		return nil
	}

	memo := d.memo()
	remaining := make(FailedQueue)
	for delegator, failures := range queue {
		var kept []FailedPayment
		for _, failure := range failures {
			report.RetriedCount++
			flog := log.WithFields(log.Fields{
				"delegator": delegator,
				"amount":    conversions.FormatHive(failure.Amount),
				"retries":   failure.RetryCount,
			})

			err := d.sendPayout(ctx, delegator, failure.Amount, memo)
			if err == nil {
				report.RetrySucceeded++
				report.Sent += failure.Amount
				flog.Info("queued payout retried successfully")
				if cache[delegator] <= failure.Amount {
					delete(cache, delegator)
				} else {
					cache[delegator] -= failure.Amount
				}
				if err := d.Log.InsertPayout(ctx, d.now(), delegator, failure.Amount, store.KindRetry, memo); err != nil {
					flog.WithError(err).Warn("failed to record retried payout")
				}
				d.Notify.Sendf("Retry successful: %s to @%s",
					conversions.FormatHive(failure.Amount), delegator)
				continue
			}

			failure.RetryCount++
			failure.LastError = err.Error()
			if failure.RetryCount >= d.MaxQueueRetries {
				report.RetryDropped++
				flog.WithError(err).Error("max retries reached for queued payout, giving up")
				// Giving up has to mean exactly that: the dropped amount
				// comes out of the carried remainder too, or the next
				// allocation would re-pay it and re-enqueue on failure,
				// resetting the retry bound forever.
				if cache[delegator] <= failure.Amount {
					delete(cache, delegator)
				} else {
					cache[delegator] -= failure.Amount
				}
				if err := d.Log.InsertPayout(ctx, d.now(), delegator, failure.Amount, store.KindDropped, memo); err != nil {
					flog.WithError(err).Warn("failed to record dropped payout")
				}
				d.Notify.Sendf("ALERT: dropping payout of %s to @%s after %d retries: %s",
					conversions.FormatHive(failure.Amount), delegator, failure.RetryCount, failure.LastError)
				continue
			}
			flog.WithError(err).Warn("queued payout retry failed")
			kept = append(kept, failure)
		}
		if len(kept) > 0 {
			remaining[delegator] = kept
		}
	}

	if err := d.saveFailedQueue(remaining); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"retried":   report.RetriedCount,
		"succeeded": report.RetrySucceeded,
		"dropped":   report.RetryDropped,
		"remaining": len(remaining),
	}).Info("failed payout queue drained")
	return nil
}

// DispatchPayments sends this run's computed payouts. A payment that fails
// after exhausting its immediate retries is never discarded: it is enqueued
// into the failed-payment queue and the delegator's cache entry is restored
// to the full owed amount, not the truncated payment. If the run is
// cancelled mid-dispatch, every not-yet-attempted payment is likewise
// restored, so the persisted cache reflects exactly what was not sent.
func (d *Payoutd) DispatchPayments(ctx context.Context, res *distribution.Result, report *RunReport) error {
	queue, err := d.loadFailedQueue()
	if err != nil {
		return err
	}

	// Deterministic order makes runs reproducible and logs diffable.
	payments := make([]distribution.Payment, len(res.Payments))
	copy(payments, res.Payments)
	sort.Slice(payments, func(i, j int) bool { return payments[i].Delegator < payments[j].Delegator })

	memo := d.memo()
	var cancelled error
	for i, p := range payments {
		if err := ctx.Err(); err != nil {
			for _, rest := range payments[i:] {
				res.Cache[rest.Delegator] = rest.Owed
			}
			cancelled = err
			break
		}

		plog := log.WithFields(log.Fields{
			"delegator": p.Delegator,
			"amount":    conversions.FormatHive(p.Amount),
		})

		if err := d.sendPayout(ctx, p.Delegator, p.Amount, memo); err != nil {
			report.FailedCount++
			plog.WithError(err).Error("payout failed, queuing for retry")
			queue[p.Delegator] = append(queue[p.Delegator], FailedPayment{
				Amount:        p.Amount,
				FirstFailedAt: d.now(),
				LastError:     err.Error(),
			})
			res.Cache[p.Delegator] = p.Owed
			d.Notify.Sendf("Failed payout logged for @%s: %s (%s)",
				p.Delegator, conversions.FormatHive(p.Amount), err)
			continue
		}

		report.SentCount++
		report.Sent += p.Amount
		plog.WithField("remainder", conversions.FormatHiveFull(res.Cache[p.Delegator])).
			Info("payout sent")
		if !d.DryRun {
			if err := d.Log.InsertPayout(ctx, d.now(), p.Delegator, p.Amount, store.KindPayment, memo); err != nil {
				plog.WithError(err).Warn("failed to record payout")
			}
			d.Notify.Sendf("Sent %s to @%s", conversions.FormatHive(p.Amount), p.Delegator)
		}
	}

	if d.DryRun {
		return cancelled
	}
	if err := d.saveFailedQueue(queue); err != nil {
		return err
	}
	return cancelled
}
