package node

import (
	"context"
	"encoding/json"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/hivepool/payoutd/hive"
	"github.com/hivepool/payoutd/node/conversions"
	"github.com/hivepool/payoutd/node/ledger"
	"github.com/hivepool/payoutd/node/store"
)

// historyPageSize is a request size, not an assumption: paging continues
// until the history is exhausted regardless of what the node returns.
const historyPageSize = 1000

// ledgerSync tracks how far into the account history the ledger has been
// built.
type ledgerSync struct {
	LastIndex int64 `json:"lastindex"`
}

// LoadLedger rebuilds the in-memory ledger from the persisted event
// history.
func (d *Payoutd) LoadLedger() (*ledger.Ledger, error) {
	events := make(map[string][]ledger.Event)
	err := d.Store.Load(store.DocLedger, &events)
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}
	return ledger.FromEvents(events, d.DedupEpsilon, 1), nil
}

func (d *Payoutd) saveLedger(l *ledger.Ledger) error {
	return d.Store.Save(store.DocLedger, l.Events())
}

// fetchHistorySince pages backwards through the pool account's history
// until it reaches operations at or below the since index, and returns
// everything newer in ascending order.
func (d *Payoutd) fetchHistorySince(ctx context.Context, since int64) ([]hive.Operation, error) {
	var latest int64
	err := d.Hive.Retry(ctx, "get latest history index", d.Hive.MaxAttempts, func(ctx context.Context) error {
		var err error
		latest, err = d.Hive.LatestHistoryIndex(ctx, d.Account)
		return err
	})
	if err != nil {
		return nil, err
	}
	if latest <= since {
		return nil, nil
	}

	var all []hive.Operation
	cursor := latest
	for cursor > since {
		limit := int64(historyPageSize)
		if cursor+1 < limit {
			// The condenser API rejects limit > start+1.
			limit = cursor + 1
		}

		var ops []hive.Operation
		err := d.Hive.Retry(ctx, "get account history", d.Hive.MaxAttempts, func(ctx context.Context) error {
			var err error
			ops, err = d.Hive.AccountHistory(ctx, d.Account, cursor, limit)
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(ops) == 0 {
			break
		}

		for _, op := range ops {
			if op.Index > since {
				all = append(all, op)
			}
		}
		cursor = ops[0].Index - 1
		if cursor < 0 {
			break
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Index < all[j].Index })
	return all, nil
}

// RefreshLedger brings the delegation ledger up to date with the chain and
// persists it. Delegation operations carry the delegator's new TOTAL, so
// each one is turned into a delta against the running total already in the
// ledger before ingestion.
//
// A store that has never seen the chain is bootstrapped from the live
// delegation list instead of replaying the account's entire history.
func (d *Payoutd) RefreshLedger(ctx context.Context, l *ledger.Ledger) error {
	var sync ledgerSync
	err := d.Store.Load(store.DocLedgerSync, &sync)
	if err == store.ErrNotFound {
		return d.BootstrapLedger(ctx, l)
	}
	if err != nil {
		return err
	}

	ops, err := d.fetchHistorySince(ctx, sync.LastIndex)
	if err != nil {
		return err
	}

	totals := l.Balances()
	var events []ledger.Event
	for _, op := range ops {
		if op.Index > sync.LastIndex {
			sync.LastIndex = op.Index
		}
		if op.Type != hive.OpDelegateVestingShares {
			continue
		}

		var del hive.DelegateVestingSharesOperation
		if err := json.Unmarshal(op.Data, &del); err != nil {
			log.WithError(err).WithField("index", op.Index).
				Warn("skipping malformed delegation operation")
			continue
		}
		if del.Delegatee != d.Account {
			continue
		}
		newTotal, err := conversions.ParseVests(del.VestingShares)
		if err != nil {
			log.WithError(err).WithField("index", op.Index).
				Warn("skipping delegation operation with bad amount")
			continue
		}

		delta := newTotal - totals[del.Delegator]
		if delta == 0 {
			continue
		}
		totals[del.Delegator] = newTotal
		events = append(events, ledger.Event{
			Delegator: del.Delegator,
			Delta:     delta,
			Timestamp: op.Timestamp,
		})
	}

	stats := l.Ingest(events)
	if stats.Added > 0 || stats.Duplicates > 0 {
		log.WithFields(log.Fields{
			"added":      stats.Added,
			"duplicates": stats.Duplicates,
		}).Info("delegation ledger updated")
	}

	if err := d.saveLedger(l); err != nil {
		return err
	}
	return d.Store.Save(store.DocLedgerSync, &sync)
}

// BootstrapLedger seeds a fresh ledger from the live delegation list. The
// balances are real but their timestamps are "now", so freshly bootstrapped
// delegations mature like any new delegation would.
func (d *Payoutd) BootstrapLedger(ctx context.Context, l *ledger.Ledger) error {
	var latest int64
	err := d.Hive.Retry(ctx, "get latest history index", d.Hive.MaxAttempts, func(ctx context.Context) error {
		var err error
		latest, err = d.Hive.LatestHistoryIndex(ctx, d.Account)
		return err
	})
	if err != nil {
		return err
	}

	totals := l.Balances()
	var events []ledger.Event
	start := ""
	for {
		var rows []hive.VestingDelegation
		err := d.Hive.Retry(ctx, "get vesting delegations", d.Hive.MaxAttempts, func(ctx context.Context) error {
			var err error
			rows, err = d.Hive.VestingDelegations(ctx, d.Account, start, historyPageSize)
			return err
		})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			if row.Delegator == start {
				continue // pagination overlap
			}
			total, err := conversions.ParseVests(row.VestingShares)
			if err != nil {
				log.WithError(err).WithField("delegator", row.Delegator).
					Warn("skipping delegation row with bad amount")
				continue
			}
			if delta := total - totals[row.Delegator]; delta != 0 {
				events = append(events, ledger.Event{
					Delegator: row.Delegator,
					Delta:     delta,
					Timestamp: d.now(),
				})
			}
		}
		if len(rows) < historyPageSize {
			break
		}
		start = rows[len(rows)-1].Delegator
	}

	stats := l.Ingest(events)
	log.WithFields(log.Fields{
		"delegators": len(events),
		"added":      stats.Added,
	}).Info("delegation ledger bootstrapped from live delegations")

	if err := d.saveLedger(l); err != nil {
		return err
	}
	return d.Store.Save(store.DocLedgerSync, &ledgerSync{LastIndex: latest})
}
