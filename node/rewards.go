package node

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hivepool/payoutd/hive"
	"github.com/hivepool/payoutd/node/conversions"
)

// RewardPool is the accumulated earned reward for one distribution window.
// Vests is the raw on-chain sum kept for diagnostics; Hive is the pool
// converted at the spot ratio current at fetch time. Using the spot ratio
// rather than per-grant historical ratios is an accepted approximation.
type RewardPool struct {
	WindowStart time.Time
	WindowEnd   time.Time

	Vests int64 // micro VESTS
	Hive  int64 // nano HIVE

	FundMilli   int64
	SharesMicro int64
}

// sumCurationRewards pages backwards through account history and sums the
// pool account's curation rewards granted in [start, end).
func (d *Payoutd) sumCurationRewards(ctx context.Context, start, end time.Time) (int64, error) {
	var total int64
	cursor := int64(-1)
	for {
		limit := int64(historyPageSize)
		if cursor != -1 && cursor+1 < limit {
			limit = cursor + 1
		}

		var ops []hive.Operation
		err := d.Hive.Retry(ctx, "get reward history", d.Hive.MaxAttempts, func(ctx context.Context) error {
			var err error
			ops, err = d.Hive.AccountHistory(ctx, d.Account, cursor, limit)
			return err
		})
		if err != nil {
			return 0, err
		}
		if len(ops) == 0 {
			return total, nil
		}

		for i := len(ops) - 1; i >= 0; i-- {
			op := ops[i]
			if op.Timestamp.Before(start) {
				return total, nil
			}
			if op.Type != hive.OpCurationReward || !op.Timestamp.Before(end) {
				continue
			}
			var reward hive.CurationRewardOperation
			if err := json.Unmarshal(op.Data, &reward); err != nil {
				log.WithError(err).WithField("index", op.Index).
					Warn("skipping malformed curation reward")
				continue
			}
			vests, err := conversions.ParseVests(reward.Reward)
			if err != nil {
				log.WithError(err).WithField("index", op.Index).
					Warn("skipping curation reward with bad amount")
				continue
			}
			total += vests
		}

		cursor = ops[0].Index - 1
		if cursor < 0 {
			return total, nil
		}
	}
}

// FetchPool sums the window's curation rewards and converts them to HIVE at
// the current network ratio.
func (d *Payoutd) FetchPool(ctx context.Context, start, end time.Time) (*RewardPool, error) {
	pool := &RewardPool{WindowStart: start, WindowEnd: end}

	var props *hive.GlobalProperties
	err := d.Hive.Retry(ctx, "get global properties", d.Hive.MaxAttempts, func(ctx context.Context) error {
		var err error
		props, err = d.Hive.DynamicGlobalProperties(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	pool.FundMilli, pool.SharesMicro, err = props.Ratio()
	if err != nil {
		return nil, err
	}

	pool.Vests, err = d.sumCurationRewards(ctx, start, end)
	if err != nil {
		return nil, err
	}

	pool.Hive, err = conversions.VestsToHive(pool.Vests, pool.FundMilli, pool.SharesMicro)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"window-start": start,
		"window-end":   end,
		"vests":        conversions.FormatVests(pool.Vests),
		"hive":         conversions.FormatHiveFull(pool.Hive),
	}).Info("reward pool for window")
	return pool, nil
}
