package distribution

import (
	"errors"
	"math/big"

	"github.com/hivepool/payoutd/node/conversions"
)

// ErrNoEligible is returned when a nonzero pool has no one to pay. The pool
// for that cycle is not distributed. The caller decides whether that aborts
// the run.
var ErrNoEligible = errors.New("no eligible delegations for this cycle")

// Cache is the per-delegator carried remainder in nano HIVE: reward already
// earned but not yet sent because it fell under the minimum payout. This is
// the one piece of state that must survive every run with strict continuity.
type Cache map[string]int64

// Copy returns a deep copy of the cache.
func (c Cache) Copy() Cache {
	out := make(Cache, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Total sums the carried remainders.
func (c Cache) Total() int64 {
	var t int64
	for _, v := range c {
		t += v
	}
	return t
}

// Payment is one computed payout, already truncated to the payable
// precision. Owed is the full pre-truncation amount; if the send fails the
// cache entry must be restored to Owed, not Amount.
type Payment struct {
	Delegator string
	Amount    int64 // nano HIVE, multiple of the payout quantum
	Owed      int64 // nano HIVE, cache + accrued before truncation
}

// Result is the outcome of one allocation pass.
type Result struct {
	Payments []Payment
	Cache    Cache // updated carried remainders
	Deferred int   // delegators whose owed total stayed under the minimum

	Distributable int64 // 95% share of the pool actually allocated, nano HIVE
	Retained      int64 // the pool account's retained share, nano HIVE
	Dust          int64 // integer division dust, stays with the pool account
}

// Allocate splits poolNano proportionally across the eligible balances,
// carrying prior remainders and enforcing the minimum payout.
//
// retainedBPS is the pool account's cut in basis points (500 = 5%).
// minPayout is in nano HIVE.
//
// For each delegator: accrued = distributable * eligible / totalEligible
// (big.Int, multiply before divide), owed = cache + accrued. At or above the
// minimum the owed amount is floored to the payable precision and the
// sub-precision remainder goes back into the cache; below the minimum the
// whole owed amount is deferred. Nothing is created or destroyed here:
// every nano of the distributable pool ends up in a payment, the updated
// cache, or the reported dust.
func Allocate(poolNano int64, eligible map[string]int64, cache Cache, retainedBPS, minPayout int64) (*Result, error) {
	res := &Result{Cache: cache.Copy()}

	res.Retained = poolNano * retainedBPS / 10000
	res.Distributable = poolNano - res.Retained

	var totalEligible int64
	for _, v := range eligible {
		totalEligible += v
	}
	if totalEligible == 0 {
		if poolNano > 0 {
			return res, ErrNoEligible
		}
		return res, nil
	}

	dist := big.NewInt(res.Distributable)
	total := big.NewInt(totalEligible)

	var allocated int64
	for delegator, vests := range eligible {
		accrued := new(big.Int).Mul(dist, big.NewInt(vests))
		accrued.Div(accrued, total)
		share := accrued.Int64()
		allocated += share

		owed := res.Cache[delegator] + share
		if owed < minPayout {
			res.Cache[delegator] = owed
			res.Deferred++
			continue
		}

		amount, remainder := conversions.TruncateToMilli(owed)
		if amount == 0 {
			// minPayout below one payout quantum; treat as deferred.
			res.Cache[delegator] = owed
			res.Deferred++
			continue
		}
		res.Payments = append(res.Payments, Payment{
			Delegator: delegator,
			Amount:    amount,
			Owed:      owed,
		})
		if remainder == 0 {
			delete(res.Cache, delegator)
		} else {
			res.Cache[delegator] = remainder
		}
	}

	// Per-delegator floor division loses at most one nano each.
	res.Dust = res.Distributable - allocated
	return res, nil
}
