package hive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hivepool/payoutd/node/conversions"
)

// Operation types we care about in account history.
const (
	OpDelegateVestingShares = "delegate_vesting_shares"
	OpCurationReward        = "curation_reward"
)

// chainTimeLayout is the timestamp format used by the condenser API. The
// chain reports UTC without a zone suffix.
const chainTimeLayout = "2006-01-02T15:04:05"

// GlobalProperties is the subset of get_dynamic_global_properties the
// engine needs: the network-wide share to currency ratio.
type GlobalProperties struct {
	HeadBlockNumber      int64  `json:"head_block_number"`
	Time                 string `json:"time"`
	TotalVestingFundHive string `json:"total_vesting_fund_hive"`
	TotalVestingShares   string `json:"total_vesting_shares"`
}

// Ratio parses the vesting fund (milli HIVE) and total vesting shares
// (micro VESTS) that together define the spot conversion ratio.
func (g *GlobalProperties) Ratio() (fundMilli, sharesMicro int64, err error) {
	fundMilli, err = conversions.ParseHive(g.TotalVestingFundHive)
	if err != nil {
		return 0, 0, fmt.Errorf("total_vesting_fund_hive: %w", err)
	}
	sharesMicro, err = conversions.ParseVests(g.TotalVestingShares)
	if err != nil {
		return 0, 0, fmt.Errorf("total_vesting_shares: %w", err)
	}
	return fundMilli, sharesMicro, nil
}

// DynamicGlobalProperties fetches the current network state.
func (c *Client) DynamicGlobalProperties(ctx context.Context) (*GlobalProperties, error) {
	props := new(GlobalProperties)
	err := c.request(ctx, "condenser_api.get_dynamic_global_properties", []interface{}{}, props)
	if err != nil {
		return nil, err
	}
	return props, nil
}

// Operation is one decoded account history entry.
type Operation struct {
	Index     int64
	TrxID     string
	Timestamp time.Time
	Type      string
	Data      json.RawMessage
}

// DelegateVestingSharesOperation carries the delegator's NEW TOTAL
// delegation to the delegatee, not a delta.
type DelegateVestingSharesOperation struct {
	Delegator     string `json:"delegator"`
	Delegatee     string `json:"delegatee"`
	VestingShares string `json:"vesting_shares"`
}

// CurationRewardOperation is a reward grant to the pool account, in VESTS.
type CurationRewardOperation struct {
	Curator         string `json:"curator"`
	Reward          string `json:"reward"`
	CommentAuthor   string `json:"comment_author"`
	CommentPermlink string `json:"comment_permlink"`
}

// historyEntry is the wire shape of the second element of each
// get_account_history pair.
type historyEntry struct {
	TrxID     string             `json:"trx_id"`
	Timestamp string             `json:"timestamp"`
	Op        [2]json.RawMessage `json:"op"`
}

// AccountHistory fetches up to limit operations ending at index start
// (start = -1 means the most recent operation). Results are ascending by
// index. The condenser API requires limit <= start+1 unless start is -1;
// callers paginate, never assuming any page bound.
func (c *Client) AccountHistory(ctx context.Context, account string, start, limit int64) ([]Operation, error) {
	var raw [][2]json.RawMessage
	err := c.request(ctx, "condenser_api.get_account_history",
		[]interface{}{account, start, limit}, &raw)
	if err != nil {
		return nil, err
	}

	ops := make([]Operation, 0, len(raw))
	for _, pair := range raw {
		var op Operation
		if err := json.Unmarshal(pair[0], &op.Index); err != nil {
			return nil, fmt.Errorf("history index: %w", err)
		}
		var entry historyEntry
		if err := json.Unmarshal(pair[1], &entry); err != nil {
			return nil, fmt.Errorf("history entry %d: %w", op.Index, err)
		}
		if err := json.Unmarshal(entry.Op[0], &op.Type); err != nil {
			return nil, fmt.Errorf("history entry %d op type: %w", op.Index, err)
		}
		op.TrxID = entry.TrxID
		op.Data = entry.Op[1]
		op.Timestamp, err = time.ParseInLocation(chainTimeLayout, entry.Timestamp, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("history entry %d timestamp: %w", op.Index, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// LatestHistoryIndex returns the index of the account's most recent
// operation.
func (c *Client) LatestHistoryIndex(ctx context.Context, account string) (int64, error) {
	ops, err := c.AccountHistory(ctx, account, -1, 1)
	if err != nil {
		return 0, err
	}
	if len(ops) == 0 {
		return 0, fmt.Errorf("empty history response for %s", account)
	}
	return ops[len(ops)-1].Index, nil
}

// VestingDelegation is one live delegation row.
type VestingDelegation struct {
	Delegator     string `json:"delegator"`
	Delegatee     string `json:"delegatee"`
	VestingShares string `json:"vesting_shares"`
}

// VestingDelegations pages through the live delegation list for account,
// starting at the given delegator name ("" for the beginning).
func (c *Client) VestingDelegations(ctx context.Context, account, start string, limit int) ([]VestingDelegation, error) {
	var out []VestingDelegation
	err := c.request(ctx, "condenser_api.get_vesting_delegations",
		[]interface{}{account, start, limit}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Account is the subset of get_accounts used for reward claiming.
type Account struct {
	Name                 string `json:"name"`
	RewardHiveBalance    string `json:"reward_hive_balance"`
	RewardHBDBalance     string `json:"reward_hbd_balance"`
	RewardVestingBalance string `json:"reward_vesting_balance"`
}

// LookupAccount fetches a single account's reward balances.
func (c *Client) LookupAccount(ctx context.Context, name string) (*Account, error) {
	var out []Account
	err := c.request(ctx, "condenser_api.get_accounts", []interface{}{[]string{name}}, &out)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("account not found: %s", name)
	}
	return &out[0], nil
}
