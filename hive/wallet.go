package hive

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/hivepool/payoutd/node/conversions"
)

// Transfer broadcasts a HIVE transfer through the signing wallet. The
// amount is nano HIVE and must already be a multiple of the payout quantum;
// the wire format is the 3-decimal string the chain expects. The wallet
// holds the active key, this process never sees it.
func (c *Client) Transfer(ctx context.Context, from, to string, amountNano int64, memo string) error {
	var result interface{}
	return c.walletRequest(ctx, "transfer",
		[]interface{}{from, to, conversions.FormatHive(amountNano), memo, true}, &result)
}

// ClaimRewards claims the account's pending reward balances, if any. The
// chain requires the exact pending amounts to be named in the claim.
func (c *Client) ClaimRewards(ctx context.Context, account string) error {
	acct, err := c.LookupAccount(ctx, account)
	if err != nil {
		return err
	}
	if acct.RewardHiveBalance == "0.000 HIVE" &&
		acct.RewardHBDBalance == "0.000 HBD" &&
		acct.RewardVestingBalance == "0.000000 VESTS" {
		log.WithField("account", account).Debug("no pending rewards to claim")
		return nil
	}

	log.WithFields(log.Fields{
		"account": account,
		"hive":    acct.RewardHiveBalance,
		"hbd":     acct.RewardHBDBalance,
		"vests":   acct.RewardVestingBalance,
	}).Info("claiming pending rewards")

	var result interface{}
	return c.walletRequest(ctx, "claim_reward_balance",
		[]interface{}{account, acct.RewardHiveBalance, acct.RewardHBDBalance,
			acct.RewardVestingBalance, true}, &result)
}
