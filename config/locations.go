package config

// A list of config locations
const (
	LoggingLevel = "app.loglevel"
	Account      = "app.account"
	APIListen    = "app.APIListen"
	Payoutd      = "app.Payoutd"

	// Hive RPC stuff
	HiveNodes       = "hive.nodes"
	WalletServer    = "hive.wallet"
	RequestTimeout  = "hive.timeout"
	MaxRetries      = "hive.maxretries"
	TransferRetries = "hive.transferretries"
	RetryBaseDelay  = "hive.retrydelay"

	StoreBackend  = "store.backend"
	StorePath     = "store.path"
	PayoutLogPath = "store.payoutlog"

	MinimumPayout   = "payout.minimum"
	RetainedBPS     = "payout.retainedbps"
	CutoffDays      = "payout.cutoffdays"
	WindowHour      = "payout.windowhour"
	Timezone        = "payout.timezone"
	DryRun          = "payout.dryrun"
	ClaimRewards    = "payout.claim"
	MaxQueueRetries = "payout.maxqueueretries"

	DedupEpsilon = "ledger.dedupepsilon"

	WebhookURL = "notify.webhook"
)
