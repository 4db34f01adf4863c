package node

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/hivepool/payoutd/config"
	"github.com/hivepool/payoutd/hive"
	"github.com/hivepool/payoutd/node/distribution"
	"github.com/hivepool/payoutd/node/store"
	"github.com/hivepool/payoutd/notify"
)

// Broadcaster is the one side effect of a run that moves money. It is the
// hive client in production and a fake in tests.
type Broadcaster interface {
	Transfer(ctx context.Context, from, to string, amountNano int64, memo string) error
}

// Payoutd is the delegation reward distribution engine. One Payoutd drives
// one pool account. Runs are batch jobs: the external scheduler (or the
// built-in daemon loop) guarantees at most one run at a time, which is why
// none of the per-run state needs locking.
type Payoutd struct {
	Config    *viper.Viper
	Hive      *hive.Client
	Broadcast Broadcaster
	Store     store.Store
	Log       *store.PayoutLog
	Notify    *notify.Webhook

	Account         string
	DryRun          bool
	MinPayout       int64 // nano HIVE
	RetainedBPS     int64
	MaxQueueRetries int
	CutoffDays      int
	WindowHour      int
	Location        *time.Location
	DedupEpsilon    time.Duration
	ClaimFirst      bool
}

// NewPayoutd wires the engine from the viper config. Missing required
// configuration is a hard error here, never at dispatch time.
func NewPayoutd(ctx context.Context, conf *viper.Viper) (*Payoutd, error) {
	d := new(Payoutd)
	d.Config = conf

	d.Account = conf.GetString(config.Account)
	if d.Account == "" {
		return nil, fmt.Errorf("missing required config %q: the pool account name", config.Account)
	}
	if len(conf.GetStringSlice(config.HiveNodes)) == 0 {
		return nil, fmt.Errorf("missing required config %q: at least one hive api node", config.HiveNodes)
	}

	loc, err := time.LoadLocation(conf.GetString(config.Timezone))
	if err != nil {
		return nil, fmt.Errorf("invalid timezone: %w", err)
	}
	d.Location = loc

	d.DryRun = conf.GetBool(config.DryRun)
	d.MinPayout = int64(math.Round(conf.GetFloat64(config.MinimumPayout) * 1e9))
	d.RetainedBPS = conf.GetInt64(config.RetainedBPS)
	d.MaxQueueRetries = conf.GetInt(config.MaxQueueRetries)
	d.CutoffDays = conf.GetInt(config.CutoffDays)
	d.WindowHour = conf.GetInt(config.WindowHour)
	d.DedupEpsilon = conf.GetDuration(config.DedupEpsilon)
	d.ClaimFirst = conf.GetBool(config.ClaimRewards)
	if d.RetainedBPS < 0 || d.RetainedBPS > 10000 {
		return nil, fmt.Errorf("invalid %s: %d basis points", config.RetainedBPS, d.RetainedBPS)
	}

	d.Hive = hive.NewClient(conf)
	d.Broadcast = d.Hive
	d.Notify = notify.NewWebhook(conf)

	d.Store, err = openStore(conf)
	if err != nil {
		return nil, err
	}

	d.Log, err = store.OpenPayoutLog(os.ExpandEnv(conf.GetString(config.PayoutLogPath)))
	if err != nil {
		d.Store.Close()
		return nil, err
	}

	log.WithFields(log.Fields{
		"account": d.Account,
		"dryrun":  d.DryRun,
		"backend": conf.GetString(config.StoreBackend),
	}).Debug("payout engine initialized")
	return d, nil
}

func openStore(conf *viper.Viper) (store.Store, error) {
	path := os.ExpandEnv(conf.GetString(config.StorePath))
	switch backend := conf.GetString(config.StoreBackend); backend {
	case "", "json":
		return store.OpenFileStore(path)
	case "bolt":
		return store.OpenBoltStore(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// Close releases the persistence layers.
func (d *Payoutd) Close() error {
	if err := d.Log.Close(); err != nil {
		d.Store.Close()
		return err
	}
	return d.Store.Close()
}

// loadCache returns the carried remainders, empty on first run.
func (d *Payoutd) loadCache() (distribution.Cache, error) {
	cache := make(distribution.Cache)
	err := d.Store.Load(store.DocRewardCache, &cache)
	if err == store.ErrNotFound {
		return cache, nil
	}
	return cache, err
}

// saveCache persists the carried remainders. This must complete before the
// process may exit: a lost cache entry is permanently leaked reward.
func (d *Payoutd) saveCache(cache distribution.Cache) error {
	return d.Store.Save(store.DocRewardCache, cache)
}

// RewardCache returns a copy of the persisted carried remainders.
func (d *Payoutd) RewardCache() (distribution.Cache, error) {
	return d.loadCache()
}

// FailedPayouts returns the current failed-payment queue.
func (d *Payoutd) FailedPayouts() (FailedQueue, error) {
	return d.loadFailedQueue()
}
