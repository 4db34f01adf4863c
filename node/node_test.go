package node_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hivepool/payoutd/hive"
	"github.com/hivepool/payoutd/node"
	"github.com/hivepool/payoutd/node/distribution"
	"github.com/hivepool/payoutd/node/store"
	"github.com/hivepool/payoutd/notify"
)

type sentTransfer struct {
	To     string
	Amount int64
	Memo   string
}

// fakeBroadcaster fails transfers to the delegators named in fail and
// records everything else.
type fakeBroadcaster struct {
	mu   sync.Mutex
	fail map[string]error
	Sent []sentTransfer
}

func (f *fakeBroadcaster) Transfer(ctx context.Context, from, to string, amount int64, memo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[to]; err != nil {
		return err
	}
	f.Sent = append(f.Sent, sentTransfer{To: to, Amount: amount, Memo: memo})
	return nil
}

func newTestPayoutd(t *testing.T, broadcast node.Broadcaster) *node.Payoutd {
	t.Helper()

	s, err := store.OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	plog := &store.PayoutLog{DB: db}
	if err := plog.Init(); err != nil {
		t.Fatal(err)
	}

	c := new(hive.Client)
	c.BaseDelay = time.Millisecond
	c.MaxAttempts = 2
	c.TransferAttempts = 2
	c.RequestTimeout = time.Second

	d := &node.Payoutd{
		Hive:            c,
		Broadcast:       broadcast,
		Store:           s,
		Log:             plog,
		Notify:          &notify.Webhook{},
		Account:         "pool",
		MinPayout:       1e6,
		RetainedBPS:     500,
		MaxQueueRetries: 3,
		CutoffDays:      6,
		WindowHour:      8,
		Location:        time.UTC,
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestDispatch_FailureRestoresCacheAndQueues(t *testing.T) {
	anError := assert.AnError
	assert := assert.New(t)
	ctx := context.Background()

	fake := &fakeBroadcaster{fail: map[string]error{
		"bob": anError,
	}}
	d := newTestPayoutd(t, fake)

	// 10 HIVE pool, two equal delegators. bob's transfer fails terminally.
	res, err := distribution.Allocate(10e9,
		map[string]int64{"alice": 500e6, "bob": 500e6},
		distribution.Cache{}, d.RetainedBPS, d.MinPayout)
	assert.NoError(err)
	assert.Len(res.Payments, 2)
	var bobOwed int64
	for _, p := range res.Payments {
		if p.Delegator == "bob" {
			bobOwed = p.Owed
		}
	}

	report := &node.RunReport{RunAt: time.Now()}
	assert.NoError(d.DispatchPayments(ctx, res, report))
	assert.Equal(1, report.SentCount)
	assert.Equal(1, report.FailedCount)
	assert.Equal(int64(4.75e9), report.Sent)
	assert.Len(fake.Sent, 1)
	assert.Equal("alice", fake.Sent[0].To)

	// The failed payment is never discarded: the cache is restored to the
	// full owed amount and the queue holds the attempted payment.
	assert.Equal(bobOwed, res.Cache["bob"])

	var queue map[string][]node.FailedPayment
	assert.NoError(d.Store.Load(store.DocFailedPayouts, &queue))
	assert.Len(queue["bob"], 1)
	assert.Equal(int64(4.75e9), queue["bob"][0].Amount)
	assert.Equal(0, queue["bob"][0].RetryCount)
	assert.NotEmpty(queue["bob"][0].LastError)

	t.Run("next run drains the queue", func(t *testing.T) {
		delete(fake.fail, "bob")

		cache := res.Cache
		report := &node.RunReport{RunAt: time.Now()}
		assert.NoError(d.DrainFailedQueue(ctx, cache, report))
		assert.Equal(1, report.RetriedCount)
		assert.Equal(1, report.RetrySucceeded)
		assert.Equal(0, report.RetryDropped)

		// Queue entry cleared, cache no longer carries the paid amount.
		var queue map[string][]node.FailedPayment
		assert.NoError(d.Store.Load(store.DocFailedPayouts, &queue))
		assert.Empty(queue)
		assert.True(cache["bob"] < 1e6, "cache should only hold sub-precision remainder, got %d", cache["bob"])

		entries, err := d.Log.SelectPayouts(ctx, 10)
		assert.NoError(err)
		assert.Equal(store.KindRetry, entries[0].Kind)
		assert.Equal("bob", entries[0].Delegator)
	})
}

func TestDispatch_CancelledRestoresUnsent(t *testing.T) {
	assert := assert.New(t)

	fake := &fakeBroadcaster{}
	d := newTestPayoutd(t, fake)

	res, err := distribution.Allocate(10e9,
		map[string]int64{"alice": 500e6, "bob": 500e6},
		distribution.Cache{}, d.RetainedBPS, d.MinPayout)
	assert.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := &node.RunReport{RunAt: time.Now()}
	err = d.DispatchPayments(ctx, res, report)
	assert.Equal(context.Canceled, err)
	assert.Empty(fake.Sent)

	// Everything unsent is back in the cache at the full owed amount.
	for _, p := range res.Payments {
		assert.Equal(p.Owed, res.Cache[p.Delegator])
	}
}

func TestDrain_DropsAfterMaxRetries(t *testing.T) {
	anError := assert.AnError
	assert := assert.New(t)
	ctx := context.Background()

	fake := &fakeBroadcaster{fail: map[string]error{"carol": anError}}
	d := newTestPayoutd(t, fake)

	queue := map[string][]node.FailedPayment{
		"carol": {{
			Amount:        5e6,
			FirstFailedAt: time.Now().Add(-48 * time.Hour),
			RetryCount:    d.MaxQueueRetries - 1,
			LastError:     "previous failure",
		}},
	}
	assert.NoError(d.Store.Save(store.DocFailedPayouts, queue))

	// The enqueueing failure restored the full owed amount here.
	cache := distribution.Cache{"carol": 5e6 + 123}

	report := &node.RunReport{RunAt: time.Now()}
	assert.NoError(d.DrainFailedQueue(ctx, cache, report))
	assert.Equal(1, report.RetriedCount)
	assert.Equal(1, report.RetryDropped)

	// The entry is gone from the queue but the loss is on the record.
	var remaining map[string][]node.FailedPayment
	assert.NoError(d.Store.Load(store.DocFailedPayouts, &remaining))
	assert.Empty(remaining)

	// The dropped amount is out of the carried remainder too; otherwise the
	// next allocation would re-pay it and re-enter the queue forever.
	assert.Equal(int64(123), cache["carol"])

	entries, err := d.Log.SelectPayouts(ctx, 10)
	assert.NoError(err)
	assert.Len(entries, 1)
	assert.Equal(store.KindDropped, entries[0].Kind)
}

// historyPair builds one get_account_history response pair in the
// condenser wire shape: [index, {trx_id, timestamp, op: [type, data]}].
func historyPair(index int64, ts, opType string, data interface{}) []interface{} {
	return []interface{}{index, map[string]interface{}{
		"trx_id":    "deadbeef",
		"timestamp": ts,
		"op":        []interface{}{opType, data},
	}}
}

// historyServer answers the two condenser calls a ledger refresh makes:
// the latest-index lookup (start == -1) gets the newest pair, anything
// else gets the full page.
func historyServer(t *testing.T, pairs []interface{}) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Method != "condenser_api.get_account_history" {
			t.Errorf("unexpected method %q", req.Method)
		}
		var start int64
		if err := json.Unmarshal(req.Params[1], &start); err != nil {
			t.Errorf("decode start: %v", err)
		}
		result := pairs
		if start == -1 {
			result = pairs[len(pairs)-1:]
		}
		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestRefreshLedger_IncrementalDeltas(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	pairs := []interface{}{
		historyPair(11, "2021-06-14T09:00:00", "delegate_vesting_shares",
			map[string]interface{}{
				"delegator":      "erin",
				"delegatee":      "pool",
				"vesting_shares": "300.000000 VESTS",
			}),
		historyPair(12, "2021-06-14T10:00:00", "curation_reward",
			map[string]interface{}{
				"curator":          "pool",
				"reward":           "1.000000 VESTS",
				"comment_author":   "a",
				"comment_permlink": "p",
			}),
	}
	srv := historyServer(t, pairs)
	defer srv.Close()

	d := newTestPayoutd(t, &fakeBroadcaster{})
	d.Hive.Nodes = []string{srv.URL}

	// A synced store takes the incremental path, not the bootstrap.
	assert.NoError(d.Store.Save(store.DocLedgerSync, map[string]int64{"lastindex": 10}))

	l, err := d.LoadLedger()
	assert.NoError(err)
	assert.NoError(d.RefreshLedger(ctx, l))

	// The absolute total on the wire became a delta against the empty
	// ledger; the reward op contributed nothing.
	assert.Equal(int64(300e6), l.Balance("erin"))

	// Both the ledger and the cursor are durable across a reload.
	reloaded, err := d.LoadLedger()
	assert.NoError(err)
	assert.Equal(int64(300e6), reloaded.Balance("erin"))

	var cursor map[string]int64
	assert.NoError(d.Store.Load(store.DocLedgerSync, &cursor))
	assert.Equal(int64(12), cursor["lastindex"])
}

func TestWindowAndCutoff(t *testing.T) {
	assert := assert.New(t)
	d := &node.Payoutd{WindowHour: 8, CutoffDays: 6, Location: time.UTC}

	t.Run("after the boundary", func(t *testing.T) {
		now := time.Date(2021, 6, 15, 8, 5, 0, 0, time.UTC)
		start, end := d.Window(now)
		assert.Equal(time.Date(2021, 6, 15, 8, 0, 0, 0, time.UTC), end)
		assert.Equal(time.Date(2021, 6, 14, 8, 0, 0, 0, time.UTC), start)
	})

	t.Run("before the boundary", func(t *testing.T) {
		now := time.Date(2021, 6, 15, 7, 55, 0, 0, time.UTC)
		start, end := d.Window(now)
		assert.Equal(time.Date(2021, 6, 14, 8, 0, 0, 0, time.UTC), end)
		assert.Equal(time.Date(2021, 6, 13, 8, 0, 0, 0, time.UTC), start)
	})

	t.Run("cutoff is midnight minus the maturity period", func(t *testing.T) {
		now := time.Date(2021, 6, 15, 8, 5, 0, 0, time.UTC)
		assert.Equal(time.Date(2021, 6, 9, 0, 0, 0, 0, time.UTC), d.Cutoff(now))
	})
}
