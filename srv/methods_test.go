// MIT License
//
// Copyright 2018 Canonical Ledgers, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to
// deal in the Software without restriction, including without limitation the
// rights to use, copy, modify, merge, publish, distribute, sublicense, and/or
// sell copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING
// FROM, OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS
// IN THE SOFTWARE.

package srv

import (
	"context"
	"database/sql"
	"net/http/httptest"
	"testing"
	"time"

	jrpc "github.com/AdamSLevy/jsonrpc2/v13"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/hivepool/payoutd/hive"
	"github.com/hivepool/payoutd/node"
	"github.com/hivepool/payoutd/node/ledger"
	"github.com/hivepool/payoutd/node/store"
	"github.com/hivepool/payoutd/notify"
)

func testClient(t *testing.T) (*node.Payoutd, *Client) {
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

	d := &node.Payoutd{
		Hive:       new(hive.Client),
		Store:      s,
		Log:        plog,
		Notify:     &notify.Webhook{},
		Account:    "pool",
		CutoffDays: 6,
		WindowHour: 8,
		Location:   time.UTC,
	}
	t.Cleanup(func() { d.Close() })

	api := &APIServer{Node: d}
	ts := httptest.NewServer(jrpc.HTTPRequestHandler(api.jrpcMethods(), log.StandardLogger()))
	t.Cleanup(ts.Close)

	c := NewClient()
	c.PayoutdServer = ts.URL
	return d, c
}

func TestGetStatus(t *testing.T) {
	assert := assert.New(t)
	d, c := testClient(t)

	queue := node.FailedQueue{"alice": {{Amount: 5e6, RetryCount: 1}}}
	assert.NoError(d.Store.Save(store.DocFailedPayouts, queue))

	var res ResultGetStatus
	assert.NoError(c.Request("get-status", nil, &res))
	assert.Equal("pool", res.Account)
	assert.Equal(1, res.QueuedCount)
	assert.Nil(res.LastRun)
	assert.Equal(24*time.Hour, res.WindowEnd.Sub(res.WindowStart))

	t.Run("rejects params", func(t *testing.T) {
		err := c.Request("get-status", ParamsGetHistory{Count: 1}, nil)
		assert.Error(err)
	})
}

func TestGetPayoutHistory(t *testing.T) {
	assert := assert.New(t)
	d, c := testClient(t)

	ctx := context.Background()
	for _, delegator := range []string{"alice", "bob", "carol"} {
		assert.NoError(d.Log.InsertPayout(ctx, time.Now(), delegator, 5e6, store.KindPayment, "memo"))
	}

	var res ResultGetPayoutHistory
	assert.NoError(c.Request("get-payout-history", ParamsGetHistory{Count: 2}, &res))
	assert.Equal(2, res.Count)
	// Newest first.
	assert.Equal("carol", res.Payouts[0].Delegator)

	t.Run("negative count", func(t *testing.T) {
		err := c.Request("get-payout-history", ParamsGetHistory{Count: -1}, nil)
		assert.Error(err)
	})
}

func TestGetRewardCacheAndFailedPayouts(t *testing.T) {
	assert := assert.New(t)
	d, c := testClient(t)

	assert.NoError(d.Store.Save(store.DocRewardCache, map[string]int64{"alice": 123456789}))

	var cache ResultGetRewardCache
	assert.NoError(c.Request("get-reward-cache", nil, &cache))
	assert.Equal("0.123456789 HIVE", cache.Entries["alice"])
	assert.Equal("0.123456789 HIVE", cache.Total)

	// Empty queue still answers with an empty object, not an error.
	var queue map[string][]node.FailedPayment
	assert.NoError(c.Request("get-failed-payouts", nil, &queue))
	assert.Empty(queue)
}

func TestGetEligible(t *testing.T) {
	assert := assert.New(t)
	d, c := testClient(t)

	// One matured delegation, one too recent to count.
	now := time.Now().In(d.Location)
	events := map[string][]ledger.Event{
		"alice": {{Delegator: "alice", Delta: 1000e6, Timestamp: now.AddDate(0, 0, -30)}},
		"bob":   {{Delegator: "bob", Delta: 500e6, Timestamp: now}},
	}
	assert.NoError(d.Store.Save(store.DocLedger, events))

	var res ResultGetEligible
	assert.NoError(c.Request("get-eligible", nil, &res))
	assert.Equal("1000.000000 VESTS", res.Balances["alice"])
	assert.NotContains(res.Balances, "bob")
	assert.Equal("1000.000000 VESTS", res.Total)
}
