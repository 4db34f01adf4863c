package store_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hivepool/payoutd/node/store"
)

type cacheDoc map[string]int64

func testStoreBackend(t *testing.T, s store.Store) {
	assert := assert.New(t)

	var missing cacheDoc
	assert.Equal(store.ErrNotFound, s.Load(store.DocRewardCache, &missing))

	in := cacheDoc{"alice": 123456789, "bob": 42}
	assert.NoError(s.Save(store.DocRewardCache, in))

	var out cacheDoc
	assert.NoError(s.Load(store.DocRewardCache, &out))
	assert.Equal(in, out)

	// Whole-document replace, not merge.
	assert.NoError(s.Save(store.DocRewardCache, cacheDoc{"carol": 7}))
	out = nil
	assert.NoError(s.Load(store.DocRewardCache, &out))
	assert.Equal(cacheDoc{"carol": 7}, out)

	// Documents are independent.
	assert.Equal(store.ErrNotFound, s.Load(store.DocFailedPayouts, &out))
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := store.OpenFileStore(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	testStoreBackend(t, s)

	t.Run("no temp files left behind", func(t *testing.T) {
		entries, err := os.ReadDir(filepath.Join(dir, "state"))
		assert.NoError(t, err)
		for _, e := range entries {
			assert.Equal(t, ".json", filepath.Ext(e.Name()), "unexpected leftover %s", e.Name())
		}
	})
}

func TestBoltStore(t *testing.T) {
	s, err := store.OpenBoltStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	testStoreBackend(t, s)
}

func TestPayoutLog(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	l := &store.PayoutLog{DB: db}
	assert.NoError(l.Init())
	defer l.Close()

	now := time.Date(2021, 6, 15, 8, 0, 0, 0, time.UTC)

	assert.NoError(l.InsertPayout(ctx, now, "alice", 47500000000, store.KindPayment, "thanks"))
	assert.NoError(l.InsertPayout(ctx, now.Add(time.Minute), "bob", 1000000, store.KindRetry, "retry"))
	assert.NoError(l.InsertPayout(ctx, now.Add(2*time.Minute), "carol", 5000000, store.KindDropped, "gave up"))

	entries, err := l.SelectPayouts(ctx, 10)
	assert.NoError(err)
	assert.Len(entries, 3)
	// Newest first.
	assert.Equal("carol", entries[0].Delegator)
	assert.Equal(store.KindDropped, entries[0].Kind)
	assert.Equal("alice", entries[2].Delegator)
	assert.Equal(int64(47500000000), entries[2].Amount)
	assert.Equal(now, entries[2].SentAt)

	sum := &store.RunSummary{
		RunAt:         now,
		Pool:          100e9,
		EligibleVests: 1000e6,
		Sent:          95e9,
		SentCount:     2,
		DeferredCount: 1,
	}
	assert.NoError(l.InsertRunSummary(ctx, sum))
	sums, err := l.SelectRunSummaries(ctx, 5)
	assert.NoError(err)
	assert.Len(sums, 1)
	assert.Equal(int64(100e9), sums[0].Pool)
	assert.Equal(2, sums[0].SentCount)
}
