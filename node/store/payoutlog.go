package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// PayoutKind classifies a payout history row.
type PayoutKind int32

const (
	// KindPayment is a regular payout sent during allocation.
	KindPayment PayoutKind = iota
	// KindRetry is a queued failed payout that succeeded on a later run.
	KindRetry
	// KindDropped is a queued payout discarded after exhausting retries.
	// These rows are the permanent record of surfaced fund loss.
	KindDropped
)

const createTablePayoutHistory = `CREATE TABLE IF NOT EXISTS "payout_history" (
	"id"        INTEGER PRIMARY KEY,
	"sent_at"   INTEGER NOT NULL, -- unix seconds
	"delegator" TEXT NOT NULL,
	"amount"    INTEGER NOT NULL, -- nano HIVE
	"kind"      INTEGER NOT NULL,
	"memo"      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS "idx_payout_history_delegator" ON "payout_history"("delegator");
CREATE INDEX IF NOT EXISTS "idx_payout_history_sent_at" ON "payout_history"("sent_at");
`

const createTableRunSummary = `CREATE TABLE IF NOT EXISTS "run_summary" (
	"id"             INTEGER PRIMARY KEY,
	"run_at"         INTEGER NOT NULL, -- unix seconds
	"pool"           INTEGER NOT NULL, -- nano HIVE
	"eligible_vests" INTEGER NOT NULL, -- micro VESTS
	"sent"           INTEGER NOT NULL, -- nano HIVE
	"sent_count"     INTEGER NOT NULL,
	"deferred_count" INTEGER NOT NULL,
	"failed_count"   INTEGER NOT NULL,
	"retried_count"  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS "idx_run_summary_run_at" ON "run_summary"("run_at");
`

// PayoutLog is the append-only dispatch record, kept in sqlite. Dispatch is
// logged, never rolled back: a run aborted mid-dispatch leaves every
// already-sent payment recorded here.
type PayoutLog struct {
	DB *sql.DB
}

// OpenPayoutLog opens the sqlite file and ensures the schema.
func OpenPayoutLog(path string) (*PayoutLog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	l := &PayoutLog{DB: db}
	if err := l.Init(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *PayoutLog) Init() error {
	if _, err := l.DB.Exec(createTablePayoutHistory); err != nil {
		return err
	}
	if _, err := l.DB.Exec(createTableRunSummary); err != nil {
		return err
	}
	return nil
}

func (l *PayoutLog) Close() error { return l.DB.Close() }

// HistoryEntry is one row of the payout history.
type HistoryEntry struct {
	ID        int64      `json:"id"`
	SentAt    time.Time  `json:"sentat"`
	Delegator string     `json:"delegator"`
	Amount    int64      `json:"amount"`
	Kind      PayoutKind `json:"kind"`
	Memo      string     `json:"memo"`
}

// RunSummary is the structured per-run record emitted at the end of every
// run.
type RunSummary struct {
	ID            int64     `json:"id"`
	RunAt         time.Time `json:"runat"`
	Pool          int64     `json:"pool"`
	EligibleVests int64     `json:"eligiblevests"`
	Sent          int64     `json:"sent"`
	SentCount     int       `json:"sentcount"`
	DeferredCount int       `json:"deferredcount"`
	FailedCount   int       `json:"failedcount"`
	RetriedCount  int       `json:"retriedcount"`
}

func (l *PayoutLog) InsertPayout(ctx context.Context, sentAt time.Time, delegator string, amount int64, kind PayoutKind, memo string) error {
	_, err := l.DB.ExecContext(ctx, `INSERT INTO "payout_history"
		(sent_at, delegator, amount, kind, memo) VALUES (?, ?, ?, ?, ?)`,
		sentAt.Unix(), delegator, amount, kind, memo)
	return err
}

func (l *PayoutLog) InsertRunSummary(ctx context.Context, s *RunSummary) error {
	_, err := l.DB.ExecContext(ctx, `INSERT INTO "run_summary"
		(run_at, pool, eligible_vests, sent, sent_count, deferred_count, failed_count, retried_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.RunAt.Unix(), s.Pool, s.EligibleVests, s.Sent,
		s.SentCount, s.DeferredCount, s.FailedCount, s.RetriedCount)
	return err
}

// SelectPayouts returns the most recent history rows, newest first.
func (l *PayoutLog) SelectPayouts(ctx context.Context, limit int) ([]HistoryEntry, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT id, sent_at, delegator, amount, kind, memo
		FROM "payout_history" ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var unix int64
		if err := rows.Scan(&e.ID, &unix, &e.Delegator, &e.Amount, &e.Kind, &e.Memo); err != nil {
			return nil, err
		}
		e.SentAt = time.Unix(unix, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// SelectRunSummaries returns the most recent run summaries, newest first.
func (l *PayoutLog) SelectRunSummaries(ctx context.Context, limit int) ([]RunSummary, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT id, run_at, pool, eligible_vests, sent,
		sent_count, deferred_count, failed_count, retried_count
		FROM "run_summary" ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var s RunSummary
		var unix int64
		if err := rows.Scan(&s.ID, &unix, &s.Pool, &s.EligibleVests, &s.Sent,
			&s.SentCount, &s.DeferredCount, &s.FailedCount, &s.RetriedCount); err != nil {
			return nil, err
		}
		s.RunAt = time.Unix(unix, 0).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}
