// Package sqlite keeps an append-only journal of settled batches in SQLite.
//
// The journal is an event sink: every BatchPurchased and BatchCancelled
// event becomes one row per item, written in a single transaction.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	marketplace "github.com/givabit/marketplace"

	// pure-Go driver, registers "sqlite"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS batch_items (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    batch_id    TEXT    NOT NULL,
    kind        TEXT    NOT NULL,
    actor       TEXT    NOT NULL,
    item_index  INTEGER NOT NULL,
    digest      TEXT    NOT NULL,
    success     INTEGER NOT NULL,
    status      TEXT    NOT NULL,
    recorded_at TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batch_items_batch ON batch_items(batch_id, item_index);
CREATE INDEX IF NOT EXISTS idx_batch_items_digest ON batch_items(digest);
`

const timeLayout = "2006-01-02T15:04:05.999999999Z"

// Entry is one journaled item outcome
type Entry struct {
	BatchID    string
	Kind       marketplace.BatchKind
	Actor      common.Address
	Index      int
	Digest     common.Hash
	Success    bool
	Status     string
	RecordedAt time.Time
}

// Journal is a marketplace.EventSink backed by SQLite
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

var _ marketplace.EventSink = (*Journal)(nil)

// Open opens (or creates) the journal at path
func Open(path string) (*Journal, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Emit journals batch events and ignores every other event
func (j *Journal) Emit(ctx context.Context, event marketplace.Event) error {
	switch e := event.(type) {
	case marketplace.BatchPurchased:
		return j.record(ctx, e.BatchID, marketplace.BatchKindBuy, e.Buyer, e.Results, e.Statuses, e.Digests)
	case marketplace.BatchCancelled:
		return j.record(ctx, e.BatchID, marketplace.BatchKindCancel, e.Caller, e.Results, e.Statuses, e.Digests)
	}
	return nil
}

func (j *Journal) record(
	ctx context.Context,
	batchID string,
	kind marketplace.BatchKind,
	actor common.Address,
	results []bool,
	statuses []string,
	digests []common.Hash,
) error {
	if len(results) != len(statuses) || len(results) != len(digests) {
		return fmt.Errorf("sqlite: batch %q has mismatched columns", batchID)
	}
	const q = `
		INSERT INTO batch_items
			(batch_id, kind, actor, item_index, digest, success, status, recorded_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?)`

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	at := j.now().UTC().Format(timeLayout)
	for i := range results {
		if _, err := tx.ExecContext(ctx, q,
			batchID,
			string(kind),
			actor.Hex(),
			i,
			digests[i].Hex(),
			results[i],
			statuses[i],
			at,
		); err != nil {
			return fmt.Errorf("sqlite: journal batch %q item %d: %w", batchID, i, err)
		}
	}
	return tx.Commit()
}

// Batch returns the journaled items of a batch in item order
func (j *Journal) Batch(ctx context.Context, batchID string) ([]Entry, error) {
	return j.query(ctx, `WHERE batch_id = ? ORDER BY item_index`, batchID)
}

// Digest returns every journaled outcome for an order digest, oldest first
func (j *Journal) Digest(ctx context.Context, digest common.Hash) ([]Entry, error) {
	return j.query(ctx, `WHERE digest = ? ORDER BY id`, digest.Hex())
}

func (j *Journal) query(ctx context.Context, where string, arg any) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT batch_id, kind, actor, item_index, digest, success, status, recorded_at
		FROM batch_items `+where, arg)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                       Entry
			kind, actor, digest, ts string
		)
		if err := rows.Scan(&e.BatchID, &kind, &actor, &e.Index, &digest, &e.Success, &e.Status, &ts); err != nil {
			return nil, fmt.Errorf("sqlite: scan journal: %w", err)
		}
		e.Kind = marketplace.BatchKind(kind)
		e.Actor = common.HexToAddress(actor)
		e.Digest = common.HexToHash(digest)
		if e.RecordedAt, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("sqlite: parse recorded_at %q: %w", ts, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
