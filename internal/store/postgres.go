package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgeline/foreman/internal/errors"
	"github.com/forgeline/foreman/internal/state"
)

// PostgresStore persists checkpoint chains in PostgreSQL. The threads
// table tracks each thread's latest checkpoint id; Append takes a row
// lock on it so the optimistic parent check and the insert commit
// atomically.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS threads (
	id         TEXT PRIMARY KEY,
	latest_id  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoints (
	id              TEXT PRIMARY KEY,
	thread_id       TEXT NOT NULL,
	parent_id       TEXT NOT NULL DEFAULT '',
	node_id         TEXT NOT NULL,
	snapshot        JSONB NOT NULL,
	status          TEXT NOT NULL,
	awaiting_input  BOOLEAN NOT NULL DEFAULT FALSE,
	pending_subrun  TEXT NOT NULL DEFAULT '',
	checksum        TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	seq             BIGSERIAL
);
CREATE INDEX IF NOT EXISTS checkpoints_thread_seq ON checkpoints (thread_id, seq);
`

// NewPostgresStore connects to the database and ensures the schema exists
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreUnavailable, "connect to postgres", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, errors.Wrap(errors.ErrCodeStoreUnavailable, "ensure checkpoint schema", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool
func (p *PostgresStore) Close() {
	p.pool.Close()
}

// Append durably writes a new checkpoint inside one transaction
func (p *PostgresStore) Append(ctx context.Context, rec Record) (*Checkpoint, error) {
	cp := newCheckpoint(rec)

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreWriteFailed, "begin append transaction", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var latestID string
	err = tx.QueryRow(ctx, `SELECT latest_id FROM threads WHERE id = $1 FOR UPDATE`, rec.ThreadID).Scan(&latestID)
	switch {
	case err == pgx.ErrNoRows:
		latestID = ""
	case err != nil:
		return nil, errors.Wrap(errors.ErrCodeStoreReadFailed, "read thread head", err)
	}
	if rec.ParentID != latestID {
		return nil, errors.NewStaleParentError(rec.ThreadID, rec.ParentID)
	}

	snapshot, err := json.Marshal(cp.State)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreWriteFailed, "marshal snapshot", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO checkpoints (id, thread_id, parent_id, node_id, snapshot, status, awaiting_input, pending_subrun, checksum, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		cp.ID, cp.ThreadID, cp.ParentID, cp.NodeID, snapshot, string(cp.Status), cp.AwaitingInput, cp.PendingSubrun, cp.Checksum, cp.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreWriteFailed, "insert checkpoint", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO threads (id, latest_id) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET latest_id = EXCLUDED.latest_id`,
		cp.ThreadID, cp.ID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreWriteFailed, "advance thread head", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreWriteFailed, "commit append", err)
	}
	return cp, nil
}

// LoadLatest returns the newest checkpoint of a thread
func (p *PostgresStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT c.id, c.thread_id, c.parent_id, c.node_id, c.snapshot, c.status, c.awaiting_input, c.pending_subrun, c.checksum, c.created_at
		FROM checkpoints c JOIN threads t ON t.latest_id = c.id
		WHERE t.id = $1`, threadID)

	cp, err := scanCheckpoint(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NewThreadNotFoundError(threadID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreReadFailed, "load latest checkpoint", err)
	}
	if err := Verify(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// LoadChain returns a lazy iterator streaming rows in causal order
func (p *PostgresStore) LoadChain(ctx context.Context, threadID string) (ChainIterator, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, thread_id, parent_id, node_id, snapshot, status, awaiting_input, pending_subrun, checksum, created_at
		FROM checkpoints WHERE thread_id = $1 ORDER BY seq`, threadID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreReadFailed, "query chain", err)
	}
	return &pgIterator{threadID: threadID, rows: rows}, nil
}

// Threads lists every thread id with at least one checkpoint
func (p *PostgresStore) Threads(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT id FROM threads ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreReadFailed, "list threads", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(errors.ErrCodeStoreReadFailed, "scan thread id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type pgIterator struct {
	threadID string
	rows     pgx.Rows
	seen     bool
}

func (it *pgIterator) Next() (*Checkpoint, error) {
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return nil, errors.Wrap(errors.ErrCodeStoreReadFailed, "iterate chain", err)
		}
		if !it.seen {
			return nil, errors.NewThreadNotFoundError(it.threadID)
		}
		return nil, nil
	}
	it.seen = true

	cp, err := scanCheckpoint(it.rows)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreReadFailed, "scan checkpoint", err)
	}
	if err := Verify(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

func (it *pgIterator) Close() error {
	it.rows.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var cp Checkpoint
	var snapshot []byte
	var status string
	err := row.Scan(&cp.ID, &cp.ThreadID, &cp.ParentID, &cp.NodeID, &snapshot, &status, &cp.AwaitingInput, &cp.PendingSubrun, &cp.Checksum, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	cp.Status = RunStatus(status)
	cp.State = state.State{}
	if err := json.Unmarshal(snapshot, &cp.State); err != nil {
		return nil, err
	}
	return &cp, nil
}

var _ Store = (*PostgresStore)(nil)
