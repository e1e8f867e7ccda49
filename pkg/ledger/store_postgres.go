package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore keeps the chain in a single append-only table keyed by
// sequence position. Inserts run in serializable transactions so position
// order matches insertion order even under connection churn.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects, pings, and ensures the ledger table exists.
func NewPostgresStore(dbURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping ledger database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("ledger migration: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sentinel_ledger (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		ts TEXT NOT NULL,
		metadata JSONB,
		previous_hash TEXT NOT NULL,
		integrity_hash TEXT NOT NULL,
		payload JSONB NOT NULL
	)`)
	return err
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// AppendAtomic inserts one entry inside a serializable transaction.
func (s *PostgresStore) AppendAtomic(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e.Event)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sentinel_ledger (id, ts, metadata, previous_hash, integrity_hash, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Timestamp, metadata, e.PreviousHash, e.IntegrityHash, payload)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger entry: %w", err)
	}
	return nil
}

// ReadAll returns the chain in sequence order. Rows that fail to decode mark
// the ledger corrupt rather than being skipped.
func (s *PostgresStore) ReadAll(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, metadata, previous_hash, integrity_hash, payload
		FROM sentinel_ledger ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var metadata, payload []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &metadata, &e.PreviousHash, &e.IntegrityHash, &payload); err != nil {
			return nil, fmt.Errorf("%w: scan ledger row: %v", ErrLedgerCorrupt, err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("%w: entry %s metadata: %v", ErrLedgerCorrupt, e.ID, err)
			}
		}
		if err := json.Unmarshal(payload, &e.Event); err != nil {
			return nil, fmt.Errorf("%w: entry %s payload: %v", ErrLedgerCorrupt, e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}
	return entries, nil
}

// Len reports the number of persisted entries.
func (s *PostgresStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sentinel_ledger`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}
