package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// recordedAtLayout is fixed width so MIN over the text column orders runs.
const recordedAtLayout = "2006-01-02T15:04:05.000000000Z"

// Dialect selects placeholder syntax and DDL for a SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore persists evidence in a relational table. Each row carries the
// full record as JSON next to the indexed chain columns.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL opens dsn with the driver for dialect and migrates the schema.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	driver := string(dialect)
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("evidence: unsupported dialect %q", dialect)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("evidence: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	store, err := NewSQLStore(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an existing handle and migrates the schema.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS evidence_records (
		contract_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		phase INTEGER NOT NULL,
		kind TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		body TEXT NOT NULL,
		prev_hash TEXT NOT NULL DEFAULT '',
		hash TEXT NOT NULL,
		PRIMARY KEY (contract_id, run_id, seq)
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("evidence: migrate: %w", err)
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, rec Record) (Record, error) {
	key := rec.Key()
	if key.ContractID == "" || key.RunID == "" {
		return Record{}, fmt.Errorf("evidence: record requires contract and run ids")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("evidence: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head *Record
	row := tx.QueryRowContext(ctx, s.rebind(
		`SELECT body FROM evidence_records WHERE contract_id = ? AND run_id = ? ORDER BY seq DESC LIMIT 1`),
		key.ContractID, key.RunID)
	var body string
	switch err := row.Scan(&body); {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Record{}, fmt.Errorf("evidence: read head of %s: %w", key, err)
	default:
		var current Record
		if err := json.Unmarshal([]byte(body), &current); err != nil {
			return Record{}, fmt.Errorf("evidence: decode head of %s: %w", key, err)
		}
		head = &current
	}

	linked, err := link(head, rec)
	if err != nil {
		return Record{}, err
	}
	encoded, err := json.Marshal(linked)
	if err != nil {
		return Record{}, fmt.Errorf("evidence: encode record: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO evidence_records (contract_id, run_id, seq, phase, kind, recorded_at, body, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		linked.ContractID, linked.RunID, int64(linked.Sequence), int(linked.Phase), string(linked.Kind),
		linked.Timestamp.UTC().Format(recordedAtLayout), string(encoded), linked.PrevHash, linked.Hash)
	if err != nil {
		return Record{}, fmt.Errorf("evidence: insert %s #%d: %w", key, linked.Sequence, err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("evidence: commit: %w", err)
	}
	return linked, nil
}

func (s *SQLStore) Records(ctx context.Context, key Key) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT body, hash FROM evidence_records WHERE contract_id = ? AND run_id = ? ORDER BY seq ASC`),
		key.ContractID, key.RunID)
	if err != nil {
		return nil, fmt.Errorf("evidence: query %s: %w", key, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var body, hash string
		if err := rows.Scan(&body, &hash); err != nil {
			return nil, fmt.Errorf("evidence: scan %s: %w", key, err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("evidence: decode %s: %w", key, err)
		}
		if rec.Hash != hash {
			return nil, &IntegrityError{Key: key, Problems: []string{
				fmt.Sprintf("record %d hash column %s disagrees with body %s", rec.Sequence, hash, rec.Hash),
			}}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evidence: iterate %s: %w", key, err)
	}
	return out, nil
}

func (s *SQLStore) Runs(ctx context.Context, contractID string) ([]RunInfo, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT run_id, MIN(recorded_at), COUNT(*), SUM(CASE WHEN kind = 'sealed' THEN 1 ELSE 0 END)
		FROM evidence_records WHERE contract_id = ? GROUP BY run_id`), contractID)
	if err != nil {
		return nil, fmt.Errorf("evidence: list runs for %s: %w", contractID, err)
	}
	defer func() { _ = rows.Close() }()

	var runs []RunInfo
	for rows.Next() {
		var info RunInfo
		var started string
		var sealed int64
		if err := rows.Scan(&info.RunID, &started, &info.Records, &sealed); err != nil {
			return nil, fmt.Errorf("evidence: scan run: %w", err)
		}
		info.StartedAt, err = time.Parse(recordedAtLayout, started)
		if err != nil {
			return nil, fmt.Errorf("evidence: parse run start %q: %w", started, err)
		}
		info.Sealed = sealed > 0
		runs = append(runs, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evidence: iterate runs: %w", err)
	}
	sortRuns(runs)
	return runs, nil
}

func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
