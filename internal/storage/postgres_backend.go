package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Benny93/tracematrix/internal/trace"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS trace_files (
	pair_key TEXT PRIMARY KEY,
	left_file TEXT NOT NULL,
	right_file TEXT NOT NULL,
	revision BIGINT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	relations JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trace_files_left_idx ON trace_files (left_file);
CREATE INDEX IF NOT EXISTS trace_files_right_idx ON trace_files (right_file);
CREATE TABLE IF NOT EXISTS card_snapshots (
	file_name TEXT PRIMARY KEY,
	cards JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// PostgresBackend stores trace files and card snapshots in PostgreSQL.
// The path passed to Initialize is a connection string.
type PostgresBackend struct {
	db       *sql.DB
	readOnly bool
	mu       sync.RWMutex
	now      func() time.Time
}

// NewPostgresBackend creates a new PostgreSQL backend.
func NewPostgresBackend() *PostgresBackend {
	return &PostgresBackend{now: time.Now}
}

// Initialize opens the connection pool and creates the schema.
func (p *PostgresBackend) Initialize(dsn string, readOnly bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping db: %w", err)
	}
	if !readOnly {
		if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
			_ = db.Close()
			return fmt.Errorf("ensure schema: %w", err)
		}
	}

	p.db = db
	p.readOnly = readOnly
	return nil
}

// Close releases the connection pool.
func (p *PostgresBackend) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

// LoadRelations implements Backend.
func (p *PostgresBackend) LoadRelations(ctx context.Context, pair trace.Pair) (*TraceFile, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	what := "relations for " + pair.String()
	if p.db == nil {
		return nil, &LoadError{What: what, Err: ErrNotInitialized}
	}

	key := pair.Key()
	stored, err := selectTrace(ctx, p.db, key, false)
	if err != nil {
		return nil, &LoadError{What: what, Err: err}
	}
	if stored == nil {
		return nil, nil
	}
	return &TraceFile{
		FileName:  FileNameFor(key),
		Header:    orientHeader(pair, stored.Header),
		Relations: fromCanonical(pair, stored.Relations),
	}, nil
}

// SaveRelations implements Backend. The previous row is locked for the
// duration of the transaction so concurrent saves serialize on revision.
func (p *PostgresBackend) SaveRelations(ctx context.Context, pair trace.Pair, header *Header, relations []trace.Relation) (SaveResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.db == nil {
		return SaveResult{}, &SaveError{Pair: pair, Err: ErrNotInitialized}
	}
	if p.readOnly {
		return SaveResult{}, &SaveError{Pair: pair, Err: ErrReadOnly}
	}

	key := pair.Key()
	written, err := p.saveTx(ctx, key, header, toCanonical(pair, relations))
	if err != nil {
		return SaveResult{}, &SaveError{Pair: pair, Err: err}
	}
	return SaveResult{FileName: FileNameFor(key), Header: orientHeader(pair, written)}, nil
}

func (p *PostgresBackend) saveTx(ctx context.Context, key trace.PairKey, header *Header, relations []trace.Relation) (Header, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Header{}, fmt.Errorf("begin save tx: %w", err)
	}

	previous, err := selectTrace(ctx, tx, key, true)
	if err != nil {
		_ = tx.Rollback()
		return Header{}, err
	}
	var prevHeader *Header
	if previous != nil {
		prevHeader = &previous.Header
	}

	written := nextHeader(key, prevHeader, header, p.now())
	if relations == nil {
		relations = []trace.Relation{}
	}
	data, err := json.Marshal(relations)
	if err != nil {
		_ = tx.Rollback()
		return Header{}, fmt.Errorf("marshaling relations: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trace_files (pair_key, left_file, right_file, revision, description, relations, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (pair_key) DO UPDATE SET
			revision=EXCLUDED.revision,
			description=EXCLUDED.description,
			relations=EXCLUDED.relations,
			updated_at=EXCLUDED.updated_at
	`, string(key), written.Left, written.Right, written.Revision, written.Description, string(data), written.UpdatedAt)
	if err != nil {
		_ = tx.Rollback()
		return Header{}, fmt.Errorf("upsert trace file: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Header{}, fmt.Errorf("commit save tx: %w", err)
	}
	return written, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func selectTrace(ctx context.Context, q queryRower, key trace.PairKey, forUpdate bool) (*storedTrace, error) {
	query := `SELECT left_file, right_file, revision, description, relations, updated_at FROM trace_files WHERE pair_key=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		stored storedTrace
		raw    []byte
	)
	err := q.QueryRowContext(ctx, query, string(key)).Scan(
		&stored.Header.Left,
		&stored.Header.Right,
		&stored.Header.Revision,
		&stored.Header.Description,
		&raw,
		&stored.Header.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select trace file: %w", err)
	}
	if err := json.Unmarshal(raw, &stored.Relations); err != nil {
		return nil, fmt.Errorf("decoding relations: %w", err)
	}
	return &stored, nil
}

// ListPairs implements Backend.
func (p *PostgresBackend) ListPairs(ctx context.Context, fileName string) ([]trace.Pair, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.db == nil {
		return nil, &LoadError{What: "pairs for " + fileName, Err: ErrNotInitialized}
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT left_file, right_file FROM trace_files
		WHERE left_file=$1 OR right_file=$1
		ORDER BY pair_key
	`, fileName)
	if err != nil {
		return nil, &LoadError{What: "pairs for " + fileName, Err: err}
	}
	defer rows.Close()

	var pairs []trace.Pair
	for rows.Next() {
		var pair trace.Pair
		if err := rows.Scan(&pair.Left, &pair.Right); err != nil {
			return nil, &LoadError{What: "pairs for " + fileName, Err: err}
		}
		pairs = append(pairs, pair)
	}
	if err := rows.Err(); err != nil {
		return nil, &LoadError{What: "pairs for " + fileName, Err: err}
	}
	return pairs, nil
}

// LoadCards implements Backend.
func (p *PostgresBackend) LoadCards(ctx context.Context, fileName string) ([]trace.Card, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.db == nil {
		return nil, &LoadError{What: "cards of " + fileName, Err: ErrNotInitialized}
	}

	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT cards FROM card_snapshots WHERE file_name=$1`, fileName).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &LoadError{What: "cards of " + fileName, Err: err}
	}

	var cards []trace.Card
	if err := json.Unmarshal(raw, &cards); err != nil {
		return nil, &LoadError{What: "cards of " + fileName, Err: err}
	}
	return cards, nil
}

// SaveCards implements Backend.
func (p *PostgresBackend) SaveCards(ctx context.Context, fileName string, cards []trace.Card) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.db == nil {
		return ErrNotInitialized
	}
	if p.readOnly {
		return ErrReadOnly
	}

	if cards == nil {
		cards = []trace.Card{}
	}
	data, err := json.Marshal(cards)
	if err != nil {
		return fmt.Errorf("marshaling cards: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO card_snapshots (file_name, cards, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (file_name) DO UPDATE SET cards=EXCLUDED.cards, updated_at=EXCLUDED.updated_at
	`, fileName, string(data))
	if err != nil {
		return fmt.Errorf("upsert cards: %w", err)
	}
	return nil
}

// ListCardFiles implements Backend.
func (p *PostgresBackend) ListCardFiles(ctx context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.db == nil {
		return nil, &LoadError{What: "card files", Err: ErrNotInitialized}
	}

	rows, err := p.db.QueryContext(ctx, `SELECT file_name FROM card_snapshots`)
	if err != nil {
		return nil, &LoadError{What: "card files", Err: err}
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &LoadError{What: "card files", Err: err}
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, &LoadError{What: "card files", Err: err}
	}
	sort.Strings(names)
	return names, nil
}
