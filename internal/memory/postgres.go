package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore keeps exchanges in a single table.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// OpenPostgres connects to dsn and makes sure the exchanges table exists.
func OpenPostgres(ctx context.Context, dsn, table string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewPostgresStore(db, table)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func NewPostgresStore(db *sql.DB, table string) *PostgresStore {
	if table == "" {
		table = "navi_exchanges"
	}
	return &PostgresStore{db: db, table: pq.QuoteIdentifier(table)}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id         BIGSERIAL PRIMARY KEY,
	task_id    TEXT NOT NULL,
	workspace  TEXT NOT NULL,
	user_text  TEXT NOT NULL,
	assistant  TEXT NOT NULL,
	success    BOOLEAN NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table))
	if err != nil {
		return fmt.Errorf("create exchanges table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, ex Exchange) error {
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (task_id, workspace, user_text, assistant, success, created_at) VALUES ($1, $2, $3, $4, $5, $6)`, s.table),
		ex.TaskID, ex.Workspace, ex.User, ex.Assistant, ex.Success, ex.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save exchange %s: %w", ex.TaskID, err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, workspace string, n int) ([]Exchange, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT task_id, workspace, user_text, assistant, success, created_at FROM %s
WHERE workspace = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, s.table),
		workspace, n)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()
	var out []Exchange
	for rows.Next() {
		var ex Exchange
		if err := rows.Scan(&ex.TaskID, &ex.Workspace, &ex.User, &ex.Assistant, &ex.Success, &ex.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }
