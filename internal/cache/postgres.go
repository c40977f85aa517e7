package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DBPool abstracts pgxpool.Pool so the store can be driven by pgxmock in tests.
type DBPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS step_cache (
	id BIGSERIAL PRIMARY KEY,
	base_domain TEXT NOT NULL,
	page_url TEXT NOT NULL,
	goal TEXT NOT NULL,
	script TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '',
	success BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const postgresColumns = `id, base_domain, page_url, goal, script, summary, tags, success, created_at`

// PostgresStore shares one step cache between machines.
type PostgresStore struct {
	pool DBPool
	log  *zap.Logger
}

// OpenPostgres connects to dsn and prepares the schema.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s, err := NewPostgresStore(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing pool and ensures the table exists.
func NewPostgresStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	return &PostgresStore{pool: pool, log: logger.Named("cache")}, nil
}

func (s *PostgresStore) Store(ctx context.Context, rec Record) (Record, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO step_cache (base_domain, page_url, goal, script, summary, tags, success)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		rec.BaseDomain, rec.PageURL, rec.Goal, rec.Script, rec.Summary, joinTags(rec.Tags), rec.Success,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("failed to store step: %w", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

func (s *PostgresStore) Lookup(ctx context.Context, key Key) (*Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+postgresColumns+` FROM step_cache
		 WHERE base_domain = $1 AND page_url = $2 AND goal = $3 AND success
		 ORDER BY id DESC LIMIT 1`,
		key.BaseDomain, key.PageURL, key.Goal)

	rec, err := scanPostgres(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up step: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) Recent(ctx context.Context, domain, pageURL string, limit int) ([]Record, error) {
	var (
		query strings.Builder
		args  = []any{domain}
	)
	query.WriteString(`SELECT ` + postgresColumns + ` FROM step_cache WHERE base_domain = $1`)
	if pageURL != "" {
		args = append(args, pageURL)
		fmt.Fprintf(&query, ` AND page_url = $%d`, len(args))
	}
	query.WriteString(` ORDER BY id DESC`)
	if limit > 0 {
		args = append(args, limit)
		fmt.Fprintf(&query, ` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent steps: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanPostgres(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read steps: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPostgres(row pgx.Row) (Record, error) {
	var (
		rec  Record
		tags string
	)
	if err := row.Scan(&rec.ID, &rec.BaseDomain, &rec.PageURL, &rec.Goal, &rec.Script,
		&rec.Summary, &tags, &rec.Success, &rec.CreatedAt); err != nil {
		return Record{}, err
	}
	rec.Tags = splitTags(tags)
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}
