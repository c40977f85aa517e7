package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{`
CREATE TABLE IF NOT EXISTS step_cache (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	base_domain TEXT NOT NULL,
	page_url TEXT NOT NULL,
	goal TEXT NOT NULL,
	script TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '',
	success INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_step_cache_key ON step_cache(base_domain, page_url, goal)`,
}

// SQLiteStore is the default on-disk step cache.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// NewSQLiteStore opens (creating if needed) the cache database at path.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	// A single connection serializes every statement, readers included.
	db.SetMaxOpenConns(1)

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
		}
	}

	logger.Named("cache").Debug("SQLite step cache opened", zap.String("path", path))
	return &SQLiteStore{db: db, path: path, logger: logger.Named("cache")}, nil
}

func (s *SQLiteStore) Store(ctx context.Context, rec Record) (Record, error) {
	rec.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO step_cache (base_domain, page_url, goal, script, summary, tags, success, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.BaseDomain, rec.PageURL, rec.Goal, rec.Script, rec.Summary,
		joinTags(rec.Tags), boolToInt(rec.Success), rec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Record{}, fmt.Errorf("failed to store step: %w", err)
	}
	rec.ID, err = res.LastInsertId()
	if err != nil {
		return Record{}, fmt.Errorf("failed to read step id: %w", err)
	}
	return rec, nil
}

const sqliteColumns = `id, base_domain, page_url, goal, script, summary, tags, success, created_at`

func (s *SQLiteStore) Lookup(ctx context.Context, key Key) (*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM step_cache
		 WHERE base_domain = ? AND page_url = ? AND goal = ? AND success = 1
		 ORDER BY id DESC LIMIT 1`,
		key.BaseDomain, key.PageURL, key.Goal)
	if err != nil {
		return nil, fmt.Errorf("failed to look up step: %w", err)
	}
	records, err := scanSQLite(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func (s *SQLiteStore) Recent(ctx context.Context, domain, pageURL string, limit int) ([]Record, error) {
	var (
		query strings.Builder
		args  = []any{domain}
	)
	query.WriteString(`SELECT ` + sqliteColumns + ` FROM step_cache WHERE base_domain = ?`)
	if pageURL != "" {
		query.WriteString(` AND page_url = ?`)
		args = append(args, pageURL)
	}
	query.WriteString(` ORDER BY id DESC`)
	if limit > 0 {
		query.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent steps: %w", err)
	}
	return scanSQLite(rows)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanSQLite(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec       Record
			tags      string
			success   int
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.BaseDomain, &rec.PageURL, &rec.Goal, &rec.Script,
			&rec.Summary, &tags, &success, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		rec.Tags = splitTags(tags)
		rec.Success = success != 0
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			rec.CreatedAt = t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read steps: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
