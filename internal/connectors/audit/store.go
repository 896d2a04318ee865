package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Deletion is one confirmed clip deletion sent to the detection backend.
type Deletion struct {
	ID          string    `json:"id"`
	Clip        string    `json:"clip"`
	StatusCode  int       `json:"status_code"`
	OK          *bool     `json:"ok,omitempty"`
	Error       string    `json:"error,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// Store journals clip deletions in SQLite or MySQL.
type Store struct {
	db     *sql.DB
	driver string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS clip_deletions (
  id VARCHAR(36) PRIMARY KEY,
  clip VARCHAR(1024) NOT NULL,
  status_code INTEGER NOT NULL DEFAULT 0,
  ok INTEGER NULL,
  error TEXT NOT NULL DEFAULT '',
  requested_at_ms BIGINT NOT NULL
);`

const sqliteIndex = `CREATE INDEX IF NOT EXISTS idx_cd_requested_at ON clip_deletions(requested_at_ms);`

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS clip_deletions (
  id VARCHAR(36) PRIMARY KEY,
  clip VARCHAR(1024) NOT NULL,
  status_code INT NOT NULL DEFAULT 0,
  ok TINYINT NULL,
  error TEXT NOT NULL,
  requested_at_ms BIGINT NOT NULL,
  INDEX idx_cd_requested_at (requested_at_ms)
);`

// Open connects with driver "sqlite" or "mysql" and ensures the schema exists.
func Open(driver, dsn string) (*Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("audit dsn required")
	}
	if driver != "sqlite" && driver != "mysql" {
		return nil, fmt.Errorf("unsupported audit driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	stmts := []string{mysqlSchema}
	if driver == "sqlite" {
		stmts = []string{sqliteSchema, sqliteIndex}
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return &Store{db: db, driver: driver}, nil
}

func (s *Store) Driver() string {
	if s == nil {
		return ""
	}
	return s.driver
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("audit store not configured")
	}
	return s.db.PingContext(ctx)
}

// RecordDeletion stores d, assigning an ID and timestamp when missing.
func (s *Store) RecordDeletion(ctx context.Context, d Deletion) (Deletion, error) {
	if strings.TrimSpace(d.Clip) == "" {
		return d, errors.New("clip required")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.RequestedAt.IsZero() {
		d.RequestedAt = time.Now().UTC()
	}

	var ok any
	if d.OK != nil {
		if *d.OK {
			ok = 1
		} else {
			ok = 0
		}
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO clip_deletions (id, clip, status_code, ok, error, requested_at_ms)
VALUES (?, ?, ?, ?, ?, ?);
`, d.ID, d.Clip, d.StatusCode, ok, d.Error, d.RequestedAt.UnixMilli())
	if err != nil {
		return d, err
	}
	return d, nil
}

// RecentDeletions returns up to limit deletions, newest first.
func (s *Store) RecentDeletions(ctx context.Context, limit int) ([]Deletion, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, clip, status_code, ok, error, requested_at_ms
FROM clip_deletions
ORDER BY requested_at_ms DESC, id DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Deletion, 0, limit)
	for rows.Next() {
		var (
			d    Deletion
			ok   sql.NullInt64
			atMS int64
		)
		if err := rows.Scan(&d.ID, &d.Clip, &d.StatusCode, &ok, &d.Error, &atMS); err != nil {
			return nil, err
		}
		if ok.Valid {
			v := ok.Int64 != 0
			d.OK = &v
		}
		d.RequestedAt = time.UnixMilli(atMS).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}
