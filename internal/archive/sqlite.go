package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteArchive struct {
	db   *sql.DB
	path string
}

func NewSQLiteArchive(path string) (*SQLiteArchive, error) {
	if path == "" {
		return nil, errors.New("archive database path is required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	a := &SQLiteArchive{db: db, path: path}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return a, nil
}

func (a *SQLiteArchive) migrate(ctx context.Context) error {
	schema := `
      CREATE TABLE IF NOT EXISTS archived_codes (
          license_code TEXT PRIMARY KEY,
          token_id TEXT NOT NULL,
          app_id TEXT NOT NULL,
          archived_at INTEGER NOT NULL
      );
  `
	_, err := a.db.ExecContext(ctx, schema)
	return err
}

func (a *SQLiteArchive) IsArchived(ctx context.Context, licenseCode string) (bool, error) {
	var n int
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM archived_codes WHERE license_code = ?`, licenseCode).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query archive: %w", err)
	}
	return n > 0, nil
}

func (a *SQLiteArchive) Archive(ctx context.Context, entry Entry) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO archived_codes (license_code, token_id, app_id, archived_at) VALUES (?, ?, ?, ?)`,
		entry.LicenseCode, entry.TokenID, entry.AppID, entry.ArchivedAt.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyArchived
		}
		return fmt.Errorf("insert archive entry: %w", err)
	}
	return nil
}

func (a *SQLiteArchive) List(ctx context.Context) ([]Entry, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT license_code, token_id, app_id, archived_at FROM archived_codes ORDER BY archived_at, license_code`)
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ts int64
		)
		if err := rows.Scan(&e.LicenseCode, &e.TokenID, &e.AppID, &ts); err != nil {
			return nil, err
		}
		e.ArchivedAt = time.Unix(0, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}
