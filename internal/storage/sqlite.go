package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"reportd/internal/report"
	logx "reportd/pkg/logx"
)

//go:embed migrations/sqlite.sql
var sqliteMigrations embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
	dl  dialect
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (report.Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, now: time.Now, dl: sqliteDialect}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := sqliteMigrations.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, def report.Definition) (report.Definition, error) {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	def.CreatedAt = now
	def.UpdatedAt = now
	args, err := definitionArgs(def, s.dl.boolArg)
	if err != nil {
		return report.Definition{}, report.WrapStore("create", def.ID, err)
	}
	if _, err := s.db.ExecContext(ctx, s.dl.insertSQL(), args...); err != nil {
		if isUniqueViolation(err) {
			err = ErrDuplicateID
		}
		return report.Definition{}, report.WrapStore("create", def.ID, err)
	}
	return def.Clone(), nil
}

func (s *sqliteStore) FindByID(ctx context.Context, id string) (report.Definition, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+reportColumns+" FROM reports WHERE id = ?", id)
	d, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return report.Definition{}, report.WrapStore("find", id, report.ErrNotFound)
	}
	if err != nil {
		return report.Definition{}, report.WrapStore("find", id, err)
	}
	return d, nil
}

func (s *sqliteStore) FindByIDAndUpdate(ctx context.Context, id string, patch report.Patch) (report.Definition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report.Definition{}, report.WrapStore("update", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	d, err := scanDefinition(tx.QueryRowContext(ctx, "SELECT "+reportColumns+" FROM reports WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return report.Definition{}, report.WrapStore("update", id, report.ErrNotFound)
	}
	if err != nil {
		return report.Definition{}, report.WrapStore("update", id, err)
	}
	patch.Apply(&d)
	d.UpdatedAt = s.now().UTC().Truncate(time.Millisecond)

	args, err := definitionArgs(d, s.dl.boolArg)
	if err != nil {
		return report.Definition{}, report.WrapStore("update", id, err)
	}
	if _, err := tx.ExecContext(ctx, s.dl.updateSQL(), updateArgs(args)...); err != nil {
		return report.Definition{}, report.WrapStore("update", id, err)
	}
	if err := tx.Commit(); err != nil {
		return report.Definition{}, report.WrapStore("update", id, err)
	}
	return d, nil
}

func (s *sqliteStore) FindByIDAndDelete(ctx context.Context, id string) (report.Definition, error) {
	row := s.db.QueryRowContext(ctx, "DELETE FROM reports WHERE id = ? RETURNING "+reportColumns, id)
	d, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return report.Definition{}, report.WrapStore("delete", id, report.ErrNotFound)
	}
	if err != nil {
		return report.Definition{}, report.WrapStore("delete", id, err)
	}
	return d, nil
}

func (s *sqliteStore) Find(ctx context.Context, f report.Filter) ([]report.Definition, error) {
	where, args := s.dl.where(f, 1)
	rows, err := s.db.QueryContext(ctx, "SELECT "+reportColumns+" FROM reports"+where+" ORDER BY created_at, id", args...)
	if err != nil {
		return nil, report.WrapStore("find", "", err)
	}
	defer rows.Close()

	var out []report.Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, report.WrapStore("find", "", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, report.WrapStore("find", "", err)
	}
	return out, nil
}

func (s *sqliteStore) DeleteMany(ctx context.Context, f report.Filter) (int, error) {
	where, args := s.dl.where(f, 1)
	res, err := s.db.ExecContext(ctx, "DELETE FROM reports"+where, args...)
	if err != nil {
		return 0, report.WrapStore("delete_many", "", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, report.WrapStore("delete_many", "", err)
	}
	return int(n), nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
