package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"reportd/internal/report"
	logx "reportd/pkg/logx"
)

//go:embed migrations/postgres.sql
var postgresMigration string

// DBTX is the subset shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgStore struct {
	db    DBTX
	begin func(ctx context.Context) (pgx.Tx, error)
	close func()
	log   logx.Logger
	now   func() time.Time
	dl    dialect
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (report.Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresMigration); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	st := newPostgresStore(pool, log)
	st.begin = pool.Begin
	st.close = pool.Close
	return st, nil
}

func newPostgresStore(db DBTX, log logx.Logger) *pgStore {
	return &pgStore{db: db, log: log, now: time.Now, dl: postgresDialect}
}

func (s *pgStore) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

func (s *pgStore) Create(ctx context.Context, def report.Definition) (report.Definition, error) {
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
	if _, err := s.db.Exec(ctx, s.dl.insertSQL(), args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			err = ErrDuplicateID
		}
		return report.Definition{}, report.WrapStore("create", def.ID, err)
	}
	return def.Clone(), nil
}

func (s *pgStore) FindByID(ctx context.Context, id string) (report.Definition, error) {
	d, err := scanDefinition(s.db.QueryRow(ctx, "SELECT "+reportColumns+" FROM reports WHERE id = $1", id))
	return s.one("find", id, d, err)
}

func (s *pgStore) FindByIDAndUpdate(ctx context.Context, id string, patch report.Patch) (report.Definition, error) {
	if s.begin == nil {
		return s.update(ctx, s.db, id, patch)
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return report.Definition{}, report.WrapStore("update", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	d, err := s.update(ctx, tx, id, patch)
	if err != nil {
		return d, err
	}
	if err := tx.Commit(ctx); err != nil {
		return report.Definition{}, report.WrapStore("update", id, err)
	}
	return d, nil
}

func (s *pgStore) update(ctx context.Context, q DBTX, id string, patch report.Patch) (report.Definition, error) {
	d, err := scanDefinition(q.QueryRow(ctx, "SELECT "+reportColumns+" FROM reports WHERE id = $1 FOR UPDATE", id))
	if d, err = s.one("update", id, d, err); err != nil {
		return d, err
	}
	patch.Apply(&d)
	d.UpdatedAt = s.now().UTC().Truncate(time.Millisecond)
	args, err := definitionArgs(d, s.dl.boolArg)
	if err != nil {
		return report.Definition{}, report.WrapStore("update", id, err)
	}
	if _, err := q.Exec(ctx, s.dl.updateSQL(), updateArgs(args)...); err != nil {
		return report.Definition{}, report.WrapStore("update", id, err)
	}
	return d, nil
}

func (s *pgStore) FindByIDAndDelete(ctx context.Context, id string) (report.Definition, error) {
	d, err := scanDefinition(s.db.QueryRow(ctx, "DELETE FROM reports WHERE id = $1 RETURNING "+reportColumns, id))
	return s.one("delete", id, d, err)
}

func (s *pgStore) Find(ctx context.Context, f report.Filter) ([]report.Definition, error) {
	where, args := s.dl.where(f, 1)
	rows, err := s.db.Query(ctx, "SELECT "+reportColumns+" FROM reports"+where+" ORDER BY created_at, id", args...)
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

func (s *pgStore) DeleteMany(ctx context.Context, f report.Filter) (int, error) {
	where, args := s.dl.where(f, 1)
	tag, err := s.db.Exec(ctx, "DELETE FROM reports"+where, args...)
	if err != nil {
		return 0, report.WrapStore("delete_many", "", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *pgStore) one(op, id string, d report.Definition, err error) (report.Definition, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return report.Definition{}, report.WrapStore(op, id, report.ErrNotFound)
	}
	if err != nil {
		return report.Definition{}, report.WrapStore(op, id, err)
	}
	return d, nil
}
