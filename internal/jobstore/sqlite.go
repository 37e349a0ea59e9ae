package jobstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "remindbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqliteSchema string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

const sqliteColumns = `id, cron, timezone, chat_id, task_message, next_run_time, max_instances, coalesce_missed, executor, created_at`

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "jobs.sqlite"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}
	// One writer; the scheduler serializes mutations anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		// Survives a process crash; the last commits may be lost on power failure.
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, &StoreError{Op: "migrate", Err: err}
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc rowScanner) (Record, error) {
	var (
		r        Record
		next     sql.NullInt64
		coalesce int64
		created  int64
	)
	if err := sc.Scan(&r.ID, &r.Cron, &r.Timezone, &r.ChatID, &r.TaskMessage,
		&next, &r.MaxInstances, &coalesce, &r.Executor, &created); err != nil {
		return Record{}, err
	}
	if next.Valid {
		r.NextRunTime = time.UnixMilli(next.Int64).UTC()
	}
	r.Coalesce = coalesce != 0
	r.CreatedAt = time.UnixMilli(created).UTC()
	return r, nil
}

func recordArgs(r Record) []any {
	var next any
	if !r.NextRunTime.IsZero() {
		next = r.NextRunTime.UnixMilli()
	}
	coalesce := 0
	if r.Coalesce {
		coalesce = 1
	}
	return []any{r.ID, r.Cron, r.Timezone, r.ChatID, r.TaskMessage,
		next, r.MaxInstances, coalesce, r.Executor, r.CreatedAt.UnixMilli()}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, db execer, r Record) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO jobs(`+sqliteColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   cron=excluded.cron,
		   timezone=excluded.timezone,
		   chat_id=excluded.chat_id,
		   task_message=excluded.task_message,
		   next_run_time=excluded.next_run_time,
		   max_instances=excluded.max_instances,
		   coalesce_missed=excluded.coalesce_missed,
		   executor=excluded.executor`,
		recordArgs(r)...,
	)
	return err
}

func (s *sqliteStore) Put(ctx context.Context, r Record) error {
	if err := validate(r); err != nil {
		return &StoreError{Op: "put", ID: r.ID, Err: err}
	}
	if err := upsert(ctx, s.db, r); err != nil {
		return &StoreError{Op: "put", ID: r.ID, Err: err}
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (Record, bool, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, &StoreError{Op: "get", ID: id, Err: err}
	}
	return r, true, nil
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return &StoreError{Op: "delete", ID: id, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &StoreError{Op: "delete", ID: id, Err: err}
	}
	if n == 0 {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteColumns+` FROM jobs ORDER BY created_at, id`)
	if err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, &StoreError{Op: "list", Err: err}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	return out, nil
}

func (s *sqliteStore) Update(ctx context.Context, id string, fn func(*Record) error) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, &StoreError{Op: "update", ID: id, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Record{}, &StoreError{Op: "update", ID: id, Err: err}
	}
	next, err := applyUpdate(cur, fn)
	if err != nil {
		return Record{}, err
	}
	if err := upsert(ctx, tx, next); err != nil {
		return Record{}, &StoreError{Op: "update", ID: id, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return Record{}, &StoreError{Op: "update", ID: id, Err: err}
	}
	return next, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
