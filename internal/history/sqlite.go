//go:build sqlite
// +build sqlite

package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"taskwarden/internal/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	task_id          TEXT    NOT NULL,
	started          TEXT    NOT NULL,
	finished         TEXT    NOT NULL,
	exit_code        INTEGER NOT NULL,
	stdout           TEXT,
	stderr           TEXT,
	timed_out        INTEGER NOT NULL DEFAULT 0,
	stdout_truncated INTEGER NOT NULL DEFAULT 0,
	stderr_truncated INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS runs_task_started ON runs(task_id, started);
`

type sqliteDriver struct {
	db *sql.DB
}

func openSQLite(cfg Config) (driver, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteDriver{db: db}, nil
}

func (d *sqliteDriver) Load(ctx context.Context) ([]task.ExecutionResult, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT task_id, started, finished, exit_code, stdout, stderr, timed_out, stdout_truncated, stderr_truncated
		 FROM runs ORDER BY started`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.ExecutionResult
	for rows.Next() {
		var (
			id, started, finished string
			stdout, stderr        sql.NullString
			r                     task.ExecutionResult
		)
		if err := rows.Scan(&id, &started, &finished, &r.ExitCode, &stdout, &stderr,
			&r.TimedOut, &r.StdoutTruncated, &r.StderrTruncated); err != nil {
			return nil, err
		}
		if r.TaskID, err = task.ParseID(id); err != nil {
			continue
		}
		r.Started, _ = time.Parse(time.RFC3339Nano, started)
		r.Finished, _ = time.Parse(time.RFC3339Nano, finished)
		r.Stdout, r.Stderr = stdout.String, stderr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *sqliteDriver) Save(ctx context.Context, recs []task.ExecutionResult) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO runs(task_id, started, finished, exit_code, stdout, stderr, timed_out, stdout_truncated, stderr_truncated)
		 VALUES(?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx, r.TaskID.String(),
			r.Started.UTC().Format(time.RFC3339Nano), r.Finished.UTC().Format(time.RFC3339Nano),
			r.ExitCode, nullStr(r.Stdout), nullStr(r.Stderr),
			r.TimedOut, r.StdoutTruncated, r.StderrTruncated); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *sqliteDriver) Close() error { return d.db.Close() }

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
