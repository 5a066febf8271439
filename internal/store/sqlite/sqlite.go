// Package sqlite is the default Persistence Port adapter (spec.md §6),
// backed by the CGO-free modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/sentryd/internal/store"
)

// DB implements store.Store for SQLite.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path. Use ":memory:" for a transient
// single-connection database.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("sqlite: empty path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if p == ":memory:" {
		d.SetMaxOpenConns(1)
	}
	if _, err := d.Exec("PRAGMA busy_timeout=3000;"); err != nil {
		_ = d.Close()
		return nil, err
	}
	return &DB{db: d}, nil
}

func (s *DB) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS processes(
	name TEXT PRIMARY KEY,
	command TEXT NOT NULL,
	args TEXT NOT NULL,
	working_dir TEXT NOT NULL DEFAULT '',
	env TEXT NOT NULL DEFAULT '{}',
	process_group TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	pid INTEGER NOT NULL DEFAULT 0,
	exit_code INTEGER NOT NULL DEFAULT 0,
	restart_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	stopped_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS policies(
	name TEXT PRIMARY KEY,
	max_retries INTEGER NOT NULL,
	base_delay_s REAL NOT NULL,
	backoff_multiplier REAL NOT NULL,
	max_delay_s REAL NOT NULL,
	restart_on_codes TEXT NOT NULL DEFAULT '[]',
	ignore_codes TEXT NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS process_policy(
	process_name TEXT PRIMARY KEY,
	policy_name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS schedules(
	name TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	expression TEXT NOT NULL,
	target TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT 1,
	last_run TIMESTAMP,
	next_run TIMESTAMP,
	run_count INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS process_logs(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	stream TEXT NOT NULL,
	data BLOB NOT NULL,
	at TIMESTAMP NOT NULL
);
`

func (s *DB) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func (s *DB) SaveDescriptor(ctx context.Context, rec store.DescriptorRecord) error {
	argsJSON, err := json.Marshal(rec.Args)
	if err != nil {
		return err
	}
	envJSON, err := json.Marshal(rec.Env)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO processes(name, command, args, working_dir, env, process_group, state, pid, exit_code, restart_count, created_at, started_at, stopped_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET
			command=excluded.command, args=excluded.args, working_dir=excluded.working_dir,
			env=excluded.env, process_group=excluded.process_group, state=excluded.state,
			pid=excluded.pid, exit_code=excluded.exit_code, restart_count=excluded.restart_count,
			started_at=excluded.started_at, stopped_at=excluded.stopped_at;`,
		rec.Name, rec.Command, string(argsJSON), rec.WorkingDir, string(envJSON), rec.Group,
		rec.State, rec.PID, rec.ExitCode, rec.RestartCount, nullTime(rec.CreatedAt), nullTime(rec.StartedAt), nullTime(rec.StoppedAt))
	return err
}

func (s *DB) DeleteDescriptor(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM processes WHERE name=?;`, name)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM process_policy WHERE process_name=?;`, name)
	return err
}

func (s *DB) SavePolicy(ctx context.Context, rec store.PolicyRecord) error {
	restartJSON, err := json.Marshal(rec.RestartOnCodes)
	if err != nil {
		return err
	}
	ignoreJSON, err := json.Marshal(rec.IgnoreCodes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies(name, max_retries, base_delay_s, backoff_multiplier, max_delay_s, restart_on_codes, ignore_codes)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET
			max_retries=excluded.max_retries, base_delay_s=excluded.base_delay_s,
			backoff_multiplier=excluded.backoff_multiplier, max_delay_s=excluded.max_delay_s,
			restart_on_codes=excluded.restart_on_codes, ignore_codes=excluded.ignore_codes;`,
		rec.Name, rec.MaxRetries, rec.BaseDelaySeconds, rec.BackoffMultiplier, rec.MaxDelaySeconds,
		string(restartJSON), string(ignoreJSON))
	if err != nil {
		return err
	}
	if rec.BoundTo != "" {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO process_policy(process_name, policy_name) VALUES(?,?)
			ON CONFLICT(process_name) DO UPDATE SET policy_name=excluded.policy_name;`,
			rec.BoundTo, rec.Name)
	}
	return err
}

func (s *DB) DeletePolicy(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE name=?;`, name)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM process_policy WHERE policy_name=?;`, name)
	return err
}

func (s *DB) SaveSchedule(ctx context.Context, rec store.ScheduleRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules(name, kind, expression, target, enabled, last_run, next_run, run_count)
		VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET
			kind=excluded.kind, expression=excluded.expression, target=excluded.target,
			enabled=excluded.enabled, last_run=excluded.last_run, next_run=excluded.next_run,
			run_count=excluded.run_count;`,
		rec.Name, rec.Kind, rec.Expression, string(rec.TargetJSON), rec.Enabled,
		nullTime(rec.LastRun), nullTime(rec.NextRun), rec.RunCount)
	return err
}

func (s *DB) DeleteSchedule(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE name=?;`, name)
	return err
}

func (s *DB) AppendLog(ctx context.Context, name, stream string, data []byte, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO process_logs(name, stream, data, at) VALUES(?,?,?,?);`, name, stream, data, at)
	return err
}

func (s *DB) LoadAll(ctx context.Context) (store.Catalog, error) {
	var cat store.Catalog

	procRows, err := s.db.QueryContext(ctx, `SELECT name, command, args, working_dir, env, process_group, state, pid, exit_code, restart_count, created_at, started_at, stopped_at FROM processes;`)
	if err != nil {
		return cat, err
	}
	defer func() { _ = procRows.Close() }()
	for procRows.Next() {
		var rec store.DescriptorRecord
		var argsJSON, envJSON string
		var createdAt, startedAt, stoppedAt sql.NullTime
		if err := procRows.Scan(&rec.Name, &rec.Command, &argsJSON, &rec.WorkingDir, &envJSON, &rec.Group,
			&rec.State, &rec.PID, &rec.ExitCode, &rec.RestartCount, &createdAt, &startedAt, &stoppedAt); err != nil {
			return cat, err
		}
		_ = json.Unmarshal([]byte(argsJSON), &rec.Args)
		_ = json.Unmarshal([]byte(envJSON), &rec.Env)
		rec.CreatedAt, rec.StartedAt, rec.StoppedAt = createdAt.Time, startedAt.Time, stoppedAt.Time
		cat.Descriptors = append(cat.Descriptors, rec)
	}
	if err := procRows.Err(); err != nil {
		return cat, err
	}

	policyRows, err := s.db.QueryContext(ctx, `
		SELECT p.name, p.max_retries, p.base_delay_s, p.backoff_multiplier, p.max_delay_s, p.restart_on_codes, p.ignore_codes,
		       COALESCE(pp.process_name, '')
		FROM policies p LEFT JOIN process_policy pp ON pp.policy_name = p.name;`)
	if err != nil {
		return cat, err
	}
	defer func() { _ = policyRows.Close() }()
	for policyRows.Next() {
		var rec store.PolicyRecord
		var restartJSON, ignoreJSON string
		if err := policyRows.Scan(&rec.Name, &rec.MaxRetries, &rec.BaseDelaySeconds, &rec.BackoffMultiplier,
			&rec.MaxDelaySeconds, &restartJSON, &ignoreJSON, &rec.BoundTo); err != nil {
			return cat, err
		}
		_ = json.Unmarshal([]byte(restartJSON), &rec.RestartOnCodes)
		_ = json.Unmarshal([]byte(ignoreJSON), &rec.IgnoreCodes)
		cat.Policies = append(cat.Policies, rec)
	}
	if err := policyRows.Err(); err != nil {
		return cat, err
	}

	schedRows, err := s.db.QueryContext(ctx, `SELECT name, kind, expression, target, enabled, last_run, next_run, run_count FROM schedules;`)
	if err != nil {
		return cat, err
	}
	defer func() { _ = schedRows.Close() }()
	for schedRows.Next() {
		var rec store.ScheduleRecord
		var target string
		var lastRun, nextRun sql.NullTime
		if err := schedRows.Scan(&rec.Name, &rec.Kind, &rec.Expression, &target, &rec.Enabled, &lastRun, &nextRun, &rec.RunCount); err != nil {
			return cat, err
		}
		rec.TargetJSON = []byte(target)
		rec.LastRun, rec.NextRun = lastRun.Time, nextRun.Time
		cat.Schedules = append(cat.Schedules, rec)
	}
	return cat, schedRows.Err()
}
