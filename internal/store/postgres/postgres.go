// Package postgres is the Postgres Persistence Port adapter (spec.md §6),
// for deployments that want a shared catalog across supervisor instances.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/sentryd/internal/store"
)

// DB implements store.Store for PostgreSQL.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) Close() error { return p.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS processes(
	name TEXT PRIMARY KEY,
	command TEXT NOT NULL,
	args JSONB NOT NULL DEFAULT '[]',
	working_dir TEXT NOT NULL DEFAULT '',
	env JSONB NOT NULL DEFAULT '{}',
	process_group TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	pid INTEGER NOT NULL DEFAULT 0,
	exit_code INTEGER NOT NULL DEFAULT 0,
	restart_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	stopped_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS policies(
	name TEXT PRIMARY KEY,
	max_retries INTEGER NOT NULL,
	base_delay_s DOUBLE PRECISION NOT NULL,
	backoff_multiplier DOUBLE PRECISION NOT NULL,
	max_delay_s DOUBLE PRECISION NOT NULL,
	restart_on_codes JSONB NOT NULL DEFAULT '[]',
	ignore_codes JSONB NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS process_policy(
	process_name TEXT PRIMARY KEY,
	policy_name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS schedules(
	name TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	expression TEXT NOT NULL,
	target JSONB NOT NULL DEFAULT '{}',
	enabled BOOLEAN NOT NULL DEFAULT true,
	last_run TIMESTAMPTZ,
	next_run TIMESTAMPTZ,
	run_count INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS process_logs(
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	stream TEXT NOT NULL,
	data BYTEA NOT NULL,
	at TIMESTAMPTZ NOT NULL
);
`

func (p *DB) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func (p *DB) SaveDescriptor(ctx context.Context, rec store.DescriptorRecord) error {
	argsJSON, err := json.Marshal(rec.Args)
	if err != nil {
		return err
	}
	envJSON, err := json.Marshal(rec.Env)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO processes(name, command, args, working_dir, env, process_group, state, pid, exit_code, restart_count, created_at, started_at, stopped_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT(name) DO UPDATE SET
			command=EXCLUDED.command, args=EXCLUDED.args, working_dir=EXCLUDED.working_dir,
			env=EXCLUDED.env, process_group=EXCLUDED.process_group, state=EXCLUDED.state,
			pid=EXCLUDED.pid, exit_code=EXCLUDED.exit_code, restart_count=EXCLUDED.restart_count,
			started_at=EXCLUDED.started_at, stopped_at=EXCLUDED.stopped_at;`,
		rec.Name, rec.Command, argsJSON, rec.WorkingDir, envJSON, rec.Group,
		rec.State, rec.PID, rec.ExitCode, rec.RestartCount, nullTime(rec.CreatedAt), nullTime(rec.StartedAt), nullTime(rec.StoppedAt))
	return err
}

func (p *DB) DeleteDescriptor(ctx context.Context, name string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM processes WHERE name=$1;`, name)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `DELETE FROM process_policy WHERE process_name=$1;`, name)
	return err
}

func (p *DB) SavePolicy(ctx context.Context, rec store.PolicyRecord) error {
	restartJSON, err := json.Marshal(rec.RestartOnCodes)
	if err != nil {
		return err
	}
	ignoreJSON, err := json.Marshal(rec.IgnoreCodes)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO policies(name, max_retries, base_delay_s, backoff_multiplier, max_delay_s, restart_on_codes, ignore_codes)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT(name) DO UPDATE SET
			max_retries=EXCLUDED.max_retries, base_delay_s=EXCLUDED.base_delay_s,
			backoff_multiplier=EXCLUDED.backoff_multiplier, max_delay_s=EXCLUDED.max_delay_s,
			restart_on_codes=EXCLUDED.restart_on_codes, ignore_codes=EXCLUDED.ignore_codes;`,
		rec.Name, rec.MaxRetries, rec.BaseDelaySeconds, rec.BackoffMultiplier, rec.MaxDelaySeconds,
		restartJSON, ignoreJSON)
	if err != nil {
		return err
	}
	if rec.BoundTo != "" {
		_, err = p.db.ExecContext(ctx, `
			INSERT INTO process_policy(process_name, policy_name) VALUES($1,$2)
			ON CONFLICT(process_name) DO UPDATE SET policy_name=EXCLUDED.policy_name;`,
			rec.BoundTo, rec.Name)
	}
	return err
}

func (p *DB) DeletePolicy(ctx context.Context, name string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM policies WHERE name=$1;`, name)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `DELETE FROM process_policy WHERE policy_name=$1;`, name)
	return err
}

func (p *DB) SaveSchedule(ctx context.Context, rec store.ScheduleRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO schedules(name, kind, expression, target, enabled, last_run, next_run, run_count)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT(name) DO UPDATE SET
			kind=EXCLUDED.kind, expression=EXCLUDED.expression, target=EXCLUDED.target,
			enabled=EXCLUDED.enabled, last_run=EXCLUDED.last_run, next_run=EXCLUDED.next_run,
			run_count=EXCLUDED.run_count;`,
		rec.Name, rec.Kind, rec.Expression, rec.TargetJSON, rec.Enabled,
		nullTime(rec.LastRun), nullTime(rec.NextRun), rec.RunCount)
	return err
}

func (p *DB) DeleteSchedule(ctx context.Context, name string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM schedules WHERE name=$1;`, name)
	return err
}

func (p *DB) AppendLog(ctx context.Context, name, stream string, data []byte, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO process_logs(name, stream, data, at) VALUES($1,$2,$3,$4);`, name, stream, data, at)
	return err
}

func (p *DB) LoadAll(ctx context.Context) (store.Catalog, error) {
	var cat store.Catalog

	procRows, err := p.db.QueryContext(ctx, `SELECT name, command, args, working_dir, env, process_group, state, pid, exit_code, restart_count, created_at, started_at, stopped_at FROM processes;`)
	if err != nil {
		return cat, err
	}
	defer func() { _ = procRows.Close() }()
	for procRows.Next() {
		var rec store.DescriptorRecord
		var argsJSON, envJSON []byte
		var createdAt, startedAt, stoppedAt sql.NullTime
		if err := procRows.Scan(&rec.Name, &rec.Command, &argsJSON, &rec.WorkingDir, &envJSON, &rec.Group,
			&rec.State, &rec.PID, &rec.ExitCode, &rec.RestartCount, &createdAt, &startedAt, &stoppedAt); err != nil {
			return cat, err
		}
		_ = json.Unmarshal(argsJSON, &rec.Args)
		_ = json.Unmarshal(envJSON, &rec.Env)
		rec.CreatedAt, rec.StartedAt, rec.StoppedAt = createdAt.Time, startedAt.Time, stoppedAt.Time
		cat.Descriptors = append(cat.Descriptors, rec)
	}
	if err := procRows.Err(); err != nil {
		return cat, err
	}

	policyRows, err := p.db.QueryContext(ctx, `
		SELECT p.name, p.max_retries, p.base_delay_s, p.backoff_multiplier, p.max_delay_s, p.restart_on_codes, p.ignore_codes,
		       COALESCE(pp.process_name, '')
		FROM policies p LEFT JOIN process_policy pp ON pp.policy_name = p.name;`)
	if err != nil {
		return cat, err
	}
	defer func() { _ = policyRows.Close() }()
	for policyRows.Next() {
		var rec store.PolicyRecord
		var restartJSON, ignoreJSON []byte
		if err := policyRows.Scan(&rec.Name, &rec.MaxRetries, &rec.BaseDelaySeconds, &rec.BackoffMultiplier,
			&rec.MaxDelaySeconds, &restartJSON, &ignoreJSON, &rec.BoundTo); err != nil {
			return cat, err
		}
		_ = json.Unmarshal(restartJSON, &rec.RestartOnCodes)
		_ = json.Unmarshal(ignoreJSON, &rec.IgnoreCodes)
		cat.Policies = append(cat.Policies, rec)
	}
	if err := policyRows.Err(); err != nil {
		return cat, err
	}

	schedRows, err := p.db.QueryContext(ctx, `SELECT name, kind, expression, target, enabled, last_run, next_run, run_count FROM schedules;`)
	if err != nil {
		return cat, err
	}
	defer func() { _ = schedRows.Close() }()
	for schedRows.Next() {
		var rec store.ScheduleRecord
		var target []byte
		var lastRun, nextRun sql.NullTime
		if err := schedRows.Scan(&rec.Name, &rec.Kind, &rec.Expression, &target, &rec.Enabled, &lastRun, &nextRun, &rec.RunCount); err != nil {
			return cat, err
		}
		rec.TargetJSON = target
		rec.LastRun, rec.NextRun = lastRun.Time, nextRun.Time
		cat.Schedules = append(cat.Schedules, rec)
	}
	return cat, schedRows.Err()
}
