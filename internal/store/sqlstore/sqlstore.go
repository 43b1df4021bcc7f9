// Package sqlstore implements store.Store over database/sql. The sqlite and
// postgres drivers supply the connection and a Dialect; the queries are shared.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/mycelian/shardtracker/internal/model"
	"github.com/mycelian/shardtracker/internal/store"
)

// Dialect captures what differs between SQL engines.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2, ...) instead of '?'.
	Numbered bool
}

// Schema is valid for both sqlite and postgres. Timestamps are unix
// nanoseconds so values round-trip exactly on either engine.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
        job_id      TEXT PRIMARY KEY,
        client_id   TEXT NOT NULL,
        tags        TEXT NOT NULL,
        shard_count INTEGER NOT NULL,
        create_time BIGINT NOT NULL,
        update_time BIGINT NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS shards (
        job_id                TEXT NOT NULL,
        shard_index           INTEGER NOT NULL,
        state                 TEXT NOT NULL,
        version               BIGINT NOT NULL,
        create_time           BIGINT NOT NULL,
        update_time           BIGINT NOT NULL,
        assigned_node         TEXT NOT NULL,
        accepted_execution_id TEXT NOT NULL,
        failure_reason        TEXT NOT NULL,
        PRIMARY KEY (job_id, shard_index)
    )`,
	`CREATE TABLE IF NOT EXISTS executions (
        execution_id  TEXT PRIMARY KEY,
        job_id        TEXT NOT NULL,
        shard_index   INTEGER NOT NULL,
        seq           INTEGER NOT NULL,
        node_id       TEXT NOT NULL,
        state         TEXT NOT NULL,
        create_time   BIGINT NOT NULL,
        start_time    BIGINT,
        end_time      BIGINT,
        result        TEXT NOT NULL,
        error_message TEXT NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS executions_shard_idx ON executions (job_id, shard_index, seq)`,
	`CREATE TABLE IF NOT EXISTS job_events (
        job_id          TEXT NOT NULL,
        seq             BIGINT NOT NULL,
        name            TEXT NOT NULL,
        shard_index     INTEGER NOT NULL,
        shard_state     TEXT NOT NULL,
        shard_version   BIGINT NOT NULL,
        node_id         TEXT NOT NULL,
        execution_id    TEXT NOT NULL,
        execution_state TEXT NOT NULL,
        detail          TEXT NOT NULL,
        event_time      BIGINT NOT NULL,
        PRIMARY KEY (job_id, seq)
    )`,
}

// EnsureSchema creates the tracker tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "ensure schema")
		}
	}
	return nil
}

// New returns a store backed by db.
func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, d: d}
}

// Store implements store.Store.
type Store struct {
	db *sql.DB
	d  Dialect
}

func (s *Store) Jobs() store.Jobs     { return &jobs{s} }
func (s *Store) Shards() store.Shards { return &shards{s} }
func (s *Store) Events() store.Events { return &jobEvents{s} }

// HealthPing implements health.HealthPinger.
func (s *Store) HealthPing(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

// q rewrites '?' placeholders for engines that number them.
func (s *Store) q(query string) string {
	if !s.d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// --- Jobs ---
type jobs struct{ s *Store }

func (j *jobs) Put(ctx context.Context, job *model.Job) error {
	tags, err := json.Marshal(model.NormalizeTags(job.Tags))
	if err != nil {
		return errors.Wrap(err, "encode tags")
	}
	tx, err := j.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, j.s.q(`
        INSERT INTO jobs (job_id, client_id, tags, shard_count, create_time, update_time)
        VALUES (?,?,?,?,?,?)
        ON CONFLICT (job_id) DO UPDATE SET
            tags = excluded.tags,
            update_time = excluded.update_time
        WHERE excluded.update_time >= jobs.update_time
    `), job.ID, job.ClientID, string(tags), len(job.Shards), nanos(job.CreateTime), nanos(job.UpdateTime))
	if err != nil {
		return errors.Wrapf(err, "put job %s", job.ID)
	}
	for i := range job.Shards {
		if err := j.s.putShard(ctx, tx, &job.Shards[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (j *jobs) List(ctx context.Context) ([]*model.Job, error) {
	rows, err := j.s.db.QueryContext(ctx, `
        SELECT job_id, client_id, tags, create_time, update_time FROM jobs ORDER BY create_time, job_id
    `)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	var out []*model.Job
	byID := map[string]*model.Job{}
	for rows.Next() {
		var (
			job              model.Job
			tags             string
			created, updated int64
		)
		if err := rows.Scan(&job.ID, &job.ClientID, &tags, &created, &updated); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &job.Tags); err != nil {
			_ = rows.Close()
			return nil, errors.Wrapf(err, "decode tags of job %s", job.ID)
		}
		job.CreateTime = fromNanos(created)
		job.UpdateTime = fromNanos(updated)
		out = append(out, &job)
		byID[job.ID] = &job
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	execs, err := j.s.listExecutions(ctx)
	if err != nil {
		return nil, err
	}

	srows, err := j.s.db.QueryContext(ctx, `
        SELECT job_id, shard_index, state, version, create_time, update_time,
               assigned_node, accepted_execution_id, failure_reason
        FROM shards ORDER BY job_id, shard_index
    `)
	if err != nil {
		return nil, errors.Wrap(err, "list shards")
	}
	for srows.Next() {
		var (
			sh               model.Shard
			state            string
			version          int64
			created, updated int64
		)
		if err := srows.Scan(&sh.JobID, &sh.ShardIndex, &state, &version, &created, &updated,
			&sh.AssignedNode, &sh.AcceptedExecutionID, &sh.FailureReason); err != nil {
			_ = srows.Close()
			return nil, err
		}
		job, ok := byID[sh.JobID]
		if !ok {
			continue
		}
		sh.State = model.ShardState(state)
		sh.Version = uint64(version)
		sh.CreateTime = fromNanos(created)
		sh.UpdateTime = fromNanos(updated)
		sh.Executions = execs[model.ShardKey(sh.JobID, sh.ShardIndex)]
		if sh.Executions == nil {
			sh.Executions = []model.Execution{}
		}
		job.Shards = append(job.Shards, sh)
	}
	if err := closeRows(srows); err != nil {
		return nil, err
	}
	for _, job := range out {
		job.State = model.DeriveJobState(job.Shards)
	}
	return out, nil
}

// --- Shards ---
type shards struct{ s *Store }

func (sh *shards) Put(ctx context.Context, shard *model.Shard) error {
	tx, err := sh.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := sh.s.putShard(ctx, tx, shard); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) putShard(ctx context.Context, tx execer, sh *model.Shard) error {
	res, err := tx.ExecContext(ctx, s.q(`
        INSERT INTO shards (job_id, shard_index, state, version, create_time, update_time,
                            assigned_node, accepted_execution_id, failure_reason)
        VALUES (?,?,?,?,?,?,?,?,?)
        ON CONFLICT (job_id, shard_index) DO UPDATE SET
            state = excluded.state,
            version = excluded.version,
            update_time = excluded.update_time,
            assigned_node = excluded.assigned_node,
            accepted_execution_id = excluded.accepted_execution_id,
            failure_reason = excluded.failure_reason
        WHERE excluded.version > shards.version
    `), sh.JobID, sh.ShardIndex, string(sh.State), int64(sh.Version), nanos(sh.CreateTime), nanos(sh.UpdateTime),
		sh.AssignedNode, sh.AcceptedExecutionID, sh.FailureReason)
	if err != nil {
		return errors.Wrapf(err, "put shard %s", sh.Key())
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// stored copy is newer and already carries these executions
		return nil
	}
	for i := range sh.Executions {
		e := &sh.Executions[i]
		_, err := tx.ExecContext(ctx, s.q(`
            INSERT INTO executions (execution_id, job_id, shard_index, seq, node_id, state,
                                    create_time, start_time, end_time, result, error_message)
            VALUES (?,?,?,?,?,?,?,?,?,?,?)
            ON CONFLICT (execution_id) DO UPDATE SET
                state = excluded.state,
                start_time = excluded.start_time,
                end_time = excluded.end_time,
                result = excluded.result,
                error_message = excluded.error_message
        `), e.ID, sh.JobID, sh.ShardIndex, i, e.NodeID, string(e.State),
			nanos(e.CreateTime), nullNanos(e.StartTime), nullNanos(e.EndTime), e.Result, e.Error)
		if err != nil {
			return errors.Wrapf(err, "put execution %s", e.ID)
		}
	}
	return nil
}

func (s *Store) listExecutions(ctx context.Context) (map[string][]model.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT execution_id, job_id, shard_index, node_id, state, create_time, start_time, end_time,
               result, error_message
        FROM executions ORDER BY job_id, shard_index, seq
    `)
	if err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	out := map[string][]model.Execution{}
	for rows.Next() {
		var (
			e          model.Execution
			jobID      string
			shardIndex int
			state      string
			created    int64
			start, end sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &jobID, &shardIndex, &e.NodeID, &state, &created, &start, &end,
			&e.Result, &e.Error); err != nil {
			_ = rows.Close()
			return nil, err
		}
		e.State = model.ExecutionState(state)
		e.CreateTime = fromNanos(created)
		e.StartTime = fromNullNanos(start)
		e.EndTime = fromNullNanos(end)
		key := model.ShardKey(jobID, shardIndex)
		out[key] = append(out[key], e)
	}
	return out, closeRows(rows)
}

// --- Events ---
type jobEvents struct{ s *Store }

func (ev *jobEvents) Append(ctx context.Context, e model.JobEvent) error {
	_, err := ev.s.db.ExecContext(ctx, ev.s.q(`
        INSERT INTO job_events (job_id, seq, name, shard_index, shard_state, shard_version,
                                node_id, execution_id, execution_state, detail, event_time)
        VALUES (?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT (job_id, seq) DO NOTHING
    `), e.JobID, int64(e.Seq), string(e.Name), e.ShardIndex, string(e.ShardState), int64(e.ShardVersion),
		e.NodeID, e.ExecutionID, string(e.ExecutionState), e.Detail, nanos(e.EventTime))
	if err != nil {
		return errors.Wrapf(err, "append event %s#%d", e.JobID, e.Seq)
	}
	return nil
}

func (ev *jobEvents) List(ctx context.Context, jobID string) ([]model.JobEvent, error) {
	rows, err := ev.s.db.QueryContext(ctx, ev.s.q(`
        SELECT seq, name, shard_index, shard_state, shard_version, node_id, execution_id,
               execution_state, detail, event_time
        FROM job_events WHERE job_id = ? ORDER BY seq
    `), jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "list events of job %s", jobID)
	}
	out := []model.JobEvent{}
	for rows.Next() {
		var (
			e                           model.JobEvent
			seq, version, at            int64
			name, shardState, execState string
		)
		if err := rows.Scan(&seq, &name, &e.ShardIndex, &shardState, &version, &e.NodeID, &e.ExecutionID,
			&execState, &e.Detail, &at); err != nil {
			_ = rows.Close()
			return nil, err
		}
		e.JobID = jobID
		e.Seq = uint64(seq)
		e.Name = model.JobEventName(name)
		e.ShardState = model.ShardState(shardState)
		e.ShardVersion = uint64(version)
		e.ExecutionState = model.ExecutionState(execState)
		e.EventTime = fromNanos(at)
		out = append(out, e)
	}
	return out, closeRows(rows)
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	return rows.Close()
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// String identifies the driver in logs.
func (s *Store) String() string { return fmt.Sprintf("sqlstore(%s)", s.d.Name) }
