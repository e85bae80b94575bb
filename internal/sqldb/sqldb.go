// Copyright 2024 The relayq authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package sqldb encapsulates the interactions with a relational database.
//
// Every multi-step state transition runs inside a single database
// transaction, so no transition can observe a record halfway between states.
// The transaction is the unit of atomicity; callers need no additional
// locking.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/relayq/relayq/internal/base"
	"github.com/relayq/relayq/internal/errors"
	"github.com/relayq/relayq/internal/timeutil"
)

// DefaultHeartbeatTTL is how long a claimed record stays owned without a
// heartbeat refresh before the reaper may reclaim it.
const DefaultHeartbeatTTL = 30 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS relayq_messages (
  id            TEXT PRIMARY KEY,
  queue         TEXT NOT NULL,
  state         TEXT NOT NULL,
  priority      INTEGER NOT NULL DEFAULT 0,
  enqueued_at   BIGINT NOT NULL,
  process_at    BIGINT NOT NULL DEFAULT 0,
  expires_at    BIGINT NOT NULL DEFAULT 0,
  heartbeat_at  BIGINT,
  retain_until  BIGINT NOT NULL DEFAULT 0,
  msg           BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_relayq_ready
  ON relayq_messages(queue, state, priority DESC, enqueued_at);
CREATE INDEX IF NOT EXISTS idx_relayq_heartbeat
  ON relayq_messages(queue, state, heartbeat_at);
CREATE INDEX IF NOT EXISTS idx_relayq_expiry
  ON relayq_messages(queue, expires_at);

CREATE TABLE IF NOT EXISTS relayq_errors (
  queue       TEXT NOT NULL,
  id          TEXT NOT NULL,
  error_class TEXT NOT NULL,
  error_msg   TEXT NOT NULL DEFAULT '',
  occurrences BIGINT NOT NULL DEFAULT 1,
  raw_payload BLOB,
  failed_at   BIGINT NOT NULL,
  PRIMARY KEY (queue, id, error_class)
);

CREATE TABLE IF NOT EXISTS relayq_jobs (
  queue        TEXT NOT NULL,
  name         TEXT NOT NULL,
  scheduled_at BIGINT NOT NULL,
  completed_at BIGINT NOT NULL DEFAULT 0,
  PRIMARY KEY (queue, name)
);

CREATE TABLE IF NOT EXISTS relayq_queues (
  name   TEXT PRIMARY KEY,
  paused INTEGER NOT NULL DEFAULT 0
);
`

// waitingStates is the SQL literal list of states eligible for delivery.
const waitingStates = `('pending', 'scheduled', 'retry')`

// SQLDB is a client interface to query and mutate message queues on a
// relational database. It implements base.Broker.
type SQLDB struct {
	db           *sql.DB
	dialect      Dialect
	clock        timeutil.Clock
	heartbeatTTL time.Duration
}

// Open connects to the database described by dsn and prepares the schema.
func Open(dialect Dialect, dsn string) (*SQLDB, error) {
	var op errors.Op = "sqldb.Open"
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	if dialect == SQLite {
		// modernc sqlite serializes writers; a single connection avoids
		// SQLITE_BUSY churn between claimers.
		db.SetMaxOpenConns(1)
	}
	s := &SQLDB{
		db:           db,
		dialect:      dialect,
		clock:        timeutil.NewRealClock(),
		heartbeatTTL: DefaultHeartbeatTTL,
	}
	if err := s.createSchema(context.Background()); err != nil {
		db.Close()
		return nil, errors.E(op, errors.Internal, err)
	}
	return s, nil
}

// OpenSQLite opens (or creates) a SQLite database at the given path.
// The path ":memory:" yields an in-process database, useful in tests.
func OpenSQLite(path string) (*SQLDB, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	if path == ":memory:" {
		dsn = "file::memory:?_txlock=immediate"
	}
	return Open(SQLite, dsn)
}

// OpenPostgres connects to the PostgreSQL server described by dsn.
func OpenPostgres(dsn string) (*SQLDB, error) {
	return Open(Postgres, dsn)
}

func (s *SQLDB) createSchema(ctx context.Context) error {
	ddl := schema
	if s.dialect == Postgres {
		ddl = strings.ReplaceAll(ddl, "BLOB", "BYTEA")
	}
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLDB) Close() error {
	return s.db.Close()
}

// DB returns the reference to the underlying database handle.
func (s *SQLDB) DB() *sql.DB {
	return s.db
}

// SetClock sets the clock used by SQLDB to the given clock.
//
// Use this function to set the clock to SimulatedClock in tests.
func (s *SQLDB) SetClock(c timeutil.Clock) {
	s.clock = c
}

// SetHeartbeatTTL overrides the heartbeat time-to-live used when claiming
// and extending records. Must be called before the store is shared.
func (s *SQLDB) SetHeartbeatTTL(ttl time.Duration) {
	if ttl > 0 {
		s.heartbeatTTL = ttl
	}
}

// HeartbeatTTL reports the configured heartbeat time-to-live.
func (s *SQLDB) HeartbeatTTL() time.Duration {
	return s.heartbeatTTL
}

// Ping checks the connection with the database.
func (s *SQLDB) Ping() error {
	return s.db.PingContext(context.Background())
}

// withTx runs fn inside a transaction, committing on nil and rolling back
// on error.
func (s *SQLDB) withTx(ctx context.Context, op errors.Op, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("begin tx: %v", err))
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("commit tx: %v", err))
	}
	return nil
}

func (s *SQLDB) q(query string) string {
	return s.dialect.rebind(query)
}

// insertMessage writes the record row in waiting state within tx.
func (s *SQLDB) insertMessage(tx *sql.Tx, op errors.Op, msg *base.MessageRecord) error {
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("cannot encode message: %v", err))
	}
	state := "pending"
	if msg.ProcessAt > msg.EnqueuedAt {
		state = "scheduled"
	}
	if _, err := tx.Exec(s.q(`
INSERT INTO relayq_queues (name, paused) VALUES (?, 0)
ON CONFLICT (name) DO NOTHING`), msg.Queue); err != nil {
		return errors.E(op, errors.Internal, err)
	}
	_, err = tx.Exec(s.q(`
INSERT INTO relayq_messages
  (id, queue, state, priority, enqueued_at, process_at, expires_at, heartbeat_at, retain_until, msg)
VALUES (?, ?, ?, ?, ?, ?, ?, NULL, 0, ?)`),
		msg.ID, msg.Queue, state, msg.Priority, msg.EnqueuedAt, msg.ProcessAt, msg.ExpiresAt, encoded)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return errors.E(op, errors.AlreadyExists, errors.ErrTaskIdConflict)
		}
		return errors.E(op, errors.Internal, err)
	}
	return nil
}

// Enqueue inserts the given record in waiting state.
func (s *SQLDB) Enqueue(ctx context.Context, msg *base.MessageRecord) error {
	var op errors.Op = "sqldb.Enqueue"
	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		return s.insertMessage(tx, op, msg)
	})
}

// EnqueueUnique inserts the given scheduled-job record if the (job name,
// scheduled time) occurrence has not been claimed before. Claim and insert
// commit or roll back together.
//
// The marker upsert is the claim itself: it takes effect only for a strictly
// later occurrence, so concurrent producers of the same occurrence serialize
// on the marker row and exactly one of them gets to insert a record.
func (s *SQLDB) EnqueueUnique(ctx context.Context, msg *base.MessageRecord) error {
	var op errors.Op = "sqldb.EnqueueUnique"
	if msg.JobName == "" {
		return errors.E(op, errors.FailedPrecondition, "message has no job name")
	}
	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		res, err := tx.Exec(s.q(`
INSERT INTO relayq_jobs (queue, name, scheduled_at, completed_at)
VALUES (?, ?, ?, 0)
ON CONFLICT (queue, name) DO UPDATE SET scheduled_at = excluded.scheduled_at
WHERE relayq_jobs.scheduled_at < excluded.scheduled_at`),
			msg.Queue, msg.JobName, msg.JobScheduledAt)
		if err != nil {
			return errors.E(op, errors.Internal, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.E(op, errors.Internal, err)
		}
		if n == 0 {
			return errors.E(op, errors.AlreadyExists, errors.ErrDuplicateJob)
		}
		return s.insertMessage(tx, op, msg)
	})
}

// Dequeue queries the given queues in order and claims the first eligible
// record. It transitions the record to active state with a fresh heartbeat
// and returns it along with its heartbeat deadline.
//
// If all queues are empty, ErrNoProcessableTask error is returned.
// A claimed record that cannot be decoded is routed to the error store and
// reported as *errors.PoisonError, carrying the raw bytes.
func (s *SQLDB) Dequeue(qnames ...string) (*base.MessageRecord, time.Time, error) {
	var op errors.Op = "sqldb.Dequeue"
	ctx := context.Background()
	now := s.clock.Now()
	deadline := now.Add(s.heartbeatTTL)
	for _, qname := range qnames {
		msg, perr, err := s.dequeueOne(ctx, op, qname, now, deadline)
		if err != nil {
			return nil, time.Time{}, err
		}
		if perr != nil {
			return nil, time.Time{}, errors.E(op, perr)
		}
		if msg != nil {
			return msg, deadline, nil
		}
	}
	return nil, time.Time{}, errors.E(op, errors.NotFound, errors.ErrNoProcessableTask)
}

// dequeueOne claims one record from qname in a single transaction. It
// returns (nil, nil, nil) when the queue has nothing eligible.
func (s *SQLDB) dequeueOne(ctx context.Context, op errors.Op, qname string, now, deadline time.Time) (*base.MessageRecord, *errors.PoisonError, error) {
	var msg *base.MessageRecord
	var poison *errors.PoisonError
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		var paused int
		err := tx.QueryRow(s.q(`SELECT paused FROM relayq_queues WHERE name = ?`), qname).Scan(&paused)
		if err != nil && err != sql.ErrNoRows {
			return errors.E(op, errors.Internal, err)
		}
		if paused != 0 {
			return nil
		}
		var (
			id        string
			expiresAt int64
			encoded   []byte
		)
		err = tx.QueryRow(s.q(`
SELECT id, expires_at, msg FROM relayq_messages
WHERE queue = ? AND state IN `+waitingStates+` AND process_at <= ?
ORDER BY priority DESC, enqueued_at ASC, id ASC
LIMIT 1`)+s.dialect.lockSuffix(),
			qname, now.Unix()).Scan(&id, &expiresAt, &encoded)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return errors.E(op, errors.Internal, err)
		}
		if expiresAt > 0 && expiresAt <= now.Unix() {
			// Time-to-live had silently passed; delete instead of deliver
			// and treat this attempt as empty.
			if _, err := tx.Exec(s.q(`DELETE FROM relayq_messages WHERE id = ?`), id); err != nil {
				return errors.E(op, errors.Internal, err)
			}
			return nil
		}
		if _, err := tx.Exec(s.q(`
UPDATE relayq_messages SET state = 'active', heartbeat_at = ? WHERE id = ?`),
			deadline.UnixMilli(), id); err != nil {
			return errors.E(op, errors.Internal, err)
		}
		decoded, derr := base.DecodeMessage(encoded)
		if derr != nil {
			// Poison record: consume it into the error store in the same
			// transaction, retaining the raw bytes. Retry bookkeeping is
			// not touched.
			if _, err := tx.Exec(s.q(`DELETE FROM relayq_messages WHERE id = ?`), id); err != nil {
				return errors.E(op, errors.Internal, err)
			}
			if _, err := tx.Exec(s.q(`
INSERT INTO relayq_errors (queue, id, error_class, error_msg, occurrences, raw_payload, failed_at)
VALUES (?, ?, 'poison', 'record payload could not be decoded', 1, ?, ?)
ON CONFLICT (queue, id, error_class) DO UPDATE SET failed_at = excluded.failed_at`),
				qname, id, encoded, now.Unix()); err != nil {
				return errors.E(op, errors.Internal, err)
			}
			poison = &errors.PoisonError{Queue: qname, ID: id, Raw: encoded, Err: derr}
			return nil
		}
		msg = decoded
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return msg, poison, nil
}

// Done removes the record from the store on successful processing. If the
// record belongs to a scheduled job, the job marker's event time advances in
// the same transaction.
func (s *SQLDB) Done(ctx context.Context, msg *base.MessageRecord) error {
	var op errors.Op = "sqldb.Done"
	now := s.clock.Now()
	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		res, err := tx.Exec(s.q(`
DELETE FROM relayq_messages WHERE id = ? AND queue = ? AND state = 'active'`),
			msg.ID, msg.Queue)
		if err != nil {
			return errors.E(op, errors.Internal, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.E(op, errors.Internal, err)
		}
		if n == 0 {
			return errors.E(op, errors.NotFound, &errors.TaskNotFoundError{Queue: msg.Queue, ID: msg.ID})
		}
		return s.advanceJobMarker(tx, op, msg, now)
	})
}

// advanceJobMarker records the completion time on the job marker, but only
// for the marker's current or a later occurrence.
func (s *SQLDB) advanceJobMarker(tx *sql.Tx, op errors.Op, msg *base.MessageRecord, now time.Time) error {
	if msg.JobName == "" {
		return nil
	}
	if _, err := tx.Exec(s.q(`
UPDATE relayq_jobs SET completed_at = ?
WHERE queue = ? AND name = ? AND scheduled_at <= ?`),
		now.Unix(), msg.Queue, msg.JobName, msg.JobScheduledAt); err != nil {
		return errors.E(op, errors.Internal, err)
	}
	return nil
}

// MarkAsComplete commits the record and retains it for audit until the
// retention period elapses.
func (s *SQLDB) MarkAsComplete(ctx context.Context, msg *base.MessageRecord) error {
	var op errors.Op = "sqldb.MarkAsComplete"
	now := s.clock.Now()
	msg.CompletedAt = now.Unix()
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("cannot encode message: %v", err))
	}
	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		res, err := tx.Exec(s.q(`
UPDATE relayq_messages
SET state = 'completed', heartbeat_at = NULL, retain_until = ?, msg = ?
WHERE id = ? AND queue = ? AND state = 'active'`),
			now.Unix()+msg.Retention, encoded, msg.ID, msg.Queue)
		if err != nil {
			return errors.E(op, errors.Internal, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.E(op, errors.Internal, err)
		}
		if n == 0 {
			return errors.E(op, errors.NotFound, &errors.TaskNotFoundError{Queue: msg.Queue, ID: msg.ID})
		}
		return s.advanceJobMarker(tx, op, msg, now)
	})
}

// Requeue moves the record from active back to waiting, clearing its
// heartbeat. If processAt is in the future the record is parked as
// scheduled, which spaces out redelivery of a record reclaimed from a
// crashed or wedged worker. No-op if the record is no longer active.
func (s *SQLDB) Requeue(ctx context.Context, msg *base.MessageRecord, processAt time.Time) error {
	var op errors.Op = "sqldb.Requeue"
	now := s.clock.Now()
	state := "pending"
	if processAt.After(now) {
		state = "scheduled"
	}
	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		_, err := tx.Exec(s.q(`
UPDATE relayq_messages
SET state = ?, process_at = ?, heartbeat_at = NULL
WHERE id = ? AND queue = ? AND state = 'active'`),
			state, processAt.Unix(), msg.ID, msg.Queue)
		if err != nil {
			return errors.E(op, errors.Internal, err)
		}
		return nil
	})
}

// Retry moves the record from active to retry, to be redelivered at
// processAt. The transition is guarded by a compare-and-swap on the stored
// heartbeat deadline: a mismatch means the reaper already reclaimed the
// record and the rollback is dropped.
func (s *SQLDB) Retry(ctx context.Context, msg *base.MessageRecord, processAt time.Time, errMsg string, isFailure bool, lastHeartbeat time.Time) error {
	var op errors.Op = "sqldb.Retry"
	now := s.clock.Now()
	modified := *msg
	if isFailure {
		modified.ErrorMsg = errMsg
		modified.LastFailedAt = now.Unix()
	}
	encoded, err := base.EncodeMessage(&modified)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		_, err := tx.Exec(s.q(`
UPDATE relayq_messages
SET state = 'retry', process_at = ?, heartbeat_at = NULL, msg = ?
WHERE id = ? AND queue = ? AND state = 'active' AND heartbeat_at = ?`),
			processAt.Unix(), encoded, msg.ID, msg.Queue, lastHeartbeat.UnixMilli())
		if err != nil {
			return errors.E(op, errors.Internal, err)
		}
		return nil
	})
}

// Archive routes the record to the error store with the given
// classification, incrementing the per-(record, class) occurrence count.
func (s *SQLDB) Archive(ctx context.Context, msg *base.MessageRecord, errClass, errMsg string) error {
	var op errors.Op = "sqldb.Archive"
	now := s.clock.Now()
	modified := *msg
	modified.ErrorMsg = errMsg
	modified.LastFailedAt = now.Unix()
	encoded, err := base.EncodeMessage(&modified)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		if _, err := tx.Exec(s.q(`
UPDATE relayq_messages
SET state = 'archived', heartbeat_at = NULL, msg = ?
WHERE id = ? AND queue = ? AND state = 'active'`),
			encoded, msg.ID, msg.Queue); err != nil {
			return errors.E(op, errors.Internal, err)
		}
		if _, err := tx.Exec(s.q(`
INSERT INTO relayq_errors (queue, id, error_class, error_msg, occurrences, raw_payload, failed_at)
VALUES (?, ?, ?, ?, 1, NULL, ?)
ON CONFLICT (queue, id, error_class) DO UPDATE
SET occurrences = relayq_errors.occurrences + 1,
    error_msg = excluded.error_msg,
    failed_at = excluded.failed_at`),
			msg.Queue, msg.ID, errClass, errMsg, now.Unix()); err != nil {
			return errors.E(op, errors.Internal, err)
		}
		return nil
	})
}

// ForwardIfReady is a no-op: the dequeue predicate already treats scheduled
// and retry records with an elapsed not-before time as eligible.
func (s *SQLDB) ForwardIfReady(qnames ...string) error {
	return nil
}

// ExtendHeartbeat refreshes the heartbeat of the given records and returns
// the new deadline. Records no longer active are skipped.
func (s *SQLDB) ExtendHeartbeat(qname string, ids ...string) (time.Time, error) {
	var op errors.Op = "sqldb.ExtendHeartbeat"
	deadline := s.clock.Now().Add(s.heartbeatTTL)
	if len(ids) == 0 {
		return deadline, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]interface{}, 0, len(ids)+2)
	args = append(args, deadline.UnixMilli(), qname)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(context.Background(), s.q(`
UPDATE relayq_messages SET heartbeat_at = ?
WHERE queue = ? AND state = 'active' AND id IN (`+placeholders+`)`), args...)
	if err != nil {
		return time.Time{}, errors.E(op, errors.Internal, err)
	}
	return deadline, nil
}

// ListStale returns a list of active records whose heartbeat has not been
// refreshed since before the cutoff. These belong to workers that crashed or
// stalled; the caller resets them to waiting via Requeue.
func (s *SQLDB) ListStale(cutoff time.Time, qnames ...string) ([]*base.MessageRecord, error) {
	var op errors.Op = "sqldb.ListStale"
	ctx := context.Background()
	var msgs []*base.MessageRecord
	for _, qname := range qnames {
		rows, err := s.db.QueryContext(ctx, s.q(`
SELECT msg FROM relayq_messages
WHERE queue = ? AND state = 'active' AND heartbeat_at <= ?`),
			qname, cutoff.UnixMilli())
		if err != nil {
			return nil, errors.E(op, errors.Internal, err)
		}
		for rows.Next() {
			var encoded []byte
			if err := rows.Scan(&encoded); err != nil {
				rows.Close()
				return nil, errors.E(op, errors.Internal, err)
			}
			msg, err := base.DecodeMessage(encoded)
			if err != nil {
				// Undecodable active records surface through the dequeue
				// poison path once reclaimed; skip here.
				continue
			}
			msgs = append(msgs, msg)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, errors.E(op, errors.Internal, err)
		}
	}
	return msgs, nil
}

// DeleteExpired deletes up to batchSize records whose time-to-live has
// passed, and completed records past their retention deadline. Active
// records are skipped: their commit or reclaim handles deletion.
func (s *SQLDB) DeleteExpired(qname string, batchSize int) error {
	var op errors.Op = "sqldb.DeleteExpired"
	ctx := context.Background()
	now := s.clock.Now().Unix()
	if _, err := s.db.ExecContext(ctx, s.q(`
DELETE FROM relayq_messages WHERE id IN (
  SELECT id FROM relayq_messages
  WHERE queue = ? AND state IN `+waitingStates+` AND expires_at > 0 AND expires_at <= ?
  LIMIT ?)`), qname, now, batchSize); err != nil {
		return errors.E(op, errors.Internal, err)
	}
	if _, err := s.db.ExecContext(ctx, s.q(`
DELETE FROM relayq_messages WHERE id IN (
  SELECT id FROM relayq_messages
  WHERE queue = ? AND state = 'completed' AND retain_until <= ?
  LIMIT ?)`), qname, now, batchSize); err != nil {
		return errors.E(op, errors.Internal, err)
	}
	return nil
}

// ErrorCount returns the number of records in the queue's error store.
func (s *SQLDB) ErrorCount(qname string) (int, error) {
	var op errors.Op = "sqldb.ErrorCount"
	var n int
	err := s.db.QueryRowContext(context.Background(), s.q(`
SELECT COUNT(DISTINCT id) FROM relayq_errors WHERE queue = ?`), qname).Scan(&n)
	if err != nil {
		return 0, errors.E(op, errors.Internal, err)
	}
	return n, nil
}

// PurgeErrors deletes error records that failed before olderThan and returns
// the number deleted. A zero olderThan purges the entire error store.
func (s *SQLDB) PurgeErrors(qname string, olderThan time.Time) (int, error) {
	var op errors.Op = "sqldb.PurgeErrors"
	cutoff := int64(math.MaxInt64)
	if !olderThan.IsZero() {
		cutoff = olderThan.Unix()
	}
	var purged int
	err := s.withTx(context.Background(), op, func(tx *sql.Tx) error {
		if err := tx.QueryRow(s.q(`
SELECT COUNT(DISTINCT id) FROM relayq_errors WHERE queue = ? AND failed_at < ?`),
			qname, cutoff).Scan(&purged); err != nil {
			return errors.E(op, errors.Internal, err)
		}
		if _, err := tx.Exec(s.q(`
DELETE FROM relayq_errors WHERE queue = ? AND failed_at < ?`), qname, cutoff); err != nil {
			return errors.E(op, errors.Internal, err)
		}
		// Drop archived record rows that no longer have a live error entry.
		if _, err := tx.Exec(s.q(`
DELETE FROM relayq_messages
WHERE queue = ? AND state = 'archived'
  AND id NOT IN (SELECT id FROM relayq_errors WHERE queue = ?)`),
			qname, qname); err != nil {
			return errors.E(op, errors.Internal, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

// ErrorOccurrences returns the occurrence count recorded for the given
// (record, error class) pair.
func (s *SQLDB) ErrorOccurrences(qname, id, errClass string) (int, error) {
	var op errors.Op = "sqldb.ErrorOccurrences"
	var n int
	err := s.db.QueryRowContext(context.Background(), s.q(`
SELECT occurrences FROM relayq_errors WHERE queue = ? AND id = ? AND error_class = ?`),
		qname, id, errClass).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.E(op, errors.Internal, err)
	}
	return n, nil
}

// Pause stops delivery from the given queue; records continue to accumulate.
func (s *SQLDB) Pause(qname string) error {
	var op errors.Op = "sqldb.Pause"
	_, err := s.db.ExecContext(context.Background(), s.q(`
INSERT INTO relayq_queues (name, paused) VALUES (?, 1)
ON CONFLICT (name) DO UPDATE SET paused = 1`), qname)
	if err != nil {
		return errors.E(op, errors.Internal, err)
	}
	return nil
}

// Unpause resumes delivery from the given queue. The queue row is created on
// first enqueue or pause, so a zero-row update means the queue is unknown.
func (s *SQLDB) Unpause(qname string) error {
	var op errors.Op = "sqldb.Unpause"
	res, err := s.db.ExecContext(context.Background(), s.q(`
UPDATE relayq_queues SET paused = 0 WHERE name = ?`), qname)
	if err != nil {
		return errors.E(op, errors.Internal, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.E(op, errors.Internal, err)
	}
	if n == 0 {
		return errors.E(op, errors.NotFound, &errors.QueueNotFoundError{Queue: qname})
	}
	return nil
}
