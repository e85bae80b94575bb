// Copyright 2024 The relayq authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package rdb encapsulates the interactions with redis.
//
// Every multi-step state transition runs as a single server-side Lua script,
// so no transition can observe a record halfway between states. The script
// body is the unit of atomicity; callers need no additional locking.
package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"

	"github.com/relayq/relayq/internal/base"
	"github.com/relayq/relayq/internal/errors"
	"github.com/relayq/relayq/internal/timeutil"
)

// DefaultHeartbeatTTL is how long a claimed record stays owned without a
// heartbeat refresh before the reaper may reclaim it.
const DefaultHeartbeatTTL = 30 * time.Second

// RDB is a client interface to query and mutate message queues on redis.
// It implements base.Broker.
type RDB struct {
	client       redis.UniversalClient
	clock        timeutil.Clock
	heartbeatTTL time.Duration
}

// NewRDB returns a new instance of RDB.
func NewRDB(client redis.UniversalClient) *RDB {
	return &RDB{
		client:       client,
		clock:        timeutil.NewRealClock(),
		heartbeatTTL: DefaultHeartbeatTTL,
	}
}

// Close closes the connection with redis server.
func (r *RDB) Close() error {
	return r.client.Close()
}

// Client returns the reference to underlying redis client.
func (r *RDB) Client() redis.UniversalClient {
	return r.client
}

// SetClock sets the clock used by RDB to the given clock.
//
// Use this function to set the clock to SimulatedClock in tests.
func (r *RDB) SetClock(c timeutil.Clock) {
	r.clock = c
}

// SetHeartbeatTTL overrides the heartbeat time-to-live used when claiming
// and extending records. Must be called before the store is shared.
func (r *RDB) SetHeartbeatTTL(ttl time.Duration) {
	if ttl > 0 {
		r.heartbeatTTL = ttl
	}
}

// HeartbeatTTL reports the configured heartbeat time-to-live.
func (r *RDB) HeartbeatTTL() time.Duration {
	return r.heartbeatTTL
}

// Ping checks the connection with redis server.
func (r *RDB) Ping() error {
	return r.client.Ping(context.Background()).Err()
}

func (r *RDB) runScript(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) error {
	if err := script.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("redis eval error: %v", err))
	}
	return nil
}

// Runs the given script with keys and args and returns the script's return value as int64.
func (r *RDB) runScriptWithErrorCode(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) (int64, error) {
	res, err := script.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return 0, errors.E(op, errors.Unknown, fmt.Sprintf("redis eval error: %v", err))
	}
	n, ok := res.(int64)
	if !ok {
		return 0, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	return n, nil
}

// enqueueCmd enqueues a given message record in waiting state.
//
// Input:
// KEYS[1] -> relayq:{<qname>}:r:<id>
// KEYS[2] -> relayq:{<qname>}:pending or relayq:{<qname>}:scheduled
// KEYS[3] -> relayq:{<qname>}:expiring
// --
// ARGV[1] -> record data
// ARGV[2] -> record id
// ARGV[3] -> sort score in the destination set
// ARGV[4] -> state ("pending" or "scheduled")
// ARGV[5] -> expiration in unix time, 0 for none
//
// Output:
// Returns 1 if successfully enqueued
// Returns 0 if record ID already exists
var enqueueCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1],
           "msg", ARGV[1],
           "state", ARGV[4],
           "expires_at", ARGV[5])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[2])
if tonumber(ARGV[5]) > 0 then
	redis.call("ZADD", KEYS[3], ARGV[5], ARGV[2])
end
return 1
`)

// Enqueue inserts the given record in waiting state.
func (r *RDB) Enqueue(ctx context.Context, msg *base.MessageRecord) error {
	var op errors.Op = "rdb.Enqueue"
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("cannot encode message: %v", err))
	}
	if err := r.client.SAdd(ctx, base.AllQueues, msg.Queue).Err(); err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "sadd", Err: err})
	}
	destKey, score, state := waitingDestination(msg)
	keys := []string{
		base.RecordKey(msg.Queue, msg.ID),
		destKey,
		base.ExpiringKey(msg.Queue),
	}
	argv := []interface{}{
		encoded,
		msg.ID,
		score,
		state,
		msg.ExpiresAt,
	}
	n, err := r.runScriptWithErrorCode(ctx, op, enqueueCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.AlreadyExists, errors.ErrTaskIdConflict)
	}
	return nil
}

// waitingDestination picks the waiting set for the record: scheduled if a
// future not-before time gates it, pending otherwise.
func waitingDestination(msg *base.MessageRecord) (key string, score int64, state string) {
	if msg.ProcessAt > msg.EnqueuedAt {
		return base.ScheduledKey(msg.Queue), msg.ProcessAt, "scheduled"
	}
	return base.PendingKey(msg.Queue), base.PendingScore(msg.Priority, time.Unix(msg.EnqueuedAt, 0)), "pending"
}

// enqueueUniqueCmd claims a scheduled-job occurrence and enqueues the record
// in one atomic unit.
//
// Input:
// KEYS[1] -> relayq:{<qname>}:jobs
// KEYS[2] -> relayq:{<qname>}:r:<id>
// KEYS[3] -> relayq:{<qname>}:pending or relayq:{<qname>}:scheduled
// KEYS[4] -> relayq:{<qname>}:expiring
// --
// ARGV[1] -> job name
// ARGV[2] -> job scheduled time in unix time
// ARGV[3] -> encoded job marker for the claim
// ARGV[4] -> record data
// ARGV[5] -> record id
// ARGV[6] -> sort score in the destination set
// ARGV[7] -> state ("pending" or "scheduled")
// ARGV[8] -> expiration in unix time, 0 for none
//
// Output:
// Returns 1 if successfully enqueued
// Returns 0 if record ID already exists
// Returns -1 if the occurrence is already queued or processed
var enqueueUniqueCmd = redis.NewScript(`
local marker = redis.call("HGET", KEYS[1], ARGV[1])
if marker then
	local m = cjson.decode(marker)
	if tonumber(m["scheduled_at"]) >= tonumber(ARGV[2]) then
		return -1
	end
end
if redis.call("EXISTS", KEYS[2]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[3])
redis.call("HSET", KEYS[2],
           "msg", ARGV[4],
           "state", ARGV[7],
           "expires_at", ARGV[8])
redis.call("ZADD", KEYS[3], ARGV[6], ARGV[5])
if tonumber(ARGV[8]) > 0 then
	redis.call("ZADD", KEYS[4], ARGV[8], ARGV[5])
end
return 1
`)

// EnqueueUnique inserts the given scheduled-job record if the (job name,
// scheduled time) occurrence has not been claimed before.
func (r *RDB) EnqueueUnique(ctx context.Context, msg *base.MessageRecord) error {
	var op errors.Op = "rdb.EnqueueUnique"
	if msg.JobName == "" {
		return errors.E(op, errors.FailedPrecondition, "message has no job name")
	}
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Internal, "cannot encode message")
	}
	marker, err := base.EncodeJobMarker(&base.JobMarker{
		Name:        msg.JobName,
		ScheduledAt: msg.JobScheduledAt,
	})
	if err != nil {
		return errors.E(op, errors.Internal, "cannot encode job marker")
	}
	if err := r.client.SAdd(ctx, base.AllQueues, msg.Queue).Err(); err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "sadd", Err: err})
	}
	destKey, score, state := waitingDestination(msg)
	keys := []string{
		base.JobsKey(msg.Queue),
		base.RecordKey(msg.Queue, msg.ID),
		destKey,
		base.ExpiringKey(msg.Queue),
	}
	argv := []interface{}{
		msg.JobName,
		msg.JobScheduledAt,
		marker,
		encoded,
		msg.ID,
		score,
		state,
		msg.ExpiresAt,
	}
	n, err := r.runScriptWithErrorCode(ctx, op, enqueueUniqueCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == -1 {
		return errors.E(op, errors.AlreadyExists, errors.ErrDuplicateJob)
	}
	if n == 0 {
		return errors.E(op, errors.AlreadyExists, errors.ErrTaskIdConflict)
	}
	return nil
}

// dequeueCmd claims the next eligible record from a queue.
//
// Input:
// KEYS[1] -> relayq:{<qname>}:pending
// KEYS[2] -> relayq:{<qname>}:paused
// KEYS[3] -> relayq:{<qname>}:working
// KEYS[4] -> relayq:{<qname>}:expiring
// --
// ARGV[1] -> record key prefix
// ARGV[2] -> heartbeat deadline in unix time milliseconds
// ARGV[3] -> current time in unix time
//
// Output:
// Returns nil if no processable record is found in the given queue.
// Returns the string "expired" if the head record's expiration had passed;
// the record has been deleted.
// Returns {record id, encoded MessageRecord} otherwise.
//
// Note: The claim (removal from pending, insertion into working, state flip)
// is indivisible; at most one caller can own a record at a time.
var dequeueCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
	return nil
end
local ids = redis.call("ZRANGE", KEYS[1], 0, 0)
if #ids == 0 then
	return nil
end
local id = ids[1]
local key = ARGV[1] .. id
redis.call("ZREM", KEYS[1], id)
local expires = tonumber(redis.call("HGET", key, "expires_at") or 0)
if expires > 0 and expires <= tonumber(ARGV[3]) then
	redis.call("DEL", key)
	redis.call("ZREM", KEYS[4], id)
	return "expired"
end
redis.call("ZADD", KEYS[3], ARGV[2], id)
redis.call("HSET", key, "state", "active")
return {id, redis.call("HGET", key, "msg")}
`)

// Dequeue queries the given queues in order and claims the first eligible
// record. It transitions the record to active state with a fresh heartbeat
// and returns it along with its heartbeat deadline.
//
// If all queues are empty, ErrNoProcessableTask error is returned.
// A claimed record that cannot be decoded is routed to the error store and
// reported as *errors.PoisonError, carrying the raw bytes.
func (r *RDB) Dequeue(qnames ...string) (*base.MessageRecord, time.Time, error) {
	var op errors.Op = "rdb.Dequeue"
	ctx := context.Background()
	now := r.clock.Now()
	deadline := now.Add(r.heartbeatTTL)
	for _, qname := range qnames {
		keys := []string{
			base.PendingKey(qname),
			base.PausedKey(qname),
			base.WorkingKey(qname),
			base.ExpiringKey(qname),
		}
		argv := []interface{}{
			base.RecordKeyPrefix(qname),
			deadline.UnixMilli(),
			now.Unix(),
		}
		res, err := dequeueCmd.Run(ctx, r.client, keys, argv...).Result()
		if err == redis.Nil {
			continue
		} else if err != nil {
			return nil, time.Time{}, errors.E(op, errors.Unknown, fmt.Sprintf("redis eval error: %v", err))
		}
		if s, err := cast.ToStringE(res); err == nil {
			if s == "expired" {
				// The head record's time-to-live had silently passed; it was
				// deleted rather than delivered. Treat this attempt as empty.
				continue
			}
			return nil, time.Time{}, errors.E(op, errors.Internal, fmt.Sprintf("Lua script returned unexpected string: %q", s))
		}
		data, err := cast.ToSliceE(res)
		if err != nil || len(data) != 2 {
			return nil, time.Time{}, errors.E(op, errors.Internal, fmt.Sprintf("cast error: Lua script returned unexpected value: %v", res))
		}
		id, encoded := cast.ToString(data[0]), cast.ToString(data[1])
		msg, err := base.DecodeMessage([]byte(encoded))
		if err != nil {
			perr := &errors.PoisonError{Queue: qname, ID: id, Raw: []byte(encoded), Err: err}
			if aerr := r.archivePoison(ctx, qname, id, []byte(encoded), now); aerr != nil {
				return nil, time.Time{}, errors.E(op, errors.Internal, aerr)
			}
			return nil, time.Time{}, errors.E(op, perr)
		}
		return msg, deadline, nil
	}
	return nil, time.Time{}, errors.E(op, errors.NotFound, errors.ErrNoProcessableTask)
}

// archivePoisonCmd consumes an undecodable record into the error store.
//
// Input:
// KEYS[1] -> relayq:{<qname>}:working
// KEYS[2] -> relayq:{<qname>}:error
// KEYS[3] -> relayq:{<qname>}:r:<id>
// --
// ARGV[1] -> record id
// ARGV[2] -> encoded error record (carries the raw bytes)
// ARGV[3] -> failure time in unix time
var archivePoisonCmd = redis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
redis.call("HSET", KEYS[3], "err", ARGV[2], "state", "archived")
return redis.status_reply("OK")
`)

// archivePoison moves an undecodable record out of the working set and into
// the error store, preserving the raw payload for diagnostics. Poison records
// bypass retry bookkeeping: neither the retry counter nor the occurrence
// counts are touched.
func (r *RDB) archivePoison(ctx context.Context, qname, id string, raw []byte, now time.Time) error {
	var op errors.Op = "rdb.archivePoison"
	if id == "" {
		// The raw blob carries no trustworthy ID field; synthesize one so
		// the error store entry stays addressable.
		id = fmt.Sprintf("poison:%d", now.UnixNano())
	}
	errRec, err := encodeErrorRecord(&base.ErrorRecord{
		ID:         id,
		Queue:      qname,
		ErrorClass: "poison",
		ErrorMsg:   "record payload could not be decoded",
		RawPayload: raw,
		FailedAt:   now.Unix(),
	})
	if err != nil {
		return errors.E(op, errors.Internal, err)
	}
	keys := []string{
		base.WorkingKey(qname),
		base.ErrorKey(qname),
		base.RecordKey(qname, id),
	}
	argv := []interface{}{id, errRec, now.Unix()}
	return r.runScript(ctx, op, archivePoisonCmd, keys, argv...)
}

func encodeErrorRecord(rec *base.ErrorRecord) (string, error) {
	b, err := base.EncodeErrorRecord(rec)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// doneCmd commits an active record: the record is removed from the store and,
// when it belongs to a scheduled job, the job marker's event time advances.
//
// Input:
// KEYS[1] -> relayq:{<qname>}:working
// KEYS[2] -> relayq:{<qname>}:r:<id>
// KEYS[3] -> relayq:{<qname>}:jobs
// KEYS[4] -> relayq:{<qname>}:expiring
// --
// ARGV[1] -> record id
// ARGV[2] -> job name, empty string if none
// ARGV[3] -> completion time in unix time
// ARGV[4] -> job scheduled time in unix time
//
// Output:
// Returns 1 if successfully committed
// Returns 0 if the record was no longer active
var doneCmd = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("DEL", KEYS[2])
redis.call("ZREM", KEYS[4], ARGV[1])
if ARGV[2] ~= "" then
	local marker = redis.call("HGET", KEYS[3], ARGV[2])
	if marker then
		local m = cjson.decode(marker)
		if tonumber(ARGV[4]) >= tonumber(m["scheduled_at"]) then
			m["completed_at"] = tonumber(ARGV[3])
			redis.call("HSET", KEYS[3], ARGV[2], cjson.encode(m))
		end
	end
end
return 1
`)

// Done removes the record from the store on successful processing.
func (r *RDB) Done(ctx context.Context, msg *base.MessageRecord) error {
	var op errors.Op = "rdb.Done"
	now := r.clock.Now()
	keys := []string{
		base.WorkingKey(msg.Queue),
		base.RecordKey(msg.Queue, msg.ID),
		base.JobsKey(msg.Queue),
		base.ExpiringKey(msg.Queue),
	}
	argv := []interface{}{
		msg.ID,
		msg.JobName,
		now.Unix(),
		msg.JobScheduledAt,
	}
	n, err := r.runScriptWithErrorCode(ctx, op, doneCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.NotFound, &errors.TaskNotFoundError{Queue: msg.Queue, ID: msg.ID})
	}
	return nil
}

// markAsCompleteCmd commits an active record but retains it in completed
// state until its retention deadline.
//
// Input:
// KEYS[1] -> relayq:{<qname>}:working
// KEYS[2] -> relayq:{<qname>}:r:<id>
// KEYS[3] -> relayq:{<qname>}:completed
// KEYS[4] -> relayq:{<qname>}:jobs
// KEYS[5] -> relayq:{<qname>}:expiring
// --
// ARGV[1] -> record id
// ARGV[2] -> updated record data with CompletedAt set
// ARGV[3] -> retention deadline in unix time
// ARGV[4] -> job name, empty string if none
// ARGV[5] -> completion time in unix time
// ARGV[6] -> job scheduled time in unix time
//
// Output:
// Returns 1 if successfully committed
// Returns 0 if the record was no longer active
var markAsCompleteCmd = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[2], "msg", ARGV[2], "state", "completed")
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
redis.call("ZREM", KEYS[5], ARGV[1])
if ARGV[4] ~= "" then
	local marker = redis.call("HGET", KEYS[4], ARGV[4])
	if marker then
		local m = cjson.decode(marker)
		if tonumber(ARGV[6]) >= tonumber(m["scheduled_at"]) then
			m["completed_at"] = tonumber(ARGV[5])
			redis.call("HSET", KEYS[4], ARGV[4], cjson.encode(m))
		end
	end
end
return 1
`)

// MarkAsComplete commits the record and retains it for audit until the
// retention period elapses.
func (r *RDB) MarkAsComplete(ctx context.Context, msg *base.MessageRecord) error {
	var op errors.Op = "rdb.MarkAsComplete"
	now := r.clock.Now()
	msg.CompletedAt = now.Unix()
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("cannot encode message: %v", err))
	}
	keys := []string{
		base.WorkingKey(msg.Queue),
		base.RecordKey(msg.Queue, msg.ID),
		base.CompletedKey(msg.Queue),
		base.JobsKey(msg.Queue),
		base.ExpiringKey(msg.Queue),
	}
	argv := []interface{}{
		msg.ID,
		encoded,
		now.Unix() + msg.Retention,
		msg.JobName,
		now.Unix(),
		msg.JobScheduledAt,
	}
	n, err := r.runScriptWithErrorCode(ctx, op, markAsCompleteCmd, keys, argv...)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.NotFound, &errors.TaskNotFoundError{Queue: msg.Queue, ID: msg.ID})
	}
	return nil
}

// requeueCmd resets an active record back to a waiting set, clearing its
// heartbeat. No-op if the record is no longer active.
//
// Input:
// KEYS[1] -> relayq:{<qname>}:working
// KEYS[2] -> destination waiting set
// KEYS[3] -> relayq:{<qname>}:r:<id>
// --
// ARGV[1] -> record id
// ARGV[2] -> sort score in the destination set
// ARGV[3] -> state ("pending" or "scheduled")
var requeueCmd = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
redis.call("HSET", KEYS[3], "state", ARGV[3])
return 1
`)

// Requeue moves the record from active back to waiting. If processAt is in
// the future the record is parked in the scheduled set, which spaces out
// redelivery of a record reclaimed from a crashed or wedged worker.
func (r *RDB) Requeue(ctx context.Context, msg *base.MessageRecord, processAt time.Time) error {
	var op errors.Op = "rdb.Requeue"
	now := r.clock.Now()
	destKey := base.PendingKey(msg.Queue)
	score := base.PendingScore(msg.Priority, time.Unix(msg.EnqueuedAt, 0))
	state := "pending"
	if processAt.After(now) {
		destKey = base.ScheduledKey(msg.Queue)
		score = processAt.Unix()
		state = "scheduled"
	}
	keys := []string{
		base.WorkingKey(msg.Queue),
		destKey,
		base.RecordKey(msg.Queue, msg.ID),
	}
	argv := []interface{}{msg.ID, score, state}
	// Zero rows moved means another actor got there first; the reset is
	// idempotent so that is not an error.
	_, err := r.runScriptWithErrorCode(ctx, op, requeueCmd, keys, argv...)
	return err
}

// retryCmd rolls back a failed active record into the retry set.
//
// The transition is guarded by a compare-and-swap on the heartbeat deadline:
// if the stored deadline no longer matches what the worker last observed,
// the reaper has already reclaimed the record and the rollback must not
// clobber that reset.
//
// Input:
// KEYS[1] -> relayq:{<qname>}:working
// KEYS[2] -> relayq:{<qname>}:retry
// KEYS[3] -> relayq:{<qname>}:r:<id>
// --
// ARGV[1] -> record id
// ARGV[2] -> next eligibility time in unix time
// ARGV[3] -> updated record data
// ARGV[4] -> heartbeat deadline last observed by the worker, unix millis
//
// Output:
// Returns 1 on rollback
// Returns 0 if the record is no longer active
// Returns -1 if the heartbeat deadline did not match
var retryCmd = redis.NewScript(`
local score = redis.call("ZSCORE", KEYS[1], ARGV[1])
if not score then
	return 0
end
if tonumber(score) ~= tonumber(ARGV[4]) then
	return -1
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
redis.call("HSET", KEYS[3], "msg", ARGV[3], "state", "retry")
return 1
`)

// Retry moves the record from active to retry, to be redelivered at
// processAt. The caller has already updated the retry bookkeeping on msg
// when isFailure is true; when false the attempt does not count against the
// record (e.g. shutdown requeue through the failure path).
func (r *RDB) Retry(ctx context.Context, msg *base.MessageRecord, processAt time.Time, errMsg string, isFailure bool, lastHeartbeat time.Time) error {
	var op errors.Op = "rdb.Retry"
	now := r.clock.Now()
	modified := *msg
	if isFailure {
		modified.ErrorMsg = errMsg
		modified.LastFailedAt = now.Unix()
	}
	encoded, err := base.EncodeMessage(&modified)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	keys := []string{
		base.WorkingKey(msg.Queue),
		base.RetryKey(msg.Queue),
		base.RecordKey(msg.Queue, msg.ID),
	}
	argv := []interface{}{
		msg.ID,
		processAt.Unix(),
		encoded,
		lastHeartbeat.UnixMilli(),
	}
	n, err := r.runScriptWithErrorCode(ctx, op, retryCmd, keys, argv...)
	if err != nil {
		return err
	}
	// 0 and -1 both mean another actor owns the outcome now: the record was
	// committed, archived or reclaimed. The rollback is dropped on purpose.
	_ = n
	return nil
}

// archiveCmd routes a failed record to the error store.
//
// Input:
// KEYS[1] -> relayq:{<qname>}:working
// KEYS[2] -> relayq:{<qname>}:error
// KEYS[3] -> relayq:{<qname>}:errcounts
// KEYS[4] -> relayq:{<qname>}:r:<id>
// --
// ARGV[1] -> record id
// ARGV[2] -> occurrence count field "<id>|<class>"
// ARGV[3] -> updated record data
// ARGV[4] -> encoded error record
// ARGV[5] -> failure time in unix time
//
// Output:
// Returns the new occurrence count for the (record, class) pair.
var archiveCmd = redis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("ZADD", KEYS[2], ARGV[5], ARGV[1])
local n = redis.call("HINCRBY", KEYS[3], ARGV[2], 1)
redis.call("HSET", KEYS[4], "msg", ARGV[3], "err", ARGV[4], "state", "archived")
return n
`)

// Archive transitions the record to the error store with the given
// classification, incrementing the per-(record, class) occurrence count.
func (r *RDB) Archive(ctx context.Context, msg *base.MessageRecord, errClass, errMsg string) error {
	var op errors.Op = "rdb.Archive"
	now := r.clock.Now()
	modified := *msg
	modified.ErrorMsg = errMsg
	modified.LastFailedAt = now.Unix()
	encoded, err := base.EncodeMessage(&modified)
	if err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("cannot encode message: %v", err))
	}
	errRec, err := encodeErrorRecord(&base.ErrorRecord{
		ID:         msg.ID,
		Queue:      msg.Queue,
		ErrorClass: errClass,
		ErrorMsg:   errMsg,
		FailedAt:   now.Unix(),
	})
	if err != nil {
		return errors.E(op, errors.Internal, err)
	}
	keys := []string{
		base.WorkingKey(msg.Queue),
		base.ErrorKey(msg.Queue),
		base.ErrorCountsKey(msg.Queue),
		base.RecordKey(msg.Queue, msg.ID),
	}
	argv := []interface{}{
		msg.ID,
		msg.ID + "|" + errClass,
		encoded,
		errRec,
		now.Unix(),
	}
	_, err = r.runScriptWithErrorCode(ctx, op, archiveCmd, keys, argv...)
	return err
}

// forwardCmd moves waiting records whose not-before time has elapsed into
// the pending set, recomputing each record's pending score from its priority
// and enqueue time.
//
// Input:
// KEYS[1] -> source set (relayq:{<qname>}:scheduled or relayq:{<qname>}:retry)
// KEYS[2] -> relayq:{<qname>}:pending
// --
// ARGV[1] -> current time in unix time
// ARGV[2] -> record key prefix
// ARGV[3] -> max number of records to move
//
// Output:
// Returns the number of records moved.
var forwardCmd = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[3])
for _, id in ipairs(ids) do
	local key = ARGV[2] .. id
	local prio = 0
	local enq = 0
	local encoded = redis.call("HGET", key, "msg")
	if encoded then
		local msg = cjson.decode(encoded)
		prio = tonumber(msg["priority"]) or 0
		enq = tonumber(msg["enqueued_at"]) or 0
	end
	if prio < 0 then prio = 0 end
	if prio > 9 then prio = 9 end
	local score = (9 - prio) * 2^44 + enq * 1000
	redis.call("ZADD", KEYS[2], score, id)
	redis.call("ZREM", KEYS[1], id)
	redis.call("HSET", key, "state", "pending")
end
return #ids
`)

// maxForwardBatchSize bounds a single forwarding pass.
const maxForwardBatchSize = 100

// ForwardIfReady checks scheduled and retry sets of the given queues
// and move any records that are ready to be processed to the pending set.
func (r *RDB) ForwardIfReady(qnames ...string) error {
	var op errors.Op = "rdb.ForwardIfReady"
	ctx := context.Background()
	now := r.clock.Now()
	for _, qname := range qnames {
		sources := []string{base.ScheduledKey(qname), base.RetryKey(qname)}
		for _, src := range sources {
			keys := []string{src, base.PendingKey(qname)}
			argv := []interface{}{now.Unix(), base.RecordKeyPrefix(qname), maxForwardBatchSize}
			if err := forwardCmd.Run(ctx, r.client, keys, argv...).Err(); err != nil {
				return errors.E(op, errors.Internal, fmt.Sprintf("redis eval error: %v", err))
			}
		}
	}
	return nil
}

// extendHeartbeatCmd refreshes the heartbeat deadline of records still held
// in the working set. Records that have left the set are skipped.
//
// Input:
// KEYS[1] -> relayq:{<qname>}:working
// --
// ARGV[1] -> new heartbeat deadline in unix time milliseconds
// ARGV[2:] -> record ids
var extendHeartbeatCmd = redis.NewScript(`
for i = 2, #ARGV do
	redis.call("ZADD", KEYS[1], "XX", ARGV[1], ARGV[i])
end
return redis.status_reply("OK")
`)

// ExtendHeartbeat refreshes the heartbeat of the given records and returns
// the new deadline.
func (r *RDB) ExtendHeartbeat(qname string, ids ...string) (time.Time, error) {
	var op errors.Op = "rdb.ExtendHeartbeat"
	ctx := context.Background()
	deadline := r.clock.Now().Add(r.heartbeatTTL)
	argv := make([]interface{}, 0, len(ids)+1)
	argv = append(argv, deadline.UnixMilli())
	for _, id := range ids {
		argv = append(argv, id)
	}
	if err := r.runScript(ctx, op, extendHeartbeatCmd, []string{base.WorkingKey(qname)}, argv...); err != nil {
		return time.Time{}, err
	}
	return deadline, nil
}

// listStaleCmd returns records in the working set whose heartbeat deadline
// is older than the cutoff.
//
// Input:
// KEYS[1] -> relayq:{<qname>}:working
// --
// ARGV[1] -> cutoff in unix time milliseconds
// ARGV[2] -> record key prefix
var listStaleCmd = redis.NewScript(`
local res = {}
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(ids) do
	local encoded = redis.call("HGET", ARGV[2] .. id, "msg")
	if encoded then
		table.insert(res, encoded)
	end
end
return res
`)

// ListStale returns a list of active records whose heartbeat has not been
// refreshed since before the cutoff. These belong to workers that crashed or
// stalled; the caller resets them to waiting via Requeue.
func (r *RDB) ListStale(cutoff time.Time, qnames ...string) ([]*base.MessageRecord, error) {
	var op errors.Op = "rdb.ListStale"
	ctx := context.Background()
	var msgs []*base.MessageRecord
	for _, qname := range qnames {
		res, err := listStaleCmd.Run(ctx, r.client,
			[]string{base.WorkingKey(qname)},
			cutoff.UnixMilli(), base.RecordKeyPrefix(qname)).Result()
		if err != nil {
			return nil, errors.E(op, errors.Unknown, fmt.Sprintf("redis eval error: %v", err))
		}
		data, err := cast.ToStringSliceE(res)
		if err != nil {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("cast error: Lua script returned unexpected value: %v", res))
		}
		for _, s := range data {
			msg, err := base.DecodeMessage([]byte(s))
			if err != nil {
				// A stale record that no longer decodes is left for the
				// dequeue poison path once requeued by other means; skip it.
				continue
			}
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

// deleteExpiredCmd deletes waiting records whose expiration has passed.
// Active records keep their index entry so a later sweep can catch them once
// they return to a waiting state; archived records belong to the error store
// until purged, so only their index entry is dropped.
//
// Input:
// KEYS[1] -> relayq:{<qname>}:expiring
// KEYS[2] -> relayq:{<qname>}:pending
// KEYS[3] -> relayq:{<qname>}:scheduled
// KEYS[4] -> relayq:{<qname>}:retry
// --
// ARGV[1] -> current time in unix time
// ARGV[2] -> record key prefix
// ARGV[3] -> batch size
//
// Output:
// Returns the number of records deleted.
var deleteExpiredCmd = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[3])
local n = 0
for _, id in ipairs(ids) do
	local key = ARGV[2] .. id
	local state = redis.call("HGET", key, "state")
	if state == "pending" or state == "scheduled" or state == "retry" then
		redis.call("ZREM", KEYS[2], id)
		redis.call("ZREM", KEYS[3], id)
		redis.call("ZREM", KEYS[4], id)
		redis.call("DEL", key)
		redis.call("ZREM", KEYS[1], id)
		n = n + 1
	elseif state ~= "active" then
		redis.call("ZREM", KEYS[1], id)
	end
end
return n
`)

// deleteExpiredCompletedCmd deletes completed records past their retention.
//
// Input:
// KEYS[1] -> relayq:{<qname>}:completed
// --
// ARGV[1] -> current time in unix time
// ARGV[2] -> record key prefix
// ARGV[3] -> batch size
var deleteExpiredCompletedCmd = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[3])
for _, id in ipairs(ids) do
	redis.call("DEL", ARGV[2] .. id)
	redis.call("ZREM", KEYS[1], id)
end
return #ids
`)

// DeleteExpired deletes up to batchSize records whose time-to-live has
// passed, and completed records past their retention deadline.
func (r *RDB) DeleteExpired(qname string, batchSize int) error {
	var op errors.Op = "rdb.DeleteExpired"
	ctx := context.Background()
	now := r.clock.Now().Unix()
	keys := []string{
		base.ExpiringKey(qname),
		base.PendingKey(qname),
		base.ScheduledKey(qname),
		base.RetryKey(qname),
	}
	if err := r.runScript(ctx, op, deleteExpiredCmd, keys,
		now, base.RecordKeyPrefix(qname), batchSize); err != nil {
		return err
	}
	return r.runScript(ctx, op, deleteExpiredCompletedCmd,
		[]string{base.CompletedKey(qname)},
		now, base.RecordKeyPrefix(qname), batchSize)
}

// ErrorCount returns the number of records in the queue's error store.
func (r *RDB) ErrorCount(qname string) (int, error) {
	var op errors.Op = "rdb.ErrorCount"
	n, err := r.client.ZCard(context.Background(), base.ErrorKey(qname)).Result()
	if err != nil {
		return 0, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "zcard", Err: err})
	}
	return int(n), nil
}

// purgeErrorsCmd deletes error records older than the cutoff, along with the
// record data and any occurrence counts that no longer have a live error
// entry.
//
// Input:
// KEYS[1] -> relayq:{<qname>}:error
// KEYS[2] -> relayq:{<qname>}:errcounts
// --
// ARGV[1] -> exclusive cutoff in unix time ("+inf" purges everything)
// ARGV[2] -> record key prefix
//
// Output:
// Returns the number of error records deleted.
var purgeErrorsCmd = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(ids) do
	redis.call("DEL", ARGV[2] .. id)
	redis.call("ZREM", KEYS[1], id)
end
local fields = redis.call("HKEYS", KEYS[2])
for _, f in ipairs(fields) do
	local sep = string.find(f, "|", 1, true)
	if sep then
		local fid = string.sub(f, 1, sep - 1)
		if redis.call("ZSCORE", KEYS[1], fid) == false then
			redis.call("HDEL", KEYS[2], f)
		end
	end
end
return #ids
`)

// PurgeErrors deletes error records that failed before olderThan and returns
// the number deleted. A zero olderThan purges the entire error store.
func (r *RDB) PurgeErrors(qname string, olderThan time.Time) (int, error) {
	var op errors.Op = "rdb.PurgeErrors"
	ctx := context.Background()
	cutoff := "+inf"
	if !olderThan.IsZero() {
		// exclusive bound: a record that failed exactly at olderThan stays.
		cutoff = fmt.Sprintf("(%d", olderThan.Unix())
	}
	res, err := purgeErrorsCmd.Run(ctx, r.client,
		[]string{base.ErrorKey(qname), base.ErrorCountsKey(qname)},
		cutoff, base.RecordKeyPrefix(qname)).Result()
	if err != nil {
		return 0, errors.E(op, errors.Unknown, fmt.Sprintf("redis eval error: %v", err))
	}
	n, err := cast.ToIntE(res)
	if err != nil {
		return 0, errors.E(op, errors.Internal, fmt.Sprintf("cast error: Lua script returned unexpected value: %v", res))
	}
	return n, nil
}

// Pause stops delivery from the given queue; records continue to accumulate.
func (r *RDB) Pause(qname string) error {
	var op errors.Op = "rdb.Pause"
	if err := r.client.Set(context.Background(), base.PausedKey(qname), r.clock.Now().Unix(), 0).Err(); err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "set", Err: err})
	}
	return nil
}

// Unpause resumes delivery from the given queue. Queues are registered in the
// all-queues set on first enqueue, so an unregistered queue is reported as
// not found rather than silently ignored.
func (r *RDB) Unpause(qname string) error {
	var op errors.Op = "rdb.Unpause"
	ctx := context.Background()
	n, err := r.client.Del(ctx, base.PausedKey(qname)).Result()
	if err != nil {
		return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "del", Err: err})
	}
	if n == 0 {
		known, err := r.client.SIsMember(ctx, base.AllQueues, qname).Result()
		if err != nil {
			return errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "sismember", Err: err})
		}
		if !known {
			return errors.E(op, errors.NotFound, &errors.QueueNotFoundError{Queue: qname})
		}
	}
	return nil
}

// ErrorOccurrences returns the occurrence count recorded for the given
// (record, error class) pair.
func (r *RDB) ErrorOccurrences(qname, id, errClass string) (int, error) {
	var op errors.Op = "rdb.ErrorOccurrences"
	res, err := r.client.HGet(context.Background(), base.ErrorCountsKey(qname), id+"|"+errClass).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errors.E(op, errors.Unknown, &errors.RedisCommandError{Command: "hget", Err: err})
	}
	return cast.ToInt(res), nil
}
