// Copyright 2024 The relayq authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package base defines foundational types and constants used in relayq package.
package base

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/relayq/relayq/internal/errors"
	"github.com/relayq/relayq/internal/timeutil"
)

// Version of relayq library.
const Version = "1.0.0"

// DefaultQueueName is the queue name used if none are specified by user.
const DefaultQueueName = "default"

// DefaultQueue is the redis key for the default queue.
var DefaultQueue = PendingKey(DefaultQueueName)

// AllQueues is the redis key for the set of all queue names.
const AllQueues = "relayq:queues" // SET

// MessageState denotes the lifecycle state of a message record.
//
// Pending, scheduled and retry records are all waiting for delivery; the
// difference is whether a not-before time gates their eligibility. Active
// records are owned by exactly one worker. Archived records have been routed
// to the error store and are not redelivered.
type MessageState int

const (
	StateActive MessageState = iota + 1
	StatePending
	StateScheduled
	StateRetry
	StateArchived
	StateCompleted
)

func (s MessageState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePending:
		return "pending"
	case StateScheduled:
		return "scheduled"
	case StateRetry:
		return "retry"
	case StateArchived:
		return "archived"
	case StateCompleted:
		return "completed"
	}
	panic(fmt.Sprintf("internal error: unknown message state %d", s))
}

func StateFromString(s string) (MessageState, error) {
	switch s {
	case "active":
		return StateActive, nil
	case "pending":
		return StatePending, nil
	case "scheduled":
		return StateScheduled, nil
	case "retry":
		return StateRetry, nil
	case "archived":
		return StateArchived, nil
	case "completed":
		return StateCompleted, nil
	}
	return 0, errors.E(errors.FailedPrecondition, fmt.Sprintf("%q is not supported message state", s))
}

// TransformHeader is the header key carrying the producer-side transform
// descriptor. A consumer reverses the named transform before handing the
// payload to user code.
const TransformHeader = "relayq-transform"

// TransformGzip is the transform descriptor for gzip-compressed payloads.
const TransformGzip = "gzip"

// ValidateQueueName validates a given qname to be used as a queue name.
// Returns nil if valid, otherwise returns non-nil error.
func ValidateQueueName(qname string) error {
	if len(strings.TrimSpace(qname)) == 0 {
		return fmt.Errorf("queue name must contain one or more characters")
	}
	return nil
}

// QueueKeyPrefix returns a prefix for all keys in the given queue.
func QueueKeyPrefix(qname string) string {
	return "relayq:{" + qname + "}:"
}

// RecordKeyPrefix returns a prefix for record keys.
func RecordKeyPrefix(qname string) string {
	return QueueKeyPrefix(qname) + "r:"
}

// RecordKey returns a redis key for the given message record.
func RecordKey(qname, id string) string {
	return RecordKeyPrefix(qname) + id
}

// PendingKey returns a redis key for the pending set of the given queue.
func PendingKey(qname string) string {
	return QueueKeyPrefix(qname) + "pending"
}

// WorkingKey returns a redis key for the in-flight set of the given queue.
// Members are record IDs scored by their heartbeat deadline.
func WorkingKey(qname string) string {
	return QueueKeyPrefix(qname) + "working"
}

// ScheduledKey returns a redis key for the delayed records of the given queue.
func ScheduledKey(qname string) string {
	return QueueKeyPrefix(qname) + "scheduled"
}

// RetryKey returns a redis key for records awaiting a retry attempt.
func RetryKey(qname string) string {
	return QueueKeyPrefix(qname) + "retry"
}

// ErrorKey returns a redis key for the error store of the given queue.
func ErrorKey(qname string) string {
	return QueueKeyPrefix(qname) + "error"
}

// ErrorCountsKey returns a redis key for the per-(record, error class)
// occurrence counts of the given queue.
func ErrorCountsKey(qname string) string {
	return QueueKeyPrefix(qname) + "errcounts"
}

// CompletedKey returns a redis key for completed records kept for audit.
func CompletedKey(qname string) string {
	return QueueKeyPrefix(qname) + "completed"
}

// JobsKey returns a redis key for the scheduled-job markers of the given
// queue. It is a hash of job name to encoded JobMarker.
func JobsKey(qname string) string {
	return QueueKeyPrefix(qname) + "jobs"
}

// PausedKey returns a redis key to indicate that the given queue is paused.
func PausedKey(qname string) string {
	return QueueKeyPrefix(qname) + "paused"
}

// ExpiringKey returns a redis key for the expiration index of the given
// queue. Members are record IDs scored by their expiration time.
func ExpiringKey(qname string) string {
	return QueueKeyPrefix(qname) + "expiring"
}

// MaxPriority is the highest message priority. Priorities range from 0
// (lowest, default) to MaxPriority inclusive.
const MaxPriority = 9

// priorityBand spaces priorities far enough apart in a pending score that
// enqueue timestamps (unix millis, ~2^41) never cross bands. The band width
// stays below 2^53 so scores survive the float64 round trip through redis.
const priorityBand = int64(1) << 44

// PendingScore computes the sort score for a waiting record: higher priority
// sorts first, FIFO by enqueue time within a priority.
func PendingScore(priority int, enqueuedAt time.Time) int64 {
	if priority < 0 {
		priority = 0
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	return int64(MaxPriority-priority)*priorityBand + enqueuedAt.UnixMilli()
}

// MessageRecord is the internal representation of a queued message with its
// lifecycle metadata. Serialized data of this type gets written to the store.
type MessageRecord struct {
	// Type indicates the kind of work to be performed.
	Type string `json:"type"`

	// Payload holds serialized data needed to process the message.
	Payload []byte `json:"payload"`

	// Headers holds arbitrary key/value metadata supplied by the producer,
	// including the transform descriptor under TransformHeader.
	Headers map[string]string `json:"headers,omitempty"`

	// ID is a unique identifier for each message, assigned at enqueue.
	ID string `json:"id"`

	// CorrelationID is a client-supplied identifier carried through the
	// message lifecycle, typically a UUID.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Queue is the name this message was enqueued to.
	Queue string `json:"queue"`

	// Priority orders delivery within a queue; higher is delivered first.
	// Zero is the default and yields plain FIFO.
	Priority int `json:"priority,omitempty"`

	// Retry is the max number of retries for this message.
	Retry int `json:"retry"`

	// Retried is the number of times we've retried this message so far.
	Retried int `json:"retried"`

	// RetriedByClass counts retries per error classification key. The retry
	// policy indexes its delay list with these counts.
	RetriedByClass map[string]int `json:"retried_by_class,omitempty"`

	// ErrorMsg holds the error message from the last failure.
	ErrorMsg string `json:"error_msg,omitempty"`

	// Time of last failure in Unix time,
	// the number of seconds elapsed since January 1, 1970 UTC.
	//
	// Use zero to indicate no last failure
	LastFailedAt int64 `json:"last_failed_at,omitempty"`

	// Timeout specifies timeout in seconds.
	// If processing doesn't complete within the timeout, the message will be
	// retried if retry count is remaining. Otherwise it is routed to the
	// error store.
	//
	// Use zero to indicate no timeout.
	Timeout int64 `json:"timeout,omitempty"`

	// Deadline specifies the processing deadline in Unix time.
	//
	// Use zero to indicate no deadline.
	Deadline int64 `json:"deadline,omitempty"`

	// EnqueuedAt is the time the message was accepted, in Unix time.
	EnqueuedAt int64 `json:"enqueued_at"`

	// ProcessAt is the not-before time in Unix time. A record with a future
	// ProcessAt is held in the scheduled set until the time elapses.
	//
	// Use zero to indicate immediate eligibility.
	ProcessAt int64 `json:"process_at,omitempty"`

	// ExpiresAt is the expiration time in Unix time. Once passed, the record
	// is deleted rather than delivered, regardless of state.
	//
	// Use zero to indicate no expiration.
	ExpiresAt int64 `json:"expires_at,omitempty"`

	// JobName names the scheduled job this message belongs to.
	//
	// Empty string indicates the message is not tied to a scheduled job.
	JobName string `json:"job_name,omitempty"`

	// JobScheduledAt is the scheduled occurrence time for JobName in Unix time.
	JobScheduledAt int64 `json:"job_scheduled_at,omitempty"`

	// Retention specifies the number of seconds the record should be retained
	// after completion. Zero means the record is deleted on commit.
	Retention int64 `json:"retention,omitempty"`

	// CompletedAt is the time the message was processed successfully in Unix
	// time.
	//
	// Use zero to indicate no value.
	CompletedAt int64 `json:"completed_at,omitempty"`
}

// EncodeMessage marshals the given message record and returns an encoded bytes.
func EncodeMessage(msg *MessageRecord) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("cannot encode nil message")
	}
	return json.Marshal(msg)
}

// DecodeMessage unmarshals the given bytes and returns a decoded message record.
func DecodeMessage(data []byte) (*MessageRecord, error) {
	var msg MessageRecord
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// JobMarker records the last known occurrence of a named scheduled job.
// It is the unit of scheduled-job deduplication: at most one record may be
// queued or processed per (job name, scheduled time) pair.
type JobMarker struct {
	// Name of the job.
	Name string `json:"name"`

	// ScheduledAt is the scheduled time of the last claimed occurrence,
	// in Unix time.
	ScheduledAt int64 `json:"scheduled_at"`

	// CompletedAt is the event time of the last successfully processed
	// occurrence, in Unix time. Zero if no occurrence has completed yet.
	CompletedAt int64 `json:"completed_at,omitempty"`
}

// EncodeJobMarker marshals the given marker and returns the encoded bytes.
func EncodeJobMarker(m *JobMarker) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("cannot encode nil job marker")
	}
	return json.Marshal(m)
}

// DecodeJobMarker decodes the given bytes into a JobMarker.
func DecodeJobMarker(b []byte) (*JobMarker, error) {
	var m JobMarker
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ErrorRecord describes a failed or poison message retained in the error
// store of a queue.
type ErrorRecord struct {
	// ID of the originating message record.
	ID string `json:"id"`

	// Queue the message belonged to.
	Queue string `json:"queue"`

	// ErrorClass is the classification key of the failure.
	ErrorClass string `json:"error_class"`

	// ErrorMsg holds the failure detail.
	ErrorMsg string `json:"error_msg"`

	// Occurrences counts failures of this class for this record.
	Occurrences int `json:"occurrences"`

	// RawPayload retains the undecodable bytes of a poison record.
	// Nil for ordinary failures.
	RawPayload []byte `json:"raw_payload,omitempty"`

	// FailedAt is the time of the last failure in Unix time.
	FailedAt int64 `json:"failed_at"`
}

// EncodeErrorRecord marshals the given error record and returns the encoded bytes.
func EncodeErrorRecord(rec *ErrorRecord) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("cannot encode nil error record")
	}
	return json.Marshal(rec)
}

// DecodeErrorRecord decodes the given bytes into an ErrorRecord.
func DecodeErrorRecord(b []byte) (*ErrorRecord, error) {
	var rec ErrorRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Lease is a time bound lease for a worker to process a message. The
// expiration time tracks the record's heartbeat deadline in the store:
// renewing the heartbeat resets the lease, and the reaper reclaiming the
// record is observed as the lease expiring.
//
// It provides a communication channel between lessor and lessee about lease expiration.
type Lease struct {
	once sync.Once
	ch   chan struct{}

	Clock timeutil.Clock

	mu       sync.Mutex
	expireAt time.Time // guarded by mu
}

func NewLease(expirationTime time.Time) *Lease {
	return &Lease{
		ch:       make(chan struct{}),
		expireAt: expirationTime,
		Clock:    timeutil.NewRealClock(),
	}
}

// Reset changes the lease to expire at the given time.
// It returns true if the lease is still valid and reset operation was successful, false if the lease had been expired.
func (l *Lease) Reset(expirationTime time.Time) bool {
	if !l.IsValid() {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expireAt = expirationTime
	return true
}

// NotifyExpiration sends a notification to lessee about expired lease
// Returns true if notification was sent, returns false if the lease is still valid and notification was not sent.
func (l *Lease) NotifyExpiration() bool {
	if l.IsValid() {
		return false
	}
	l.once.Do(l.closeCh)
	return true
}

func (l *Lease) closeCh() {
	close(l.ch)
}

// Done returns a communication channel from which the lessee can read to get notified when lessor notifies about lease expiration.
func (l *Lease) Done() <-chan struct{} {
	return l.ch
}

// Deadline returns the expiration time of the lease.
func (l *Lease) Deadline() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expireAt
}

// IsValid returns true if the lease's expiration time is in the future or equals to the current time,
// returns false otherwise.
func (l *Lease) IsValid() bool {
	now := l.Clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expireAt.After(now) || l.expireAt.Equal(now)
}

// Broker is a record store that supports operations to manage message
// lifecycle state.
//
// Two implementations exist: rdb.RDB runs every multi-step transition as a
// single atomic server-side script on redis; sqldb.SQLDB runs each transition
// in one database transaction. Shared lifecycle logic calls only through this
// interface.
type Broker interface {
	Ping() error
	Close() error

	// Enqueue inserts the record in waiting state. Records with a future
	// ProcessAt are held until eligible; records carrying a JobName must be
	// enqueued via EnqueueUnique instead.
	Enqueue(ctx context.Context, msg *MessageRecord) error

	// EnqueueUnique claims the (JobName, JobScheduledAt) occurrence and
	// inserts the record in the same atomic unit. Returns
	// errors.ErrDuplicateJob if the occurrence has already been queued or
	// processed, in which case no record is created.
	EnqueueUnique(ctx context.Context, msg *MessageRecord) error

	// Dequeue atomically claims the next eligible record from the first
	// non-empty queue: waiting, delay elapsed, not expired, ordered by
	// priority then enqueue time. The claimed record transitions to active
	// with a fresh heartbeat; the returned time is the heartbeat deadline.
	//
	// Returns errors.ErrNoProcessableTask if every queue is empty.
	// Returns *errors.PoisonError if a claimed record could not be decoded;
	// the record has been consumed and routed to the error store.
	Dequeue(qnames ...string) (*MessageRecord, time.Time, error)

	// Done commits the record: it is removed from the store. If the record
	// belongs to a scheduled job, the job marker's event time is advanced in
	// the same atomic unit.
	Done(ctx context.Context, msg *MessageRecord) error

	// MarkAsComplete commits the record but retains it in completed state
	// for msg.Retention seconds, for audit.
	MarkAsComplete(ctx context.Context, msg *MessageRecord) error

	// Requeue resets an active record back to waiting, clearing its
	// heartbeat, with an optional not-before time. Used by the reaper and on
	// shutdown. It is a no-op if the record is no longer active.
	Requeue(ctx context.Context, msg *MessageRecord, processAt time.Time) error

	// Retry transitions an active record back to waiting with the given
	// not-before time, recording the failure. The transition applies only if
	// the record's stored heartbeat deadline still equals lastHeartbeat;
	// otherwise the reaper already reclaimed the record and the call returns
	// without effect. If isFailure is true, retry bookkeeping is updated.
	Retry(ctx context.Context, msg *MessageRecord, processAt time.Time, errMsg string, isFailure bool, lastHeartbeat time.Time) error

	// Archive routes the record to the error store: retries exhausted or
	// non-retryable failure. The per-(record, class) occurrence count is
	// incremented.
	Archive(ctx context.Context, msg *MessageRecord, errClass, errMsg string) error

	// ForwardIfReady moves scheduled and retry records whose not-before time
	// has elapsed into the pending set. Implementations whose dequeue
	// predicate already covers eligibility may make this a no-op.
	ForwardIfReady(qnames ...string) error

	// ExtendHeartbeat refreshes the heartbeat of the given active records and
	// returns the new shared heartbeat deadline. Records no longer active are
	// skipped.
	ExtendHeartbeat(qname string, ids ...string) (time.Time, error)

	// ListStale returns active records whose heartbeat deadline is older than
	// cutoff. The caller resets them via Requeue.
	ListStale(cutoff time.Time, qnames ...string) ([]*MessageRecord, error)

	// DeleteExpired deletes up to batchSize records whose expiration has
	// passed, and completed records past their retention.
	DeleteExpired(qname string, batchSize int) error

	// ErrorCount returns the number of records in the queue's error store.
	ErrorCount(qname string) (int, error)

	// PurgeErrors deletes error records that failed before olderThan and
	// returns the number deleted. A zero olderThan purges everything.
	PurgeErrors(qname string, olderThan time.Time) (int, error)
}
