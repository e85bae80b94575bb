// Copyright 2024 The relayq authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/relayq/relayq/internal/base"
	"github.com/relayq/relayq/internal/errors"
	"github.com/relayq/relayq/internal/rdb"
)

// A Client is responsible for enqueuing messages.
//
// A Client is used to enqueue a message to be processed immediately or some
// time in the future.
//
// It is safe for concurrent use by multiple goroutines.
type Client struct {
	broker base.Broker
	// When a Client has been created with an existing broker connection, we do
	// not want to close it.
	sharedConnection bool
}

// NewClient returns a new Client instance given a store connection option.
func NewClient(c ConnOpt) (*Client, error) {
	broker, err := c.makeBroker()
	if err != nil {
		return nil, fmt.Errorf("relayq: cannot open store: %v", err)
	}
	return &Client{broker: broker}, nil
}

// NewClientFromRedisClient returns a new Client instance given a redis client.
// Warning: the given redis client will not be closed by Close.
func NewClientFromRedisClient(c redis.UniversalClient) *Client {
	return newClientWithBroker(rdb.NewRDB(c))
}

func newClientWithBroker(b base.Broker) *Client {
	return &Client{broker: b, sharedConnection: true}
}

// Close closes the connection with the record store.
func (c *Client) Close() error {
	if c.sharedConnection {
		return fmt.Errorf("relayq: cannot close client created from a shared connection")
	}
	return c.broker.Close()
}

// OptionType describes a type of an option.
type OptionType int

const (
	MaxRetryOpt OptionType = iota
	QueueOpt
	PriorityOpt
	TimeoutOpt
	DeadlineOpt
	ProcessAtOpt
	ProcessInOpt
	TTLOpt
	MessageIDOpt
	CorrelationIDOpt
	RetentionOpt
	HeaderOpt
	JobOpt
	CompressOpt
)

// Option specifies the message processing behavior.
type Option interface {
	// String returns a string representation of the option.
	String() string

	// Type describes the type of the option.
	Type() OptionType

	// Value returns a value used to create this option.
	Value() interface{}
}

// Internal option representations.
type (
	retryOption         int
	queueOption         string
	priorityOption      int
	timeoutOption       time.Duration
	deadlineOption      time.Time
	processAtOption     time.Time
	processInOption     time.Duration
	ttlOption           time.Duration
	messageIDOption     string
	correlationIDOption string
	retentionOption     time.Duration
	headerOption        [2]string
	jobOption           struct {
		name        string
		scheduledAt time.Time
	}
	compressOption bool
)

// MaxRetry returns an option to specify the max number of times
// the message will be retried.
//
// Negative retry count is treated as zero retry.
func MaxRetry(n int) Option {
	if n < 0 {
		n = 0
	}
	return retryOption(n)
}

func (n retryOption) String() string     { return fmt.Sprintf("MaxRetry(%d)", int(n)) }
func (n retryOption) Type() OptionType   { return MaxRetryOpt }
func (n retryOption) Value() interface{} { return int(n) }

// Queue returns an option to specify the queue to enqueue the message into.
func Queue(name string) Option {
	return queueOption(name)
}

func (name queueOption) String() string     { return fmt.Sprintf("Queue(%q)", string(name)) }
func (name queueOption) Type() OptionType   { return QueueOpt }
func (name queueOption) Value() interface{} { return string(name) }

// Priority returns an option to specify the delivery priority within the
// queue. Priorities range from 0 (default) to 9; higher delivers first, and
// messages of equal priority deliver in enqueue order.
func Priority(p int) Option {
	return priorityOption(p)
}

func (p priorityOption) String() string     { return fmt.Sprintf("Priority(%d)", int(p)) }
func (p priorityOption) Type() OptionType   { return PriorityOpt }
func (p priorityOption) Value() interface{} { return int(p) }

// Timeout returns an option to specify how long a message may be processed
// before it is rolled back for retry.
//
// Zero duration means no limit.
//
// If there's a conflicting Deadline option, whichever comes earliest
// will be used.
func Timeout(d time.Duration) Option {
	return timeoutOption(d)
}

func (d timeoutOption) String() string     { return fmt.Sprintf("Timeout(%v)", time.Duration(d)) }
func (d timeoutOption) Type() OptionType   { return TimeoutOpt }
func (d timeoutOption) Value() interface{} { return time.Duration(d) }

// Deadline returns an option to specify the deadline for the given message.
//
// If it reaches the deadline before the Handler returns, then the message
// will be retried.
//
// If there's a conflicting Timeout option, whichever comes earliest
// will be used.
func Deadline(t time.Time) Option {
	return deadlineOption(t)
}

func (t deadlineOption) String() string {
	return fmt.Sprintf("Deadline(%v)", time.Time(t).Format(time.UnixDate))
}
func (t deadlineOption) Type() OptionType   { return DeadlineOpt }
func (t deadlineOption) Value() interface{} { return time.Time(t) }

// ProcessAt returns an option to specify when to deliver the given message.
//
// If set to a time in the past, the message will be delivered as soon as
// possible.
func ProcessAt(t time.Time) Option {
	return processAtOption(t)
}

func (t processAtOption) String() string {
	return fmt.Sprintf("ProcessAt(%v)", time.Time(t).Format(time.UnixDate))
}
func (t processAtOption) Type() OptionType   { return ProcessAtOpt }
func (t processAtOption) Value() interface{} { return time.Time(t) }

// ProcessIn returns an option to specify when to deliver the given message,
// relative to now.
func ProcessIn(d time.Duration) Option {
	return processInOption(d)
}

func (d processInOption) String() string     { return fmt.Sprintf("ProcessIn(%v)", time.Duration(d)) }
func (d processInOption) Type() OptionType   { return ProcessInOpt }
func (d processInOption) Value() interface{} { return time.Duration(d) }

// TTL returns an option to specify how long the message stays deliverable.
// Once the duration elapses the record is deleted rather than delivered,
// regardless of its state.
func TTL(d time.Duration) Option {
	return ttlOption(d)
}

func (d ttlOption) String() string     { return fmt.Sprintf("TTL(%v)", time.Duration(d)) }
func (d ttlOption) Type() OptionType   { return TTLOpt }
func (d ttlOption) Value() interface{} { return time.Duration(d) }

// MessageID returns an option to specify the message ID.
func MessageID(id string) Option {
	return messageIDOption(id)
}

func (id messageIDOption) String() string     { return fmt.Sprintf("MessageID(%q)", string(id)) }
func (id messageIDOption) Type() OptionType   { return MessageIDOpt }
func (id messageIDOption) Value() interface{} { return string(id) }

// CorrelationID returns an option to attach a client-supplied correlation
// identifier, carried through the message lifecycle.
func CorrelationID(id string) Option {
	return correlationIDOption(id)
}

func (id correlationIDOption) String() string     { return fmt.Sprintf("CorrelationID(%q)", string(id)) }
func (id correlationIDOption) Type() OptionType   { return CorrelationIDOpt }
func (id correlationIDOption) Value() interface{} { return string(id) }

// Retention returns an option to specify the duration of retention period
// for the message. If this option is provided, the message will be retained
// as a completed record after successful processing instead of being deleted.
func Retention(d time.Duration) Option {
	return retentionOption(d)
}

func (ttl retentionOption) String() string     { return fmt.Sprintf("Retention(%v)", time.Duration(ttl)) }
func (ttl retentionOption) Type() OptionType   { return RetentionOpt }
func (ttl retentionOption) Value() interface{} { return time.Duration(ttl) }

// Header returns an option to attach a key/value pair delivered with the
// message.
func Header(key, value string) Option {
	return headerOption([2]string{key, value})
}

func (h headerOption) String() string     { return fmt.Sprintf("Header(%q, %q)", h[0], h[1]) }
func (h headerOption) Type() OptionType   { return HeaderOpt }
func (h headerOption) Value() interface{} { return [2]string(h) }

// Job returns an option to tie the message to a scheduled-job occurrence.
// At most one message per (name, scheduledAt) pair is ever accepted: a
// second enqueue for the same or an earlier occurrence fails with
// ErrDuplicateJob and no record is created.
func Job(name string, scheduledAt time.Time) Option {
	return jobOption{name: name, scheduledAt: scheduledAt}
}

func (j jobOption) String() string {
	return fmt.Sprintf("Job(%q, %v)", j.name, j.scheduledAt.Format(time.UnixDate))
}
func (j jobOption) Type() OptionType   { return JobOpt }
func (j jobOption) Value() interface{} { return j }

// Compress returns an option to gzip the payload before it is written to the
// store. The transform is recorded in the message headers and reversed
// before the Handler sees the payload.
func Compress() Option {
	return compressOption(true)
}

func (c compressOption) String() string     { return "Compress()" }
func (c compressOption) Type() OptionType   { return CompressOpt }
func (c compressOption) Value() interface{} { return bool(c) }

// ErrDuplicateJob indicates that the given message could not be enqueued
// because its scheduled-job occurrence has already been claimed.
//
// ErrDuplicateJob error only applies to messages enqueued with the Job option.
var ErrDuplicateJob = errors.New("job occurrence already claimed")

// ErrMessageIDConflict indicates that the given message could not be enqueued
// since its message ID already exists.
//
// ErrMessageIDConflict error only applies to messages enqueued with the
// MessageID option.
var ErrMessageIDConflict = errors.New("message ID conflicts with another message")

type option struct {
	retry          int
	queue          string
	priority       int
	timeout        time.Duration
	deadline       time.Time
	processAt      time.Time
	ttl            time.Duration
	messageID      string
	correlationID  string
	retention      time.Duration
	headers        map[string]string
	jobName        string
	jobScheduledAt time.Time
	compress       bool
}

// composeOptions merges user provided options into the default options
// and returns the composed option.
// It also validates the user provided options and returns an error if any of
// the user provided options fail the validations.
func composeOptions(opts ...Option) (option, error) {
	res := option{
		retry:     defaultMaxRetry,
		queue:     base.DefaultQueueName,
		processAt: time.Now(),
	}
	for _, opt := range opts {
		switch opt := opt.(type) {
		case retryOption:
			res.retry = int(opt)
		case queueOption:
			qname := string(opt)
			if err := base.ValidateQueueName(qname); err != nil {
				return option{}, err
			}
			res.queue = qname
		case priorityOption:
			p := int(opt)
			if p < 0 || p > base.MaxPriority {
				return option{}, fmt.Errorf("priority must be between 0 and %d", base.MaxPriority)
			}
			res.priority = p
		case timeoutOption:
			res.timeout = time.Duration(opt)
		case deadlineOption:
			res.deadline = time.Time(opt)
		case processAtOption:
			res.processAt = time.Time(opt)
		case processInOption:
			res.processAt = time.Now().Add(time.Duration(opt))
		case ttlOption:
			if time.Duration(opt) <= 0 {
				return option{}, fmt.Errorf("TTL must be a positive duration")
			}
			res.ttl = time.Duration(opt)
		case messageIDOption:
			id := string(opt)
			if isBlank(id) {
				return option{}, fmt.Errorf("message ID cannot be empty")
			}
			res.messageID = id
		case correlationIDOption:
			res.correlationID = string(opt)
		case retentionOption:
			res.retention = time.Duration(opt)
		case headerOption:
			if res.headers == nil {
				res.headers = make(map[string]string)
			}
			res.headers[opt[0]] = opt[1]
		case jobOption:
			if isBlank(opt.name) {
				return option{}, fmt.Errorf("job name cannot be empty")
			}
			if opt.scheduledAt.IsZero() {
				return option{}, fmt.Errorf("job scheduled time cannot be zero")
			}
			res.jobName = opt.name
			res.jobScheduledAt = opt.scheduledAt
		case compressOption:
			res.compress = bool(opt)
		default:
			// ignore unexpected option
		}
	}
	return res, nil
}

// isBlank returns true if the given s is empty or consist of all whitespaces.
func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

const (
	// Default max retry count used if nothing is specified.
	defaultMaxRetry = 25
)

// Enqueue enqueues the given message to a queue.
//
// Enqueue returns MessageInfo and nil error if the message is enqueued
// successfully, otherwise returns a non-nil error.
//
// The argument opts specifies the behavior of message processing.
// If there are conflicting Option values the last one overrides others.
// Any options provided to NewMessage can be overridden by options passed to
// Enqueue.
//
// If no ProcessAt or ProcessIn options are provided, the message will be
// deliverable immediately.
func (c *Client) Enqueue(msg *Message, opts ...Option) (*MessageInfo, error) {
	return c.EnqueueContext(context.Background(), msg, opts...)
}

// EnqueueContext enqueues the given message to a queue.
//
// The first argument context applies to the enqueue operation. To specify
// message timeout and deadline, use Timeout and Deadline option instead.
func (c *Client) EnqueueContext(ctx context.Context, msg *Message, opts ...Option) (*MessageInfo, error) {
	rec, err := c.buildRecord(msg, opts)
	if err != nil {
		return nil, err
	}
	return c.enqueueRecord(ctx, rec)
}

// A BatchResult holds the outcome of one item of an EnqueueBatch call.
type BatchResult struct {
	// Info describes the enqueued message. Nil if Err is non-nil.
	Info *MessageInfo

	// Err is the enqueue error for this item, nil on success.
	Err error
}

// EnqueueBatch enqueues the given messages and reports a per-item outcome.
// Items are enqueued independently: one item failing does not prevent the
// others from being enqueued, and the returned slice always has one entry
// per input message, in order.
func (c *Client) EnqueueBatch(ctx context.Context, msgs []*Message, opts ...Option) []BatchResult {
	results := make([]BatchResult, len(msgs))
	for i, msg := range msgs {
		rec, err := c.buildRecord(msg, opts)
		if err != nil {
			results[i] = BatchResult{Err: err}
			continue
		}
		info, err := c.enqueueRecord(ctx, rec)
		results[i] = BatchResult{Info: info, Err: err}
	}
	return results
}

func (c *Client) buildRecord(msg *Message, opts []Option) (*base.MessageRecord, error) {
	if msg == nil {
		return nil, fmt.Errorf("relayq: message cannot be nil")
	}
	if isBlank(msg.Type()) {
		return nil, fmt.Errorf("relayq: message typename cannot be empty")
	}
	// merge message options with the options provided at enqueue time.
	opts = append(msg.opts, opts...)
	opt, err := composeOptions(opts...)
	if err != nil {
		return nil, err
	}
	deadline := noDeadline
	if !opt.deadline.IsZero() {
		deadline = opt.deadline
	}
	timeout := noTimeout
	if opt.timeout != 0 {
		timeout = opt.timeout
	}
	if deadline.Equal(noDeadline) && timeout == noTimeout {
		// If neither deadline nor timeout are set, use default timeout.
		timeout = defaultTimeout
	}
	headers := opt.headers
	payload := msg.Payload()
	if opt.compress {
		compressed, err := compressPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("relayq: cannot compress payload: %v", err)
		}
		payload = compressed
		if headers == nil {
			headers = make(map[string]string)
		}
		headers[base.TransformHeader] = base.TransformGzip
	}
	id := opt.messageID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	var expiresAt int64
	if opt.ttl > 0 {
		expiresAt = now.Add(opt.ttl).Unix()
	}
	var processAt int64
	if opt.processAt.After(now) {
		processAt = opt.processAt.Unix()
	}
	rec := &base.MessageRecord{
		ID:            id,
		CorrelationID: opt.correlationID,
		Type:          msg.Type(),
		Payload:       payload,
		Headers:       headers,
		Queue:         opt.queue,
		Priority:      opt.priority,
		Retry:         opt.retry,
		Deadline:      int64(deadline.Unix()),
		Timeout:       int64(timeout.Seconds()),
		EnqueuedAt:    now.Unix(),
		ProcessAt:     processAt,
		ExpiresAt:     expiresAt,
		Retention:     int64(opt.retention.Seconds()),
	}
	if deadline.Equal(noDeadline) {
		rec.Deadline = 0
	}
	if rec.Timeout < 0 {
		rec.Timeout = 0
	}
	if opt.jobName != "" {
		rec.JobName = opt.jobName
		rec.JobScheduledAt = opt.jobScheduledAt.Unix()
	}
	return rec, nil
}

func (c *Client) enqueueRecord(ctx context.Context, rec *base.MessageRecord) (*MessageInfo, error) {
	var err error
	if rec.JobName != "" {
		err = c.broker.EnqueueUnique(ctx, rec)
	} else {
		err = c.broker.Enqueue(ctx, rec)
	}
	switch {
	case errors.Is(err, errors.ErrDuplicateJob):
		return nil, fmt.Errorf("%w", ErrDuplicateJob)
	case errors.Is(err, errors.ErrTaskIdConflict):
		return nil, fmt.Errorf("%w", ErrMessageIDConflict)
	case err != nil:
		return nil, err
	}
	state := base.StatePending
	nextProcessAt := time.Now()
	if rec.ProcessAt > rec.EnqueuedAt {
		state = base.StateScheduled
		nextProcessAt = time.Unix(rec.ProcessAt, 0)
	}
	return newMessageInfo(rec, state, nextProcessAt), nil
}

// Ping performs a ping against the store connection.
//
// This is an alternative to the Server.Ping.
func (c *Client) Ping() error {
	return c.broker.Ping()
}

var (
	noTimeout  time.Duration = 0
	noDeadline time.Time     = time.Unix(0, 0)
)

const defaultTimeout = 30 * time.Minute
