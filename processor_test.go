// Copyright 2024 The relayq authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/base"
	"github.com/relayq/relayq/internal/errors"
	"github.com/relayq/relayq/internal/log"
	"github.com/relayq/relayq/internal/timeutil"
)

type retryCall struct {
	msg           *base.MessageRecord
	processAt     time.Time
	errMsg        string
	isFailure     bool
	lastHeartbeat time.Time
}

type archiveCall struct {
	msg      *base.MessageRecord
	errClass string
	errMsg   string
}

// fakeBroker records lifecycle transitions for assertions. Dequeue pops from
// the pending slice and returns ErrNoProcessableTask once drained.
type fakeBroker struct {
	mu sync.Mutex

	pending       []*base.MessageRecord
	leaseDeadline time.Time

	done      []*base.MessageRecord
	completed []*base.MessageRecord
	requeued  []*base.MessageRecord
	retried   []retryCall
	archived  []archiveCall
	extended  map[string][]string
	stale     []*base.MessageRecord
	forwarded [][]string
	cleaned   []string

	commitErr error
	pingErr   error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		leaseDeadline: time.Now().Add(30 * time.Second),
		extended:      make(map[string][]string),
	}
}

func (b *fakeBroker) Ping() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pingErr
}

func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) Enqueue(ctx context.Context, msg *base.MessageRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, msg)
	return nil
}

func (b *fakeBroker) EnqueueUnique(ctx context.Context, msg *base.MessageRecord) error {
	return b.Enqueue(ctx, msg)
}

func (b *fakeBroker) Dequeue(qnames ...string) (*base.MessageRecord, time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil, time.Time{}, errors.E(errors.NotFound, errors.ErrNoProcessableTask)
	}
	msg := b.pending[0]
	b.pending = b.pending[1:]
	return msg, b.leaseDeadline, nil
}

func (b *fakeBroker) Done(ctx context.Context, msg *base.MessageRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.commitErr != nil {
		return b.commitErr
	}
	b.done = append(b.done, msg)
	return nil
}

func (b *fakeBroker) MarkAsComplete(ctx context.Context, msg *base.MessageRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.commitErr != nil {
		return b.commitErr
	}
	b.completed = append(b.completed, msg)
	return nil
}

func (b *fakeBroker) Requeue(ctx context.Context, msg *base.MessageRecord, processAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requeued = append(b.requeued, msg)
	return nil
}

func (b *fakeBroker) Retry(ctx context.Context, msg *base.MessageRecord, processAt time.Time, errMsg string, isFailure bool, lastHeartbeat time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retried = append(b.retried, retryCall{msg, processAt, errMsg, isFailure, lastHeartbeat})
	return nil
}

func (b *fakeBroker) Archive(ctx context.Context, msg *base.MessageRecord, errClass, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.archived = append(b.archived, archiveCall{msg, errClass, errMsg})
	return nil
}

func (b *fakeBroker) ForwardIfReady(qnames ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forwarded = append(b.forwarded, qnames)
	return nil
}

func (b *fakeBroker) ExtendHeartbeat(qname string, ids ...string) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.extended[qname] = append(b.extended[qname], ids...)
	b.leaseDeadline = b.leaseDeadline.Add(30 * time.Second)
	return b.leaseDeadline, nil
}

func (b *fakeBroker) ListStale(cutoff time.Time, qnames ...string) ([]*base.MessageRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stale, nil
}

func (b *fakeBroker) DeleteExpired(qname string, batchSize int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleaned = append(b.cleaned, qname)
	return nil
}

func (b *fakeBroker) ErrorCount(qname string) (int, error) { return len(b.archived), nil }

func (b *fakeBroker) PurgeErrors(qname string, olderThan time.Time) (int, error) { return 0, nil }

func (b *fakeBroker) retryCalls() []retryCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]retryCall(nil), b.retried...)
}

func (b *fakeBroker) archiveCalls() []archiveCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]archiveCall(nil), b.archived...)
}

func (b *fakeBroker) doneMsgs() []*base.MessageRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*base.MessageRecord(nil), b.done...)
}

func (b *fakeBroker) completedMsgs() []*base.MessageRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*base.MessageRecord(nil), b.completed...)
}

func newTestProcessor(broker base.Broker) *processor {
	starting := make(chan *workerInfo)
	finished := make(chan *base.MessageRecord)
	// drain heartbeater channels; the processor blocks on them otherwise.
	go func() {
		for {
			select {
			case <-starting:
			case <-finished:
			}
		}
	}()
	return newProcessor(processorParams{
		logger:          log.NewLogger(nil),
		broker:          broker,
		baseCtxFn:       context.Background,
		retryDelayFunc:  DefaultRetryDelayFunc,
		isFailureFunc:   defaultIsFailureFunc,
		concurrency:     2,
		queues:          map[string]int{"default": 1},
		shutdownTimeout: 2 * time.Second,
		starting:        starting,
		finished:        finished,
	})
}

func newTestRecord(id string) *base.MessageRecord {
	return &base.MessageRecord{
		Type:       "email:send",
		Payload:    []byte(`{"user_id":1}`),
		ID:         id,
		Queue:      "default",
		Retry:      3,
		EnqueuedAt: time.Now().Unix(),
	}
}

func validLease() *base.Lease {
	return base.NewLease(time.Now().Add(30 * time.Second))
}

func TestProcessorSuccessCommits(t *testing.T) {
	broker := newFakeBroker()
	p := newTestProcessor(broker)

	msg := newTestRecord("m1")
	p.handleSucceededMessage(validLease(), msg)

	require.Len(t, broker.doneMsgs(), 1)
	assert.Equal(t, "m1", broker.doneMsgs()[0].ID)
	assert.Empty(t, broker.completedMsgs())
}

func TestProcessorSuccessWithRetention(t *testing.T) {
	broker := newFakeBroker()
	p := newTestProcessor(broker)

	msg := newTestRecord("m1")
	msg.Retention = int64((2 * time.Hour).Seconds())
	p.handleSucceededMessage(validLease(), msg)

	require.Len(t, broker.completedMsgs(), 1)
	assert.Empty(t, broker.doneMsgs())
}

func TestProcessorAuditCompletedAppliesDefaultRetention(t *testing.T) {
	broker := newFakeBroker()
	p := newTestProcessor(broker)
	p.auditCompleted = 24 * time.Hour

	msg := newTestRecord("m1")
	p.handleSucceededMessage(validLease(), msg)

	require.Len(t, broker.completedMsgs(), 1)
	assert.Equal(t, int64((24*time.Hour).Seconds()), broker.completedMsgs()[0].Retention)
	assert.Empty(t, broker.doneMsgs())
}

func TestProcessorExpiredLeaseSkipsCommit(t *testing.T) {
	broker := newFakeBroker()
	p := newTestProcessor(broker)

	expired := base.NewLease(time.Now().Add(-time.Second))
	p.handleSucceededMessage(expired, newTestRecord("m1"))

	assert.Empty(t, broker.doneMsgs())
	assert.Empty(t, broker.completedMsgs())
}

func TestProcessorCommitErrorReported(t *testing.T) {
	broker := newFakeBroker()
	broker.commitErr = fmt.Errorf("store unavailable")
	p := newTestProcessor(broker)

	var mu sync.Mutex
	var got error
	p.errHandler = ErrorHandlerFunc(func(ctx context.Context, msg *Message, err error) {
		mu.Lock()
		defer mu.Unlock()
		got = err
	})

	p.handleSucceededMessage(validLease(), newTestRecord("m1"))

	mu.Lock()
	defer mu.Unlock()
	require.Error(t, got)
	var cerr *CommitError
	require.ErrorAs(t, got, &cerr)
	assert.Equal(t, "m1", cerr.ID)
	assert.Equal(t, "default", cerr.Queue)
}

func TestProcessorCommitSkipsErrorHandlerWhenRecordGone(t *testing.T) {
	broker := newFakeBroker()
	broker.commitErr = errors.E(errors.Op("sqldb.Done"), errors.NotFound,
		&errors.TaskNotFoundError{Queue: "default", ID: "m1"})
	p := newTestProcessor(broker)

	var mu sync.Mutex
	var called bool
	p.errHandler = ErrorHandlerFunc(func(ctx context.Context, msg *Message, err error) {
		mu.Lock()
		defer mu.Unlock()
		called = true
	})

	// the record is already gone; there is nothing to report or reclaim.
	p.handleSucceededMessage(validLease(), newTestRecord("m1"))

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, called)
	assert.Empty(t, broker.doneMsgs())
}

func TestProcessorFailureSchedulesRetry(t *testing.T) {
	broker := newFakeBroker()
	p := newTestProcessor(broker)
	p.clock = timeutil.NewSimulatedClock(time.Now())
	p.retryDelayFunc = func(n int, e error, m *Message) time.Duration { return time.Minute }

	msg := newTestRecord("m1")
	lease := validLease()
	p.handleFailedMessage(context.Background(), lease, msg, fmt.Errorf("boom"))

	calls := broker.retryCalls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].isFailure)
	assert.Equal(t, 1, calls[0].msg.Retried)
	assert.Equal(t, "boom", calls[0].errMsg)
	assert.Equal(t, p.clock.Now().Add(time.Minute), calls[0].processAt)
	assert.Equal(t, lease.Deadline(), calls[0].lastHeartbeat)
	assert.Empty(t, broker.archiveCalls())
}

func TestProcessorRollbackAfterLeaseExpiry(t *testing.T) {
	broker := newFakeBroker()
	p := newTestProcessor(broker)
	p.clock = timeutil.NewSimulatedClock(time.Now())

	// the lease deadline is already in the past, as it is whenever a worker
	// rolls back because of ErrLeaseExpired. The rollback must still reach
	// the store; the heartbeat deadline guard decides whether it applies.
	lease := base.NewLease(time.Now().Add(-time.Second))
	p.handleFailedMessage(context.Background(), lease, newTestRecord("m1"), ErrLeaseExpired)

	calls := broker.retryCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, lease.Deadline(), calls[0].lastHeartbeat)
}

func TestProcessorRetryExhaustedRoutesToErrorStore(t *testing.T) {
	broker := newFakeBroker()
	p := newTestProcessor(broker)

	msg := newTestRecord("m1")
	msg.Retry = 3
	msg.Retried = 3
	p.handleFailedMessage(context.Background(), validLease(), msg, fmt.Errorf("boom"))

	require.Len(t, broker.archiveCalls(), 1)
	assert.Equal(t, "default", broker.archiveCalls()[0].errClass)
	assert.Empty(t, broker.retryCalls())
}

func TestProcessorSkipRetryRoutesToErrorStore(t *testing.T) {
	broker := newFakeBroker()
	p := newTestProcessor(broker)

	msg := newTestRecord("m1")
	err := fmt.Errorf("unknown message type: %w", SkipRetry)
	p.handleFailedMessage(context.Background(), validLease(), msg, err)

	require.Len(t, broker.archiveCalls(), 1)
	assert.Equal(t, "skipped", broker.archiveCalls()[0].errClass)
	assert.Empty(t, broker.retryCalls())
}

func TestProcessorNonFailureRedeliversWithoutBookkeeping(t *testing.T) {
	broker := newFakeBroker()
	p := newTestProcessor(broker)
	p.isFailureFunc = func(err error) bool { return false }

	msg := newTestRecord("m1")
	p.handleFailedMessage(context.Background(), validLease(), msg, fmt.Errorf("not my fault"))

	calls := broker.retryCalls()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].isFailure)
	assert.Equal(t, 0, calls[0].msg.Retried)
}

func TestProcessorClassifiedRetryUsesClassDelays(t *testing.T) {
	broker := newFakeBroker()
	p := newTestProcessor(broker)
	p.clock = timeutil.NewSimulatedClock(time.Now())
	p.retryPolicy = &RetryPolicy{
		Classes: map[string][]time.Duration{
			"db": {time.Second, time.Minute},
		},
		Default: []time.Duration{5 * time.Second},
	}

	msg := newTestRecord("m1")
	err := ErrClass("db", fmt.Errorf("connection refused"))

	// first failure of class "db" uses the first delay.
	p.handleFailedMessage(context.Background(), validLease(), msg, err)
	calls := broker.retryCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, p.clock.Now().Add(time.Second), calls[0].processAt)
	assert.Equal(t, 1, calls[0].msg.RetriedByClass["db"])

	// second failure uses the second delay.
	p.handleFailedMessage(context.Background(), validLease(), calls[0].msg, err)
	calls = broker.retryCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, p.clock.Now().Add(time.Minute), calls[1].processAt)
	assert.Equal(t, 2, calls[1].msg.RetriedByClass["db"])

	// the class list is exhausted on the third failure.
	p.handleFailedMessage(context.Background(), validLease(), calls[1].msg, err)
	require.Len(t, broker.archiveCalls(), 1)
	assert.Equal(t, "db", broker.archiveCalls()[0].errClass)
}

func TestProcessorClassCountsAreIndependent(t *testing.T) {
	broker := newFakeBroker()
	p := newTestProcessor(broker)
	p.retryPolicy = &RetryPolicy{
		Classes: map[string][]time.Duration{
			"db":   {time.Second},
			"smtp": {time.Second},
		},
	}

	msg := newTestRecord("m1")
	p.handleFailedMessage(context.Background(), validLease(), msg, ErrClass("db", fmt.Errorf("x")))
	calls := broker.retryCalls()
	require.Len(t, calls, 1)

	// a failure under a different class starts from that class's own count.
	p.handleFailedMessage(context.Background(), validLease(), calls[0].msg, ErrClass("smtp", fmt.Errorf("y")))
	calls = broker.retryCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, 1, calls[1].msg.RetriedByClass["db"])
	assert.Equal(t, 1, calls[1].msg.RetriedByClass["smtp"])
	assert.Empty(t, broker.archiveCalls())
}

func TestProcessorUnclassifiedFailureWithNilDefaultArchives(t *testing.T) {
	broker := newFakeBroker()
	p := newTestProcessor(broker)
	p.retryPolicy = &RetryPolicy{
		Classes: map[string][]time.Duration{
			"db": {time.Second},
		},
	}

	msg := newTestRecord("m1")
	p.handleFailedMessage(context.Background(), validLease(), msg, fmt.Errorf("boom"))

	require.Len(t, broker.archiveCalls(), 1)
	assert.Empty(t, broker.retryCalls())
}

func TestProcessorProcessesPendingMessage(t *testing.T) {
	broker := newFakeBroker()
	p := newTestProcessor(broker)
	p.idleBackoff = []time.Duration{10 * time.Millisecond}

	var mu sync.Mutex
	var processed []string
	p.handler = HandlerFunc(func(ctx context.Context, msg *Message) error {
		mu.Lock()
		defer mu.Unlock()
		processed = append(processed, msg.Type())
		return nil
	})

	require.NoError(t, broker.Enqueue(context.Background(), newTestRecord("m1")))

	var wg sync.WaitGroup
	p.start(&wg)
	defer p.shutdown()

	assert.Eventually(t, func() bool {
		return len(broker.doneMsgs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"email:send"}, processed)
}

func TestProcessorHandlerPanicIsRetried(t *testing.T) {
	broker := newFakeBroker()
	p := newTestProcessor(broker)
	p.idleBackoff = []time.Duration{10 * time.Millisecond}
	p.handler = HandlerFunc(func(ctx context.Context, msg *Message) error {
		panic("handler bug")
	})

	require.NoError(t, broker.Enqueue(context.Background(), newTestRecord("m1")))

	var wg sync.WaitGroup
	p.start(&wg)
	defer p.shutdown()

	assert.Eventually(t, func() bool {
		return len(broker.retryCalls()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	calls := broker.retryCalls()
	assert.Contains(t, calls[0].errMsg, "panic")
}

func TestComputeDeadline(t *testing.T) {
	p := newTestProcessor(newFakeBroker())
	now := time.Now()
	p.clock = timeutil.NewSimulatedClock(now)

	tests := []struct {
		desc string
		msg  *base.MessageRecord
		want time.Time
	}{
		{
			desc: "neither timeout nor deadline",
			msg:  &base.MessageRecord{},
			want: now.Add(defaultTimeout),
		},
		{
			desc: "timeout only",
			msg:  &base.MessageRecord{Timeout: 60},
			want: now.Add(time.Minute),
		},
		{
			desc: "deadline only",
			msg:  &base.MessageRecord{Deadline: now.Add(time.Hour).Unix()},
			want: time.Unix(now.Add(time.Hour).Unix(), 0),
		},
		{
			desc: "deadline sooner than timeout",
			msg:  &base.MessageRecord{Timeout: 3600, Deadline: now.Add(time.Minute).Unix()},
			want: time.Unix(now.Add(time.Minute).Unix(), 0),
		},
	}
	for _, tc := range tests {
		got := p.computeDeadline(tc.msg)
		assert.WithinDuration(t, tc.want, got, time.Second, tc.desc)
	}
}

func TestNormalizeQueues(t *testing.T) {
	got := normalizeQueues(map[string]int{"critical": 6, "default": 3, "low": 3})
	assert.Equal(t, map[string]int{"critical": 2, "default": 1, "low": 1}, got)
}

func TestSortByPriority(t *testing.T) {
	got := sortByPriority(map[string]int{"low": 1, "critical": 6, "default": 3})
	assert.Equal(t, []string{"critical", "default", "low"}, got)
}
