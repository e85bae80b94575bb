// Copyright 2024 The relayq authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/relayq/relayq/internal/base"
	"github.com/relayq/relayq/internal/errors"
	"github.com/relayq/relayq/internal/log"
	"github.com/relayq/relayq/internal/timeutil"
)

// SkipRetry is used as a return value from Handler.ProcessMessage to indicate that
// the message should not be retried and should be routed to the error store instead.
var SkipRetry = errors.New("skip retry for the message")

// ErrLeaseExpired error indicates that the message failed because the worker
// could not keep its heartbeat alive and the record may have been reclaimed
// by the reaper.
var ErrLeaseExpired = errors.New("relayq: heartbeat lease expired")

// A CommitError wraps a store error that prevented a successfully processed
// message from being committed. The message remains active until the reaper
// reclaims it, so the handler may run again.
type CommitError struct {
	Queue string
	ID    string
	Err   error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("could not commit message id=%s in queue %q: %v", e.ID, e.Queue, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

type processor struct {
	logger *log.Logger
	broker base.Broker
	clock  timeutil.Clock

	handler   Handler
	baseCtxFn func() context.Context

	queueConfig map[string]int

	// orderedQueues is set only in strict-priority mode.
	orderedQueues []string

	retryDelayFunc RetryDelayFunc
	isFailureFunc  func(error) bool
	retryPolicy    *RetryPolicy

	errLogLimiter *rate.Limiter

	// sema is a counting semaphore to ensure the number of active workers
	// does not exceed the limit.
	sema chan struct{}

	// channel to communicate back to the long running "processor" goroutine.
	// once closed, this goroutine will not accept new work.
	quit chan struct{}

	// abort channel communicates to the in-flight worker goroutines.
	// once closed, all the worker goroutines will return.
	abort chan struct{}

	// cancelations is a set of cancel functions for all active messages.
	cancelations *cancelations

	// escalating wait durations applied while every queue stays empty.
	// the level resets as soon as a message is claimed.
	idleBackoff []time.Duration
	idleLevel   int

	errHandler      ErrorHandler
	shutdownTimeout time.Duration

	// channels to notify the heartbeater about claimed and finished messages.
	starting chan<- *workerInfo
	finished chan<- *base.MessageRecord

	// retention applied to successfully processed messages that did not
	// request their own; zero deletes them on commit.
	auditCompleted time.Duration
}

type processorParams struct {
	logger          *log.Logger
	broker          base.Broker
	baseCtxFn       func() context.Context
	retryDelayFunc  RetryDelayFunc
	isFailureFunc   func(error) bool
	retryPolicy     *RetryPolicy
	idleBackoff     []time.Duration
	concurrency     int
	queues          map[string]int
	strictPriority  bool
	errHandler      ErrorHandler
	shutdownTimeout time.Duration
	starting        chan<- *workerInfo
	finished        chan<- *base.MessageRecord
	auditCompleted  time.Duration
}

// newProcessor constructs a new processor.
func newProcessor(params processorParams) *processor {
	queues := normalizeQueues(params.queues)
	orderedQueues := []string(nil)
	if params.strictPriority {
		orderedQueues = sortByPriority(queues)
	}
	return &processor{
		logger:          params.logger,
		broker:          params.broker,
		baseCtxFn:       params.baseCtxFn,
		clock:           timeutil.NewRealClock(),
		queueConfig:     queues,
		orderedQueues:   orderedQueues,
		retryDelayFunc:  params.retryDelayFunc,
		isFailureFunc:   params.isFailureFunc,
		retryPolicy:     params.retryPolicy,
		idleBackoff:     params.idleBackoff,
		errLogLimiter:   rate.NewLimiter(rate.Every(3*time.Second), 1),
		sema:            make(chan struct{}, params.concurrency),
		quit:            make(chan struct{}),
		abort:           make(chan struct{}),
		cancelations:    newCancelations(),
		errHandler:      params.errHandler,
		shutdownTimeout: params.shutdownTimeout,
		starting:        params.starting,
		finished:        params.finished,
		auditCompleted:  params.auditCompleted,
	}
}

// Note: stops only the "processor" goroutine, does not stop workers.
// It's safe to call this method multiple times.
func (p *processor) stop() {
	select {
	case <-p.quit:
		// already closed
	default:
		p.logger.Debug("Processor shutting down...")
		close(p.quit)
	}
}

// NOTE: once shutdown, processor cannot be re-started.
func (p *processor) shutdown() {
	p.stop()

	time.AfterFunc(p.shutdownTimeout, func() { close(p.abort) })

	p.logger.Info("Waiting for all workers to finish...")
	// block until all workers have released the token
	for i := 0; i < cap(p.sema); i++ {
		p.sema <- struct{}{}
	}
	p.logger.Info("All workers have finished")
}

func (p *processor) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-p.quit:
				p.logger.Debug("Processor done")
				return
			default:
				p.exec()
			}
		}
	}()
}

// exec pulls a message out of a queue and starts a worker goroutine to
// process the message.
func (p *processor) exec() {
	select {
	case <-p.quit:
		return
	case p.sema <- struct{}{}: // acquire token
		qnames := p.queues()
		msg, leaseDeadline, err := p.broker.Dequeue(qnames...)
		switch {
		case errors.Is(err, errors.ErrNoProcessableTask):
			p.logger.Debugf("All queues are empty; sleeping %v", p.idleWait())
			<-p.sema // release token
			p.idleSleep()
			return
		case errors.IsPoison(err):
			// The record has already been consumed into the error store;
			// report and move on.
			p.logger.Errorf("Poison record routed to error store: %v", err)
			if p.errHandler != nil {
				p.errHandler.HandleError(p.baseCtxFn(), nil, err)
			}
			<-p.sema
			return
		case err != nil:
			if p.errLogLimiter.Allow() {
				var e *errors.Error
				if errors.As(err, &e) {
					// the annotated form carries the op chain.
					p.logger.Errorf("Dequeue error: %s", e.DebugString())
				} else {
					p.logger.Errorf("Dequeue error: %v", err)
				}
			}
			<-p.sema
			p.idleSleep()
			return
		}
		p.resetIdle()

		lease := base.NewLease(leaseDeadline)
		deadline := p.computeDeadline(msg)
		p.starting <- &workerInfo{msg: msg, started: p.clock.Now(), deadline: deadline, lease: lease}
		go func() {
			defer func() {
				p.finished <- msg
				<-p.sema // release token
			}()

			ctx, cancel := context.WithDeadline(p.baseCtxFn(), deadline)
			p.cancelations.add(msg.ID, cancel)
			defer func() {
				cancel()
				p.cancelations.remove(msg.ID)
			}()

			// check context before starting a worker goroutine.
			select {
			case <-ctx.Done():
				p.handleFailedMessage(ctx, lease, msg, fmt.Errorf("could not process message: %w", ctx.Err()))
				return
			default:
			}

			resCh := make(chan error, 1)
			go func() {
				resCh <- p.perform(ctx, msg)
			}()

			select {
			case <-p.abort:
				// time is up, push the message back to the queue and quit this worker goroutine.
				p.logger.Warnf("Quitting worker. message id=%s", msg.ID)
				p.requeueAborted(msg)
				return
			case <-lease.Done():
				cancel()
				p.handleFailedMessage(ctx, lease, msg, ErrLeaseExpired)
				return
			case <-ctx.Done():
				p.handleFailedMessage(ctx, lease, msg, fmt.Errorf("could not process message: %w", ctx.Err()))
				return
			case resErr := <-resCh:
				if resErr != nil {
					p.handleFailedMessage(ctx, lease, msg, resErr)
					return
				}
				p.handleSucceededMessage(lease, msg)
			}
		}()
	}
}

// perform reverses the producer transform and calls the handler, recovering
// from any panic into an error on the rollback path.
func (p *processor) perform(ctx context.Context, msg *base.MessageRecord) (err error) {
	defer func() {
		if x := recover(); x != nil {
			p.logger.Errorf("recovering from panic. See the stack trace below for details:\n%s", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", x)
		}
	}()
	payload, err := reverseTransform(msg.Headers, msg.Payload)
	if err != nil {
		return fmt.Errorf("cannot reverse payload transform: %w", err)
	}
	return p.handler.ProcessMessage(ctx, newDeliveredMessage(msg, payload))
}

// computeDeadline returns the latest instant the handler may run until,
// derived from the message's timeout and deadline.
func (p *processor) computeDeadline(msg *base.MessageRecord) time.Time {
	now := p.clock.Now()
	if msg.Timeout == 0 && msg.Deadline == 0 {
		return now.Add(defaultTimeout)
	}
	if msg.Timeout != 0 && msg.Deadline != 0 {
		deadlineUnix := now.Unix() + msg.Timeout
		if msg.Deadline < deadlineUnix {
			deadlineUnix = msg.Deadline
		}
		return time.Unix(deadlineUnix, 0)
	}
	if msg.Timeout != 0 {
		return now.Add(time.Duration(msg.Timeout) * time.Second)
	}
	return time.Unix(msg.Deadline, 0)
}

func (p *processor) handleSucceededMessage(lease *base.Lease, msg *base.MessageRecord) {
	if !lease.IsValid() {
		// If the heartbeat expired, the reaper may have already reclaimed
		// the record; committing now could acknowledge a redelivered copy.
		p.logger.Warnf("Lease expired before commit. message id=%s", msg.ID)
		return
	}
	ctx, cancel := context.WithDeadline(context.Background(), lease.Deadline())
	defer cancel()
	retention := time.Duration(msg.Retention) * time.Second
	if retention == 0 {
		retention = p.auditCompleted
	}
	var err error
	if retention > 0 {
		msg.Retention = int64(retention.Seconds())
		err = p.broker.MarkAsComplete(ctx, msg)
	} else {
		err = p.broker.Done(ctx, msg)
	}
	if err != nil {
		if errors.IsTaskNotFound(err) {
			// the record is already gone, e.g. the reaper reclaimed it and a
			// redelivered copy committed first; nothing left to do.
			p.logger.Warnf("Record already gone at commit. message id=%s", msg.ID)
			return
		}
		cerr := &CommitError{Queue: msg.Queue, ID: msg.ID, Err: err}
		p.logger.Errorf("%v; the reaper will reclaim the record and the handler may run again", cerr)
		if p.errHandler != nil {
			p.errHandler.HandleError(ctx, nil, cerr)
		}
	}
}

func (p *processor) handleFailedMessage(ctx context.Context, lease *base.Lease, msg *base.MessageRecord, err error) {
	if p.errHandler != nil {
		p.errHandler.HandleError(ctx, newDeliveredMessage(msg, msg.Payload), err)
	}
	if !p.isFailureFunc(err) {
		// the error does not count against the message; redeliver without
		// touching the retry bookkeeping.
		p.logger.Debugf("Message not counted as failed. message id=%s", msg.ID)
		p.rollback(lease, msg, time.Duration(0), err, false, "")
		return
	}
	if errors.Is(err, SkipRetry) {
		p.logger.Warnf("Retry skipped; routing message to error store. message id=%s", msg.ID)
		p.archive(msg, "skipped", err)
		return
	}
	if p.retryPolicy != nil {
		key := p.retryPolicy.classKey(err)
		attempt := msg.RetriedByClass[key]
		delay, ok := p.retryPolicy.NextDelay(key, attempt)
		if !ok {
			p.logger.Warnf("Retries exhausted for class %q; routing message to error store. message id=%s", key, msg.ID)
			p.archive(msg, key, err)
			return
		}
		p.rollback(lease, msg, delay, err, true, key)
		return
	}
	// count-based policy: total attempts bounded by the record's max retry.
	if msg.Retried >= msg.Retry {
		p.logger.Warnf("Retry exhausted; routing message to error store. message id=%s", msg.ID)
		p.archive(msg, "default", err)
		return
	}
	view := newDeliveredMessage(msg, msg.Payload)
	delay := p.retryDelayFunc(msg.Retried, err, view)
	p.rollback(lease, msg, delay, err, true, "")
}

// rollback resets the message back to waiting after a failure. When
// isFailure is true the retry counters are advanced; class selects the
// per-class counter (empty uses only the total).
func (p *processor) rollback(lease *base.Lease, msg *base.MessageRecord, delay time.Duration, err error, isFailure bool, class string) {
	now := p.clock.Now()
	modified := *msg
	if isFailure {
		modified.Retried++
		if class != "" {
			counts := make(map[string]int, len(msg.RetriedByClass)+1)
			for k, v := range msg.RetriedByClass {
				counts[k] = v
			}
			counts[class]++
			modified.RetriedByClass = counts
		}
	}
	// The lease may already be past its deadline here (e.g. the handler
	// returned ErrLeaseExpired), so the broker call gets its own timeout.
	// The heartbeat deadline the worker last observed guards the rollback:
	// if the reaper reclaimed the record in the meantime the store drops
	// this transition silently.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rerr := p.broker.Retry(ctx, &modified, now.Add(delay), err.Error(), isFailure, lease.Deadline()); rerr != nil {
		p.logger.Errorf("Could not roll back message id=%s: %v; the reaper will reclaim the record", msg.ID, rerr)
	}
}

func (p *processor) archive(msg *base.MessageRecord, errClass string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if errClass == "" {
		errClass = "default"
	}
	if aerr := p.broker.Archive(ctx, msg, errClass, err.Error()); aerr != nil {
		p.logger.Errorf("Could not route message id=%s to error store: %v; the reaper will reclaim the record", msg.ID, aerr)
	}
}

// requeueAborted pushes a message claimed by an aborted worker straight back
// to the pending set.
func (p *processor) requeueAborted(msg *base.MessageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.broker.Requeue(ctx, msg, p.clock.Now()); err != nil {
		p.logger.Errorf("Could not push message id=%s back to queue: %v", msg.ID, err)
	} else {
		p.logger.Infof("Pushed message id=%s back to queue", msg.ID)
	}
}

func (p *processor) idleWait() time.Duration {
	if len(p.idleBackoff) == 0 {
		return defaultIdleWait
	}
	i := p.idleLevel
	if i >= len(p.idleBackoff) {
		i = len(p.idleBackoff) - 1
	}
	return p.idleBackoff[i]
}

// idleSleep waits out the current idle backoff level and escalates it, but
// wakes immediately when the processor is told to quit.
func (p *processor) idleSleep() {
	d := p.idleWait()
	if p.idleLevel < len(p.idleBackoff) {
		p.idleLevel++
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.quit:
	case <-timer.C:
	}
}

func (p *processor) resetIdle() {
	p.idleLevel = 0
}

const defaultIdleWait = 1 * time.Second

// queues returns a list of queues to query.
// Order of the queue names is based on the priority of each queue.
// Queue with larger priority value gets higher priority.
func (p *processor) queues() []string {
	// skip the overhead of generating a list of queue names
	// if we are processing one queue.
	if len(p.queueConfig) == 1 {
		for qname := range p.queueConfig {
			return []string{qname}
		}
	}
	if p.orderedQueues != nil {
		return p.orderedQueues
	}
	var names []string
	for qname, priority := range p.queueConfig {
		for i := 0; i < priority; i++ {
			names = append(names, qname)
		}
	}
	rand.Shuffle(len(names), func(i, j int) { names[i], names[j] = names[j], names[i] })
	return uniq(names, len(p.queueConfig))
}

// uniq dedupes strings in order of first occurrence, up to l entries.
func uniq(names []string, l int) []string {
	var res []string
	seen := make(map[string]struct{})
	for _, s := range names {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			res = append(res, s)
		}
		if len(res) == l {
			break
		}
	}
	return res
}

// sortByPriority returns a list of queue names sorted by
// their priority level in descending order.
func sortByPriority(qcfg map[string]int) []string {
	var queues []*queue
	for qname, n := range qcfg {
		queues = append(queues, &queue{qname, n})
	}
	sort.Sort(sort.Reverse(byPriority(queues)))
	var res []string
	for _, q := range queues {
		res = append(res, q.name)
	}
	return res
}

type queue struct {
	name     string
	priority int
}

type byPriority []*queue

func (x byPriority) Len() int           { return len(x) }
func (x byPriority) Less(i, j int) bool { return x[i].priority < x[j].priority }
func (x byPriority) Swap(i, j int)      { x[i], x[j] = x[j], x[i] }

// normalizeQueues divides priority numbers by their greatest common divisor.
func normalizeQueues(queues map[string]int) map[string]int {
	var xs []int
	for _, x := range queues {
		xs = append(xs, x)
	}
	d := gcd(xs...)
	res := make(map[string]int)
	for q, x := range queues {
		res[q] = x / d
	}
	return res
}

func gcd(xs ...int) int {
	fn := func(x, y int) int {
		for y > 0 {
			x, y = y, x%y
		}
		return x
	}
	g := xs[0]
	for i := 0; i < len(xs); i++ {
		g = fn(xs[i], g)
		if g == 1 {
			return g
		}
	}
	return g
}

// cancelations tracks the cancel functions of in-flight messages so
// shutdown can abort them.
type cancelations struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newCancelations() *cancelations {
	return &cancelations{cancels: make(map[string]context.CancelFunc)}
}

func (c *cancelations) add(id string, fn context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels[id] = fn
}

func (c *cancelations) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancels, id)
}
