// Copyright 2024 The relayq authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/relayq/relayq/internal/errors"
	"github.com/relayq/relayq/internal/log"
	"github.com/relayq/relayq/internal/timeutil"
)

// A Scheduler kicks off messages periodically based on cron schedules.
//
// Every registered entry enqueues as a named job keyed by its occurrence
// time, so multiple scheduler instances running the same entries produce
// a single message per tick.
type Scheduler struct {
	id string

	state *serverState

	logger   *log.Logger
	client   *Client
	location *time.Location
	cron     *cron.Cron
	clock    timeutil.Clock

	mu     sync.Mutex
	idmap  map[string]cron.EntryID
	closed bool

	// user provided callback invoked when an enqueue fails.
	enqueueErrHandler func(jobName string, msg *Message, err error)
}

// SchedulerOpts specifies scheduler options.
type SchedulerOpts struct {
	// Logger specifies the logger used by the scheduler instance.
	//
	// If unset, default logger is used.
	Logger Logger

	// LogLevel specifies the minimum log level to enable.
	//
	// If unset, InfoLevel is used by default.
	LogLevel LogLevel

	// Location specifies the time zone to interpret cron expressions in.
	//
	// If unset, the UTC time zone (time.UTC) is used.
	Location *time.Location

	// EnqueueErrorHandler gets called when the scheduler cannot enqueue a
	// registered message. Ticks collapsed by job deduplication are not
	// reported as errors.
	EnqueueErrorHandler func(jobName string, msg *Message, err error)
}

// NewScheduler returns a new Scheduler instance given a store connection
// option. The parameter opts is optional, defaults will be used if opts is
// set to nil.
func NewScheduler(c ConnOpt, opts *SchedulerOpts) (*Scheduler, error) {
	broker, err := c.makeBroker()
	if err != nil {
		return nil, fmt.Errorf("relayq: cannot open store: %v", err)
	}
	scheduler := newScheduler(newClientWithBroker(broker), opts)
	scheduler.client.sharedConnection = false
	return scheduler, nil
}

func newScheduler(client *Client, opts *SchedulerOpts) *Scheduler {
	if opts == nil {
		opts = &SchedulerOpts{}
	}

	logger := log.NewLogger(opts.Logger)
	loglevel := opts.LogLevel
	if loglevel == level_unspecified {
		loglevel = InfoLevel
	}
	logger.SetLevel(toInternalLogLevel(loglevel))

	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	return &Scheduler{
		id:                uuid.NewString(),
		state:             &serverState{value: srvStateNew},
		logger:            logger,
		client:            client,
		location:          loc,
		cron:              cron.New(cron.WithLocation(loc)),
		clock:             timeutil.NewRealClock(),
		idmap:             make(map[string]cron.EntryID),
		enqueueErrHandler: opts.EnqueueErrorHandler,
	}
}

// enqueueJob encapsulates a function that enqueues a message at a cron tick.
type enqueueJob struct {
	name     string
	msg      *Message
	opts     []Option
	schedule cron.Schedule
	location *time.Location

	client *Client
	logger *log.Logger
	clock  timeutil.Clock

	errHandler func(jobName string, msg *Message, err error)
}

func (j *enqueueJob) Run() {
	now := j.clock.Now().In(j.location)
	// Recover the nominal tick time; cron fires within milliseconds of it,
	// so the first activation after a second ago is this tick.
	occurrence := j.schedule.Next(now.Add(-time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	opts := append([]Option(nil), j.opts...)
	opts = append(opts, Job(j.name, occurrence))
	info, err := j.client.EnqueueContext(ctx, j.msg, opts...)
	switch {
	case errors.Is(err, ErrDuplicateJob):
		j.logger.Debugf("scheduler skipped duplicate occurrence of job=%q at %v", j.name, occurrence)
	case err != nil:
		j.logger.Errorf("scheduler could not enqueue job=%q: %v", j.name, err)
		if j.errHandler != nil {
			j.errHandler(j.name, j.msg, err)
		}
	default:
		j.logger.Debugf("scheduler enqueued message id=%s for job=%q", info.ID, j.name)
	}
}

// Register registers a message to be enqueued on the given cron schedule
// under the given job name. It returns an ID of the newly registered entry.
func (s *Scheduler) Register(cronspec, jobName string, msg *Message, opts ...Option) (entryID string, err error) {
	if jobName == "" {
		return "", fmt.Errorf("relayq: job name cannot be empty")
	}
	schedule, err := cron.ParseStandard(cronspec)
	if err != nil {
		return "", fmt.Errorf("relayq: invalid cron expression %q: %v", cronspec, err)
	}
	job := &enqueueJob{
		name:       jobName,
		msg:        msg,
		opts:       opts,
		schedule:   schedule,
		location:   s.location,
		client:     s.client,
		logger:     s.logger,
		clock:      s.clock,
		errHandler: s.enqueueErrHandler,
	}
	cronID := s.cron.Schedule(schedule, job)

	entryID = uuid.NewString()
	s.mu.Lock()
	s.idmap[entryID] = cronID
	s.mu.Unlock()
	return entryID, nil
}

// Unregister removes a registered entry by entry ID.
// Unregister returns a non-nil error if no entries were found for the given entryID.
func (s *Scheduler) Unregister(entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cronID, ok := s.idmap[entryID]
	if !ok {
		return fmt.Errorf("relayq: no scheduler entry found")
	}
	delete(s.idmap, entryID)
	s.cron.Remove(cronID)
	return nil
}

// Run starts the scheduler until an os signal to exit the program is received.
// It returns an error if scheduler is already running or has been shutdown.
func (s *Scheduler) Run() error {
	if err := s.Start(); err != nil {
		return err
	}
	s.waitForSignals()
	s.Shutdown()
	return nil
}

// Start starts the scheduler.
// It returns an error if the scheduler is already running or has been shutdown.
func (s *Scheduler) Start() error {
	if err := s.start(); err != nil {
		return err
	}
	s.logger.Info("Scheduler starting")
	s.cron.Start()
	return nil
}

// Checks scheduler state and returns an error if pre-condition is not met.
// Otherwise it sets the scheduler state to active.
func (s *Scheduler) start() error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	switch s.state.value {
	case srvStateActive:
		return fmt.Errorf("relayq: the scheduler is already running")
	case srvStateClosed:
		return fmt.Errorf("relayq: the scheduler has already been stopped")
	}
	s.state.value = srvStateActive
	return nil
}

// Shutdown stops and shuts down the scheduler.
func (s *Scheduler) Shutdown() {
	s.state.mu.Lock()
	if s.state.value == srvStateNew || s.state.value == srvStateClosed {
		s.state.mu.Unlock()
		return
	}
	s.state.value = srvStateClosed
	s.state.mu.Unlock()

	s.logger.Info("Scheduler shutting down")
	// Stop the ticker and wait for all executing jobs to finish.
	<-s.cron.Stop().Done()

	s.client.Close()
	s.logger.Info("Scheduler stopped")
}

var _ cron.Job = (*enqueueJob)(nil)

// EntryCount reports the number of registered entries, for introspection.
func (s *Scheduler) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.idmap)
}

// currentEntries returns registered cron entries; used by tests.
func (s *Scheduler) currentEntries() []cron.Entry {
	return s.cron.Entries()
}
