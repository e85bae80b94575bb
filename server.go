// Copyright 2024 The relayq authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relayq/relayq/internal/base"
	"github.com/relayq/relayq/internal/log"
	"github.com/relayq/relayq/internal/rdb"
)

// Server is responsible for message processing and message lifecycle management.
//
// Server pulls messages off queues and processes them.
// If the processing of a message is unsuccessful, server will schedule it for a retry.
//
// A message will be retried until either the message gets processed successfully
// or until its retry budget for the failure's classification runs out.
//
// If a message exhausts its retries, it will be routed to the error store and
// kept there for inspection.
type Server struct {
	logger *log.Logger

	broker base.Broker
	// When a Server has been created with an existing store connection, we do
	// not want to close it.
	sharedConnection bool

	state *serverState

	// wait group to wait for all goroutines to finish.
	wg            sync.WaitGroup
	forwarder     *forwarder
	processor     *processor
	heartbeater   *heartbeater
	recoverer     *recoverer
	healthchecker *healthchecker
	janitor       *janitor
}

type serverState struct {
	mu    sync.Mutex
	value serverStateValue
}

type serverStateValue int

const (
	// StateNew represents a new server.
	srvStateNew serverStateValue = iota

	// StateActive indicates the server is up and active.
	srvStateActive

	// StateStopped indicates the server is up but no longer processing new messages.
	srvStateStopped

	// StateClosed indicates the server has been shutdown.
	srvStateClosed
)

var serverStates = []string{
	"new",
	"active",
	"stopped",
	"closed",
}

func (s serverStateValue) String() string {
	if srvStateNew <= s && s <= srvStateClosed {
		return serverStates[s]
	}
	return "unknown status"
}

// Config specifies the server's message processing behavior.
type Config struct {
	// Maximum number of concurrent processing of messages.
	//
	// If set to a zero or negative value, NewServer will overwrite the value
	// to the number of CPUs usable by the current process.
	Concurrency int

	// BaseContext optionally specifies a function that returns the base context for Handler invocations on this server.
	//
	// If BaseContext is nil, the default is context.Background().
	BaseContext func() context.Context

	// IdleBackoff is the list of escalating wait durations applied between
	// dequeue attempts while every queue stays empty. The first entry is
	// used after the first empty attempt, the second after the next, and so
	// on; the last entry repeats. Claiming a message resets the escalation.
	//
	// If unset, a wait of 1 second is used after every empty attempt.
	IdleBackoff []time.Duration

	// RetryPolicy routes handler failures by classification key to bounded
	// delay lists. See RetryPolicy for details.
	//
	// If nil, failures are retried up to the message's max retry count with
	// delays from RetryDelayFunc.
	RetryPolicy *RetryPolicy

	// Function to calculate retry delay for a failed message. Consulted only
	// when RetryPolicy is nil.
	//
	// By default, it uses exponential backoff algorithm to calculate the delay.
	RetryDelayFunc RetryDelayFunc

	// Predicate function to determine whether the error returned from Handler is a failure.
	// If the function returns false, Server will not increment the retried counter for the message,
	// and the message will be redelivered without counting against its retry budget.
	//
	// By default, if the given error is non-nil the function returns true.
	IsFailure func(error) bool

	// List of queues to process with given priority value. Keys are the names of the
	// queues and values are associated priority value.
	//
	// If set to nil or not specified, the server will process only the "default" queue.
	//
	// Priority is treated as follows to avoid starving low priority queues.
	//
	// Example:
	//
	//     Queues: map[string]int{
	//         "critical": 6,
	//         "default":  3,
	//         "low":      1,
	//     }
	//
	// With the above config and given that all queues are not empty, the messages
	// in "critical", "default", "low" should be processed 60%, 30%, 10% of
	// the time respectively.
	Queues map[string]int

	// StrictPriority indicates whether the queue priority should be treated strictly.
	//
	// If set to true, messages in the queue with the highest priority are processed first.
	StrictPriority bool

	// HeartbeatInterval specifies the interval between heartbeat refreshes
	// for in-flight messages.
	//
	// If unset or zero, the interval is set to 5 seconds.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout specifies how long a claimed message stays owned
	// without a heartbeat refresh before the reaper may reclaim it. It must
	// be comfortably larger than HeartbeatInterval.
	//
	// If unset or zero, the timeout is set to 30 seconds.
	HeartbeatTimeout time.Duration

	// ReaperInterval specifies the interval between scans for records whose
	// heartbeat went stale.
	//
	// If unset or zero, the interval is set to 1 minute.
	ReaperInterval time.Duration

	// AuditCompleted retains every successfully processed message as a
	// completed record for the given duration, instead of deleting it on
	// commit. A message's own Retention option takes precedence.
	//
	// If unset or zero, messages without a Retention option are deleted on
	// commit.
	AuditCompleted time.Duration

	// ErrorHandler handles errors returned by the message handler, commit
	// failures (*CommitError) and poison records (*errors.PoisonError, with
	// a nil message).
	ErrorHandler ErrorHandler

	// Logger specifies the logger used by the server instance.
	//
	// If unset, default logger is used.
	Logger Logger

	// LogLevel specifies the minimum log level to enable.
	//
	// If unset, InfoLevel is used by default.
	LogLevel LogLevel

	// ShutdownTimeout specifies the duration to wait to let workers finish their messages
	// before forcing them to abort when stopping the server.
	//
	// If unset or zero, default timeout of 8 seconds is used.
	ShutdownTimeout time.Duration

	// HealthCheckFunc is called periodically with any errors encountered during ping to the
	// connected record store.
	HealthCheckFunc func(error)

	// HealthCheckInterval specifies the interval between healthchecks.
	//
	// If unset or zero, the interval is set to 15 seconds.
	HealthCheckInterval time.Duration

	// ForwarderInterval specifies the interval between checks run on 'scheduled' and 'retry'
	// messages, and forwarding them to 'pending' state if they are ready to be processed.
	//
	// If unset or zero, the interval is set to 5 seconds.
	ForwarderInterval time.Duration

	// JanitorInterval specifies the interval of janitor checks for expired
	// and retained records.
	//
	// If unset or zero, default interval of 8 seconds is used.
	JanitorInterval time.Duration

	// JanitorBatchSize specifies the number of expired records to be deleted in one run.
	//
	// If unset or zero, default batch size of 100 is used.
	JanitorBatchSize int
}

// An ErrorHandler handles an error occurred during message processing.
//
// The message is nil when the error does not belong to a decodable message,
// e.g. a poison record.
type ErrorHandler interface {
	HandleError(ctx context.Context, msg *Message, err error)
}

// The ErrorHandlerFunc type is an adapter to allow the use of ordinary functions as a ErrorHandler.
type ErrorHandlerFunc func(ctx context.Context, msg *Message, err error)

// HandleError calls fn(ctx, msg, err)
func (fn ErrorHandlerFunc) HandleError(ctx context.Context, msg *Message, err error) {
	fn(ctx, msg, err)
}

// RetryDelayFunc calculates the retry delay duration for a failed message given
// the retry count, error, and the message.
type RetryDelayFunc func(n int, e error, m *Message) time.Duration

// Logger supports logging at various log levels.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})
}

// LogLevel represents logging level.
type LogLevel int32

const (
	// Note: reserving value zero to differentiate unspecified case.
	level_unspecified LogLevel = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String is part of the flag.Value interface.
func (l *LogLevel) String() string {
	switch *l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FatalLevel:
		return "fatal"
	}
	panic(fmt.Sprintf("relayq: unexpected log level: %v", *l))
}

// Set is part of the flag.Value interface.
func (l *LogLevel) Set(val string) error {
	switch strings.ToLower(val) {
	case "debug":
		*l = DebugLevel
	case "info":
		*l = InfoLevel
	case "warn", "warning":
		*l = WarnLevel
	case "error":
		*l = ErrorLevel
	case "fatal":
		*l = FatalLevel
	default:
		return fmt.Errorf("relayq: unsupported log level %q", val)
	}
	return nil
}

func toInternalLogLevel(l LogLevel) log.Level {
	switch l {
	case DebugLevel:
		return log.DebugLevel
	case InfoLevel:
		return log.InfoLevel
	case WarnLevel:
		return log.WarnLevel
	case ErrorLevel:
		return log.ErrorLevel
	case FatalLevel:
		return log.FatalLevel
	}
	panic(fmt.Sprintf("relayq: unexpected log level: %v", l))
}

// DefaultRetryDelayFunc is the default RetryDelayFunc used if one is not specified in Config.
// It uses exponential back-off strategy to calculate the retry delay.
func DefaultRetryDelayFunc(n int, e error, m *Message) time.Duration {
	// Formula taken from https://github.com/mperham/sidekiq.
	s := int(math.Pow(float64(n), 4)) + 15 + (rand.IntN(30) * (n + 1))
	return time.Duration(s) * time.Second
}

func defaultIsFailureFunc(err error) bool { return err != nil }

var defaultQueueConfig = map[string]int{
	base.DefaultQueueName: 1,
}

const (
	defaultShutdownTimeout     = 8 * time.Second
	defaultHealthCheckInterval = 15 * time.Second
	defaultHeartbeatInterval   = 5 * time.Second
	defaultHeartbeatTimeout    = 30 * time.Second
	defaultReaperInterval      = 1 * time.Minute
	defaultForwarderInterval   = 5 * time.Second
	defaultJanitorInterval     = 8 * time.Second
	defaultJanitorBatchSize    = 100
)

// heartbeatTTLSetter is implemented by stores whose heartbeat time-to-live
// is configurable.
type heartbeatTTLSetter interface {
	SetHeartbeatTTL(ttl time.Duration)
}

// NewServer returns a new Server given a store connection option
// and server configuration.
func NewServer(c ConnOpt, cfg Config) (*Server, error) {
	broker, err := c.makeBroker()
	if err != nil {
		return nil, fmt.Errorf("relayq: cannot open store: %v", err)
	}
	srv := newServer(broker, cfg)
	srv.sharedConnection = false
	return srv, nil
}

// NewServerFromRedisClient returns a new instance of Server given a redis.UniversalClient
// and server configuration.
func NewServerFromRedisClient(c redis.UniversalClient, cfg Config) *Server {
	return newServer(rdb.NewRDB(c), cfg)
}

func newServer(broker base.Broker, cfg Config) *Server {
	baseCtxFn := cfg.BaseContext
	if baseCtxFn == nil {
		baseCtxFn = context.Background
	}
	n := cfg.Concurrency
	if n < 1 {
		n = runtime.NumCPU()
	}

	delayFunc := cfg.RetryDelayFunc
	if delayFunc == nil {
		delayFunc = DefaultRetryDelayFunc
	}
	isFailureFunc := cfg.IsFailure
	if isFailureFunc == nil {
		isFailureFunc = defaultIsFailureFunc
	}
	queues := make(map[string]int)
	for qname, p := range cfg.Queues {
		if err := base.ValidateQueueName(qname); err != nil {
			continue // ignore invalid queue names
		}
		if p > 0 {
			queues[qname] = p
		}
	}
	if len(queues) == 0 {
		queues = defaultQueueConfig
	}
	var qnames []string
	for q := range queues {
		qnames = append(qnames, q)
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	healthcheckInterval := cfg.HealthCheckInterval
	if healthcheckInterval == 0 {
		healthcheckInterval = defaultHealthCheckInterval
	}
	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval == 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	heartbeatTimeout := cfg.HeartbeatTimeout
	if heartbeatTimeout == 0 {
		heartbeatTimeout = defaultHeartbeatTimeout
	}
	if s, ok := broker.(heartbeatTTLSetter); ok {
		s.SetHeartbeatTTL(heartbeatTimeout)
	}
	logger := log.NewLogger(cfg.Logger)
	loglevel := cfg.LogLevel
	if loglevel == level_unspecified {
		loglevel = InfoLevel
	}
	logger.SetLevel(toInternalLogLevel(loglevel))

	starting := make(chan *workerInfo)
	finished := make(chan *base.MessageRecord)
	srvState := &serverState{value: srvStateNew}

	heartbeater := newHeartbeater(heartbeaterParams{
		logger:   logger,
		broker:   broker,
		interval: heartbeatInterval,
		starting: starting,
		finished: finished,
	})
	forwarderInterval := cfg.ForwarderInterval
	if forwarderInterval == 0 {
		forwarderInterval = defaultForwarderInterval
	}
	forwarder := newForwarder(forwarderParams{
		logger:   logger,
		broker:   broker,
		queues:   qnames,
		interval: forwarderInterval,
	})
	processor := newProcessor(processorParams{
		logger:          logger,
		broker:          broker,
		baseCtxFn:       baseCtxFn,
		retryDelayFunc:  delayFunc,
		isFailureFunc:   isFailureFunc,
		retryPolicy:     cfg.RetryPolicy,
		idleBackoff:     cfg.IdleBackoff,
		concurrency:     n,
		queues:          queues,
		strictPriority:  cfg.StrictPriority,
		errHandler:      cfg.ErrorHandler,
		shutdownTimeout: shutdownTimeout,
		starting:        starting,
		finished:        finished,
		auditCompleted:  cfg.AuditCompleted,
	})
	reaperInterval := cfg.ReaperInterval
	if reaperInterval == 0 {
		reaperInterval = defaultReaperInterval
	}
	recoverer := newRecoverer(recovererParams{
		logger:   logger,
		broker:   broker,
		queues:   qnames,
		interval: reaperInterval,
	})
	healthchecker := newHealthChecker(healthcheckerParams{
		logger:          logger,
		broker:          broker,
		interval:        healthcheckInterval,
		healthcheckFunc: cfg.HealthCheckFunc,
	})

	janitorInterval := cfg.JanitorInterval
	if janitorInterval == 0 {
		janitorInterval = defaultJanitorInterval
	}

	janitorBatchSize := cfg.JanitorBatchSize
	if janitorBatchSize == 0 {
		janitorBatchSize = defaultJanitorBatchSize
	}
	janitor := newJanitor(janitorParams{
		logger:    logger,
		broker:    broker,
		queues:    qnames,
		interval:  janitorInterval,
		batchSize: janitorBatchSize,
	})
	return &Server{
		logger:           logger,
		broker:           broker,
		sharedConnection: true,
		state:            srvState,
		forwarder:        forwarder,
		processor:        processor,
		heartbeater:      heartbeater,
		recoverer:        recoverer,
		healthchecker:    healthchecker,
		janitor:          janitor,
	}
}

// A Handler processes messages.
//
// ProcessMessage should return nil if the processing of a message
// is successful.
//
// If ProcessMessage returns a non-nil error or panics, the message
// will be retried after delay if its retry budget is remaining,
// otherwise the message will be routed to the error store.
//
// One exception to this rule is when ProcessMessage returns a SkipRetry error.
// If the returned error is SkipRetry or an error wraps SkipRetry, retry is
// skipped and the message will be routed to the error store directly.
type Handler interface {
	ProcessMessage(context.Context, *Message) error
}

// The HandlerFunc type is an adapter to allow the use of
// ordinary functions as a Handler.
type HandlerFunc func(context.Context, *Message) error

// ProcessMessage calls fn(ctx, msg)
func (fn HandlerFunc) ProcessMessage(ctx context.Context, msg *Message) error {
	return fn(ctx, msg)
}

// ErrServerClosed indicates that the operation is now illegal because of the server has been shutdown.
var ErrServerClosed = errors.New("relayq: Server closed")

// Run starts the message processing and blocks until
// an os signal to exit the program is received. Once it receives
// a signal, it gracefully shuts down all active workers and other
// goroutines to process the messages.
func (srv *Server) Run(handler Handler) error {
	if err := srv.Start(handler); err != nil {
		return err
	}
	srv.waitForSignals()
	srv.Shutdown()
	return nil
}

// Start starts the worker server. Once the server has started,
// it pulls messages off queues and starts a worker goroutine for each message
// and then call Handler to process it.
func (srv *Server) Start(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("relayq: server cannot run with nil handler")
	}
	srv.processor.handler = handler

	if err := srv.start(); err != nil {
		return err
	}
	srv.logger.Info("Starting processing")

	srv.heartbeater.start(&srv.wg)
	srv.healthchecker.start(&srv.wg)
	srv.recoverer.start(&srv.wg)
	srv.forwarder.start(&srv.wg)
	srv.processor.start(&srv.wg)
	srv.janitor.start(&srv.wg)
	return nil
}

// Checks server state and returns an error if pre-condition is not met.
// Otherwise it sets the server state to active.
func (srv *Server) start() error {
	srv.state.mu.Lock()
	defer srv.state.mu.Unlock()
	switch srv.state.value {
	case srvStateActive:
		return fmt.Errorf("relayq: the server is already running")
	case srvStateStopped:
		return fmt.Errorf("relayq: the server is in the stopped state. Waiting for shutdown.")
	case srvStateClosed:
		return ErrServerClosed
	}
	srv.state.value = srvStateActive
	return nil
}

// Shutdown gracefully shuts down the server.
func (srv *Server) Shutdown() {
	srv.state.mu.Lock()
	if srv.state.value == srvStateNew || srv.state.value == srvStateClosed {
		srv.state.mu.Unlock()
		return
	}
	srv.state.value = srvStateClosed
	srv.state.mu.Unlock()

	srv.logger.Info("Starting graceful shutdown")
	srv.forwarder.shutdown()
	srv.processor.shutdown()
	srv.recoverer.shutdown()
	srv.janitor.shutdown()
	srv.healthchecker.shutdown()
	srv.heartbeater.shutdown()
	srv.wg.Wait()

	if !srv.sharedConnection {
		srv.broker.Close()
	}
	srv.logger.Info("Exiting")
}

// Stop signals the server to stop pulling new messages off queues.
func (srv *Server) Stop() {
	srv.state.mu.Lock()
	if srv.state.value != srvStateActive {
		srv.state.mu.Unlock()
		return
	}
	srv.state.value = srvStateStopped
	srv.state.mu.Unlock()

	srv.logger.Info("Stopping processor")
	srv.processor.stop()
	srv.logger.Info("Processor stopped")
}

// Ping performs a ping against the store connection.
func (srv *Server) Ping() error {
	srv.state.mu.Lock()
	defer srv.state.mu.Unlock()
	if srv.state.value == srvStateClosed {
		return nil
	}

	return srv.broker.Ping()
}
