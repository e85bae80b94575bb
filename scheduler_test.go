// Copyright 2024 The relayq authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/log"
	"github.com/relayq/relayq/internal/timeutil"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	scheduler, err := NewScheduler(SQLiteOpt{Path: ":memory:"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { scheduler.client.Close() })
	return scheduler
}

func TestSchedulerRegister(t *testing.T) {
	scheduler := newTestScheduler(t)

	id, err := scheduler.Register("0 * * * *", "report:hourly", NewMessage("report:generate", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, scheduler.EntryCount())
	assert.Len(t, scheduler.currentEntries(), 1)
}

func TestSchedulerRegisterInvalid(t *testing.T) {
	scheduler := newTestScheduler(t)

	_, err := scheduler.Register("not a cron spec", "job", NewMessage("x", nil))
	assert.Error(t, err)

	_, err = scheduler.Register("@hourly", "", NewMessage("x", nil))
	assert.Error(t, err)
}

func TestSchedulerUnregister(t *testing.T) {
	scheduler := newTestScheduler(t)

	id, err := scheduler.Register("@hourly", "job", NewMessage("x", nil))
	require.NoError(t, err)
	require.NoError(t, scheduler.Unregister(id))
	assert.Equal(t, 0, scheduler.EntryCount())

	assert.Error(t, scheduler.Unregister(id))
	assert.Error(t, scheduler.Unregister("no-such-entry"))
}

func TestSchedulerStartTwice(t *testing.T) {
	scheduler := newTestScheduler(t)

	require.NoError(t, scheduler.Start())
	assert.Error(t, scheduler.Start())
	scheduler.Shutdown()
	assert.Error(t, scheduler.Start())
}

// TestEnqueueJobDedup drives the cron callback directly: two firings within
// the same tick claim the same occurrence, so the second enqueue collapses
// without reaching the error handler.
func TestEnqueueJobDedup(t *testing.T) {
	client := newTestClient(t)
	clock := timeutil.NewSimulatedClock(time.Date(2024, 6, 1, 11, 59, 59, 900e6, time.UTC))

	schedule, err := cron.ParseStandard("0 * * * *")
	require.NoError(t, err)

	var handlerCalls int
	job := &enqueueJob{
		name:     "report:hourly",
		msg:      NewMessage("report:generate", nil),
		schedule: schedule,
		location: time.UTC,
		client:   client,
		logger:   log.NewLogger(nil),
		clock:    clock,
		errHandler: func(jobName string, msg *Message, err error) {
			handlerCalls++
		},
	}

	// cron fires at most a few milliseconds after the nominal tick.
	clock.SetTime(time.Date(2024, 6, 1, 12, 0, 0, 5e6, time.UTC))
	job.Run()
	job.Run() // a second instance firing for the same tick

	assert.Zero(t, handlerCalls)

	// exactly one message was enqueued for the 12:00 occurrence.
	occurrence := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	_, err = client.Enqueue(NewMessage("report:generate", nil), Job("report:hourly", occurrence))
	assert.ErrorIs(t, err, ErrDuplicateJob)

	// the next tick claims a fresh occurrence.
	clock.SetTime(time.Date(2024, 6, 1, 13, 0, 0, 5e6, time.UTC))
	job.Run()
	_, err = client.Enqueue(NewMessage("report:generate", nil),
		Job("report:hourly", occurrence.Add(time.Hour)))
	assert.ErrorIs(t, err, ErrDuplicateJob)
}

func TestEnqueueJobReportsEnqueueError(t *testing.T) {
	client := newTestClient(t)
	clock := timeutil.NewSimulatedClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	schedule, err := cron.ParseStandard("@hourly")
	require.NoError(t, err)

	var gotJob string
	var gotErr error
	job := &enqueueJob{
		name:     "report:hourly",
		msg:      NewMessage("report:generate", nil),
		opts:     []Option{Queue("  ")}, // invalid queue name fails validation
		schedule: schedule,
		location: time.UTC,
		client:   client,
		logger:   log.NewLogger(nil),
		clock:    clock,
		errHandler: func(jobName string, msg *Message, err error) {
			gotJob = jobName
			gotErr = err
		},
	}
	job.Run()

	assert.Equal(t, "report:hourly", gotJob)
	assert.Error(t, gotErr)
}
