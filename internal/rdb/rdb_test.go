// Copyright 2024 The relayq authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/base"
	"github.com/relayq/relayq/internal/errors"
	"github.com/relayq/relayq/internal/timeutil"
)

// setup connects to the redis server named by TEST_REDIS_ADDR and flushes it.
// Tests are skipped when the variable is unset.
func setup(t *testing.T) (*RDB, *timeutil.SimulatedClock) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR is not set; skipping redis store tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 14})
	require.NoError(t, client.FlushDB(context.Background()).Err())
	r := NewRDB(client)
	t.Cleanup(func() { r.Close() })
	clock := timeutil.NewSimulatedClock(time.Now().Truncate(time.Second))
	r.SetClock(clock)
	return r, clock
}

func makeRecord(clock timeutil.Clock, qname string) *base.MessageRecord {
	return &base.MessageRecord{
		Type:       "email:send",
		Payload:    []byte(`{"user_id":42}`),
		ID:         uuid.NewString(),
		Queue:      qname,
		Retry:      3,
		EnqueuedAt: clock.Now().Unix(),
	}
}

func recordState(t *testing.T, r *RDB, qname, id string) string {
	t.Helper()
	state, err := r.Client().HGet(context.Background(), base.RecordKey(qname, id), "state").Result()
	require.NoError(t, err)
	return state
}

func recordExists(t *testing.T, r *RDB, qname, id string) bool {
	t.Helper()
	n, err := r.Client().Exists(context.Background(), base.RecordKey(qname, id)).Result()
	require.NoError(t, err)
	return n == 1
}

func TestEnqueueDequeueDone(t *testing.T) {
	r, clock := setup(t)
	ctx := context.Background()

	msg := makeRecord(clock, "default")
	require.NoError(t, r.Enqueue(ctx, msg))
	assert.Equal(t, "pending", recordState(t, r, "default", msg.ID))

	got, deadline, err := r.Dequeue("default")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, clock.Now().Add(r.HeartbeatTTL()), deadline)
	assert.Equal(t, "active", recordState(t, r, "default", msg.ID))

	require.NoError(t, r.Done(ctx, got))
	assert.False(t, recordExists(t, r, "default", msg.ID))
}

func TestDequeueEmptyQueues(t *testing.T) {
	r, _ := setup(t)
	_, _, err := r.Dequeue("default", "critical")
	assert.True(t, errors.Is(err, errors.ErrNoProcessableTask))
}

func TestDequeuePriorityOrder(t *testing.T) {
	r, clock := setup(t)
	ctx := context.Background()

	for _, p := range []int{0, 9, 5} {
		msg := makeRecord(clock, "default")
		msg.Priority = p
		require.NoError(t, r.Enqueue(ctx, msg))
	}

	var order []int
	for i := 0; i < 3; i++ {
		got, _, err := r.Dequeue("default")
		require.NoError(t, err)
		order = append(order, got.Priority)
	}
	assert.Equal(t, []int{9, 5, 0}, order)
}

func TestEnqueueMessageIDConflict(t *testing.T) {
	r, clock := setup(t)
	ctx := context.Background()

	msg := makeRecord(clock, "default")
	require.NoError(t, r.Enqueue(ctx, msg))

	dup := makeRecord(clock, "default")
	dup.ID = msg.ID
	err := r.Enqueue(ctx, dup)
	assert.True(t, errors.Is(err, errors.ErrTaskIdConflict))
}

func TestEnqueueUnique(t *testing.T) {
	r, clock := setup(t)
	ctx := context.Background()
	occurrence := clock.Now().Truncate(time.Hour)

	msg := makeRecord(clock, "default")
	msg.JobName = "report:hourly"
	msg.JobScheduledAt = occurrence.Unix()
	require.NoError(t, r.EnqueueUnique(ctx, msg))

	dup := makeRecord(clock, "default")
	dup.JobName = "report:hourly"
	dup.JobScheduledAt = occurrence.Unix()
	err := r.EnqueueUnique(ctx, dup)
	assert.True(t, errors.Is(err, errors.ErrDuplicateJob))
	assert.False(t, recordExists(t, r, "default", dup.ID))

	early := makeRecord(clock, "default")
	early.JobName = "report:hourly"
	early.JobScheduledAt = occurrence.Add(-time.Hour).Unix()
	err = r.EnqueueUnique(ctx, early)
	assert.True(t, errors.Is(err, errors.ErrDuplicateJob))

	next := makeRecord(clock, "default")
	next.JobName = "report:hourly"
	next.JobScheduledAt = occurrence.Add(time.Hour).Unix()
	assert.NoError(t, r.EnqueueUnique(ctx, next))
}

func TestDoneAdvancesJobMarker(t *testing.T) {
	r, clock := setup(t)
	ctx := context.Background()
	occurrence := clock.Now().Truncate(time.Hour)

	msg := makeRecord(clock, "default")
	msg.JobName = "report:hourly"
	msg.JobScheduledAt = occurrence.Unix()
	require.NoError(t, r.EnqueueUnique(ctx, msg))

	got, _, err := r.Dequeue("default")
	require.NoError(t, err)
	require.NoError(t, r.Done(ctx, got))

	encoded, err := r.Client().HGet(ctx, base.JobsKey("default"), "report:hourly").Result()
	require.NoError(t, err)
	marker, err := base.DecodeJobMarker([]byte(encoded))
	require.NoError(t, err)
	assert.Equal(t, occurrence.Unix(), marker.ScheduledAt)
	assert.Equal(t, clock.Now().Unix(), marker.CompletedAt)
}

func TestDelayedDeliveryAndForward(t *testing.T) {
	r, clock := setup(t)
	ctx := context.Background()

	msg := makeRecord(clock, "default")
	msg.ProcessAt = clock.Now().Add(time.Hour).Unix()
	require.NoError(t, r.Enqueue(ctx, msg))
	assert.Equal(t, "scheduled", recordState(t, r, "default", msg.ID))

	// not yet eligible; the forwarder moves nothing.
	require.NoError(t, r.ForwardIfReady("default"))
	_, _, err := r.Dequeue("default")
	assert.True(t, errors.Is(err, errors.ErrNoProcessableTask))

	clock.AdvanceTime(time.Hour)
	require.NoError(t, r.ForwardIfReady("default"))
	assert.Equal(t, "pending", recordState(t, r, "default", msg.ID))

	got, _, err := r.Dequeue("default")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
}

func TestForwardPreservesPriorityOrder(t *testing.T) {
	r, clock := setup(t)
	ctx := context.Background()

	low := makeRecord(clock, "default")
	low.Priority = 1
	low.ProcessAt = clock.Now().Add(time.Minute).Unix()
	require.NoError(t, r.Enqueue(ctx, low))

	high := makeRecord(clock, "default")
	high.Priority = 8
	high.ProcessAt = clock.Now().Add(time.Minute).Unix()
	require.NoError(t, r.Enqueue(ctx, high))

	clock.AdvanceTime(time.Minute)
	require.NoError(t, r.ForwardIfReady("default"))

	got, _, err := r.Dequeue("default")
	require.NoError(t, err)
	assert.Equal(t, high.ID, got.ID)
}

func TestRetryAndRedeliver(t *testing.T) {
	r, clock := setup(t)
	ctx := context.Background()

	msg := makeRecord(clock, "default")
	require.NoError(t, r.Enqueue(ctx, msg))
	got, deadline, err := r.Dequeue("default")
	require.NoError(t, err)

	got.Retried++
	require.NoError(t, r.Retry(ctx, got, clock.Now().Add(time.Minute), "boom", true, deadline))
	assert.Equal(t, "retry", recordState(t, r, "default", msg.ID))

	clock.AdvanceTime(time.Minute)
	require.NoError(t, r.ForwardIfReady("default"))
	redelivered, _, err := r.Dequeue("default")
	require.NoError(t, err)
	assert.Equal(t, 1, redelivered.Retried)
	assert.Equal(t, "boom", redelivered.ErrorMsg)
}

func TestRetryHeartbeatMismatchIsDropped(t *testing.T) {
	r, clock := setup(t)
	ctx := context.Background()

	msg := makeRecord(clock, "default")
	require.NoError(t, r.Enqueue(ctx, msg))
	got, deadline, err := r.Dequeue("default")
	require.NoError(t, err)

	// a stale heartbeat deadline means the reaper won the race; the rollback
	// must leave the record untouched.
	stale := deadline.Add(-time.Second)
	require.NoError(t, r.Retry(ctx, got, clock.Now(), "boom", true, stale))
	assert.Equal(t, "active", recordState(t, r, "default", msg.ID))
}

func TestArchiveAndErrorStore(t *testing.T) {
	r, clock := setup(t)
	ctx := context.Background()

	msg := makeRecord(clock, "default")
	require.NoError(t, r.Enqueue(ctx, msg))
	got, _, err := r.Dequeue("default")
	require.NoError(t, err)

	require.NoError(t, r.Archive(ctx, got, "db", "connection refused"))
	require.NoError(t, r.Archive(ctx, got, "db", "refused again"))
	require.NoError(t, r.Archive(ctx, got, "smtp", "greylisted"))

	n, err := r.ErrorCount("default")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	occ, err := r.ErrorOccurrences("default", msg.ID, "db")
	require.NoError(t, err)
	assert.Equal(t, 2, occ)
	occ, err = r.ErrorOccurrences("default", msg.ID, "smtp")
	require.NoError(t, err)
	assert.Equal(t, 1, occ)
}

func TestPurgeErrors(t *testing.T) {
	r, clock := setup(t)
	ctx := context.Background()

	old := makeRecord(clock, "default")
	require.NoError(t, r.Enqueue(ctx, old))
	got, _, err := r.Dequeue("default")
	require.NoError(t, err)
	require.NoError(t, r.Archive(ctx, got, "db", "refused"))

	clock.AdvanceTime(48 * time.Hour)
	recent := makeRecord(clock, "default")
	require.NoError(t, r.Enqueue(ctx, recent))
	got, _, err = r.Dequeue("default")
	require.NoError(t, err)
	require.NoError(t, r.Archive(ctx, got, "db", "refused"))

	purged, err := r.PurgeErrors("default", clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	assert.False(t, recordExists(t, r, "default", old.ID))
	assert.True(t, recordExists(t, r, "default", recent.ID))

	// the orphaned occurrence count is dropped with its error record.
	occ, err := r.ErrorOccurrences("default", old.ID, "db")
	require.NoError(t, err)
	assert.Equal(t, 0, occ)
	occ, err = r.ErrorOccurrences("default", recent.ID, "db")
	require.NoError(t, err)
	assert.Equal(t, 1, occ)
}

func TestPurgeErrorsCutoffExclusive(t *testing.T) {
	r, clock := setup(t)
	ctx := context.Background()

	msg := makeRecord(clock, "default")
	require.NoError(t, r.Enqueue(ctx, msg))
	got, _, err := r.Dequeue("default")
	require.NoError(t, err)
	require.NoError(t, r.Archive(ctx, got, "db", "refused"))

	// a record that failed exactly at the cutoff is not old enough to purge.
	purged, err := r.PurgeErrors("default", clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, purged)
	assert.True(t, recordExists(t, r, "default", msg.ID))

	purged, err = r.PurgeErrors("default", clock.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}

func TestExpiredRecordDeletedOnDequeue(t *testing.T) {
	r, clock := setup(t)
	ctx := context.Background()

	msg := makeRecord(clock, "default")
	msg.ExpiresAt = clock.Now().Add(time.Minute).Unix()
	require.NoError(t, r.Enqueue(ctx, msg))

	clock.AdvanceTime(2 * time.Minute)
	_, _, err := r.Dequeue("default")
	assert.True(t, errors.Is(err, errors.ErrNoProcessableTask))
	assert.False(t, recordExists(t, r, "default", msg.ID))
}

func TestDeleteExpired(t *testing.T) {
	r, clock := setup(t)
	ctx := context.Background()

	waiting := makeRecord(clock, "default")
	waiting.ExpiresAt = clock.Now().Add(time.Minute).Unix()
	require.NoError(t, r.Enqueue(ctx, waiting))

	kept := makeRecord(clock, "default")
	kept.ExpiresAt = clock.Now().Add(time.Hour).Unix()
	require.NoError(t, r.Enqueue(ctx, kept))

	clock.AdvanceTime(2 * time.Minute)
	require.NoError(t, r.DeleteExpired("default", 100))
	assert.False(t, recordExists(t, r, "default", waiting.ID))
	assert.True(t, recordExists(t, r, "default", kept.ID))
}

func TestDeleteExpiredKeepsArchived(t *testing.T) {
	r, clock := setup(t)
	ctx := context.Background()

	msg := makeRecord(clock, "default")
	msg.ExpiresAt = clock.Now().Add(time.Minute).Unix()
	require.NoError(t, r.Enqueue(ctx, msg))
	got, _, err := r.Dequeue("default")
	require.NoError(t, err)
	require.NoError(t, r.Archive(ctx, got, "db", "refused"))

	// an archived record belongs to the error store; the janitor must not
	// delete it even after its expiration passes.
	clock.AdvanceTime(2 * time.Minute)
	require.NoError(t, r.DeleteExpired("default", 100))
	assert.True(t, recordExists(t, r, "default", msg.ID))
	assert.Equal(t, "archived", recordState(t, r, "default", msg.ID))

	n, err := r.ErrorCount("default")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	occ, err := r.ErrorOccurrences("default", msg.ID, "db")
	require.NoError(t, err)
	assert.Equal(t, 1, occ)

	// a second sweep finds nothing left in the expiring index.
	require.NoError(t, r.DeleteExpired("default", 100))
	assert.True(t, recordExists(t, r, "default", msg.ID))
}

func TestDeleteExpiredCompleted(t *testing.T) {
	r, clock := setup(t)
	ctx := context.Background()

	msg := makeRecord(clock, "default")
	msg.Retention = int64((2 * time.Hour).Seconds())
	require.NoError(t, r.Enqueue(ctx, msg))
	got, _, err := r.Dequeue("default")
	require.NoError(t, err)
	require.NoError(t, r.MarkAsComplete(ctx, got))
	assert.Equal(t, "completed", recordState(t, r, "default", msg.ID))

	require.NoError(t, r.DeleteExpired("default", 100))
	assert.True(t, recordExists(t, r, "default", msg.ID))

	clock.AdvanceTime(3 * time.Hour)
	require.NoError(t, r.DeleteExpired("default", 100))
	assert.False(t, recordExists(t, r, "default", msg.ID))
}

func TestHeartbeatAndReaping(t *testing.T) {
	r, clock := setup(t)
	ctx := context.Background()

	msg := makeRecord(clock, "default")
	require.NoError(t, r.Enqueue(ctx, msg))
	got, deadline, err := r.Dequeue("default")
	require.NoError(t, err)

	stale, err := r.ListStale(clock.Now(), "default")
	require.NoError(t, err)
	assert.Empty(t, stale)

	clock.AdvanceTime(10 * time.Second)
	newDeadline, err := r.ExtendHeartbeat("default", got.ID)
	require.NoError(t, err)
	assert.True(t, newDeadline.After(deadline))

	clock.AdvanceTime(r.HeartbeatTTL() + time.Minute)
	stale, err = r.ListStale(clock.Now().Add(-30*time.Second), "default")
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, msg.ID, stale[0].ID)

	require.NoError(t, r.Requeue(ctx, stale[0], clock.Now().Add(5*time.Second)))
	assert.Equal(t, "scheduled", recordState(t, r, "default", msg.ID))

	clock.AdvanceTime(5 * time.Second)
	require.NoError(t, r.ForwardIfReady("default"))
	redelivered, _, err := r.Dequeue("default")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, redelivered.ID)
}

func TestExtendHeartbeatSkipsInactive(t *testing.T) {
	r, _ := setup(t)
	_, err := r.ExtendHeartbeat("default", "no-such-id")
	assert.NoError(t, err)
}

func TestPauseUnpause(t *testing.T) {
	r, clock := setup(t)
	ctx := context.Background()

	msg := makeRecord(clock, "default")
	require.NoError(t, r.Enqueue(ctx, msg))

	require.NoError(t, r.Pause("default"))
	_, _, err := r.Dequeue("default")
	assert.True(t, errors.Is(err, errors.ErrNoProcessableTask))

	require.NoError(t, r.Unpause("default"))
	got, _, err := r.Dequeue("default")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
}

func TestUnpauseUnknownQueue(t *testing.T) {
	r, _ := setup(t)
	err := r.Unpause("no-such-queue")
	assert.True(t, errors.IsQueueNotFound(err))
}

func TestDequeuePoisonRecord(t *testing.T) {
	r, clock := setup(t)
	ctx := context.Background()

	// plant an undecodable record directly, bypassing the encode path.
	id := uuid.NewString()
	require.NoError(t, r.Client().HSet(ctx, base.RecordKey("default", id),
		"msg", "{not json", "state", "pending", "expires_at", 0).Err())
	require.NoError(t, r.Client().ZAdd(ctx, base.PendingKey("default"), redis.Z{
		Score:  float64(base.PendingScore(0, clock.Now())),
		Member: id,
	}).Err())

	_, _, err := r.Dequeue("default")
	require.Error(t, err)
	var perr *errors.PoisonError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "default", perr.Queue)
	assert.Equal(t, id, perr.ID)
	assert.Equal(t, []byte("{not json"), perr.Raw)

	// the record was consumed into the error store with its raw bytes, and
	// the occurrence counts were left alone.
	assert.Equal(t, "archived", recordState(t, r, "default", id))
	n, err := r.ErrorCount("default")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	inflight, err := r.Client().ZCard(ctx, base.WorkingKey("default")).Result()
	require.NoError(t, err)
	assert.Zero(t, inflight)
	counts, err := r.Client().HLen(ctx, base.ErrorCountsKey("default")).Result()
	require.NoError(t, err)
	assert.Zero(t, counts)
}

func TestPing(t *testing.T) {
	r, _ := setup(t)
	assert.NoError(t, r.Ping())
}
