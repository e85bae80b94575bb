// Copyright 2024 The relayq authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/base"
	"github.com/relayq/relayq/internal/log"
)

func newTestHeartbeater(broker base.Broker) (*heartbeater, chan *workerInfo, chan *base.MessageRecord) {
	starting := make(chan *workerInfo)
	finished := make(chan *base.MessageRecord)
	h := newHeartbeater(heartbeaterParams{
		logger:   log.NewLogger(nil),
		broker:   broker,
		interval: time.Minute, // beats are driven manually in tests
		starting: starting,
		finished: finished,
	})
	return h, starting, finished
}

func TestHeartbeaterExtendsLeases(t *testing.T) {
	broker := newFakeBroker()
	h, _, _ := newTestHeartbeater(broker)

	msg := newTestRecord("m1")
	lease := base.NewLease(time.Now().Add(30 * time.Second))
	h.workers[msg.ID] = &workerInfo{msg: msg, started: time.Now(), lease: lease}

	before := lease.Deadline()
	h.beat()

	broker.mu.Lock()
	extended := append([]string(nil), broker.extended["default"]...)
	broker.mu.Unlock()
	assert.Equal(t, []string{"m1"}, extended)
	assert.True(t, lease.Deadline().After(before))
	assert.True(t, lease.IsValid())
}

func TestHeartbeaterGroupsByQueue(t *testing.T) {
	broker := newFakeBroker()
	h, _, _ := newTestHeartbeater(broker)

	m1 := newTestRecord("m1")
	m2 := newTestRecord("m2")
	m3 := newTestRecord("m3")
	m3.Queue = "critical"
	for _, m := range []*base.MessageRecord{m1, m2, m3} {
		h.workers[m.ID] = &workerInfo{msg: m, lease: base.NewLease(time.Now().Add(30 * time.Second))}
	}

	h.beat()

	broker.mu.Lock()
	defer broker.mu.Unlock()
	assert.ElementsMatch(t, []string{"m1", "m2"}, broker.extended["default"])
	assert.Equal(t, []string{"m3"}, broker.extended["critical"])
}

func TestHeartbeaterNotifiesExpiredLease(t *testing.T) {
	broker := newFakeBroker()
	h, _, _ := newTestHeartbeater(broker)

	msg := newTestRecord("m1")
	lease := base.NewLease(time.Now().Add(-time.Second)) // already ran out
	h.workers[msg.ID] = &workerInfo{msg: msg, lease: lease}

	h.beat()

	select {
	case <-lease.Done():
	default:
		t.Fatal("expected worker to be notified of the expired lease")
	}
}

func TestHeartbeaterTracksWorkers(t *testing.T) {
	broker := newFakeBroker()
	h, starting, finished := newTestHeartbeater(broker)

	var wg sync.WaitGroup
	h.start(&wg)

	msg := newTestRecord("m1")
	starting <- &workerInfo{msg: msg, lease: base.NewLease(time.Now().Add(30 * time.Second))}
	finished <- msg

	h.shutdown()
	wg.Wait()
	require.Empty(t, h.workers)
}
