// Copyright 2024 The relayq authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"sync"
	"time"

	"github.com/relayq/relayq/internal/base"
	"github.com/relayq/relayq/internal/log"
	"github.com/relayq/relayq/internal/timeutil"
)

// heartbeater is responsible for refreshing the heartbeat of every in-flight
// message so the reaper can tell a working consumer from a crashed one.
//
// Each refreshed message has its in-process lease reset to the new deadline;
// a lease that can no longer be reset notifies its worker that the record
// may have been reclaimed.
type heartbeater struct {
	logger *log.Logger
	broker base.Broker
	clock  timeutil.Clock

	// channel to communicate back to the long running "heartbeater" goroutine.
	done chan struct{}

	// interval between heartbeat refreshes.
	interval time.Duration

	// channels to receive updates on in-flight messages.
	starting <-chan *workerInfo
	finished <-chan *base.MessageRecord

	// in-flight messages keyed by message id.
	workers map[string]*workerInfo
}

// workerInfo holds an in-flight message and the lease its worker watches.
type workerInfo struct {
	// the message the worker is processing.
	msg *base.MessageRecord
	// time the worker claimed the message.
	started time.Time
	// deadline the handler must finish by.
	deadline time.Time
	// lease the worker holds for the message.
	lease *base.Lease
}

type heartbeaterParams struct {
	logger   *log.Logger
	broker   base.Broker
	interval time.Duration
	starting <-chan *workerInfo
	finished <-chan *base.MessageRecord
}

func newHeartbeater(params heartbeaterParams) *heartbeater {
	return &heartbeater{
		logger:   params.logger,
		broker:   params.broker,
		clock:    timeutil.NewRealClock(),
		done:     make(chan struct{}),
		interval: params.interval,
		starting: params.starting,
		finished: params.finished,
		workers:  make(map[string]*workerInfo),
	}
}

func (h *heartbeater) shutdown() {
	h.logger.Debug("Heartbeater shutting down...")
	// Signal the heartbeater goroutine to stop.
	h.done <- struct{}{}
}

func (h *heartbeater) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(h.interval)
		for {
			select {
			case <-h.done:
				h.logger.Debug("Heartbeater done")
				timer.Stop()
				return
			case <-timer.C:
				h.beat()
				timer.Reset(h.interval)
			case w := <-h.starting:
				h.workers[w.msg.ID] = w
			case msg := <-h.finished:
				delete(h.workers, msg.ID)
			}
		}
	}()
}

// beat refreshes the heartbeat of all in-flight messages, one store call per
// queue, and resets the corresponding leases. A failed refresh is retried on
// the next tick; the leases simply run down in the meantime.
func (h *heartbeater) beat() {
	byQueue := make(map[string][]*workerInfo)
	for _, w := range h.workers {
		byQueue[w.msg.Queue] = append(byQueue[w.msg.Queue], w)
	}
	for qname, ws := range byQueue {
		ids := make([]string, 0, len(ws))
		for _, w := range ws {
			ids = append(ids, w.msg.ID)
		}
		deadline, err := h.broker.ExtendHeartbeat(qname, ids...)
		if err != nil {
			h.logger.Errorf("Failed to refresh heartbeats for queue %q: %v", qname, err)
			continue
		}
		for _, w := range ws {
			if !w.lease.Reset(deadline) {
				// the lease ran out between ticks; the reaper may have
				// reclaimed the record, so tell the worker.
				w.lease.NotifyExpiration()
			}
		}
	}
}
