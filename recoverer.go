// Copyright 2024 The relayq authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"sync"
	"time"

	"github.com/relayq/relayq/internal/base"
	"github.com/relayq/relayq/internal/log"
	"github.com/relayq/relayq/internal/timeutil"
)

// recoverer is the reaper: it periodically scans for active records whose
// heartbeat went stale, which means the owning worker crashed or stalled,
// and resets them back to waiting so another worker can pick them up.
//
// The reset is idempotent and guarded store-side, so a worker's late
// rollback or commit cannot race it into a double transition. In a healthy
// system every scan finds nothing.
type recoverer struct {
	logger *log.Logger
	broker base.Broker
	clock  timeutil.Clock

	// channel to communicate back to the long running "recoverer" goroutine.
	done chan struct{}

	// list of queues to check for stale records.
	queues []string

	// interval between checks.
	interval time.Duration
}

type recovererParams struct {
	logger   *log.Logger
	broker   base.Broker
	queues   []string
	interval time.Duration
}

func newRecoverer(params recovererParams) *recoverer {
	return &recoverer{
		logger:   params.logger,
		broker:   params.broker,
		clock:    timeutil.NewRealClock(),
		done:     make(chan struct{}),
		queues:   params.queues,
		interval: params.interval,
	}
}

func (r *recoverer) shutdown() {
	r.logger.Debug("Recoverer shutting down...")
	// Signal the recoverer goroutine to stop polling.
	r.done <- struct{}{}
}

func (r *recoverer) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(r.interval)
		for {
			select {
			case <-r.done:
				r.logger.Debug("Recoverer done")
				timer.Stop()
				return
			case <-timer.C:
				r.recover()
				timer.Reset(r.interval)
			}
		}
	}()
}

// reaperGrace is how far past its heartbeat deadline a record must be before
// the reaper reclaims it. The slack keeps a slow-but-alive worker's own
// rollback or commit from racing the reset.
const reaperGrace = 30 * time.Second

// staleRedeliveryDelay spaces out redelivery of a reclaimed record, so a
// message that keeps crashing its worker does not spin hot.
const staleRedeliveryDelay = 5 * time.Second

func (r *recoverer) recover() {
	now := r.clock.Now()
	msgs, err := r.broker.ListStale(now.Add(-reaperGrace), r.queues...)
	if err != nil {
		r.logger.Warnf("Could not list stale records: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, msg := range msgs {
		r.logger.Infof("Reclaiming record with stale heartbeat. message id=%s queue=%s", msg.ID, msg.Queue)
		if err := r.broker.Requeue(ctx, msg, now.Add(staleRedeliveryDelay)); err != nil {
			r.logger.Warnf("Could not reset record id=%s back to waiting: %v", msg.ID, err)
		}
	}
}
