// Copyright 2024 The relayq authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

/*
Package relayq provides a message queue engine with at-least-once delivery
backed by Redis or a SQL database.

RelayQ moves messages from producers to worker pools through named queues. It
is designed for reliability: every claimed message is covered by a heartbeat
lease, and a reaper returns the records of crashed workers to the queue.

# Features

Core Features:
  - At-Least-Once Delivery: Heartbeat-based record ownership with automatic recovery
  - Delayed/Scheduled Messages: Deliver messages at a specific time
  - Classified Retries: Route failures to per-class bounded delay lists
  - Error Store: Exhausted and poison messages kept for inspection
  - Message TTL: Expired messages are dropped instead of delivered
  - Job Deduplication: Named jobs collapse concurrent duplicate schedules

Additional Features:
  - Priority Queues: Weighted queue processing with strict priority option
  - Per-Message Priority: Higher priority messages delivered first within a queue
  - Payload Transforms: Transparent gzip compression recorded in headers
  - Completed Auditing: Retain processed messages for a configurable window
  - Graceful Shutdown: Clean termination on OS signals

# Quick Start

Client (Enqueue Messages):

	client, err := relayq.NewClient(relayq.RedisClientOpt{
		Addr: "localhost:6379",
	})
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	payload, _ := json.Marshal(map[string]int{"user_id": 42})
	msg := relayq.NewMessage("email:welcome", payload)
	info, err := client.Enqueue(msg)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Enqueued: %s", info.ID)

Server (Process Messages):

	srv, err := relayq.NewServer(
		relayq.RedisClientOpt{Addr: "localhost:6379"},
		relayq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
		},
	)
	if err != nil {
		log.Fatal(err)
	}

	handler := relayq.HandlerFunc(func(ctx context.Context, msg *relayq.Message) error {
		log.Printf("Processing message: %s", msg.Type())
		return nil
	})

	if err := srv.Run(handler); err != nil {
		log.Fatal(err)
	}

The same API runs against a SQL store:

	srv, err := relayq.NewServer(relayq.SQLiteOpt{Path: "relayq.db"}, relayq.Config{...})

# Message Options

Available options for NewMessage and Enqueue:

	MaxRetry(n)        - Maximum retry attempts under the count-based policy
	Queue(name)        - Target queue name
	Priority(p)        - Delivery priority within the queue (0 lowest, 9 highest)
	Timeout(d)         - Message execution timeout
	Deadline(t)        - Absolute deadline for the handler
	ProcessIn(d)       - Delay delivery by duration
	ProcessAt(t)       - Deliver at specific time
	TTL(d)             - Drop the message if undelivered after duration
	Retention(d)       - Keep the completed record for duration
	MessageID(id)      - Custom message ID
	CorrelationID(id)  - Correlation ID carried to the handler
	Header(k, v)       - Attach a header
	Job(name, at)      - Deduplicate by job name and occurrence time
	Compress()         - Gzip the payload in transit

# Architecture

RelayQ stores records through a backend-agnostic broker. The Redis broker keeps
per-queue sorted sets (pending, working, scheduled, retry, error, completed)
and a hash per record; every state transition is a Lua script. The SQL broker
keeps one row per record and performs each transition in a transaction, for
SQLite and PostgreSQL.

The Server spawns multiple goroutines:
  - Processor: Worker pool that claims and executes messages
  - Forwarder: Moves scheduled/retry messages to pending when ready
  - Recoverer: Requeues records whose heartbeat went stale
  - Heartbeater: Extends heartbeats of in-flight records
  - Janitor: Deletes expired records and completed records past retention
  - Healthchecker: Pings the store and reports failures
*/
package relayq
