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
)

func TestServerProcessesMessages(t *testing.T) {
	srv, err := NewServer(SQLiteOpt{Path: ":memory:"}, Config{
		Concurrency:       2,
		IdleBackoff:       []time.Duration{10 * time.Millisecond},
		ForwarderInterval: 10 * time.Millisecond,
		LogLevel:          FatalLevel,
	})
	require.NoError(t, err)

	// the server owns its connection; the client shares it so both ends see
	// the same in-memory database.
	client := newClientWithBroker(srv.broker)

	var mu sync.Mutex
	processed := make(map[string]int)
	handler := HandlerFunc(func(ctx context.Context, msg *Message) error {
		mu.Lock()
		processed[msg.Type()]++
		mu.Unlock()
		return nil
	})
	require.NoError(t, srv.Start(handler))
	defer srv.Shutdown()

	_, err = client.Enqueue(NewMessage("email:send", []byte(`{}`)))
	require.NoError(t, err)
	_, err = client.Enqueue(NewMessage("report:generate", nil), ProcessIn(20*time.Millisecond))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return processed["email:send"] == 1 && processed["report:generate"] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerHandlerErrorRoutesToErrorStore(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	srv, err := NewServer(SQLiteOpt{Path: ":memory:"}, Config{
		Concurrency: 1,
		IdleBackoff: []time.Duration{10 * time.Millisecond},
		LogLevel:    FatalLevel,
		ErrorHandler: ErrorHandlerFunc(func(ctx context.Context, msg *Message, err error) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		}),
	})
	require.NoError(t, err)
	client := newClientWithBroker(srv.broker)

	handler := HandlerFunc(func(ctx context.Context, msg *Message) error {
		return fmt.Errorf("permanent: %w", SkipRetry)
	})
	require.NoError(t, srv.Start(handler))
	defer srv.Shutdown()

	_, err = client.Enqueue(NewMessage("email:send", nil))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reported) == 1
	}, 2*time.Second, 10*time.Millisecond)

	n, err := srv.broker.ErrorCount("default")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestServerStartErrors(t *testing.T) {
	srv, err := NewServer(SQLiteOpt{Path: ":memory:"}, Config{LogLevel: FatalLevel})
	require.NoError(t, err)

	assert.Error(t, srv.Start(nil))

	handler := HandlerFunc(func(ctx context.Context, msg *Message) error { return nil })
	require.NoError(t, srv.Start(handler))
	assert.Error(t, srv.Start(handler))

	srv.Shutdown()
	assert.ErrorIs(t, srv.Start(handler), ErrServerClosed)
}

func TestServerStopThenShutdown(t *testing.T) {
	srv, err := NewServer(SQLiteOpt{Path: ":memory:"}, Config{
		Concurrency: 1,
		IdleBackoff: []time.Duration{10 * time.Millisecond},
		LogLevel:    FatalLevel,
	})
	require.NoError(t, err)
	client := newClientWithBroker(srv.broker)

	var mu sync.Mutex
	var count int
	handler := HandlerFunc(func(ctx context.Context, msg *Message) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, srv.Start(handler))

	_, err = client.Enqueue(NewMessage("email:send", nil))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Stop pauses claiming; messages enqueued afterwards stay pending.
	srv.Stop()
	_, err = client.Enqueue(NewMessage("email:send", nil))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()

	srv.Shutdown()
	// Shutdown is idempotent.
	srv.Shutdown()
}

func TestServerPing(t *testing.T) {
	srv, err := NewServer(SQLiteOpt{Path: ":memory:"}, Config{LogLevel: FatalLevel})
	require.NoError(t, err)

	assert.NoError(t, srv.Ping())

	handler := HandlerFunc(func(ctx context.Context, msg *Message) error { return nil })
	require.NoError(t, srv.Start(handler))
	assert.NoError(t, srv.Ping())

	srv.Shutdown()
	// a closed server reports healthy by definition.
	assert.NoError(t, srv.Ping())
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(SQLiteOpt{Path: ":memory:"}, Config{
		Queues:   map[string]int{"default": 1},
		LogLevel: FatalLevel,
	})
	assert.NoError(t, err)

	// queues with non-positive priority values are ignored; an all-zero map
	// falls back to the default queue set.
	srv, err := NewServer(SQLiteOpt{Path: ":memory:"}, Config{
		Queues:   map[string]int{"default": 0},
		LogLevel: FatalLevel,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, srv.processor.queues())
}
