// Copyright 2024 The relayq authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"errors"
	"fmt"
	"time"
)

// RetryPolicy routes handler failures by classification key.
//
// Each failure is classified into a key (via the Classified wrapper or the
// Classify hook), and the key selects an ordered list of delays. The list
// bounds the retries: a message that has already failed len(delays) times
// under a key is routed to the error store instead of retried.
//
// Retry counts are tracked per classification key, so a message that fails
// under two different keys gets each key's full delay list.
type RetryPolicy struct {
	// Classes maps a classification key to its delay list.
	Classes map[string][]time.Duration

	// Default is the delay list used for failures whose key has no entry in
	// Classes. A nil Default routes such failures to the error store
	// immediately.
	Default []time.Duration

	// Classify derives a classification key from a handler error. It is
	// consulted only when the error does not carry a key via ErrClass. A nil
	// Classify (or an empty returned key) selects the Default list.
	Classify func(error) string
}

// classKey returns the classification key for err.
func (p *RetryPolicy) classKey(err error) string {
	var c *classifiedError
	if errors.As(err, &c) {
		return c.class
	}
	if p.Classify != nil {
		return p.Classify(err)
	}
	return ""
}

// delays returns the delay list selected by the given key.
func (p *RetryPolicy) delays(key string) []time.Duration {
	if ds, ok := p.Classes[key]; ok {
		return ds
	}
	return p.Default
}

// NextDelay returns the delay before the given attempt of the given class,
// where attempt counts prior failures under that class (0 for the first
// retry). The second return value is false when the class's delay list is
// exhausted and the message must be routed to the error store.
func (p *RetryPolicy) NextDelay(key string, attempt int) (time.Duration, bool) {
	ds := p.delays(key)
	if attempt < 0 || attempt >= len(ds) {
		return 0, false
	}
	return ds[attempt], true
}

// classifiedError tags an error with a retry classification key.
type classifiedError struct {
	class string
	err   error
}

func (e *classifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.class, e.err)
}

func (e *classifiedError) Unwrap() error { return e.err }

// ErrClass wraps err with a retry classification key so the RetryPolicy can
// route it without inspecting error types. Handlers return it directly:
//
//	return relayq.ErrClass("timeout", err)
func ErrClass(class string, err error) error {
	if err == nil {
		err = errors.New(class)
	}
	return &classifiedError{class: class, err: err}
}
