// Copyright 2024 The relayq authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyClassKey(t *testing.T) {
	p := &RetryPolicy{}
	assert.Equal(t, "db", p.classKey(ErrClass("db", errors.New("connection refused"))))
	assert.Equal(t, "db", p.classKey(fmt.Errorf("query failed: %w", ErrClass("db", errors.New("refused")))))
	assert.Equal(t, "", p.classKey(errors.New("unclassified")))

	p.Classify = func(err error) string { return "fallback" }
	assert.Equal(t, "fallback", p.classKey(errors.New("unclassified")))
	// an explicit classification wins over the Classify hook.
	assert.Equal(t, "db", p.classKey(ErrClass("db", errors.New("refused"))))
}

func TestRetryPolicyNextDelay(t *testing.T) {
	p := &RetryPolicy{
		Classes: map[string][]time.Duration{
			"db": {time.Second, time.Minute},
		},
		Default: []time.Duration{5 * time.Second},
	}

	d, ok := p.NextDelay("db", 0)
	assert.True(t, ok)
	assert.Equal(t, time.Second, d)

	d, ok = p.NextDelay("db", 1)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, d)

	_, ok = p.NextDelay("db", 2)
	assert.False(t, ok)

	// unknown keys select the default list.
	d, ok = p.NextDelay("smtp", 0)
	assert.True(t, ok)
	assert.Equal(t, 5*time.Second, d)
	_, ok = p.NextDelay("smtp", 1)
	assert.False(t, ok)
}

func TestRetryPolicyNilDefaultExhaustsImmediately(t *testing.T) {
	p := &RetryPolicy{
		Classes: map[string][]time.Duration{
			"db": {time.Second},
		},
	}
	_, ok := p.NextDelay("", 0)
	assert.False(t, ok)
}

func TestErrClass(t *testing.T) {
	inner := errors.New("timed out")
	err := ErrClass("timeout", inner)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "timeout")

	// a nil inner error still produces a usable classified error.
	err = ErrClass("timeout", nil)
	assert.Contains(t, err.Error(), "timeout")
}

func TestDefaultRetryDelayFunc(t *testing.T) {
	for n := 0; n < 10; n++ {
		d := DefaultRetryDelayFunc(n, errors.New("boom"), nil)
		assert.GreaterOrEqual(t, d, 15*time.Second)
	}
	// the delay grows with the retry count.
	assert.Greater(t, DefaultRetryDelayFunc(10, errors.New("boom"), nil), DefaultRetryDelayFunc(0, errors.New("boom"), nil))
}
