// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package sandbox

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimers_Clamp(t *testing.T) {
	timers := NewTimers(nil, Limits{})

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"negative delay", timers.ClampDelay(-time.Second), 0},
		{"delay within bounds", timers.ClampDelay(5 * time.Second), 5 * time.Second},
		{"delay capped at one minute", timers.ClampDelay(10 * time.Minute), time.Minute},
		{"interval raised to one second", timers.ClampInterval(10 * time.Millisecond), time.Second},
		{"interval kept", timers.ClampInterval(3 * time.Second), 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestTimers_TimeoutFiresOnceOnLoop(t *testing.T) {
	l := NewLoop(nil)
	defer l.Close()
	timers := NewTimers(l, DefaultLimits())
	defer timers.Close()

	fired := make(chan bool, 2)
	id := timers.SetTimeout(time.Millisecond, func(ctx context.Context) error {
		fired <- l.OnLoop(ctx)
		return nil
	})
	assert.Equal(t, TimerID(1), id)

	select {
	case onLoop := <-fired:
		assert.True(t, onLoop)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}
	assert.False(t, timers.Clear(id), "fired timeouts are forgotten")
}

func TestTimers_IntervalRepeatsUntilCleared(t *testing.T) {
	l := NewLoop(nil)
	defer l.Close()
	timers := NewTimers(l, Limits{MinInterval: 5 * time.Millisecond})
	defer timers.Close()

	var count atomic.Int32
	id := timers.SetInterval(time.Millisecond, func(context.Context) error {
		count.Add(1)
		return nil
	})
	require.Eventually(t, func() bool { return count.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, timers.Clear(id))

	time.Sleep(20 * time.Millisecond)
	settled := count.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, count.Load())
}

func TestTimers_CloseCancelsEverything(t *testing.T) {
	l := NewLoop(nil)
	defer l.Close()
	timers := NewTimers(l, DefaultLimits())

	var fired atomic.Bool
	timeout := timers.SetTimeout(20*time.Millisecond, func(context.Context) error {
		fired.Store(true)
		return nil
	})
	interval := timers.SetInterval(time.Second, func(context.Context) error { return nil })

	timers.Close()
	assert.False(t, timers.Clear(timeout))
	assert.False(t, timers.Clear(interval))
	assert.Equal(t, TimerID(0), timers.SetTimeout(0, func(context.Context) error { return nil }))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())
}
