/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2020 WireGuard LLC. All Rights Reserved.
 *
 * Timer wraps time.AfterFunc the way the teacher's own Timer wraps
 * time.Timer, adapted to a callback shape: pairing timeouts and
 * staggered notification replay both fire into a goroutine rather
 * than being waited on from the session's own loop.
 */

package device

import (
	"sync"
	"time"
)

// Timer is a restartable, cancellable callback timer.
type Timer struct {
	mutex   sync.Mutex
	pending bool
	timer   *time.Timer
}

// NewTimer returns a Timer with no callback scheduled.
func NewTimer() *Timer {
	return &Timer{}
}

// Mod (re)schedules fn to run after dur, replacing any previously
// scheduled callback.
func (t *Timer) Mod(dur time.Duration, fn func()) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.pending = true
	t.timer = time.AfterFunc(dur, func() {
		t.mutex.Lock()
		t.pending = false
		t.mutex.Unlock()
		fn()
	})
}

// Del cancels any pending callback.
func (t *Timer) Del() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.pending = false
}

// Pending reports whether a callback is currently scheduled.
func (t *Timer) Pending() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.pending
}
