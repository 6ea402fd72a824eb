/* SPDX-License-Identifier: GPL-2.0
 *
 * Copyright (C) 2017-2018 Jason A. Donenfeld <Jason@zx2c4.com>. All Rights Reserved.
 *
 * Ratelimiter is the discovery dedup window: a second UDP identity
 * beacon from a device id seen within dedupWindow of the first is
 * discarded. Adapted from the teacher's IP-keyed token-bucket
 * limiter, generalised from net.IP keys to device-id string keys and
 * simplified from a token bucket to a single last-seen timestamp,
 * since spec.md's dedup rule is a flat window, not a sustained rate.
 */

package ratelimiter

import (
	"sync"
	"time"
)

const dedupWindow = 500 * time.Millisecond
const garbageCollectTime = 2 * dedupWindow

// Ratelimiter tracks the most recent accepted time per device id.
type Ratelimiter struct {
	mutex sync.Mutex
	stop  chan struct{}
	seen  map[string]time.Time
}

// Init (re)starts the limiter and its background garbage collector.
func (r *Ratelimiter) Init() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.stop != nil {
		close(r.stop)
	}

	r.stop = make(chan struct{})
	r.seen = make(map[string]time.Time)

	stop := r.stop
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.collect()
			}
		}
	}()
}

func (r *Ratelimiter) collect() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := time.Now()
	for key, last := range r.seen {
		if now.Sub(last) > garbageCollectTime {
			delete(r.seen, key)
		}
	}
}

// Close stops the garbage collector.
func (r *Ratelimiter) Close() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
}

// Allow reports whether a packet from deviceID should be accepted:
// false if one from the same id was accepted within the dedup
// window, true (and records the time) otherwise.
func (r *Ratelimiter) Allow(deviceID string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := time.Now()
	if last, ok := r.seen[deviceID]; ok && now.Sub(last) < dedupWindow {
		return false
	}
	r.seen[deviceID] = now
	return true
}
