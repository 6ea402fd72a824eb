/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2020 WireGuard LLC. All Rights Reserved.
 */

package device

import "sync/atomic"

const (
	atomicFalse = int32(iota)
	atomicTrue
)

// AtomicBool is a small atomic flag, used instead of a mutex-guarded
// bool on the hot paths of session bring-up and teardown.
type AtomicBool struct {
	flag int32
}

func (a *AtomicBool) Get() bool {
	return atomic.LoadInt32(&a.flag) == atomicTrue
}

func (a *AtomicBool) Swap(val bool) bool {
	flag := atomicFalse
	if val {
		flag = atomicTrue
	}
	return atomic.SwapInt32(&a.flag, flag) == atomicTrue
}

func (a *AtomicBool) Set(val bool) {
	flag := atomicFalse
	if val {
		flag = atomicTrue
	}
	atomic.StoreInt32(&a.flag, flag)
}
