//go:build linux || darwin || freebsd || openbsd

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2020 WireGuard LLC. All Rights Reserved.
 *
 * UNIX admin-socket bring-up, adapted from the teacher's UAPIOpen:
 * same umask-then-listen-then-stale-probe shape, generalised from a
 * per-interface WireGuard control socket to the admin API's single
 * configurable socket path.
 */

package ipc

import (
	"errors"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// SocketOpen binds a UNIX-domain listener at path, creating its
// parent directory and clearing a stale socket left by a crashed
// prior instance.
func SocketOpen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}

	oldUmask := unix.Umask(0077)
	defer unix.Umask(oldUmask)

	listener, err := net.ListenUnix("unix", addr)
	if err == nil {
		return listener, nil
	}

	if _, dialErr := net.Dial("unix", path); dialErr == nil {
		return nil, errors.New("admin socket already in use")
	}
	if err := os.Remove(path); err != nil {
		return nil, err
	}
	return net.ListenUnix("unix", addr)
}
