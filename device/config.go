/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2020 WireGuard LLC. All Rights Reserved.
 *
 * Config is the struct-of-options bag main.go fills in from flags,
 * grounded on the teacher's own device/config.go shape and on
 * original_source/konnect/server.py's ArgumentParser flag set.
 */

package device

const (
	DefaultDiscoveryPort  = 1716
	DefaultServicePort    = 1764
	DefaultTransferPort   = DefaultServicePort - 1
	DefaultMaxTransferPorts = 3
	DefaultAdminAddr      = ":8080"
)

// AdminBindMode selects whether the admin API listens on TCP or a
// UNIX domain socket.
type AdminBindMode string

const (
	AdminBindTCP    AdminBindMode = "tcp"
	AdminBindSocket AdminBindMode = "socket"
)

// Config holds every runtime option this daemon accepts.
type Config struct {
	Name              string
	Debug             bool
	DebugAPI          bool
	Receiver          bool
	DiscoveryPort     int
	ServicePort       int
	TransferPort      int
	MaxTransferPorts  int
	AdminBind         AdminBindMode
	AdminAddr         string
	AdminSocket       string
	ConfigDir         string
}
