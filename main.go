/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2020 WireGuard LLC. All Rights Reserved.
 *
 * Entrypoint: flag parsing, credential bring-up, and wiring of the
 * TCP service listener (C5), UDP discovery (C4), transfer (C7), and
 * admin HTTP API (C8) behind one signal-driven shutdown, replacing
 * the teacher's TUN/UAPI daemonisation with this protocol's own
 * service loop.
 */

package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"kdeconnectd/admin"
	"kdeconnectd/device"
	"kdeconnectd/discovery"
	"kdeconnectd/ipc"
	"kdeconnectd/transfer"
	"kdeconnectd/trust"
)

const ExitSetupFailed = 1

func main() {
	name := flag.String("name", defaultDeviceName(), "device name advertised to peers")
	debug := flag.Bool("debug", false, "enable debug logging")
	debugAPI := flag.Bool("debug-api", false, "enable the debug-only /custom admin route")
	receiver := flag.Bool("receiver", true, "listen for and answer UDP discovery beacons")
	discoveryPort := flag.Int("discovery-port", device.DefaultDiscoveryPort, "UDP discovery port")
	servicePort := flag.Int("service-port", device.DefaultServicePort, "TCP service port")
	transferPort := flag.Int("transfer-port", device.DefaultTransferPort, "top of the transfer port range")
	maxTransferPorts := flag.Int("max-transfer-ports", device.DefaultMaxTransferPorts, "size of the transfer port range")
	adminBind := flag.String("admin-bind", string(device.AdminBindTCP), "admin API transport: tcp or socket")
	adminAddr := flag.String("admin-addr", device.DefaultAdminAddr, "admin API TCP listen address")
	adminSocket := flag.String("admin-socket", defaultSocketPath(), "admin API UNIX socket path")
	configDir := flag.String("config-dir", defaultConfigDir(), "directory holding the certificate, key, and trust store")
	flag.Parse()

	cfg := device.Config{
		Name:             *name,
		Debug:            *debug,
		DebugAPI:         *debugAPI,
		Receiver:         *receiver,
		DiscoveryPort:    *discoveryPort,
		ServicePort:      *servicePort,
		TransferPort:     *transferPort,
		MaxTransferPorts: *maxTransferPorts,
		AdminBind:        device.AdminBindMode(*adminBind),
		AdminAddr:        *adminAddr,
		AdminSocket:      *adminSocket,
		ConfigDir:        *configDir,
	}

	logLevel := device.LogLevelInfo
	if cfg.Debug {
		logLevel = device.LogLevelDebug
	}
	logger := device.NewLogger(logLevel, fmt.Sprintf("(%s) ", cfg.Name))

	if err := os.MkdirAll(cfg.ConfigDir, 0700); err != nil {
		logger.Errorf("creating config directory: %v", err)
		os.Exit(ExitSetupFailed)
	}

	creds, err := device.LoadOrGenerateCredentials(cfg.ConfigDir)
	if err != nil {
		logger.Errorf("loading credentials: %v", err)
		os.Exit(ExitSetupFailed)
	}

	store, err := trust.Open(cfg.ConfigDir + "/trust.db")
	if err != nil {
		logger.Errorf("opening trust store: %v", err)
		os.Exit(ExitSetupFailed)
	}
	defer store.Close()

	d := device.NewDevice(cfg, creds, store, logger)

	xfer := transfer.NewService(d)
	d.ShareReceiver = xfer

	serviceLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ServicePort))
	if err != nil {
		logger.Errorf("listening on service port %d: %v", cfg.ServicePort, err)
		os.Exit(ExitSetupFailed)
	}
	logger.Infof("service listening on %s, device id %s", serviceLn.Addr(), creds.DeviceID)

	go func() {
		for {
			conn, err := serviceLn.Accept()
			if err != nil {
				return
			}
			go d.Accept(conn)
		}
	}()

	var disc *discovery.Service
	if cfg.Receiver {
		disc, err = discovery.NewService(d)
		if err != nil {
			logger.Errorf("starting discovery: %v", err)
			os.Exit(ExitSetupFailed)
		}
		go disc.Serve()
		disc.Announce()
		logger.Infof("discovery listening on UDP %d", cfg.DiscoveryPort)
	}

	server := admin.NewServer(d, disc, xfer, cfg.DebugAPI)

	var adminLn net.Listener
	switch cfg.AdminBind {
	case device.AdminBindSocket:
		adminLn, err = ipc.SocketOpen(cfg.AdminSocket)
		if err != nil {
			logger.Errorf("opening admin socket %s: %v", cfg.AdminSocket, err)
			os.Exit(ExitSetupFailed)
		}
		logger.Infof("admin API listening on unix:%s", cfg.AdminSocket)
	default:
		adminLn, err = net.Listen("tcp", cfg.AdminAddr)
		if err != nil {
			logger.Errorf("listening on admin address %s: %v", cfg.AdminAddr, err)
			os.Exit(ExitSetupFailed)
		}
		logger.Infof("admin API listening on %s", adminLn.Addr())
	}

	httpServer := &http.Server{Handler: server}
	go func() {
		if err := httpServer.Serve(adminLn); err != nil && err != http.ErrServerClosed {
			logger.Errorf("admin API: %v", err)
		}
	}()

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM, os.Interrupt)
	<-term

	logger.Infof("shutting down")
	httpServer.Close()
	serviceLn.Close()
	if disc != nil {
		disc.Close()
	}
}

func defaultDeviceName() string {
	host, err := os.Hostname()
	if err != nil {
		return "kdeconnectd"
	}
	return host
}

func defaultConfigDir() string {
	if dir, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok && dir != "" {
		return dir + "/kdeconnectd"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kdeconnectd"
	}
	return home + "/.config/kdeconnectd"
}

func defaultSocketPath() string {
	if dir, ok := os.LookupEnv("XDG_RUNTIME_DIR"); ok && dir != "" {
		return dir + "/kdeconnectd.sock"
	}
	return "/tmp/kdeconnectd.sock"
}
