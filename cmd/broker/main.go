// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Command broker runs the broker core behind a TCP listener and, when
// ws_listen is configured, a websocket listener, wiring together the pieces in this module: a YAML-configured
// Ledger authenticator (or an allow-all authenticator if no ledger file is
// given), a bolt-backed connection audit log, and prometheus metrics.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mochi-core/broker"
	"github.com/mochi-core/broker/authhooks"
	"github.com/mochi-core/broker/internal/audit"
	"github.com/mochi-core/broker/transportcap"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	log := slog.Default()

	cfg, err := broker.OpenConfigFile(*configPath)
	if err != nil {
		log.Error("failed to read config file", "error", err)
		os.Exit(1)
	}

	var auth broker.Authenticator
	if cfg.Broker.LedgerPath != "" {
		data, err := os.ReadFile(cfg.Broker.LedgerPath)
		if err != nil {
			log.Error("failed to read ledger file", "error", err)
			os.Exit(1)
		}
		ledger, err := authhooks.NewLedger(data, cfg.Broker.Quota)
		if err != nil {
			log.Error("failed to parse ledger file", "error", err)
			os.Exit(1)
		}
		auth = ledger
	} else {
		log.Warn("no ledger configured, accepting every connection")
		auth = authhooks.AllowAll{Quota: cfg.Broker.Quota}
	}

	var recorder *audit.Recorder
	if cfg.Broker.AuditPath != "" {
		recorder, err = audit.Open(cfg.Broker.AuditPath)
		if err != nil {
			log.Error("failed to open audit log", "error", err)
			os.Exit(1)
		}
		defer recorder.Close()
	}

	b := broker.NewBroker(broker.BrokerOptions{Authenticator: auth, Logger: log})
	registry := prometheus.NewRegistry()
	b.RegisterMetrics(registry)

	tcpAddr := cfg.Broker.TCPListen
	if tcpAddr == "" {
		tcpAddr = ":1883"
	}
	tcpListener, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		log.Error("failed to bind tcp listener", "error", err)
		os.Exit(1)
	}

	listeners := transportcap.NewListeners(log)
	listeners.Add(transportcap.NewTCP("tcp", tcpListener))
	if cfg.Broker.WSListen != "" {
		listeners.Add(transportcap.NewWebSocket("ws", cfg.Broker.WSListen))
	}

	establish := func(listenerID string, conn net.Conn, remoteAddress string) {
		defer conn.Close()

		// The wire codec that decodes CONNECT off conn and drives
		// Session.Dequeue/ProcessPublish* against the resulting net.Conn
		// is out of scope for this module; this is the seam it plugs
		// into. A minimal ConnectionRequest is authenticated here so the
		// rest of the pipeline (audit logging, principal resolution,
		// displacement) is exercised end to end.
		req := broker.ConnectionRequest{
			RemoteAddress: remoteAddress,
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		session, connack := b.Connect(ctx, req, cancel)
		if recorder != nil {
			_ = recorder.Record(audit.Attempt{
				ClientIdentifier: req.ClientIdentifier,
				RemoteAddress:    remoteAddress,
				Accepted:         connack.ReturnCode == broker.ReturnAccepted,
				ReturnCode:       byte(connack.ReturnCode),
				At:               time.Now(),
			})
		}
		if connack.ReturnCode != broker.ReturnAccepted {
			return
		}
		defer b.Disconnect(session.ID)

		<-ctx.Done()
	}

	if err := listeners.ServeAll(establish); err != nil {
		log.Error("failed to start listeners", "error", err)
		os.Exit(1)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		_ = http.ListenAndServe(":8080", mux)
	}()

	log.Info("broker started", "tcp", tcpAddr, "ws", cfg.Broker.WSListen)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	listeners.CloseAll(func(string) {})
	log.Info("broker stopped")
}
