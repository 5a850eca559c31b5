package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pipebus/pipebus/internal/metrics"
	"github.com/pipebus/pipebus/server"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("pipebus-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	srv := server.New(cfg.capPipe, cfg.clientDir,
		server.WithLogger(l),
		server.WithInboxSize(cfg.inboxSize),
		server.WithOnSubscription(func(clientID string) {
			l.Info("client_subscribed", "client_id", clientID)
		}),
		server.WithOnUnsubscription(func(clientID string) {
			l.Info("client_unsubscribed", "client_id", clientID)
		}),
	)
	if err := srv.StartCapListener(); err != nil {
		l.Error("cap_listener_error", "error", err)
		os.Exit(1)
	}

	metrics.SetReadinessFunc(func() bool {
		return srv.ListenerState() != server.StateStopped && ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
		if cfg.mdnsEnable {
			if _, port, err := net.SplitHostPort(cfg.metricsAddr); err == nil {
				if portNum, err := strconv.Atoi(port); err == nil && portNum > 0 {
					cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
					if err != nil {
						l.Warn("mdns_start_failed", "error", err)
					} else {
						l.Info("mdns_started", "service", mdnsServiceType, "port", portNum)
						defer cleanupMDNS()
					}
				}
			}
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Main serve loop: the CAP listener feeds the channel; subscription
	// handling and message routing happen here at the poll cadence.
	t := time.NewTicker(cfg.pollInterval)
	defer t.Stop()
	for {
		select {
		case s := <-sigCh:
			l.Info("shutdown_signal", "signal", s.String())
			cancel()
			if err := srv.StopServer(); err != nil {
				l.Error("stop_server_error", "error", err)
			}
			wg.Wait()
			return
		case <-t.C:
			if _, err := srv.ProcessCapAll(); err != nil {
				var werr *server.WorkerError
				if errors.As(err, &werr) {
					l.Error("cap_process_error", "client_id", werr.ClientID, "error", werr.Err)
				} else {
					l.Error("cap_process_error", "error", err)
				}
			}
			if _, err := srv.ProcessAll(); err != nil {
				var werr *server.WorkerError
				if errors.As(err, &werr) {
					l.Error("dispatch_error", "client_id", werr.ClientID, "error", werr.Err)
				} else {
					l.Error("dispatch_error", "error", err)
				}
			}
		}
	}
}
