package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pipebus/pipebus/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"cap_rx", snap.CapRx,
					"cap_tx", snap.CapTx,
					"pipe_rx", snap.PipeRx,
					"pipe_tx", snap.PipeTx,
					"malformed", snap.Malformed,
					"workers", snap.Workers,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
