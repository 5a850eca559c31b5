package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := baseConfig()

	os.Setenv("PIPEBUS_CAP", "/run/pipebus/cap.fifo")
	os.Setenv("PIPEBUS_POLL_INTERVAL", "50ms")
	os.Setenv("PIPEBUS_INBOX_SIZE", "1024")
	os.Setenv("PIPEBUS_MDNS_ENABLE", "true")
	os.Setenv("PIPEBUS_LOG_METRICS_INTERVAL", "5s")
	t.Cleanup(func() {
		os.Unsetenv("PIPEBUS_CAP")
		os.Unsetenv("PIPEBUS_POLL_INTERVAL")
		os.Unsetenv("PIPEBUS_INBOX_SIZE")
		os.Unsetenv("PIPEBUS_MDNS_ENABLE")
		os.Unsetenv("PIPEBUS_LOG_METRICS_INTERVAL")
	})
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.capPipe != "/run/pipebus/cap.fifo" {
		t.Fatalf("expected cap override, got %s", base.capPipe)
	}
	if base.pollInterval != 50*time.Millisecond {
		t.Fatalf("expected poll-interval override, got %s", base.pollInterval)
	}
	if base.inboxSize != 1024 {
		t.Fatalf("expected inbox-size override, got %d", base.inboxSize)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected metrics interval override, got %s", base.logMetricsEvery)
	}
}

func TestApplyEnvOverrides_FlagWins(t *testing.T) {
	base := baseConfig()
	os.Setenv("PIPEBUS_CAP", "/run/elsewhere/cap.fifo")
	t.Cleanup(func() { os.Unsetenv("PIPEBUS_CAP") })

	set := map[string]struct{}{"cap": {}}
	if err := applyEnvOverrides(base, set); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.capPipe != "/tmp/pipebus/cap.fifo" {
		t.Fatalf("explicit flag should win over env, got %s", base.capPipe)
	}
}

func TestApplyEnvOverrides_InvalidDuration(t *testing.T) {
	base := baseConfig()
	os.Setenv("PIPEBUS_POLL_INTERVAL", "not-a-duration")
	t.Cleanup(func() { os.Unsetenv("PIPEBUS_POLL_INTERVAL") })

	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
	if base.pollInterval != 100*time.Millisecond {
		t.Fatalf("invalid env must not change the value, got %s", base.pollInterval)
	}
}
