package main

import (
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := defaultConfig()
	t.Setenv("CTUCAN_BACKEND", "uart")
	t.Setenv("CTUCAN_BAUD", "230400")
	t.Setenv("CTUCAN_UART_BASE", "0x1000")
	t.Setenv("CTUCAN_MEM_BASE", "0x43c00000")
	t.Setenv("CTUCAN_MDNS_ENABLE", "true")
	t.Setenv("CTUCAN_UART_TIMEOUT", "250ms")
	t.Setenv("CTUCAN_LOG_METRICS_INTERVAL", "5s")
	t.Setenv("CTUCAN_MIRROR_IF", "vcan0")
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.backend != "uart" || base.baud != 230400 || base.uartBase != 0x1000 || base.memBase != 0x43c00000 {
		t.Fatalf("overrides not applied: %+v", base)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.uartTO != 250*time.Millisecond {
		t.Fatalf("expected uartTO 250ms got %v", base.uartTO)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
	if base.mirrorIf != "vcan0" {
		t.Fatalf("mirrorIf=%q", base.mirrorIf)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := &appConfig{baud: 115200}
	t.Setenv("CTUCAN_BAUD", "230400")
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.baud != 115200 {
		t.Fatalf("expected baud unchanged 115200 got %d", base.baud)
	}
}

func TestApplyEnvOverrides_BadValues(t *testing.T) {
	for env, val := range map[string]string{
		"CTUCAN_HUB_BUFFER":        "notint",
		"CTUCAN_TX_QUEUE":          "0",
		"CTUCAN_MDNS_ENABLE":       "maybe",
		"CTUCAN_IRQ_POLL":          "fast",
		"CTUCAN_UART_BASE":         "-1",
		"CTUCAN_MAX_CLIENTS":       "-3",
		"CTUCAN_HANDSHAKE_TIMEOUT": "-1s",
	} {
		t.Run(env, func(t *testing.T) {
			t.Setenv(env, val)
			if err := applyEnvOverrides(defaultConfig(), map[string]struct{}{}); err == nil {
				t.Fatalf("expected error for %s=%s", env, val)
			}
		})
	}
}

func TestApplyEnvOverrides_EmptyIgnored(t *testing.T) {
	base := defaultConfig()
	t.Setenv("CTUCAN_LISTEN", "  ")
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.listenAddr != ":20000" {
		t.Fatalf("listenAddr=%q", base.listenAddr)
	}
}
