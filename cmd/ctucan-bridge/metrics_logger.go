package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-ctucan/internal/metrics"
	"github.com/kstaniek/go-ctucan/internal/server"
)

// runMetricsLogger logs a counter snapshot every interval until ctx is
// done. pending reports the controller TX queue depth and peers the TCP
// session counters.
func runMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, pending func() int, peers func() server.Stats) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			snap := metrics.Snap()
			st := peers()
			l.Info("metrics_snapshot",
				"bus_reads", snap.BusReads,
				"bus_writes", snap.BusWrites,
				"can_rx", snap.CANRx,
				"can_tx", snap.CANTx,
				"tx_pending", pending(),
				"irq", snap.IRQ,
				"fault_state", snap.FaultState,
				"mirror_rx", snap.MirrorRx,
				"mirror_tx", snap.MirrorTx,
				"tcp_rx", snap.TCPRx,
				"tcp_tx", snap.TCPTx,
				"clients", st.Active,
				"client_tx_overflow", st.TxOverflow,
				"handshake_failed", st.HandshakeFailed,
				"hub_drops", snap.HubDrops,
				"malformed", snap.Malformed,
				"errors", snap.Errors,
			)
		case <-ctx.Done():
			return
		}
	}
}
