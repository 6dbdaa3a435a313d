// Package metrics exports the bridge's Prometheus series under the
// "ctucan" namespace. Every series has an in-process mirror so the periodic
// log line and tests can read values without scraping.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ctucan"

// Error labels for the errors_total series. The set is closed to bound
// cardinality.
const (
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrHandshake      = "handshake"
	ErrBusRead        = "bus_read"
	ErrBusWrite       = "bus_write"
	ErrCANTx          = "can_tx"
	ErrCANTxOverflow  = "can_tx_overflow"
	ErrCANRx          = "can_rx"
	ErrIRQ            = "irq"
	ErrMirrorRead     = "socketcan_read"
	ErrMirrorWrite    = "socketcan_write"
	ErrMirrorOverflow = "socketcan_tx_overflow"
)

var errorLabels = []string{
	ErrTCPRead, ErrTCPWrite, ErrHandshake,
	ErrBusRead, ErrBusWrite,
	ErrCANTx, ErrCANTxOverflow, ErrCANRx, ErrIRQ,
	ErrMirrorRead, ErrMirrorWrite, ErrMirrorOverflow,
}

// counter pairs a Prometheus counter with its local mirror.
type counter struct {
	prom  prometheus.Counter
	local atomic.Uint64
}

func newCounter(subsystem, name, help string) *counter {
	return &counter{prom: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	})}
}

func (c *counter) add(n uint64) {
	c.prom.Add(float64(n))
	c.local.Add(n)
}

type gauge struct {
	prom  prometheus.Gauge
	local atomic.Uint64
}

func newGauge(subsystem, name, help string) *gauge {
	return &gauge{prom: promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	})}
}

func (g *gauge) set(v int) {
	g.prom.Set(float64(v))
	g.local.Store(uint64(max(v, 0)))
}

var (
	busReads  = newCounter("bus", "reads_total", "Register read cycles completed on the peripheral bus.")
	busWrites = newCounter("bus", "writes_total", "Register write cycles completed on the peripheral bus.")

	canTx      = newCounter("can", "tx_frames_total", "Frames written into a controller TX buffer.")
	canRx      = newCounter("can", "rx_frames_total", "Frames drained from the controller RX FIFO.")
	malformed  = newCounter("can", "malformed_frames_total", "Frames rejected for an impossible word count, an invalid length or truncation.")
	faultState = newGauge("can", "fault_state", "Fault confinement state (0=error-active, 1=error-passive, 2=bus-off, 3=unknown).")
	ctlState   = newGauge("can", "controller_state", "Controller lifecycle state (0=disabled, 1=configuring, 2=enabled, 3=initialized).")

	irqBits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "irq", Name: "events_total",
		Help: "Interrupt status bits seen by the service loop.",
	}, []string{"bit"})
	irqTotal atomic.Uint64

	mirrorRx = newCounter("socketcan", "rx_frames_total", "Frames read from the SocketCAN mirror interface.")
	mirrorTx = newCounter("socketcan", "tx_frames_total", "Frames written to the SocketCAN mirror interface.")

	tcpRx = newCounter("tcp", "rx_frames_total", "Frames received from cannelloni peers.")
	tcpTx = newCounter("tcp", "tx_frames_total", "Frames written to cannelloni peers.")

	hubDrops   = newCounter("hub", "dropped_frames_total", "Frames a slow peer missed under the drop policy.")
	hubKicks   = newCounter("hub", "kicked_clients_total", "Peers disconnected by the kick policy.")
	hubRejects = newCounter("hub", "rejected_clients_total", "Peers turned away at the client limit.")
	hubClients = newGauge("hub", "active_clients", "Connected peers.")
	hubFanout  = newGauge("hub", "broadcast_fanout", "Peers targeted by the latest broadcast.")
	hubQMax    = newGauge("hub", "queue_depth_max", "Deepest peer queue at the latest broadcast.")
	hubQAvg    = newGauge("hub", "queue_depth_avg", "Mean peer queue depth at the latest broadcast.")

	errorsByLabel = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "errors_total",
		Help: "Failures by subsystem.",
	}, []string{"where"})
	errorTotal atomic.Uint64

	buildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "build_info",
		Help: "Build metadata; the value is always 1.",
	}, []string{"version", "commit", "date"})
)

// Snapshot holds the local mirrors at one instant.
type Snapshot struct {
	BusReads   uint64
	BusWrites  uint64
	CANTx      uint64
	CANRx      uint64
	IRQ        uint64 // all bits
	MirrorRx   uint64
	MirrorTx   uint64
	TCPRx      uint64
	TCPTx      uint64
	HubDrops   uint64
	HubKicks   uint64
	HubRejects uint64
	Errors     uint64 // all labels
	HubClients uint64
	Fanout     uint64
	Malformed  uint64
	FaultState uint64
	QueueMax   uint64
	QueueAvg   uint64
}

func Snap() Snapshot {
	return Snapshot{
		BusReads:   busReads.local.Load(),
		BusWrites:  busWrites.local.Load(),
		CANTx:      canTx.local.Load(),
		CANRx:      canRx.local.Load(),
		IRQ:        irqTotal.Load(),
		MirrorRx:   mirrorRx.local.Load(),
		MirrorTx:   mirrorTx.local.Load(),
		TCPRx:      tcpRx.local.Load(),
		TCPTx:      tcpTx.local.Load(),
		HubDrops:   hubDrops.local.Load(),
		HubKicks:   hubKicks.local.Load(),
		HubRejects: hubRejects.local.Load(),
		Errors:     errorTotal.Load(),
		HubClients: hubClients.local.Load(),
		Fanout:     hubFanout.local.Load(),
		Malformed:  malformed.local.Load(),
		FaultState: faultState.local.Load(),
		QueueMax:   hubQMax.local.Load(),
		QueueAvg:   hubQAvg.local.Load(),
	}
}

func IncBusRead()   { busReads.add(1) }
func IncBusWrite()  { busWrites.add(1) }
func IncCANTx()     { canTx.add(1) }
func IncCANRx()     { canRx.add(1) }
func IncMalformed() { malformed.add(1) }

// IncIRQ counts one serviced interrupt status bit, e.g. "RXI".
func IncIRQ(bit string) {
	irqBits.WithLabelValues(bit).Inc()
	irqTotal.Add(1)
}

func SetFaultState(s int)      { faultState.set(s) }
func SetControllerState(s int) { ctlState.set(s) }

func IncMirrorRx() { mirrorRx.add(1) }
func IncMirrorTx() { mirrorTx.add(1) }

func IncTCPRx()                { tcpRx.add(1) }
func AddTCPTx(n int)           { tcpTx.add(uint64(max(n, 0))) }
func IncHubDrop()              { hubDrops.add(1) }
func IncHubKick()              { hubKicks.add(1) }
func IncHubReject()            { hubRejects.add(1) }
func SetHubClients(n int)      { hubClients.set(n) }
func SetBroadcastFanout(n int) { hubFanout.set(n) }

// SetQueueDepth records the deepest and the mean peer queue.
func SetQueueDepth(deepest, avg int) {
	hubQMax.set(deepest)
	hubQAvg.set(avg)
}

// IncError counts one failure under label, one of the Err* constants.
func IncError(label string) {
	errorsByLabel.WithLabelValues(label).Inc()
	errorTotal.Add(1)
}

// InitBuildInfo publishes build metadata and creates every error series at
// zero so dashboards see them before the first failure.
func InitBuildInfo(version, commit, date string) {
	buildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range errorLabels {
		errorsByLabel.WithLabelValues(lbl).Add(0)
	}
}
