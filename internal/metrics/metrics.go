package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-mcp2517fd/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transmit path labels.
const (
	PathTxFIFO   = "tx_fifo"
	PathTXQ      = "txq"
	PathOverflow = "host_overflow"
)

// Prometheus collectors.
var (
	ControllerTxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp2517fd_tx_frames_total",
		Help: "CAN frames accepted for transmission, by path.",
	}, []string{"path"})
	ControllerTxRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcp2517fd_tx_rejected_total",
		Help: "Frames refused by TryToSend (host FIFO full, TXQ full or unknown routing index).",
	})
	ControllerRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcp2517fd_rx_frames_total",
		Help: "CAN frames drained from the controller receive FIFO.",
	})
	ControllerRxThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcp2517fd_rx_throttle_total",
		Help: "Times the receive FIFO not-empty interrupt was disabled because the host queue filled up.",
	})
	ControllerRxDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcp2517fd_rx_dropped_total",
		Help: "Received frames lost because the host receive queue was full.",
	})
	ISRPasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcp2517fd_isr_passes_total",
		Help: "Interrupt core invocations.",
	})
	SPITransfers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcp2517fd_spi_transfers_total",
		Help: "Chip-select pulses issued on the SPI bus.",
	})
	BeginFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp2517fd_begin_failures_total",
		Help: "Controller bring-up failures by error kind.",
	}, []string{"kind"})
	FilterMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp2517fd_filter_matches_total",
		Help: "Dispatched frames by acceptance filter index.",
	}, []string{"filter"})
	BusErrorCounters = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mcp2517fd_bus_error_counter",
		Help: "Nominal bit rate error counters read from C1BDIAG0.",
	}, []string{"dir"})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total CAN frames received from TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total CAN frames sent to TCP clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total CAN frames dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames from TCP clients.",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label values (stable to bound cardinality).
const (
	ErrTCPRead      = "tcp_read"
	ErrTCPWrite     = "tcp_write"
	ErrHandshake    = "handshake"
	ErrSPITransfer  = "spi_transfer"
	ErrTxOverflow   = "controller_tx_overflow"
	ErrRxOverflow   = "controller_rx_overflow"
	ErrBegin        = "controller_begin"
	ErrDispatchWait = "dispatch_wait"
)

// StartHTTP serves /metrics and /ready on addr in a background goroutine.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// In-process mirrors of the Prometheus counters, for logging and tests.
var (
	localTx         atomic.Uint64
	localTxOverflow atomic.Uint64
	localTxRejected atomic.Uint64
	localRx         atomic.Uint64
	localRxThrottle atomic.Uint64
	localRxDropped  atomic.Uint64
	localISR        atomic.Uint64
	localSPI        atomic.Uint64
	localTCPRx      atomic.Uint64
	localTCPTx      atomic.Uint64
	localHubDrop    atomic.Uint64
	localHubKick    atomic.Uint64
	localHubReject  atomic.Uint64
	localHubClients atomic.Uint64
	localErrors     atomic.Uint64
	localMalformed  atomic.Uint64
)

// Snapshot is a copy of the local counters.
type Snapshot struct {
	Tx           uint64 // includes frames parked in the host overflow queue
	TxOverflow   uint64
	TxRejected   uint64
	Rx           uint64
	RxThrottle   uint64
	RxDropped    uint64
	ISRPasses    uint64
	SPITransfers uint64
	TCPRx        uint64
	TCPTx        uint64
	HubDrops     uint64
	HubKicks     uint64
	HubRejects   uint64
	HubClients   uint64
	Errors       uint64 // sum across error labels
	Malformed    uint64
}

func Snap() Snapshot {
	return Snapshot{
		Tx:           localTx.Load(),
		TxOverflow:   localTxOverflow.Load(),
		TxRejected:   localTxRejected.Load(),
		Rx:           localRx.Load(),
		RxThrottle:   localRxThrottle.Load(),
		RxDropped:    localRxDropped.Load(),
		ISRPasses:    localISR.Load(),
		SPITransfers: localSPI.Load(),
		TCPRx:        localTCPRx.Load(),
		TCPTx:        localTCPTx.Load(),
		HubDrops:     localHubDrop.Load(),
		HubKicks:     localHubKick.Load(),
		HubRejects:   localHubReject.Load(),
		HubClients:   localHubClients.Load(),
		Errors:       localErrors.Load(),
		Malformed:    localMalformed.Load(),
	}
}

// IncTx counts a frame accepted on the given path.
func IncTx(path string) {
	ControllerTxFrames.WithLabelValues(path).Inc()
	localTx.Add(1)
	if path == PathOverflow {
		localTxOverflow.Add(1)
	}
}

func IncTxRejected() {
	ControllerTxRejected.Inc()
	localTxRejected.Add(1)
}

func IncRx() {
	ControllerRxFrames.Inc()
	localRx.Add(1)
}

func IncRxThrottle() {
	ControllerRxThrottled.Inc()
	localRxThrottle.Add(1)
}

func IncRxDropped() {
	ControllerRxDropped.Inc()
	localRxDropped.Add(1)
	IncError(ErrRxOverflow)
}

func IncISRPass() {
	ISRPasses.Inc()
	localISR.Add(1)
}

func IncSPITransfer() {
	SPITransfers.Inc()
	localSPI.Add(1)
}

// IncBeginFailure counts one failed bring-up error kind.
func IncBeginFailure(kind string) {
	BeginFailures.WithLabelValues(kind).Inc()
}

func IncFilterMatch(idx int) {
	FilterMatches.WithLabelValues(strconv.Itoa(idx)).Inc()
}

// SetBusErrorCounters publishes the controller transmit and receive error
// counters.
func SetBusErrorCounters(tec, rec uint8) {
	BusErrorCounters.WithLabelValues("tx").Set(float64(tec))
	BusErrorCounters.WithLabelValues("rx").Set(float64(rec))
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	localTCPRx.Add(1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	localTCPTx.Add(uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	localHubDrop.Add(1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	localHubKick.Add(1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	localHubReject.Add(1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	localHubClients.Store(uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	localErrors.Add(1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	localMalformed.Add(1)
}

// InitBuildInfo sets the build info gauge and pre-registers error series.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrSPITransfer, ErrTxOverflow, ErrRxOverflow, ErrBegin, ErrDispatchWait,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, p := range []string{PathTxFIFO, PathTXQ, PathOverflow} {
		ControllerTxFrames.WithLabelValues(p).Add(0)
	}
}

// SetReadinessFunc registers the function consulted by /ready.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady reports readiness; true until a readiness function is registered.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
