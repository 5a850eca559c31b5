// Package metrics exposes the broker's Prometheus instrumentation plus a
// set of locally mirrored counters so the daemon can log snapshots without
// scraping itself.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pipebus/pipebus/internal/logging"
)

// Prometheus counters
var (
	CapRxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cap_rx_messages_total",
		Help: "Total control messages read from the Common Access Pipe.",
	})
	CapTxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cap_tx_messages_total",
		Help: "Total assignments written to the Common Access Pipe.",
	})
	PipeRxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipe_rx_messages_total",
		Help: "Total data messages read from client TX pipes.",
	})
	PipeTxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipe_tx_messages_total",
		Help: "Total data messages written to client RX pipes.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (bad packet, bad checksum, unsupported version).",
	})
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_workers",
		Help: "Current number of subscribed client workers.",
	})
	DispatchFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_fanout",
		Help: "Number of workers targeted by the most recent dispatch.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrCapRead    = "cap_read"
	ErrCapWrite   = "cap_write"
	ErrPipeRead   = "pipe_read"
	ErrPipeWrite  = "pipe_write"
	ErrPipeCreate = "pipe_create"
	ErrDispatch   = "dispatch"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
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

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localCapRx     uint64
	localCapTx     uint64
	localPipeRx    uint64
	localPipeTx    uint64
	localMalformed uint64
	localWorkers   uint64
	localFanout    uint64
	localErrors    uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	CapRx     uint64
	CapTx     uint64
	PipeRx    uint64
	PipeTx    uint64
	Malformed uint64
	Workers   uint64
	Fanout    uint64
	Errors    uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		CapRx:     atomic.LoadUint64(&localCapRx),
		CapTx:     atomic.LoadUint64(&localCapTx),
		PipeRx:    atomic.LoadUint64(&localPipeRx),
		PipeTx:    atomic.LoadUint64(&localPipeTx),
		Malformed: atomic.LoadUint64(&localMalformed),
		Workers:   atomic.LoadUint64(&localWorkers),
		Fanout:    atomic.LoadUint64(&localFanout),
		Errors:    atomic.LoadUint64(&localErrors),
	}
}

// Wrapper helpers to keep call sites simple.
func IncCapRx() {
	CapRxMessages.Inc()
	atomic.AddUint64(&localCapRx, 1)
}

func IncCapTx() {
	CapTxMessages.Inc()
	atomic.AddUint64(&localCapTx, 1)
}

func IncPipeRx() {
	PipeRxMessages.Inc()
	atomic.AddUint64(&localPipeRx, 1)
}

func IncPipeTx() {
	PipeTxMessages.Inc()
	atomic.AddUint64(&localPipeTx, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func SetActiveWorkers(n int) {
	ActiveWorkers.Set(float64(n))
	atomic.StoreUint64(&localWorkers, uint64(n))
}

func SetDispatchFanout(n int) {
	DispatchFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register error label series so the first error does not pay the
	// registration latency.
	for _, lbl := range []string{
		ErrCapRead, ErrCapWrite, ErrPipeRead, ErrPipeWrite, ErrPipeCreate, ErrDispatch,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so the endpoint doesn't flap
		return true
	}
	return fn()
}
