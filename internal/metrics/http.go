package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kstaniek/go-ctucan/internal/logging"
)

var readiness atomic.Pointer[func() bool]

// SetReadinessFunc installs the probe behind /ready and IsReady.
func SetReadinessFunc(fn func() bool) {
	if fn == nil {
		readiness.Store(nil)
		return
	}
	readiness.Store(&fn)
}

// IsReady reports the installed probe, or true before one is installed.
func IsReady() bool {
	fn := readiness.Load()
	return fn == nil || (*fn)()
}

func handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !IsReady() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready\n"))
	})
	return mux
}

// StartHTTP serves /metrics and /ready on addr in the background. The
// caller owns the returned server and shuts it down.
func StartHTTP(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}
