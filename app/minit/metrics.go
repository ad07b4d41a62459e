package minit

import (
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"golang.org/x/xerrors"

	"github.com/dstorage/go-dstor/submodule/metrics"
)

const MetricsPath = "/debug/metrics"

// DebugHandlers returns the prometheus exporter and pprof, keyed by path.
func DebugHandlers() (map[string]http.Handler, error) {
	exp, err := metrics.Exporter()
	if err != nil {
		return nil, xerrors.Errorf("metrics exporter: %w", err)
	}
	return map[string]http.Handler{
		MetricsPath:            exp,
		"/debug/pprof/":        http.HandlerFunc(pprof.Index),
		"/debug/pprof/profile": http.HandlerFunc(pprof.Profile),
		"/debug/pprof/trace":   http.HandlerFunc(pprof.Trace),
	}, nil
}

// ServeMetrics serves handlers on addr (host:port) in the background.
func ServeMetrics(addr string, handlers map[string]http.Handler) (*http.Server, error) {
	lst, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Errorf("listen metrics %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	for p, h := range handlers {
		mux.Handle(p, h)
	}

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(lst); err != nil && err != http.ErrServerClosed {
			logger.Warnw("metrics server stopped", "error", err)
		}
	}()
	logger.Infow("metrics listening", "address", lst.Addr().String(), "path", MetricsPath)
	return srv, nil
}
