package metrics

import (
	"context"
	"net/http"
	"time"

	"contrib.go.opencensus.io/exporter/prometheus"
	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"

	logging "github.com/dstorage/go-dstor/lib/log"
)

var logger = logging.Logger("metrics")

var defaultMillisecondsDistribution = view.Distribution(0.01, 0.05, 0.1, 0.3, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8, 10, 13, 16, 20, 25, 30, 40, 50, 65, 80, 100, 130, 160, 200, 250, 300, 400, 500, 650, 800, 1000, 2000, 3000, 4000, 5000, 7500, 10000, 20000, 50000, 100000)

var defaultBytesDistribution = view.Distribution(1<<10, 1<<14, 1<<16, 1<<18, 1<<20, 1<<22, 1<<24, 1<<26, 1<<28, 1<<30, 1<<32)

var (
	Version, _ = tag.NewKey("version")
	Action, _  = tag.NewKey("action")
	Method, _  = tag.NewKey("method")
	Code, _    = tag.NewKey("code")
)

var (
	Info = stats.Int64("info", "dstor info", stats.UnitDimensionless)

	// agent
	HeartbeatSuccess = stats.Int64("agent/heartbeat_success", "Counter for confirmed heartbeats", stats.UnitDimensionless)
	HeartbeatFailure = stats.Int64("agent/heartbeat_failure", "Counter for failed heartbeats", stats.UnitDimensionless)
	TxRetries        = stats.Int64("agent/tx_retries", "Counter for retried ledger transactions", stats.UnitDimensionless)
	Reconcile        = stats.Int64("agent/reconcile_result", "Counter for reconciliation outcomes", stats.UnitDimensionless)
	PinSuccess       = stats.Int64("agent/pin_success", "Counter for pinned contents", stats.UnitDimensionless)
	PinFailure       = stats.Int64("agent/pin_failure", "Counter for failed pins", stats.UnitDimensionless)
	PinDuplicate     = stats.Int64("agent/pin_duplicate", "Counter for events skipped as duplicates", stats.UnitDimensionless)
	PinDuration      = stats.Float64("agent/pin_duration_ms", "Time spent fetching and pinning", stats.UnitMilliseconds)

	// gateway
	UploadBytes     = stats.Int64("gateway/upload_bytes", "Size of uploaded files", stats.UnitBytes)
	RequestDuration = stats.Float64("gateway/request_duration_ms", "Duration of gateway requests", stats.UnitMilliseconds)
)

var (
	InfoView = &view.View{
		Name:        "info",
		Description: "dstor information",
		Measure:     Info,
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{Version},
	}
	HeartbeatSuccessView = &view.View{
		Measure:     HeartbeatSuccess,
		Aggregation: view.Count(),
	}
	HeartbeatFailureView = &view.View{
		Measure:     HeartbeatFailure,
		Aggregation: view.Count(),
	}
	TxRetriesView = &view.View{
		Measure:     TxRetries,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Method},
	}
	ReconcileView = &view.View{
		Measure:     Reconcile,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Action},
	}
	PinSuccessView = &view.View{
		Measure:     PinSuccess,
		Aggregation: view.Count(),
	}
	PinFailureView = &view.View{
		Measure:     PinFailure,
		Aggregation: view.Count(),
	}
	PinDuplicateView = &view.View{
		Measure:     PinDuplicate,
		Aggregation: view.Count(),
	}
	PinDurationView = &view.View{
		Measure:     PinDuration,
		Aggregation: defaultMillisecondsDistribution,
	}
	UploadBytesView = &view.View{
		Measure:     UploadBytes,
		Aggregation: defaultBytesDistribution,
	}
	RequestDurationView = &view.View{
		Measure:     RequestDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{Code},
	}
)

var DefaultViews = []*view.View{
	InfoView,
	HeartbeatSuccessView,
	HeartbeatFailureView,
	TxRetriesView,
	ReconcileView,
	PinSuccessView,
	PinFailureView,
	PinDuplicateView,
	PinDurationView,
	UploadBytesView,
	RequestDurationView,
}

func SinceInMilliseconds(startTime time.Time) float64 {
	return float64(time.Since(startTime).Nanoseconds()) / 1e6
}

func Timer(ctx context.Context, m *stats.Float64Measure) func() {
	start := time.Now()
	return func() {
		stats.Record(ctx, m.M(SinceInMilliseconds(start)))
	}
}

// Inc records one occurrence of m, tagged with the given mutators.
func Inc(ctx context.Context, m *stats.Int64Measure, mutators ...tag.Mutator) {
	if len(mutators) > 0 {
		nctx, err := tag.New(ctx, mutators...)
		if err == nil {
			ctx = nctx
		}
	}
	stats.Record(ctx, m.M(1))
}

// Exporter registers DefaultViews and returns the prometheus handler.
func Exporter() (http.Handler, error) {
	if err := view.Register(DefaultViews...); err != nil {
		return nil, err
	}

	registry, ok := promclient.DefaultRegisterer.(*promclient.Registry)
	if !ok {
		logger.Warnf("failed to export default prometheus registry; some metrics will be unavailable; unexpected type: %T", promclient.DefaultRegisterer)
	}
	return prometheus.NewExporter(prometheus.Options{
		Registry:  registry,
		Namespace: "dstor",
	})
}
