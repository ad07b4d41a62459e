package agent

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/dstorage/go-dstor/lib/types"
	"github.com/dstorage/go-dstor/submodule/metrics"
)

// permanent errors are decided by the ledger and come back the same on retry
func retryable(err error) bool {
	return !xerrors.Is(err, types.ErrAdmission) &&
		!xerrors.Is(err, types.ErrDuplicateContent) &&
		!xerrors.Is(err, types.ErrNotFound) &&
		!xerrors.Is(err, types.ErrEndpointDetection)
}

// withRetry runs fn with bounded exponential backoff. Every attempt gets its
// own timeout and every retry is counted in agent/tx_retries.
func (a *Agent) withRetry(ctx context.Context, method string, timeout time.Duration, fn func(ctx context.Context) error) error {
	return retry.Do(
		func() error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return fn(cctx)
		},
		retry.Context(ctx),
		retry.Attempts(a.cfg.RetryAttempts),
		retry.Delay(a.cfg.RetryDelay),
		retry.MaxDelay(a.cfg.RetryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			metrics.Inc(ctx, metrics.TxRetries, tag.Upsert(metrics.Method, method))
			logger.Warnw("retrying ledger call", "identity", a.self, "method", method, "attempt", n+1, "error", err)
		}),
	)
}

// call is withRetry for reads.
func (a *Agent) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	return a.withRetry(ctx, method, a.cfg.CallTimeout, fn)
}

// send is withRetry for transactions.
func (a *Agent) send(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	return a.withRetry(ctx, method, a.cfg.TxTimeout, fn)
}
