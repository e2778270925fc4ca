package observability

import (
	"context"
	"errors"

	"github.com/honeynil/ReferralCreditService/internal/infrastructure/observability"
	"github.com/prometheus/client_golang/prometheus"
)

type Options struct {
	ServiceName  string
	LogLevel     string
	LogFile      string
	OTLPEndpoint string
}

// Setup initialises logs, metrics and traces. The returned function flushes
// traces and closes the log file.
func Setup(ctx context.Context, opts Options) func(context.Context) error {
	logFile := observability.InitLogger(opts.LogLevel, opts.LogFile)
	observability.InitMetrics(prometheus.DefaultRegisterer)
	shutdownTracing := observability.InitTracing(ctx, opts.ServiceName, opts.OTLPEndpoint)

	return func(ctx context.Context) error {
		return errors.Join(shutdownTracing(ctx), logFile.Close())
	}
}
