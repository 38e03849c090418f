// Package observability provides logging, metrics, and tracing
// functionality for tcp3h.
//
// # Logging
//
// The Logger interface provides structured logging backed by zap. The level
// is atomic so a configuration reload can change it in place:
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("session closed",
//	    observability.String("session_id", id),
//	    observability.Int64("bytes_in", n),
//	)
//
// # Metrics
//
// Prometheus metrics for relay sessions, bytes and errors:
//
//	metrics := observability.NewMetrics("tcp3h")
//	handler := metrics.Handler()
//
// # Tracing
//
// OpenTelemetry tracing with OTLP export, one span per relay session:
//
//	tracer, err := observability.NewTracer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tracer.Shutdown(ctx)
package observability
