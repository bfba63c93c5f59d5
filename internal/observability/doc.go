// Package observability provides metrics, structured logging, and tracing for
// the conduit broker.
//
// # Metrics
//
// Metrics are Prometheus collectors registered against an injected
// prometheus.Registerer and exposed by the gateway on /metrics. They cover
// session runs, event throughput, permission outcomes, subscriber fan-out,
// persistence latency, and control-plane traffic.
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.SessionStarted("default")
//
// # Logging
//
// NewLogger returns a *slog.Logger writing JSON or text, with redaction of
// secrets in string values and correlation ids pulled from the context.
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "debug", Format: "text"})
//	logger.InfoContext(observability.WithSessionID(ctx, id), "session started")
//
// # Tracing
//
// NewTracer configures an OTLP gRPC exporter when an endpoint is set and
// falls back to the global (no-op) provider otherwise.
package observability
