// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the OpenPond SDK.
//
// NewTransportMiddleware instruments every backend call with a client span
// and request metrics. The metrics provider also implements
// delivery.Metrics, so the delivery engine reports messages delivered,
// duplicates dropped, reconnects, backoff delays and the current
// connection state through the same registry.
//
//	metrics, _ := observability.NewMetricsProvider(observability.MetricsConfig{Address: ":9090"})
//	tracer, _ := observability.NewTracingProvider(observability.TracingConfig{
//		ExporterType: observability.ExporterTypeOTLPGRPC,
//		Endpoint:     "localhost:4317",
//		Insecure:     true,
//	})
//	c, _ := client.New(cfg, client.WithMetrics(metrics), client.WithTracing(tracer))
package observability
