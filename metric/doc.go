// Package metric provides Prometheus-based metrics for the acquisition pipeline.
//
// A MetricsRegistry owns a private prometheus.Registry with the acquisition
// metrics (Metrics) and the Go runtime collectors already registered.
// Components receive the registry through their deps struct and treat a nil
// registry as "metrics disabled".
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(":9090", "/metrics", registry)
//	if err := server.Start(); err != nil {
//	    return err
//	}
//	defer server.Stop()
package metric
