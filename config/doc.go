// Package config loads and validates the acquisition configuration.
//
// Configuration is assembled in layers: Default() first, then each file
// added to a Loader in order, then SIGNALGA_* environment overrides. Files
// may be JSON (.json) or YAML (.yaml, .yml); unknown keys are rejected so
// that a misspelled option fails loudly instead of silently keeping its
// default. Durations are written as Go duration strings ("50ms", "1s").
//
// Example YAML:
//
//	sensor:
//	  port: /dev/ttyUSB0
//	  sensitivity_ch1: 0.0125
//	  sensitivity_ch2: 0.0125
//	output:
//	  base_dir: Data/Output
//	  flush_threshold: 262144
//	  flush_interval: 100ms
//	publish:
//	  url: nats://localhost:4222
//
// Recognized environment overrides:
//
//	SIGNALGA_SENSOR_PORT       sensor.port
//	SIGNALGA_OUTPUT_DIR        output.base_dir
//	SIGNALGA_OUTPUT_ENABLED    output.enabled
//	SIGNALGA_PUBLISH_URL       publish.url
//	SIGNALGA_METRICS_PORT      metrics.port
//	SIGNALGA_LOG_LEVEL         log.level
package config
