// Package signalga records a two-channel force instrument to CSV.
//
// The instrument streams ASCII frames over a serial line at up to 921600
// baud. Each frame carries one (or, in the dual layout, two) signed
// 24-bit readings:
//
//	HHHHHH0c\r\n          single frame, c = 'b' (channel 1) or 'd' (channel 2)
//	HHHHHH0b\r\nHHHHHH0d\r\n  dual frame, both readings share one timestamp
//
// # Pipeline
//
//	transport  ->  frame.Synchronizer  ->  calibration.Engine  ->  queue  ->  csv.Store
//	(serial)       (resync, validate)      (zero, sensitivity)     (ring)     (<base>/<category>/<stream>.csv)
//	                                                                   \->  publish.Mirror (NATS, optional)
//
// The first three stages run on the decode goroutine owned by sensor.Sensor.
// The ring buffer never blocks that goroutine; on overflow the oldest sample
// is discarded and counted. The delivery goroutine writes rows in queue
// order and the store flushes by byte threshold, on a timer or on Stop.
//
// # Packages
//
//   - frame: byte accumulation, terminator search, validation and resync
//   - calibration: per-channel zero reference, sensitivity and glitch hold
//   - transport: the byte-stream capability, a go.bug.st/serial adapter and
//     an in-memory loopback
//   - sensor: the decode unit binding a transport to frame and calibration
//   - output/csv: keyed append-only CSV streams with bit-exact escaping
//   - output/publish: optional JSON mirror of samples to NATS
//   - acquisition: the Start/Stop/Teardown coordinator
//   - config: defaults, validation and JSON/YAML loading
//   - metric, health, errors, pkg/buffer, pkg/retry, pkg/timestamp:
//     supporting infrastructure
//
// The signalga command under cmd/ wires these together:
//
//	signalga -port /dev/ttyUSB0 -output-dir ./runs -metrics-port 9102
package signalga
