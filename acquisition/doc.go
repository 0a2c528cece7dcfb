// Package acquisition runs one force instrument end to end.
//
// A Coordinator owns the decode unit (sensor.Sensor), the CSV store and the
// optional NATS mirror, and moves between two states:
//
//	Idle --Start--> Running --Stop--> Idle
//
// While running, two goroutines share an errgroup. The decode goroutine
// reads the transport and pushes every calibrated sample into a bounded
// ring buffer; pushing never blocks, and on overflow the oldest queued
// sample is discarded and counted. The delivery goroutine drains the buffer
// in FIFO order and appends each sample as one row
//
//	ts_us,channel,absoluteForce,relativeForce
//
// to <base_dir>/<category>/<stream>.csv, then mirrors it when publishing
// is configured. A third goroutine flushes the stream on a timer when
// output.flush_interval is set.
//
// Stop cancels the run, waits for both goroutines up to a caller-supplied
// timeout, writes whatever is still queued, flushes the stream and closes
// the transport. Teardown additionally closes the stream file and
// releases the decode unit.
//
// Calibration calls (SetZero, SetSensitivity, Sensitivity, Force) are
// forwarded to the decode unit's engine and may be made while running.
package acquisition
