// Package buffer provides thread-safe circular buffers with non-blocking overflow policies.
//
// # Quick Start
//
//	buf, err := buffer.NewCircularBuffer[calibration.Sample](65536,
//	    buffer.WithOverflowPolicy[calibration.Sample](buffer.DropOldest),
//	    buffer.WithMetrics[calibration.Sample](registry, "delivery_queue"),
//	)
//
// Producer side (never blocks):
//
//	_ = buf.Write(sample)
//
// Consumer side:
//
//	for buf.Wait(ctx) {
//	    for _, s := range buf.ReadBatch(512) {
//	        handle(s)
//	    }
//	}
//
// # Overflow policies
//
//   - DropOldest (default): the oldest buffered item is discarded to admit the new one.
//   - DropNewest: the incoming item is discarded.
//
// Both policies count the loss in Statistics and call the optional drop callback.
//
// # Closing
//
// Close stops further writes but keeps buffered items readable; Wait returns
// true while items remain and false once the buffer is closed and drained.
package buffer
