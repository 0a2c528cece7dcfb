// Package csv persists measurement streams as append-only CSV files.
//
// A Store multiplexes any number of streams, each identified by a Key of
// category and stream name and written to <base>/<category>/<stream>.csv.
// Every stream has its own file handle, buffered writer and pending byte
// counter, guarded by its own mutex, so producers writing different streams
// never contend on file I/O.
//
// # Writing
//
// Rows can be written four ways:
//
//	store.WriteRow(key, []string{"a,b", "c"})    // escaped: "a,b",c
//	store.WriteRawLine(key, "1,2,3")              // verbatim
//	store.WriteInts(key, []int64{1, 2, 3})        // 1,2,3
//	store.WriteFloats(key, []float64{1.5, 2}, 3)  // 1.500,2.000
//
// WriteFixed is the hot path of the acquisition pipeline: it formats a
// timestamp, a channel and a list of floats straight into the stream's
// pending buffer. Pending rows reach the file only when the stream flushes.
//
// Writes lazily open the stream without a header. Use Prepare first to get
// a header line; a header is written only when the file is new or empty.
//
// # Flush policy
//
// Each written line adds its length plus one to a pending counter. The
// buffered writer is flushed after every line when auto-flush is on, or
// once the pending count reaches the flush threshold (64 KiB by default).
// Flush, FlushAll, Close and CloseAll flush explicitly.
//
// # Failures
//
// Directory and file creation failures are returned as errors wrapping
// errors.ErrIO and reported to listeners as EventError. After an open
// failure the key is marked failed and further writes return immediately
// with ErrIO, without another notification, until Prepare succeeds.
package csv
