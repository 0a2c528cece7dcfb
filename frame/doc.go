// Package frame reconstructs instrument frames from a continuous serial byte stream.
//
// The force instrument emits fixed-size ASCII frames terminated by CRLF:
//
//	single channel (10 bytes): HHHHHH 0 c \r \n
//	dual channel   (20 bytes): HHHHHH 0 c \r \n HHHHHH 0 c \r \n
//
// HHHHHH is a signed base-16 reading and c is the channel id ('b' for
// channel 1, 'd' for channel 2). A Synchronizer accumulates bytes across
// reads, extracts complete frames and resynchronizes on the next terminator
// after corruption. Malformed spans are counted and reported to an optional
// DropHandler; they are never returned as errors.
//
// Basic usage:
//
//	sync := frame.NewSynchronizer(frame.LayoutSingle)
//	for _, f := range sync.Ingest(chunk) {
//	    for _, r := range f.Readings() {
//	        fmt.Println(r.Channel, r.Raw)
//	    }
//	}
//
// A Synchronizer is not safe for concurrent use. It is owned by the decode
// goroutine.
package frame
