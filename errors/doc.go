// Package errors provides standardized error handling for the acquisition pipeline.
//
// # Overview
//
// Errors carry two independent pieces of information:
//
//   - A taxonomy sentinel (ErrInvalidArgument, ErrInvalidState, ErrIO, ErrProtocol,
//     ErrTransport) answering "what went wrong", matched with errors.Is.
//   - A class (Transient, Invalid, Fatal) answering "what should the caller do",
//     attached by WrapTransient, WrapInvalid and WrapFatal.
//
// # Quick Start
//
//	if channel < 1 || channel > 2 {
//	    return errors.WrapInvalid(errors.ErrInvalidArgument, "Engine", "SetSensitivity",
//	        fmt.Sprintf("channel %d", channel))
//	}
//
//	f, err := os.OpenFile(path, flags, 0o644)
//	if err != nil {
//	    return errors.IOError(err, "Store", "Prepare", "open "+path)
//	}
//
// Callers test the taxonomy with the standard library:
//
//	if errors.Is(err, errors.ErrIO) { ... }
//
// # Propagation
//
// Protocol errors never leave the frame synchronizer; they are counted and logged.
// I/O errors are returned to the immediate caller and reported as notifications.
// Transport errors abort a start and leave the coordinator idle.
package errors
