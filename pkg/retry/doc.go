// Package retry provides exponential backoff for opening external endpoints.
//
// Only transient failures are retried: an error classified as invalid or
// fatal by the errors package ends the loop immediately, since a bad serial
// setting or a malformed URL will not fix itself.
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return sensor.Connect()
//	})
//
// A Config with Attempts of 1 (see Once) calls the function exactly once and
// returns its error unchanged.
package retry
