// Package testutil holds helpers shared by package tests: encoded frame
// streams, a recording publisher and CSV readers. Nothing here needs a
// serial device or a NATS server.
package testutil
