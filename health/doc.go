// Package health reports the state of the acquisition pipeline.
//
// A Status is healthy, degraded or unhealthy. The coordinator keeps one
// Status per part (sensor, store, publish) in a Monitor and aggregates them:
// any unhealthy part makes the whole unhealthy, otherwise any degraded part
// makes it degraded.
//
//	m := health.NewMonitor()
//	m.UpdateHealthy("sensor", "connected to /dev/ttyUSB0")
//	m.Update("store", health.FromError("store", err))
//	overall := m.AggregateHealth("acquisition")
//
// Messages built from errors pass through a sanitizer that masks URLs,
// paths, addresses and credentials, so a Status can be served to a
// dashboard without leaking the host layout.
package health
