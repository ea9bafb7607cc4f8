// Package metrics provides application-level counters using stdlib expvar.
// Counters are exported on the /debug/vars HTTP endpoint served by the API.
package metrics

import "expvar"

// Operation counters.
var (
	EventsCommitted   = expvar.NewInt("ehri_events_committed_total")
	VersionsCreated   = expvar.NewInt("ehri_versions_created_total")
	PermissionChecks  = expvar.NewInt("ehri_permission_checks_total")
	PermissionDenials = expvar.NewInt("ehri_permission_denials_total")
	EventQueries      = expvar.NewInt("ehri_event_queries_total")
	DigestsGenerated  = expvar.NewInt("ehri_digests_generated_total")
)

// Inc increments the given counter by 1.
func Inc(counter *expvar.Int) { counter.Add(1) }
