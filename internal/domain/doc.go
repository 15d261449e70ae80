// Package domain defines the evaluation entities and the run lifecycle.
//
// A run moves through the following states:
//
//	pending --start--> running
//	pending|running --complete--> completed
//	pending|running --fail--> failed
//	pending|running --cancel--> cancelled
//
// completed, failed and cancelled are terminal. Metrics are only set on
// completed runs and Error only on failed runs. CompletedAt is set exactly
// when the status is terminal.
package domain
