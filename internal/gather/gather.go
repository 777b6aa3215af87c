// Package gather defines the contract shared by long-running data
// gathering processes.
package gather

import "context"

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run executes the gathering process. Scheduled gatherers block until
	// ctx is cancelled; one-shot gatherers return after a single pass.
	Run(ctx context.Context) error
}
