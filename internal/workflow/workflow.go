// Package workflow implements the single-entry guard that keeps CSR
// issuance and the Protected-Update Workflow from running concurrently
//: both touch the Device cert/key
// slots, and the secure element's own SEAL lock only serialises individual
// operations, not a multi-step workflow.
package workflow

import (
	"errors"
	"sync"
)

// ErrBusy is returned by TryEnter when another workflow already holds the
// guard.
var ErrBusy = errors.New("workflow: another certificate workflow is in progress")

// Guard is a non-reentrant, named mutual-exclusion gate.
type Guard struct {
	mu     sync.Mutex
	active string
}

// New constructs an unheld Guard.
func New() *Guard {
	return &Guard{}
}

// TryEnter attempts to enter the guard under the given workflow name
// ("csr" or "puw"). It returns (release, nil) on success; the caller MUST
// call release exactly once when the workflow ends. A second caller gets
// ErrBusy while the first is still inside.
func (g *Guard) TryEnter(name string) (release func(), err error) {
	if !g.mu.TryLock() {
		return nil, ErrBusy
	}
	g.active = name
	return func() {
		g.active = ""
		g.mu.Unlock()
	}, nil
}

// Active reports the name of the workflow currently holding the guard, or
// "" if none.
func (g *Guard) Active() string {
	// Best-effort snapshot: Active is for status/telemetry display only and
	// is not itself synchronizing access to workflow state.
	return g.active
}
