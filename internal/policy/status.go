// Package policy decides whether this device may check for an update, start
// downloading one and from which source, and whether the current network
// allows the download.
package policy

import "fmt"

// EvalStatus is the outcome of a single policy evaluation.
type EvalStatus int

const (
	// StatusFailed means the evaluation could not reach a decision. The
	// output is undefined and must not be persisted.
	StatusFailed EvalStatus = iota
	// StatusSucceeded means the output holds a final decision for this call.
	StatusSucceeded
	// StatusAskAgainLater means a required fact is not known yet. The caller
	// waits for one of the facts read during the evaluation to change and
	// asks again.
	StatusAskAgainLater
)

func (s EvalStatus) String() string {
	switch s {
	case StatusFailed:
		return "Failed"
	case StatusSucceeded:
		return "Succeeded"
	case StatusAskAgainLater:
		return "AskAgainLater"
	default:
		return fmt.Sprintf("EvalStatus(%d)", int(s))
	}
}
