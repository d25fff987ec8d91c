// Package workflow implements the confirmation workflow used for technical
// support. It clarifies the problem, proposes a step, waits for approval,
// runs the step and presents the result, pausing for the user between each.
//
// A paused workflow lives only in its checkpoint, keyed by SubID of the
// parent session. Resume loads it, appends the user's reply and routes on
// the stored TaskState.
package workflow
