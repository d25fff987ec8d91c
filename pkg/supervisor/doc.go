// Package supervisor implements the think, act, observe loop. Each pass asks
// the reasoning engine for one action, runs it, and records the result on the
// session. The loop is capped at MaxIterations engine consultations per turn;
// malformed engine output always degrades to the complete action.
package supervisor
