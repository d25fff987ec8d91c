// Package actions defines the closed set of actions the supervisor can
// choose and the executors that run them: in-process functions, HTTP
// endpoints, and a bounded retry wrapper built on cenkalti/backoff.
package actions
