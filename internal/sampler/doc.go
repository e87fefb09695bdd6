// Package sampler reads the two watched pieces of local machine state.
//
// User activity is pulled: the run loop asks an [IdleSource] once per
// tick. Workstation lock state is pushed: a [LockSource] runs in its
// own goroutine and sends a [LockEdge] whenever the state changes.
package sampler
