// Package poller drives the range test over a half-duplex link.
//
// The main components are:
//
//   - [Exchange]: one command, one correlated response, bounded by a deadline
//   - [Scheduler]: repeated poll cycles over the primary and secondary targets
//   - [PollResult]: what happened to a single exchange
//   - [Recorder]: where logged fixes and operator notes go
//
// Users of the georange library should not need to interact with this
// package directly. Configuration is done through the main georange package.
package poller
