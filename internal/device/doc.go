// Package device owns the kcounter endpoint.
//
// Ownership boundary:
//
// - exclusive session admission (Guard, Claim)
//
// - counter and message rendering (Counter, MessageGenerator)
//
// - per-open session state (Session)
//
// - control request decoding and dispatch (Request, Dispatcher)
//
// Lifecycle order:
//
// - Closed -> Opening -> Open -> Closing -> Closed
//
// - a losing open never leaves Opening and never touches the counter.
//
// The registration facility (misc) and the transfer channel (transfer) are
// consumed, not owned.
package device
