// Package protocol owns the control wire contract.
//
// Ownership boundary:
// - typed open/ioctl/close messages over frame + tlv
// - schema validation on decode
// - errno mapping between package errors and the wire
package protocol
