// Package fix owns the tagged field-set message model.
//
// Ownership boundary:
// - tag and MsgType constants
// - ordered field storage and typed accessors
// - session-level (admin) message classification
//
// A Message is an ordered list of tag=value pairs whose first pair is
// always MsgType(35). Wire encoding lives in package frame.
package fix
