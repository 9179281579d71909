// Package session runs one sequenced FIX session over a series of
// connection generations.
//
// Ownership boundary:
// - outbound message store (sequence assignment, header decoration, retention)
// - reader/writer roles per generation, orchestrator reconnect loop
// - inbound sequence check, resend request, gap-fill by announcement
// - confirmation request/trim cycle bounding the retained store
//
// The Writer is the only goroutine that transmits. Every cross-role action
// is a task on the shared work queue, so stops, gap-fills and confirmations
// are ordered with ordinary sends. Tasks aimed at one generation carry its
// epoch and are dropped by any other.
package session
