// Package broadcast fans notification envelopes out to downstream listener
// websockets using the actor pattern.
//
// A single goroutine owns the listener set and serializes every command.
// Each listener has its own bounded queue and writer goroutine, so one
// stalled listener never holds up the others.
package broadcast
