// Package domain defines the core domain types and interfaces.
//
// Credentials, upstream session states, notification envelopes and the
// collaborator interfaces the relay consumes. No implementation code - just contracts.
package domain
