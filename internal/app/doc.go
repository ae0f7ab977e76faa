// Package app provides the application service layer.
//
// Runs one upstream EventSub session per account through its
// welcome/subscribe/reconnect lifecycle, registers topics, reconciles stored
// credentials at startup and serves the ingress use case. Depends on domain
// interfaces, not concrete implementations.
package app
