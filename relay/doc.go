// Package relay is the protocol engine: per-connection sessions driving
// the control state machine and data plane, and the routing table that
// binds announcements, track subscriptions, and namespace-prefix interests
// together across sessions. A Server ties the two to a QUIC listener.
package relay
