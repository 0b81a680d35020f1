// Package session drives one client's connection to the sandbox peer.
//
// A Manager owns the channel, walks the connect, register and ready state
// machine, recovers once when the peer has forgotten the stored identity, and
// correlates each submitted script with the peer's terminal execution_result.
// Output fragments are relayed to a single sink in arrival order.
package session
