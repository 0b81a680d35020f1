// Package ws provides the duplex event channel between the client and the
// sandbox peer.
//
// The package implements:
//   - Conn: a gorilla/websocket connection carrying JSON event frames
//     ({"event": name, "data": payload}) with a buffered write pump and a
//     read pump that delivers inbound frames one at a time, in order
//   - WebSocketDialer: opens Conns against the peer endpoint
//   - Backoff: reconnect delay schedule
//
// Byte framing, masking and keepalive belong to the websocket library; this
// package only adds event naming on top.
package ws
