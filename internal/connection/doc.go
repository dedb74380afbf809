// Package connection implements the broker connection manager and the room
// subscription registry.
//
// The Connection Manager:
//   - Owns the single STOMP-over-WebSocket session (at most one live client)
//   - Drives the Disconnected -> Connecting -> Connected state machine
//   - Negotiates heartbeats and treats a silent broker as a transport drop
//   - Reconnects on a fixed interval after unexpected drops
//   - Re-subscribes the registry's room set once per successful reconnect
//
// The Subscription Registry:
//   - Keeps at most one live subscription per room
//   - Routes MESSAGE frames to the room handler by subscription id
//   - Logs and drops malformed bodies without killing the subscription
package connection
