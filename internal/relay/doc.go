// Package relay implements the per-job WebSocket tunnel: the Channel (one
// UDP socket), the Session (opcode dispatch and channel lifecycle), and the
// WebSocket Sender (the single serialized writer onto the client's
// connection).
package relay
