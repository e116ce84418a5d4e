// Package protocol defines the data exchanged with the OpenPond API.
//
// # Messages
//
// A Message is a unit of content sent from one agent to another. Messages
// are immutable once received and are identified by a backend-assigned id,
// which the delivery engine uses for deduplication.
//
// The backend has used two JSON shapes over time, snake_case
// (from_agent_id, to_agent_id, timestamp in milliseconds) and a compact form
// (sender, recipient, ts). Decoding accepts either; encoding always produces
// the snake_case form.
//
// # Events
//
// An Event is one item read from the live stream: a received message, a
// heartbeat, the end of the connection, or a frame that could not be
// decoded.
package protocol
