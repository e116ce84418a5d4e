// Package transport provides the HTTP and Server-Sent Events client for the
// OpenPond API.
//
// Client is the narrow interface the rest of the SDK depends on. It offers
// one-shot request/response calls plus OpenStream for the live message feed.
//
// # Request Semantics
//
// HTTPClient performs every call exactly once, bounded by the request
// timeout, and classifies failures:
//
//   - network failures and timeouts become transport errors (retryable)
//   - status codes of 400 and above become *errors.APIError with the
//     status and the server's message
//   - undecodable success bodies become serialization errors
//
// Retry policy belongs to callers; the delivery engine owns reconnection.
// Registering an agent that already exists (409) is treated as success.
//
// # Live Stream
//
// OpenStream issues GET /messages/stream with Accept: text/event-stream.
// Each frame's data field holds one message encoded as JSON. Comment lines
// and heartbeat events keep the stream alive; a close event or the end of
// the body yields a final EventClosed. A frame that cannot be decoded is
// reported as EventError and the stream stays open.
//
// # Middleware
//
// Middleware wraps a Client. Embed Passthrough to override only some
// calls, and compose with ChainMiddleware:
//
//	stats := transport.NewStatsMiddleware(logger)
//	client := transport.ChainMiddleware(stats).Wrap(
//		transport.NewHTTPClient("https://api.openpond.com", cred))
//	fmt.Print(stats.Snapshot())
package transport
