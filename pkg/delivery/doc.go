// Package delivery receives messages for an agent and dispatches them to
// user callbacks.
//
// The Engine runs a single loop goroutine that moves between five states:
//
//	Stopped → Connecting → Live ⇄ Reconnecting
//	              ↘            ↘
//	               Polling ← ─ ─ ┘   (Polling upgrades back to Live)
//
// In Live the engine reads the event stream and treats prolonged silence as
// a lost connection. Reconnecting waits an exponential backoff with jitter
// before reopening the stream and gives up on the stream after a configured
// number of consecutive failures, or at once when the backend refuses it
// outright. Polling fetches new messages periodically and retries the
// stream from time to time.
//
// Every message id is remembered in a bounded window so replays across
// reconnects and poll overlaps reach the message handler only once. Polled
// batches and bursts read from the stream are ordered by timestamp and id
// before dispatch. Entries of a poll response that fail to decode are
// reported one by one; the rest of the batch is still delivered.
//
// Handlers live in a Registry and run on the loop goroutine, so a slow
// handler delays delivery. Handler errors and panics are reported to the
// error handler and never stop the loop.
package delivery
