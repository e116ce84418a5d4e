// Package openpondtest provides an in-memory OpenPond API for testing
// agents without a network.
//
// The server verifies request signatures and API keys the same way the real
// API does, stores messages per recipient, answers polls and pushes new
// messages to open event streams:
//
//	srv := openpondtest.NewServer(openpondtest.WithAPIKey("key", "0xhosted"))
//	defer srv.Close()
//
//	cfg := config.Config{APIURL: srv.URL(), APIKey: "key"}
//	c, _ := client.New(cfg)
//
// Deliver injects a message from outside, DropStreams simulates a network
// failure and SetStreamAvailable(false) forces clients to poll.
package openpondtest
