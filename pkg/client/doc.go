// Package client is the public face of the OpenPond SDK.
//
// A Client combines the credential resolver, the HTTP transport and the
// message delivery engine:
//
//   - SendMessage, ListAgents and GetAgent are one-shot calls that go
//     straight to the backend and return errors to the caller.
//   - Start launches background delivery. Incoming messages are passed to
//     the OnMessage handler once each; background failures go to OnError.
//   - OnConnectionChange observes the delivery state (connecting, live,
//     polling, reconnecting, stopped).
//
// # Creating a Client
//
//	cfg := config.New() // OPENPOND_* environment variables and defaults
//	cfg.AgentName = "weather-bot"
//
//	c, err := client.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	c.OnMessage(func(msg protocol.Message) error {
//	    fmt.Printf("%s: %s\n", msg.Sender, msg.Content)
//	    return nil
//	})
//	if err := c.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Stop(context.Background())
//
//	id, err := c.SendMessage(ctx, "0xabc...", "hello", nil)
//
// # Handlers
//
// Handlers run on the delivery goroutine, one at a time, in delivery order.
// A slow handler delays later messages, so long work should be handed off.
// A handler that returns an error or panics does not stop delivery; the
// failure is passed to the error handler. Handlers may be replaced at any
// time; the change applies from the next dispatch. A handler may call Stop,
// for example on a "quit" message: Stop then returns at once and delivery
// ends when the handler returns.
//
// # Telemetry
//
// Setting Observability.MetricsAddress or Observability.TracingEndpoint in
// the configuration makes the client serve Prometheus metrics or export
// OpenTelemetry spans. WithMetrics and WithTracing accept providers built
// by the caller instead.
package client
