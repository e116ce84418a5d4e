package transport

import (
	"context"

	"github.com/openpond/openpond-sdk-go/pkg/protocol"
)

// Middleware represents a transport middleware that can wrap a client
// to add cross-cutting behaviour such as logging or instrumentation.
type Middleware interface {
	// Wrap wraps the given client with middleware functionality
	Wrap(next Client) Client
}

// MiddlewareFunc is an adapter to allow the use of ordinary functions as middleware
type MiddlewareFunc func(Client) Client

// Wrap implements the Middleware interface
func (f MiddlewareFunc) Wrap(c Client) Client {
	return f(c)
}

// ChainMiddleware chains multiple middleware together
func ChainMiddleware(middleware ...Middleware) Middleware {
	return MiddlewareFunc(func(c Client) Client {
		// Apply middleware in reverse order so the first middleware is the outermost
		for i := len(middleware) - 1; i >= 0; i-- {
			if middleware[i] != nil {
				c = middleware[i].Wrap(c)
			}
		}
		return c
	})
}

// Passthrough is a Client that forwards every call to Next. Middleware
// embed it and override only the calls they care about.
type Passthrough struct {
	Next Client
}

// Register delegates to the wrapped client
func (p *Passthrough) Register(ctx context.Context, req protocol.RegisterRequest) error {
	return p.Next.Register(ctx, req)
}

// SendMessage delegates to the wrapped client
func (p *Passthrough) SendMessage(ctx context.Context, recipient, content string, opts *protocol.SendOptions) (string, error) {
	return p.Next.SendMessage(ctx, recipient, content, opts)
}

// ListAgents delegates to the wrapped client
func (p *Passthrough) ListAgents(ctx context.Context) ([]protocol.Agent, error) {
	return p.Next.ListAgents(ctx)
}

// GetAgent delegates to the wrapped client
func (p *Passthrough) GetAgent(ctx context.Context, id string) (*protocol.Agent, error) {
	return p.Next.GetAgent(ctx, id)
}

// Poll delegates to the wrapped client
func (p *Passthrough) Poll(ctx context.Context, since string) ([]protocol.Message, error) {
	return p.Next.Poll(ctx, since)
}

// OpenStream delegates to the wrapped client
func (p *Passthrough) OpenStream(ctx context.Context) (Stream, error) {
	return p.Next.OpenStream(ctx)
}
