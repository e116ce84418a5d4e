package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openpond/openpond-sdk-go/pkg/protocol"
	"github.com/openpond/openpond-sdk-go/pkg/transport"
)

// TransportMiddleware instruments every transport call with a span and
// request metrics. Either provider may be nil.
type TransportMiddleware struct {
	metrics MetricsProvider
	tracer  *TracingProvider
}

// NewTransportMiddleware creates the instrumentation middleware.
func NewTransportMiddleware(metrics MetricsProvider, tracer *TracingProvider) *TransportMiddleware {
	return &TransportMiddleware{metrics: metrics, tracer: tracer}
}

// Wrap implements transport.Middleware
func (m *TransportMiddleware) Wrap(next transport.Client) transport.Client {
	return &observedClient{Passthrough: transport.Passthrough{Next: next}, m: m}
}

// begin starts a span for operation. The returned finish func records the
// outcome.
func (m *TransportMiddleware) begin(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()

	var span trace.Span
	if m.tracer != nil {
		ctx, span = m.tracer.StartOperationSpan(ctx, operation)
		span.SetAttributes(attrs...)
	}

	return ctx, func(err error) {
		if m.metrics != nil {
			m.metrics.RecordRequest(ctx, operation, StatusOf(err), time.Since(start))
		}
		if span != nil {
			m.tracer.EndSpan(span, err)
		}
	}
}

type observedClient struct {
	transport.Passthrough
	m *TransportMiddleware
}

func (c *observedClient) Register(ctx context.Context, req protocol.RegisterRequest) error {
	ctx, finish := c.m.begin(ctx, transport.OpRegister, attribute.String("openpond.agent.name", req.Name))
	err := c.Next.Register(ctx, req)
	finish(err)
	return err
}

func (c *observedClient) SendMessage(ctx context.Context, recipient, content string, opts *protocol.SendOptions) (string, error) {
	ctx, finish := c.m.begin(ctx, transport.OpSendMessage,
		attribute.String("openpond.recipient", recipient),
		attribute.Int("openpond.content.length", len(content)),
	)
	id, err := c.Next.SendMessage(ctx, recipient, content, opts)
	if err == nil {
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("openpond.message.id", id))
	}
	finish(err)
	return id, err
}

func (c *observedClient) ListAgents(ctx context.Context) ([]protocol.Agent, error) {
	ctx, finish := c.m.begin(ctx, transport.OpListAgents)
	agents, err := c.Next.ListAgents(ctx)
	if err == nil {
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("openpond.agents.count", len(agents)))
	}
	finish(err)
	return agents, err
}

func (c *observedClient) GetAgent(ctx context.Context, id string) (*protocol.Agent, error) {
	ctx, finish := c.m.begin(ctx, transport.OpGetAgent, attribute.String("openpond.agent.id", id))
	agent, err := c.Next.GetAgent(ctx, id)
	finish(err)
	return agent, err
}

func (c *observedClient) Poll(ctx context.Context, since string) ([]protocol.Message, error) {
	ctx, finish := c.m.begin(ctx, transport.OpPoll, attribute.String("openpond.since", since))
	msgs, err := c.Next.Poll(ctx, since)
	if err == nil {
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("openpond.messages.count", len(msgs)))
	}
	finish(err)
	return msgs, err
}

// OpenStream times only the handshake; the stream itself outlives the span.
func (c *observedClient) OpenStream(ctx context.Context) (transport.Stream, error) {
	ctx, finish := c.m.begin(ctx, transport.OpOpenStream)
	s, err := c.Next.OpenStream(ctx)
	finish(err)
	return s, err
}
