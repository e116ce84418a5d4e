package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/openpond/openpond-sdk-go/pkg/auth"
	sdkerrors "github.com/openpond/openpond-sdk-go/pkg/errors"
	"github.com/openpond/openpond-sdk-go/pkg/logging"
	"github.com/openpond/openpond-sdk-go/pkg/protocol"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 8 << 20

// HTTPClient implements Client over HTTP and Server-Sent Events.
type HTTPClient struct {
	baseURL    string
	credential *auth.Credential
	client     *http.Client
	timeout    time.Duration
	userAgent  string
	streamPath string
	headers    map[string]string
	logger     logging.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the API rooted at baseURL.
func NewHTTPClient(baseURL string, credential *auth.Credential, options ...Option) *HTTPClient {
	opts := NewOptions(options...)
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		credential: credential,
		client:     opts.HTTPClient,
		timeout:    opts.RequestTimeout,
		userAgent:  opts.UserAgent,
		streamPath: opts.StreamPath,
		headers:    opts.Headers,
		logger:     opts.Logger.WithFields(logging.String("component", "transport")),
	}
}

// Register implements Client. A 409 means the agent already exists.
func (c *HTTPClient) Register(ctx context.Context, req protocol.RegisterRequest) error {
	_, err := c.do(ctx, OpRegister, http.MethodPost, PathRegister, nil, req)
	if sdkerrors.IsConflict(err) {
		c.logger.WithContext(ctx).Debug("agent already registered", logging.String("name", req.Name))
		return nil
	}
	return err
}

// SendMessage implements Client.
func (c *HTTPClient) SendMessage(ctx context.Context, recipient, content string, opts *protocol.SendOptions) (string, error) {
	data, err := c.do(ctx, OpSendMessage, http.MethodPost, PathMessages, nil,
		protocol.NewSendRequest(recipient, content, opts))
	if err != nil {
		return "", err
	}

	var resp protocol.SendResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", sdkerrors.SerializationError("send response", err)
	}
	id := resp.Identifier()
	if id == "" {
		return "", sdkerrors.SerializationError("send response", errors.New("no message id"))
	}
	return id, nil
}

// ListAgents implements Client.
func (c *HTTPClient) ListAgents(ctx context.Context) ([]protocol.Agent, error) {
	data, err := c.do(ctx, OpListAgents, http.MethodGet, PathAgents, nil, nil)
	if err != nil {
		return nil, err
	}
	agents, err := protocol.DecodeAgents(data)
	if err != nil {
		return nil, sdkerrors.SerializationError("agent list", err)
	}
	return agents, nil
}

// GetAgent implements Client.
func (c *HTTPClient) GetAgent(ctx context.Context, id string) (*protocol.Agent, error) {
	data, err := c.do(ctx, OpGetAgent, http.MethodGet, PathAgents+"/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return nil, err
	}
	var agent protocol.Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, sdkerrors.SerializationError("agent", err)
	}
	return &agent, nil
}

// Poll implements Client. Undecodable entries are dropped and reported in
// the returned error next to the messages that did decode.
func (c *HTTPClient) Poll(ctx context.Context, since string) ([]protocol.Message, error) {
	var query url.Values
	if since != "" {
		query = url.Values{"since": {since}}
	}
	data, err := c.do(ctx, OpPoll, http.MethodGet, PathMessages, query, nil)
	if err != nil {
		return nil, err
	}
	msgs, skipped, err := protocol.DecodeMessages(data)
	if err != nil {
		return nil, sdkerrors.SerializationError("message list", err)
	}
	var errs error
	for _, bad := range skipped {
		errs = multierr.Append(errs, sdkerrors.SerializationError("message", bad))
	}
	return msgs, errs
}

// OpenStream implements Client. The request timeout only bounds the
// handshake; once headers arrive the stream lives as long as ctx.
func (c *HTTPClient) OpenStream(ctx context.Context) (Stream, error) {
	ctx, requestID := logging.EnsureRequestID(ctx)
	endpoint := c.baseURL + c.streamPath

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := c.newRequest(streamCtx, http.MethodGet, endpoint, requestID, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	handshake := time.AfterFunc(c.timeout, cancel)
	resp, err := c.client.Do(req)
	if !handshake.Stop() {
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		if ctx.Err() != nil {
			return nil, sdkerrors.OperationCancelled(OpOpenStream, ctx.Err())
		}
		return nil, sdkerrors.ConnectionTimeout(endpoint, c.timeout)
	}
	if err != nil {
		cancel()
		return nil, c.classify(ctx, OpOpenStream, endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		cancel()
		return nil, c.apiError(resp.StatusCode, body, requestID, OpOpenStream)
	}

	c.logger.WithContext(ctx).Debug("stream opened", logging.String("endpoint", endpoint))
	return newEventStream(streamCtx, cancel, resp.Body, endpoint, c.logger), nil
}

// do performs one request and returns the response body of a 2xx answer.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, query url.Values, in any) ([]byte, error) {
	ctx, requestID := logging.EnsureRequestID(ctx)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return nil, sdkerrors.SerializationError(op+" request", err)
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := c.newRequest(ctx, method, endpoint, requestID, body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, c.classify(ctx, op, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.classify(ctx, op, endpoint, err)
	}

	c.logger.WithContext(ctx).Debug("request completed",
		logging.String("operation", op),
		logging.Int("status", resp.StatusCode),
		logging.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode >= 400 {
		return nil, c.apiError(resp.StatusCode, data, requestID, op)
	}
	return data, nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, endpoint, requestID string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, sdkerrors.TransportError("build request", endpoint, err)
	}

	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(HeaderRequest, requestID)

	if c.credential != nil {
		if err := c.credential.Apply(req, body); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// classify maps a failed round trip to an SDK error. The caller's own
// cancellation is reported as such; anything else is a transport failure.
func (c *HTTPClient) classify(ctx context.Context, op, endpoint string, err error) error {
	var sdkErr sdkerrors.SDKError
	switch {
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		sdkErr = sdkerrors.OperationCancelled(op, err)
	case errors.Is(err, context.DeadlineExceeded):
		sdkErr = sdkerrors.ConnectionTimeout(endpoint, c.timeout)
	default:
		sdkErr = sdkerrors.TransportError(op, endpoint, err)
	}
	return sdkErr.WithContext(&sdkerrors.Context{
		RequestID: logging.RequestIDFromContext(ctx),
		Component: "transport",
		Operation: op,
		Timestamp: time.Now(),
	})
}

func (c *HTTPClient) apiError(status int, body []byte, requestID, op string) error {
	return sdkerrors.APIErrorFromBody(status, body).WithContext(&sdkerrors.Context{
		RequestID: requestID,
		Component: "transport",
		Operation: op,
		Timestamp: time.Now(),
	})
}

// String identifies the client in logs.
func (c *HTTPClient) String() string {
	return fmt.Sprintf("HTTPClient(%s)", c.baseURL)
}
