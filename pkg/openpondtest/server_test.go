package openpondtest

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpond/openpond-sdk-go/pkg/auth"
	sdkerrors "github.com/openpond/openpond-sdk-go/pkg/errors"
	"github.com/openpond/openpond-sdk-go/pkg/logging"
	"github.com/openpond/openpond-sdk-go/pkg/protocol"
	"github.com/openpond/openpond-sdk-go/pkg/transport"
)

const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func newTransport(t *testing.T, srv *Server, params auth.Params) *transport.HTTPClient {
	t.Helper()
	cred, err := auth.Resolve(params)
	require.NoError(t, err)
	return transport.NewHTTPClient(srv.URL(), cred,
		transport.WithLogger(logging.NewNop()),
		transport.WithRequestTimeout(2*time.Second),
	)
}

func TestServerRoundTrip(t *testing.T) {
	srv := NewServer(WithAPIKey("hosted", "0xHOSTED"))
	defer srv.Close()
	ctx := context.Background()

	signed := newTransport(t, srv, auth.Params{PrivateKey: testKey})
	hosted := newTransport(t, srv, auth.Params{APIKey: "hosted"})

	signer, err := auth.ParsePrivateKey(testKey)
	require.NoError(t, err)
	require.NoError(t, signed.Register(ctx, protocol.RegisterRequest{Name: "signed", Address: signer.Address()}))
	require.NoError(t, signed.Register(ctx, protocol.RegisterRequest{Name: "signed"}), "409 counts as registered")

	agents, err := hosted.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 2)

	agent, err := hosted.GetAgent(ctx, signer.Address())
	require.NoError(t, err)
	assert.Equal(t, "signed", agent.Name)

	_, err = hosted.GetAgent(ctx, "0xmissing")
	assert.True(t, sdkerrors.IsNotFound(err))

	first, err := signed.SendMessage(ctx, "0xhosted", "one", nil)
	require.NoError(t, err)
	_, err = signed.SendMessage(ctx, "0xhosted", "two", &protocol.SendOptions{ReplyTo: first})
	require.NoError(t, err)

	msgs, err := hosted.Poll(ctx, "")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, first, msgs[1].ReplyTo)
	assert.True(t, strings.EqualFold(signer.Address(), msgs[0].Sender))

	rest, err := hosted.Poll(ctx, first)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "two", rest[0].Content)
}

func TestServerRejectsBadCredentials(t *testing.T) {
	srv := NewServer()
	defer srv.Close()

	_, err := newTransport(t, srv, auth.Params{APIKey: "nope"}).ListAgents(context.Background())
	apiErr, ok := sdkerrors.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status())

	_, err = newTransport(t, srv, auth.Params{AllowAnonymous: true}).ListAgents(context.Background())
	assert.True(t, sdkerrors.IsCategory(err, sdkerrors.CategoryAPI))
}

func TestServerStreams(t *testing.T) {
	srv := NewServer(WithAPIKey("k", "0xme"), WithHeartbeat(20*time.Millisecond))
	defer srv.Close()
	client := newTransport(t, srv, auth.Params{APIKey: "k"})

	stream, err := client.OpenStream(context.Background())
	require.NoError(t, err)
	defer stream.Close()
	require.Eventually(t, func() bool { return srv.StreamCount() == 1 }, time.Second, 5*time.Millisecond)

	sent := srv.Deliver(protocol.Message{Sender: "0xpeer", Recipient: "0xME", Content: "hi"})
	assert.Equal(t, "msg-000001", sent.ID)

	var sawHeartbeat, sawMessage bool
	timeout := time.After(2 * time.Second)
	for !(sawHeartbeat && sawMessage) {
		select {
		case ev := <-stream.Events():
			switch ev.Type {
			case protocol.EventHeartbeat:
				sawHeartbeat = true
			case protocol.EventMessage:
				sawMessage = true
				assert.Equal(t, "hi", ev.Message.Content)
			}
		case <-timeout:
			t.Fatal("missing stream events")
		}
	}

	srv.DropStreams()
	for ev := range stream.Events() {
		if ev.Type == protocol.EventClosed {
			break
		}
	}
	require.Eventually(t, func() bool { return srv.StreamCount() == 0 }, time.Second, 5*time.Millisecond)

	srv.SetStreamAvailable(false)
	_, err = client.OpenStream(context.Background())
	apiErr, ok := sdkerrors.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status())
	assert.True(t, apiErr.Retryable())
	assert.Len(t, srv.Mailbox("0xme"), 1)
}
