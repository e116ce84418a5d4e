package delivery

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/openpond/openpond-sdk-go/pkg/errors"
	"github.com/openpond/openpond-sdk-go/pkg/logging"
	"github.com/openpond/openpond-sdk-go/pkg/protocol"
)

func TestRegistryReplaceHandlers(t *testing.T) {
	r := NewRegistry(logging.NewNop())
	var got []string

	assert.False(t, r.DispatchMessage(msg("m0", 0)))

	r.OnMessage(func(m protocol.Message) error {
		got = append(got, "first:"+m.ID)
		return nil
	})
	assert.True(t, r.DispatchMessage(msg("m1", 1)))

	r.OnMessage(func(m protocol.Message) error {
		got = append(got, "second:"+m.ID)
		return nil
	})
	r.DispatchMessage(msg("m2", 2))

	r.OnMessage(nil)
	assert.False(t, r.DispatchMessage(msg("m3", 3)))

	assert.Equal(t, []string{"first:m1", "second:m2"}, got)
}

func TestRegistryWrapsHandlerFailures(t *testing.T) {
	r := NewRegistry(logging.NewNop())
	var errs []error
	r.OnError(func(err error) { errs = append(errs, err) })

	cause := errors.New("nope")
	r.OnMessage(func(protocol.Message) error { return cause })
	r.DispatchMessage(msg("m1", 1))

	r.OnMessage(func(protocol.Message) error { panic("boom") })
	r.DispatchMessage(msg("m2", 2))

	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], cause)

	sdkErr, ok := sdkerrors.AsSDKError(errs[1])
	require.True(t, ok)
	assert.Equal(t, sdkerrors.CodeCallbackFailed, sdkErr.Code())
	data, ok := sdkErr.Data().(*sdkerrors.CallbackErrorData)
	require.True(t, ok)
	assert.Equal(t, "m2", data.MessageID)
	assert.Equal(t, "boom", data.Panic)
}

func TestRegistryContainsHandlerPanics(t *testing.T) {
	var out bytes.Buffer
	r := NewRegistry(logging.New(&out, logging.NewJSONFormatter()))

	r.OnError(func(error) { panic("error handler broke") })
	assert.NotPanics(t, func() { r.DispatchError(errors.New("x")) })
	assert.Contains(t, out.String(), "error handler panicked")

	var reported error
	r.OnError(func(err error) { reported = err })
	r.OnConnectionChange(func(ConnectionChange) { panic("conn handler broke") })
	assert.NotPanics(t, func() {
		r.DispatchConnectionChange(ConnectionChange{From: StateStopped, To: StateConnecting})
	})
	assert.True(t, sdkerrors.IsCode(reported, sdkerrors.CodeCallbackFailed))
}

func TestRegistryUnhandledErrorIsLogged(t *testing.T) {
	var out bytes.Buffer
	r := NewRegistry(logging.New(&out, logging.NewJSONFormatter()))

	r.DispatchError(nil)
	assert.Empty(t, out.String())

	r.DispatchError(sdkerrors.ConnectionLost("http://api.test", nil))
	assert.Contains(t, out.String(), "unhandled delivery error")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "live", StateLive.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "unknown", State(42).String())
}
