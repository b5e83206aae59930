package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivegate/hivegate/internal/errors"
)

// newTestPeer wires a peer to a frame channel standing in for the
// websocket fan-out.
func newTestPeer(local map[string]any) (*Peer, chan Frame) {
	out := make(chan Frame, 32)
	peer := NewPeer("test-plugin", local, func(frame Frame) error {
		out <- frame
		return nil
	}, zerolog.Nop())
	return peer, out
}

func nextFrame(t *testing.T, out chan Frame) Frame {
	t.Helper()
	select {
	case frame := <-out:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func wrapArgs(values ...any) map[string]any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = map[string]any{keyType: tagArgument, keyValue: v}
	}
	return map[string]any{"args": args}
}

func callbackEnvelope(num int) map[string]any {
	return map[string]any{keyType: tagCallback, keyValue: "f", keyNum: num}
}

func TestPeerHandshake(t *testing.T) {
	peer, out := newTestPeer(map[string]any{"echo": Callable(noop)})
	assert.Equal(t, StatePendingInit, peer.State())

	peer.HandleFrame(Frame{"type": "initialized", "config": map[string]any{"name": "worker"}})
	assert.Equal(t, StateAwaitingInterface, peer.State())

	frame := nextFrame(t, out)
	require.Equal(t, "setInterface", frame["type"])
	api := frame["api"].([]any)
	require.Len(t, api, 1)
	assert.Equal(t, "echo", api[0].(map[string]any)["name"])

	peer.HandleFrame(Frame{"type": "setInterface", "api": []any{
		map[string]any{"name": "remote_fn", "data": nil},
		map[string]any{"name": "version", "data": "1.0"},
	}})
	assert.Equal(t, StateReady, peer.State())

	frame = nextFrame(t, out)
	assert.Equal(t, "interfaceSetAsRemote", frame["type"])

	remote := peer.Remote()
	assert.Contains(t, remote, "remote_fn")
	assert.Equal(t, "1.0", remote["version"])

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, peer.WaitReady(ctx))
}

func makeReady(t *testing.T, peer *Peer, out chan Frame) {
	t.Helper()
	peer.HandleFrame(Frame{"type": "initialized"})
	nextFrame(t, out) // setInterface
	peer.HandleFrame(Frame{"type": "setInterface", "api": []any{}})
	nextFrame(t, out) // interfaceSetAsRemote
}

func TestPeerInboundMethodWithPromise(t *testing.T) {
	echo := Callable(func(args []any) (any, error) {
		return args[0], nil
	})
	peer, out := newTestPeer(map[string]any{"echo": echo})
	makeReady(t, peer, out)

	peer.HandleFrame(Frame{
		"type": "method",
		"name": "echo",
		"args": wrapArgs("hi"),
		"promise": map[string]any{"args": []any{
			callbackEnvelope(7), callbackEnvelope(8),
		}},
	})

	reply := nextFrame(t, out)
	assert.Equal(t, "callback", reply["type"])
	assert.Equal(t, 7, reply["num"])
	args := reply["args"].(map[string]any)["args"].([]any)
	assert.Equal(t, "hi", args[0].(map[string]any)[keyValue])
}

func TestPeerInboundMethodRejectsUnknownName(t *testing.T) {
	peer, out := newTestPeer(map[string]any{})
	makeReady(t, peer, out)

	peer.HandleFrame(Frame{
		"type": "method",
		"name": "missing",
		"args": wrapArgs(),
		"promise": map[string]any{"args": []any{
			callbackEnvelope(1), callbackEnvelope(2),
		}},
	})

	reply := nextFrame(t, out)
	assert.Equal(t, "callback", reply["type"])
	assert.Equal(t, 2, reply["num"], "the reject side must fire")
}

func TestPeerOutboundCall(t *testing.T) {
	peer, out := newTestPeer(map[string]any{})
	makeReady(t, peer, out)

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := peer.Call(context.Background(), "remote_fn", "", []any{"x"})
		done <- result{value, err}
	}()

	frame := nextFrame(t, out)
	require.Equal(t, "method", frame["type"])
	assert.Equal(t, "remote_fn", frame["name"])

	promiseArgs := frame["promise"].(map[string]any)["args"].([]any)
	resolveNum := promiseArgs[0].(map[string]any)[keyNum].(int)

	// the reply arrives as a callback frame on the resolve reference
	peer.HandleFrame(Frame{
		"type": "callback",
		"num":  resolveNum,
		"args": wrapArgs("result"),
	})

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, "result", res.value)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not complete")
	}
}

func TestPeerCallbackReplayFails(t *testing.T) {
	peer, out := newTestPeer(map[string]any{})
	makeReady(t, peer, out)

	done := make(chan error, 1)
	go func() {
		_, err := peer.Call(context.Background(), "remote_fn", "", nil)
		done <- err
	}()

	frame := nextFrame(t, out)
	promiseArgs := frame["promise"].(map[string]any)["args"].([]any)
	resolveNum := promiseArgs[0].(map[string]any)[keyNum].(int)

	peer.HandleFrame(Frame{"type": "callback", "num": resolveNum, "args": wrapArgs("ok")})
	require.NoError(t, <-done)

	// a replayed callback id fails and cannot settle anything again
	peer.HandleFrame(Frame{
		"type": "callback",
		"num":  resolveNum,
		"args": wrapArgs("again"),
		"promise": map[string]any{"args": []any{
			callbackEnvelope(41), callbackEnvelope(42),
		}},
	})
	reply := nextFrame(t, out)
	assert.Equal(t, "callback", reply["type"])
	assert.Equal(t, 42, reply["num"], "replay must reject")
}

func TestPeerBuffersMethodsUntilReady(t *testing.T) {
	got := make(chan any, 1)
	record := Callable(func(args []any) (any, error) {
		got <- args[0]
		return nil, nil
	})
	peer, out := newTestPeer(map[string]any{"record": record})

	// method frame before the handshake completes is buffered
	peer.HandleFrame(Frame{"type": "method", "name": "record", "args": wrapArgs("early")})
	select {
	case <-got:
		t.Fatal("method must not run before the interface handshake")
	case <-time.After(50 * time.Millisecond):
	}

	makeReady(t, peer, out)
	select {
	case v := <-got:
		assert.Equal(t, "early", v)
	case <-time.After(2 * time.Second):
		t.Fatal("buffered method was not delivered")
	}
}

func TestPeerWaitReadyDeadline(t *testing.T) {
	peer, _ := newTestPeer(map[string]any{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := peer.WaitReady(ctx)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodePluginNotReady, errors.Code(err))
}

func TestPeerTerminateRejectsPending(t *testing.T) {
	peer, out := newTestPeer(map[string]any{})
	makeReady(t, peer, out)

	done := make(chan error, 1)
	go func() {
		_, err := peer.Call(context.Background(), "remote_fn", "", nil)
		done <- err
	}()
	nextFrame(t, out) // the method frame is in flight

	peer.Terminate(nil)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodePluginGone, errors.Code(err))
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not rejected")
	}
	assert.Equal(t, StateGone, peer.State())

	// further calls fail immediately
	_, err := peer.Call(context.Background(), "remote_fn", "", nil)
	assert.Equal(t, errors.ErrCodePluginGone, errors.Code(err))
}
