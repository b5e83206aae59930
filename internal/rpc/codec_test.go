package rpc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivegate/hivegate/internal/errors"
)

// fakeProxies records proxy requests without a live peer.
type fakeProxies struct {
	methods   []string
	callbacks []int
}

func (f *fakeProxies) RemoteMethod(name, pluginID string) Callable {
	f.methods = append(f.methods, name)
	return func(args []any) (any, error) { return name, nil }
}

func (f *fakeProxies) RemoteCallback(num int, withPromise bool) Callable {
	f.callbacks = append(f.callbacks, num)
	return func(args []any) (any, error) { return num, nil }
}

func newTestCodec() (*Codec, *fakeProxies) {
	proxies := &fakeProxies{}
	return NewCodec(NewReferenceStore(), proxies), proxies
}

func TestCodecRoundTripPlainTree(t *testing.T) {
	codec, _ := newTestCodec()
	value := map[string]any{
		"str":    "hello",
		"num":    42.0,
		"flag":   true,
		"list":   []any{1.0, "two", false},
		"nested": map[string]any{"inner": "value"},
	}

	encoded := codec.Encode(value)
	decoded, err := codec.Decode(encoded, false)
	require.NoError(t, err)
	assert.Equal(t, value, decoded)
}

func TestCodecBytesUTF8(t *testing.T) {
	codec, _ := newTestCodec()

	encoded := codec.Encode(map[string]any{"text": []byte("plain text")})
	decoded, err := codec.Decode(encoded, false)
	require.NoError(t, err)
	assert.Equal(t, "plain text", decoded.(map[string]any)["text"])

	// invalid UTF-8 is preserved as bytes
	raw := []byte{0xff, 0xfe, 0x00}
	encoded = codec.Encode(map[string]any{"blob": raw})
	decoded, err = codec.Decode(encoded, false)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded.(map[string]any)["blob"])
}

func TestCodecNDArrayChunking(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		chunks int
	}{
		{"single byte", 1, 1},
		{"exactly one chunk", ArrayChunk, 1},
		{"one byte over", ArrayChunk + 1, 2},
		{"two chunks and a bit", 2*ArrayChunk + 5, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec, _ := newTestCodec()
			data := bytes.Repeat([]byte{7}, tt.size)
			arr := &NDArray{Data: data, Shape: []int{tt.size}, DType: "uint8"}

			encoded := codec.Encode(map[string]any{"arr": arr})
			env := encoded.(map[string]any)["arr"].(map[string]any)
			if tt.chunks == 1 {
				assert.IsType(t, []byte{}, env[keyValue])
			} else {
				chunks := env[keyValue].([]any)
				assert.Len(t, chunks, tt.chunks)
			}

			decoded, err := codec.Decode(encoded, false)
			require.NoError(t, err)
			out := decoded.(map[string]any)["arr"].(*NDArray)
			assert.Equal(t, data, out.Data)
			assert.Equal(t, []int{tt.size}, out.Shape)
			assert.Equal(t, "uint8", out.DType)
		})
	}
}

func TestCodecCallbackEnvelope(t *testing.T) {
	codec, proxies := newTestCodec()
	called := false
	fn := Callable(func(args []any) (any, error) {
		called = true
		return "done", nil
	})

	encoded := codec.Encode(map[string]any{"fn": fn})
	env := encoded.(map[string]any)["fn"].(map[string]any)
	assert.Equal(t, tagCallback, env[keyType])

	decoded, err := codec.Decode(encoded, false)
	require.NoError(t, err)
	proxy := decoded.(map[string]any)["fn"].(Callable)
	_, err = proxy(nil)
	require.NoError(t, err)
	assert.Equal(t, []int{env[keyNum].(int)}, proxies.callbacks)
	assert.False(t, called, "decode must synthesise a proxy, not the local function")
}

func TestCodecInterfaceMethod(t *testing.T) {
	codec, proxies := newTestCodec()

	encoded := codec.Encode(map[string]any{
		"run": NamedMethod{Name: "run", Fn: noop},
	})
	env := encoded.(map[string]any)["run"].(map[string]any)
	assert.Equal(t, tagInterface, env[keyType])
	assert.Equal(t, "run", env[keyValue])

	_, err := codec.Decode(encoded, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"run"}, proxies.methods)
}

func TestCodecErrorTransport(t *testing.T) {
	codec, _ := newTestCodec()

	encoded := codec.Encode(map[string]any{
		"err": error(errors.PluginGone("p1")),
	})
	decoded, err := codec.Decode(encoded, false)
	require.NoError(t, err)

	out := decoded.(map[string]any)["err"].(*errors.AppError)
	assert.Equal(t, errors.ErrCodePluginGone, out.Code)
	assert.Contains(t, out.Message, "p1")
}

func TestCodecPluginAPIBundle(t *testing.T) {
	codec, proxies := newTestCodec()
	bundle := map[string]any{
		keyType: tagPluginAPI,
		keyID:   "ws/plugin-1",
		"run":   Callable(noop),
		"stop":  Callable(noop),
	}

	encoded := codec.Encode(map[string]any{"api": bundle})
	slots := encoded.(map[string]any)["api"].(map[string]any)
	require.Len(t, slots, 2)
	for name, raw := range slots {
		env := raw.(map[string]any)
		assert.Equal(t, tagPluginInterface, env[keyType])
		assert.Equal(t, "ws/plugin-1", env[keyPluginID])
		assert.Equal(t, name, env[keyValue])
	}

	// the slots are registered for later plugin_interface calls
	fn, ok := codec.PluginInterfaceMethod("ws/plugin-1", "run")
	assert.True(t, ok)
	assert.NotNil(t, fn)

	_, err := codec.Decode(encoded, false)
	require.NoError(t, err)
	assert.Len(t, proxies.methods, 2)
}

func TestCodecEnvelopePassThrough(t *testing.T) {
	codec, _ := newTestCodec()
	envelope := map[string]any{keyType: tagArgument, keyValue: "already encoded"}

	encoded := codec.Encode(envelope)
	assert.Equal(t, envelope, encoded)
}

// loopbackProxies fetches callbacks from the local store, wiring a codec
// back onto itself.
type loopbackProxies struct {
	store *ReferenceStore
}

func (l *loopbackProxies) RemoteMethod(name, pluginID string) Callable {
	return func(args []any) (any, error) { return nil, nil }
}

func (l *loopbackProxies) RemoteCallback(num int, withPromise bool) Callable {
	return func(args []any) (any, error) {
		fn, err := l.store.Fetch(num)
		if err != nil {
			return nil, err
		}
		return fn(args)
	}
}

func TestCodecPromisePair(t *testing.T) {
	store := NewReferenceStore()
	codec := NewCodec(store, &loopbackProxies{store: store})
	completer := NewCompleter()
	wrapped := codec.WrapPromise(completer)

	resolve, reject, err := codec.UnwrapPromise(wrapped)
	require.NoError(t, err)
	_, err = resolve([]any{"value"})
	require.NoError(t, err)

	result, err := completer.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "value", result)

	// resolving released the paired reject
	_, err = reject([]any{"late"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "callback can only be called once")
}
