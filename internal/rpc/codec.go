package rpc

import (
	"fmt"
	"unicode/utf8"

	"github.com/hivegate/hivegate/internal/errors"
)

// ArrayChunk is the maximum byte length of a single ndarray chunk.
const ArrayChunk = 1000000

// Wire envelope keys. A value crossing the wire becomes a tagged map
// {"__jailed_type__": ..., "__value__": ..., ...}.
const (
	keyType     = "__jailed_type__"
	keyValue    = "__value__"
	keyNum      = "num"
	keyShape    = "__shape__"
	keyDType    = "__dtype__"
	keyPluginID = "__plugin_id__"
	keyKind     = "__kind__"
	keyID       = "__id__"
)

// Envelope type tags.
const (
	tagArgument        = "argument"
	tagError           = "error"
	tagInterface       = "interface"
	tagCallback        = "callback"
	tagNDArray         = "ndarray"
	tagPluginAPI       = "plugin_api"
	tagPluginInterface = "plugin_interface"
)

// NamedMethod marks a callable as a slot of the currently-exported
// interface. It encodes by name so the remote side can target it without
// a reference-store entry.
type NamedMethod struct {
	Name string
	Fn   Callable
}

// Pinned marks a callable as a long-lived reference: the remote side may
// invoke it repeatedly until the provider releases it.
type Pinned struct {
	Fn Callable
}

// NDArray is a typed n-dimensional array crossing the wire as raw bytes.
type NDArray struct {
	Data  []byte
	Shape []int
	DType string
}

// ProxyFactory synthesises callables for remote references found while
// decoding. The peer implements it.
type ProxyFactory interface {
	// RemoteMethod returns a proxy invoking a named interface method on
	// the remote side; pluginID is empty unless the method belongs to a
	// forwarded plugin interface bundle.
	RemoteMethod(name, pluginID string) Callable

	// RemoteCallback returns a proxy invoking a reference-store entry on
	// the remote side by id.
	RemoteCallback(num int, withPromise bool) Callable
}

// Codec encodes and decodes tagged value trees for one peer.
type Codec struct {
	store   *ReferenceStore
	proxies ProxyFactory

	// pluginInterfaces keeps the callable slots of forwarded plugin api
	// bundles, keyed by plugin id, so a later plugin_interface call can
	// target them.
	pluginInterfaces map[string]map[string]Callable
}

// NewCodec creates a codec bound to a reference store and proxy factory.
func NewCodec(store *ReferenceStore, proxies ProxyFactory) *Codec {
	return &Codec{
		store:            store,
		proxies:          proxies,
		pluginInterfaces: make(map[string]map[string]Callable),
	}
}

// PluginInterfaceMethod returns a previously-registered slot of a plugin
// api bundle.
func (c *Codec) PluginInterfaceMethod(pluginID, name string) (Callable, bool) {
	slots, ok := c.pluginInterfaces[pluginID]
	if !ok {
		return nil, false
	}
	fn, ok := slots[name]
	return fn, ok
}

// Encode converts a value tree into its wire form. Containers recurse;
// leaves become tagged envelopes.
func (c *Codec) Encode(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case map[string]any:
		// already-encoded envelopes pass through unchanged
		if _, ok := v[keyType]; ok {
			if _, ok := v[keyValue]; ok {
				return v
			}
			if v[keyType] == tagPluginAPI {
				return c.encodePluginAPI(v)
			}
		}
		out := make(map[string]any, len(v))
		for key, val := range v {
			out[key] = c.encodeLeaf(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = c.encodeLeaf(val)
		}
		return out
	default:
		return c.encodeLeaf(value)
	}
}

func (c *Codec) encodeLeaf(value any) any {
	switch v := value.(type) {
	case nil:
		return map[string]any{keyType: tagArgument, keyValue: nil}
	case NamedMethod:
		return map[string]any{keyType: tagInterface, keyValue: v.Name}
	case Callable:
		return map[string]any{keyType: tagCallback, keyValue: "f", keyNum: c.store.Put(v)}
	case func(args []any) (any, error):
		return map[string]any{keyType: tagCallback, keyValue: "f", keyNum: c.store.Put(v)}
	case Pinned:
		return map[string]any{keyType: tagCallback, keyValue: "f", keyNum: c.store.Pin(v.Fn)}
	case *NDArray:
		return encodeNDArray(v)
	case error:
		return map[string]any{keyType: tagError, keyValue: v.Error(), keyKind: errors.Code(v)}
	case []byte:
		// decoded to string only when valid UTF-8, otherwise preserved
		if utf8.Valid(v) {
			return map[string]any{keyType: tagArgument, keyValue: string(v)}
		}
		return map[string]any{keyType: tagArgument, keyValue: v}
	case map[string]any, []any:
		return c.Encode(v)
	default:
		return map[string]any{keyType: tagArgument, keyValue: v}
	}
}

// encodePluginAPI turns an interface bundle into per-slot envelopes tagged
// with the owning plugin id, so the other side can target that plugin
// explicitly.
func (c *Codec) encodePluginAPI(bundle map[string]any) any {
	pluginID, _ := bundle[keyID].(string)
	out := make(map[string]any)
	slots := make(map[string]Callable)
	for key, val := range bundle {
		fn, ok := asCallable(val)
		if !ok {
			continue
		}
		out[key] = map[string]any{
			keyType:     tagPluginInterface,
			keyPluginID: pluginID,
			keyValue:    key,
			keyNum:      nil,
		}
		slots[key] = fn
	}
	c.pluginInterfaces[pluginID] = slots
	return out
}

func asCallable(v any) (Callable, bool) {
	switch fn := v.(type) {
	case Callable:
		return fn, true
	case func(args []any) (any, error):
		return fn, true
	case NamedMethod:
		return fn.Fn, true
	case Pinned:
		return fn.Fn, true
	}
	return nil, false
}

func encodeNDArray(arr *NDArray) map[string]any {
	var value any
	if len(arr.Data) > ArrayChunk {
		chunks := make([]any, 0, (len(arr.Data)+ArrayChunk-1)/ArrayChunk)
		for off := 0; off < len(arr.Data); off += ArrayChunk {
			end := off + ArrayChunk
			if end > len(arr.Data) {
				end = len(arr.Data)
			}
			chunks = append(chunks, arr.Data[off:end])
		}
		value = chunks
	} else {
		value = arr.Data
	}
	shape := make([]any, len(arr.Shape))
	for i, s := range arr.Shape {
		shape[i] = s
	}
	return map[string]any{
		keyType:  tagNDArray,
		keyValue: value,
		keyShape: shape,
		keyDType: arr.DType,
	}
}

// Decode converts a wire value tree back into local values. Callback and
// interface envelopes become proxies emitting frames through the peer.
func (c *Codec) Decode(value any, withPromise bool) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if tag, ok := v[keyType].(string); ok {
			if _, ok := v[keyValue]; ok || tag == tagPluginInterface {
				return c.decodeEnvelope(tag, v, withPromise)
			}
		}
		out := make(map[string]any, len(v))
		for key, val := range v {
			decoded, err := c.Decode(val, withPromise)
			if err != nil {
				return nil, err
			}
			out[key] = decoded
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			decoded, err := c.Decode(val, withPromise)
			if err != nil {
				return nil, err
			}
			out[i] = decoded
		}
		return out, nil
	default:
		return v, nil
	}
}

func (c *Codec) decodeEnvelope(tag string, v map[string]any, withPromise bool) (any, error) {
	switch tag {
	case tagCallback:
		num, err := intField(v, keyNum)
		if err != nil {
			return nil, err
		}
		return c.proxies.RemoteCallback(num, withPromise), nil
	case tagInterface:
		name, _ := v[keyValue].(string)
		return c.proxies.RemoteMethod(name, ""), nil
	case tagPluginInterface:
		name, _ := v[keyValue].(string)
		pluginID, _ := v[keyPluginID].(string)
		return c.proxies.RemoteMethod(name, pluginID), nil
	case tagNDArray:
		return decodeNDArray(v)
	case tagError:
		msg := fmt.Sprint(v[keyValue])
		kind, _ := v[keyKind].(string)
		return errors.FromCode(kind, msg), nil
	case tagArgument:
		return v[keyValue], nil
	default:
		// unknown tags degrade to their raw value
		return v[keyValue], nil
	}
}

func decodeNDArray(v map[string]any) (*NDArray, error) {
	data, err := joinBytes(v[keyValue])
	if err != nil {
		return nil, err
	}
	var shape []int
	if raw, ok := v[keyShape].([]any); ok {
		shape = make([]int, len(raw))
		for i, s := range raw {
			n, err := toInt(s)
			if err != nil {
				return nil, errors.BadRequest("invalid ndarray shape")
			}
			shape[i] = n
		}
	}
	dtype, _ := v[keyDType].(string)
	return &NDArray{Data: data, Shape: shape, DType: dtype}, nil
}

// joinBytes accepts a single chunk or a list of chunks, as bytes or (after
// a JSON hop) strings, and concatenates them.
func joinBytes(v any) ([]byte, error) {
	switch data := v.(type) {
	case []byte:
		return data, nil
	case string:
		return []byte(data), nil
	case []any:
		var out []byte
		for _, chunk := range data {
			part, err := joinBytes(chunk)
			if err != nil {
				return nil, err
			}
			out = append(out, part...)
		}
		return out, nil
	default:
		return nil, errors.BadRequest(fmt.Sprintf("unsupported ndarray data type: %T", v))
	}
}

func intField(v map[string]any, key string) (int, error) {
	n, err := toInt(v[key])
	if err != nil {
		return 0, errors.BadRequest(fmt.Sprintf("invalid %s field", key))
	}
	return n, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		return int(n), nil
	}
	return 0, fmt.Errorf("not an integer: %T", v)
}

// WrapArgs encodes a positional argument list for a method or callback
// frame.
func (c *Codec) WrapArgs(args []any) map[string]any {
	encoded := make([]any, len(args))
	for i, arg := range args {
		encoded[i] = c.encodeLeaf(arg)
	}
	return map[string]any{"args": encoded}
}

// UnwrapArgs decodes the argument list of an incoming frame.
func (c *Codec) UnwrapArgs(wrapped any, withPromise bool) ([]any, error) {
	m, ok := wrapped.(map[string]any)
	if !ok {
		return nil, errors.BadRequest("malformed args wrapper")
	}
	decoded, err := c.Decode(m["args"], withPromise)
	if err != nil {
		return nil, err
	}
	list, ok := decoded.([]any)
	if !ok {
		if decoded == nil {
			return nil, nil
		}
		return nil, errors.BadRequest("malformed args list")
	}
	return list, nil
}

// WrapPromise encodes a completer as a [resolve, reject] pair of linked
// one-shot callbacks.
func (c *Codec) WrapPromise(completer *Completer) map[string]any {
	resolve, reject := completer.Surfaces()
	resolveID, rejectID := c.store.PutPair(resolve, reject)
	return map[string]any{"args": []any{
		map[string]any{keyType: tagCallback, keyValue: "f", keyNum: resolveID},
		map[string]any{keyType: tagCallback, keyValue: "f", keyNum: rejectID},
	}}
}

// UnwrapPromise decodes a promise wrapper into its resolve and reject
// callables.
func (c *Codec) UnwrapPromise(wrapped any) (resolve Callable, reject Callable, err error) {
	args, err := c.UnwrapArgs(wrapped, false)
	if err != nil {
		return nil, nil, err
	}
	if len(args) != 2 {
		return nil, nil, errors.BadRequest("malformed promise pair")
	}
	res, ok1 := asCallable(args[0])
	rej, ok2 := asCallable(args[1])
	if !ok1 || !ok2 {
		return nil, nil, errors.BadRequest("malformed promise pair")
	}
	return res, rej, nil
}

func remoteError(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return errors.FromCode(errors.ErrCodeInternalServer, fmt.Sprint(v))
}
