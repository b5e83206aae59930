package rpc

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hivegate/hivegate/internal/errors"
)

// Frame is a wire message. Every frame carries a top-level "type" field;
// unknown types are ignored with a log line.
type Frame = map[string]any

// Peer states from the broker's view.
const (
	StatePendingInit int32 = iota
	StateAwaitingInterface
	StateReady
	StateTerminating
	StateGone
)

// DefaultMaxInFlight bounds the per-peer pending-call table.
const DefaultMaxInFlight = 4096

// functionMarker prefixes nested function slots in interface data maps.
const functionMarker = "**@@FUNCTION@@**:"

// Peer is one side of the RPC protocol: it owns the reference store, the
// pending-call set and the interface handshake for a single plugin
// channel. The broker creates one peer per admitted plugin.
type Peer struct {
	pluginID string
	log      zerolog.Logger
	send     func(Frame) error

	store *ReferenceStore
	codec *Codec

	mu          sync.Mutex
	state       int32
	local       map[string]any
	remote      map[string]any
	config      map[string]any
	buffered    []Frame
	pending     map[*Completer]struct{}
	maxInFlight int

	ready     chan struct{}
	readyOnce sync.Once

	ifaceAck *Completer
	execWait *Completer

	// OnDisconnect is invoked once when the peer receives a disconnect
	// frame or is terminated locally.
	OnDisconnect func(details map[string]any)

	// OnReady is invoked once when the interface handshake completes.
	OnReady func()
}

// NewPeer creates a peer for one plugin channel. The send function is the
// outbound frame sink (the plugin's to_plugin channel).
func NewPeer(pluginID string, local map[string]any, send func(Frame) error, log zerolog.Logger) *Peer {
	p := &Peer{
		pluginID:    pluginID,
		log:         log.With().Str("plugin", pluginID).Logger(),
		send:        send,
		store:       NewReferenceStore(),
		local:       local,
		remote:      make(map[string]any),
		pending:     make(map[*Completer]struct{}),
		maxInFlight: DefaultMaxInFlight,
		ready:       make(chan struct{}),
	}
	p.codec = NewCodec(p.store, p)
	return p
}

// Store exposes the peer's reference store (used by providers to dispose
// pinned references).
func (p *Peer) Store() *ReferenceStore { return p.store }

// Codec exposes the peer's codec.
func (p *Peer) Codec() *Codec { return p.codec }

// State returns the current lifecycle state.
func (p *Peer) State() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Config returns the peer config received with the initialized frame.
func (p *Peer) Config() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

// Remote returns the mirrored remote interface. Function slots are
// proxies that emit method frames.
func (p *Peer) Remote() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]any, len(p.remote))
	for k, v := range p.remote {
		out[k] = v
	}
	return out
}

// WaitReady blocks until the interface handshake completes or ctx is
// done. A deadline exceeded maps to PluginNotReady.
func (p *Peer) WaitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		if p.State() >= StateTerminating {
			return errors.PluginGone(p.pluginID)
		}
		return nil
	case <-ctx.Done():
		return errors.PluginNotReady(p.pluginID)
	}
}

// HandleFrame dispatches one inbound frame. Frames on a single channel
// are delivered in order by the connection layer; method frames arriving
// before the handshake completes are buffered and delivered once ready.
func (p *Peer) HandleFrame(frame Frame) {
	typ, _ := frame["type"].(string)
	switch typ {
	case "initialized":
		p.handleInitialized(frame)
	case "getInterface":
		p.sendInterface()
	case "setInterface":
		p.handleSetInterface(frame)
	case "interfaceSetAsRemote":
		p.mu.Lock()
		ack := p.ifaceAck
		p.mu.Unlock()
		if ack != nil {
			ack.Resolve(nil)
		}
	case "method":
		if !p.isReady() {
			p.bufferFrame(frame)
			return
		}
		p.handleMethod(frame)
	case "callback":
		p.handleCallback(frame)
	case "executeSuccess":
		p.mu.Lock()
		wait := p.execWait
		p.mu.Unlock()
		if wait != nil {
			wait.Resolve(nil)
		}
	case "executeFailure":
		p.mu.Lock()
		wait := p.execWait
		p.mu.Unlock()
		if wait != nil {
			wait.Reject(errors.FromCode(errors.ErrCodeInternalServer, fmt.Sprint(frame["error"])))
		}
	case "disconnect":
		details, _ := frame["details"].(map[string]any)
		p.Terminate(details)
	case "logging":
		// forwarded by the connection layer; nothing to do here
	default:
		p.log.Warn().Str("type", typ).Msg("Ignoring frame with unknown type")
	}
}

func (p *Peer) isReady() bool {
	s := p.State()
	return s == StateReady
}

func (p *Peer) bufferFrame(frame Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state >= StateTerminating {
		return
	}
	p.buffered = append(p.buffered, frame)
}

func (p *Peer) handleInitialized(frame Frame) {
	p.mu.Lock()
	if p.state != StatePendingInit {
		p.mu.Unlock()
		p.log.Debug().Msg("Duplicate initialized frame")
		return
	}
	p.state = StateAwaitingInterface
	if cfg, ok := frame["config"].(map[string]any); ok {
		p.config = cfg
	}
	p.mu.Unlock()
	p.sendInterface()
}

// sendInterface publishes the local interface names to the peer.
func (p *Peer) sendInterface() {
	p.mu.Lock()
	names := buildInterfaceNames(p.local)
	p.mu.Unlock()
	p.emit(Frame{"type": "setInterface", "api": names})
}

func buildInterfaceNames(local map[string]any) []any {
	names := make([]any, 0, len(local))
	for name, value := range local {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if _, ok := asCallable(value); ok {
			names = append(names, map[string]any{"name": name, "data": nil})
			continue
		}
		switch data := value.(type) {
		case map[string]any:
			flat := make(map[string]any, len(data))
			for k, v := range data {
				if _, ok := asCallable(v); ok {
					flat[k] = functionMarker + k
				} else {
					flat[k] = v
				}
			}
			names = append(names, map[string]any{"name": name, "data": flat})
		case string, bool, int, int64, float64:
			names = append(names, map[string]any{"name": name, "data": data})
		}
	}
	return names
}

// handleSetInterface mirrors the peer's published names as local proxies
// and completes the handshake.
func (p *Peer) handleSetInterface(frame Frame) {
	api, _ := frame["api"].([]any)
	remote := make(map[string]any, len(api))
	for _, raw := range api {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		if name == "" {
			continue
		}
		data := entry["data"]
		if data == nil {
			remote[name] = p.RemoteMethod(name, "")
			continue
		}
		if nested, ok := data.(map[string]any); ok {
			sub := make(map[string]any, len(nested))
			for key, val := range nested {
				if marker, ok := val.(string); ok && marker == functionMarker+key {
					sub[key] = p.RemoteMethod(name+"."+key, "")
				} else {
					sub[key] = val
				}
			}
			remote[name] = sub
			continue
		}
		remote[name] = data
	}

	p.mu.Lock()
	p.remote = remote
	if p.state == StatePendingInit || p.state == StateAwaitingInterface {
		p.state = StateReady
	}
	buffered := p.buffered
	p.buffered = nil
	p.mu.Unlock()

	p.emit(Frame{"type": "interfaceSetAsRemote"})
	p.readyOnce.Do(func() { close(p.ready) })
	if p.OnReady != nil {
		p.OnReady()
	}
	for _, f := range buffered {
		p.handleMethod(f)
	}
}

// handleMethod invokes a named local interface method. Dotted names reach
// into nested data maps; a pid field targets a forwarded plugin interface
// bundle instead.
func (p *Peer) handleMethod(frame Frame) {
	name, _ := frame["name"].(string)
	pid, _ := frame["pid"].(string)

	var fn Callable
	var found bool
	if pid != "" {
		fn, found = p.codec.PluginInterfaceMethod(pid, name)
	} else {
		fn, found = p.lookupLocal(name)
	}
	if !found {
		p.log.Error().Str("name", name).Msg("Method not found")
		p.rejectPromise(frame, errors.NotFound("method "+name))
		return
	}
	p.invoke(fn, frame)
}

func (p *Peer) lookupLocal(name string) (Callable, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fn, ok := asCallable(p.local[name]); ok {
		return fn, true
	}
	if head, tail, ok := strings.Cut(name, "."); ok {
		if nested, ok := p.local[head].(map[string]any); ok {
			if fn, ok := asCallable(nested[tail]); ok {
				return fn, true
			}
		}
	}
	return nil, false
}

// handleCallback invokes a reference-store entry by id. One-shot entries
// fail on reuse with a clear error.
func (p *Peer) handleCallback(frame Frame) {
	num, err := intField(frame, "num")
	if err != nil {
		p.log.Error().Msg("Malformed callback frame")
		return
	}
	fn, err := p.store.Fetch(num)
	if err != nil {
		p.log.Error().Int("num", num).Err(err).Msg("Callback fetch failed")
		p.rejectPromise(frame, err)
		return
	}
	p.invoke(fn, frame)
}

// invoke runs a callable with the frame's decoded args. When the frame
// carries a promise pair the result (or error) settles it; calling either
// side invalidates the other.
func (p *Peer) invoke(fn Callable, frame Frame) {
	withPromise := frame["promise"] != nil
	args, err := p.codec.UnwrapArgs(frame["args"], withPromise)
	if err != nil {
		p.log.Error().Err(err).Msg("Failed to decode method args")
		p.rejectPromise(frame, err)
		return
	}
	if !withPromise {
		go func() {
			if _, err := fn(args); err != nil {
				p.log.Error().Err(err).Msg("Error in fire-and-forget call")
			}
		}()
		return
	}
	resolve, reject, err := p.codec.UnwrapPromise(frame["promise"])
	if err != nil {
		p.log.Error().Err(err).Msg("Malformed promise wrapper")
		return
	}
	go func() {
		result, err := fn(args)
		if err != nil {
			_, _ = reject([]any{err})
			return
		}
		_, _ = resolve([]any{result})
	}()
}

func (p *Peer) rejectPromise(frame Frame, callErr error) {
	if frame["promise"] == nil {
		return
	}
	if _, reject, err := p.codec.UnwrapPromise(frame["promise"]); err == nil {
		_, _ = reject([]any{callErr})
	}
}

// RemoteMethod implements ProxyFactory: the returned callable enqueues a
// method frame and blocks on the reply.
func (p *Peer) RemoteMethod(name, pluginID string) Callable {
	return func(args []any) (any, error) {
		return p.Call(context.Background(), name, pluginID, args)
	}
}

// RemoteCallback implements ProxyFactory: the returned callable enqueues
// a callback frame targeting the sender's reference store.
func (p *Peer) RemoteCallback(num int, withPromise bool) Callable {
	return func(args []any) (any, error) {
		frame := Frame{
			"type": "callback",
			"num":  num,
			"args": p.codec.WrapArgs(args),
		}
		if !withPromise {
			return nil, p.emit(frame)
		}
		completer, err := p.trackCall()
		if err != nil {
			return nil, err
		}
		frame["promise"] = p.codec.WrapPromise(completer)
		if err := p.emit(frame); err != nil {
			p.untrackCall(completer)
			return nil, err
		}
		defer p.untrackCall(completer)
		return completer.Wait(context.Background())
	}
}

// Call invokes a named method on the remote side and waits for the reply
// frame. There is no protocol-level timeout: callers bound the wait with
// ctx. A terminating peer rejects every pending call with PluginGone.
func (p *Peer) Call(ctx context.Context, name, pluginID string, args []any) (any, error) {
	if s := p.State(); s >= StateTerminating {
		return nil, errors.PluginGone(p.pluginID)
	}
	completer, err := p.trackCall()
	if err != nil {
		return nil, err
	}
	defer p.untrackCall(completer)

	frame := Frame{
		"type":    "method",
		"name":    name,
		"args":    p.codec.WrapArgs(args),
		"promise": p.codec.WrapPromise(completer),
	}
	if pluginID != "" {
		frame["pid"] = pluginID
	}
	if err := p.emit(frame); err != nil {
		return nil, err
	}
	return completer.Wait(ctx)
}

// Notify invokes a named method without awaiting a result.
func (p *Peer) Notify(name string, args []any) error {
	if s := p.State(); s >= StateTerminating {
		return errors.PluginGone(p.pluginID)
	}
	return p.emit(Frame{
		"type": "method",
		"name": name,
		"args": p.codec.WrapArgs(args),
	})
}

// Execute runs a script in a native plugin peer and waits for the
// executeSuccess or executeFailure reply.
func (p *Peer) Execute(ctx context.Context, code map[string]any) error {
	wait := NewCompleter()
	p.mu.Lock()
	p.execWait = wait
	p.mu.Unlock()
	if err := p.emit(Frame{"type": "execute", "code": code}); err != nil {
		return err
	}
	_, err := wait.Wait(ctx)
	return err
}

// RequestDisconnect asks the peer to shut down gracefully.
func (p *Peer) RequestDisconnect() error {
	return p.emit(Frame{"type": "disconnect"})
}

// Terminate moves the peer to GONE: pending calls are rejected with
// PluginGone and the reference store is closed.
func (p *Peer) Terminate(details map[string]any) {
	p.mu.Lock()
	if p.state == StateGone {
		p.mu.Unlock()
		return
	}
	p.state = StateGone
	pending := make([]*Completer, 0, len(p.pending))
	for c := range p.pending {
		pending = append(pending, c)
	}
	p.pending = make(map[*Completer]struct{})
	p.buffered = nil
	onDisconnect := p.OnDisconnect
	p.mu.Unlock()

	for _, c := range pending {
		c.Reject(errors.PluginGone(p.pluginID))
	}
	p.store.Close()
	p.readyOnce.Do(func() { close(p.ready) })
	if onDisconnect != nil {
		onDisconnect(details)
	}
}

func (p *Peer) trackCall() (*Completer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) >= p.maxInFlight {
		return nil, errors.TooManyInFlight(p.pluginID)
	}
	completer := NewCompleter()
	p.pending[completer] = struct{}{}
	return completer, nil
}

func (p *Peer) untrackCall(completer *Completer) {
	p.mu.Lock()
	delete(p.pending, completer)
	p.mu.Unlock()
}

func (p *Peer) emit(frame Frame) error {
	if err := p.send(frame); err != nil {
		p.log.Error().Err(err).Msg("Failed to emit frame")
		return err
	}
	return nil
}
