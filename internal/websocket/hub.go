// Package websocket provides the connection layer of the broker: one
// websocket session per connected client or worker, secret-keyed channel
// fan-out between them, and the abuse backstop for repeated bad
// registrations.
//
// CHANNEL NAMING:
//   - from_plugin_<secret>:         frames from the worker to the broker peer
//   - to_plugin_<secret>:           frames from the broker to the worker
//   - message_from_plugin_<secret>: replies destined to the external caller
//   - message_to_plugin_<secret>:   frames the external caller relays inward
//
// The <secret> is an opaque identifier minted at init_plugin; a session
// only routes frames on channels it was bound to.
//
// Thread Safety:
//   - readPump and writePump run concurrently per connection
//   - each connection has a dedicated buffered Send channel
//   - the hub map is protected by a RWMutex
package websocket

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// MaxAttempts is the abuse backstop: reaching it terminates the engine.
const MaxAttempts = 1000

// ExitCodeAuthExhausted is the engine exit code when MaxAttempts is
// reached.
const ExitCodeAuthExhausted = 100

// Frame is a decoded wire message.
type Frame = map[string]any

// FrameHandler consumes inbound frames for one plugin channel.
type FrameHandler func(frame Frame)

// ControlHandler serves a session-level control frame (init_plugin,
// kill_plugin, ...) and returns the reply payload.
type ControlHandler func(session *Session, frame Frame) (any, error)

// channelBinding holds the endpoints of one plugin secret.
type channelBinding struct {
	// handler is the in-process peer for from_plugin frames
	handler FrameHandler

	// worker is the session of the worker process, receiver of
	// to_plugin frames
	worker *Session

	// caller is the session that initialised the plugin, receiver of
	// message_from_plugin frames
	caller *Session
}

// Hub is the central fan-out for all websocket sessions. Control frames
// dispatch to registered handlers; channel frames route by secret.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	channels map[string]*channelBinding
	controls map[string]ControlHandler

	attemptCount int
	exit         func(code int)

	log zerolog.Logger

	// OnSessionClosed runs after a session is unregistered. The
	// supervisor uses it to garbage-collect the session's plugins.
	OnSessionClosed func(session *Session)
}

// NewHub creates an empty hub. exit is called with ExitCodeAuthExhausted
// when the auth-attempt backstop trips; with a nil exit the hub only logs.
func NewHub(log zerolog.Logger, exit func(code int)) *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		channels: make(map[string]*channelBinding),
		controls: make(map[string]ControlHandler),
		exit:     exit,
		log:      log.With().Str("component", "hub").Logger(),
	}
}

// HandleControl registers a session-level control frame handler.
func (h *Hub) HandleControl(frameType string, handler ControlHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.controls[frameType] = handler
}

// RegisterSession admits a session into the hub.
func (h *Hub) RegisterSession(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
	h.log.Info().Str("session", s.ID).Str("user", s.User.ID).Msg("Session registered")
}

// UnregisterSession removes a session and detaches it from its channels.
func (h *Hub) UnregisterSession(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.ID)
	for _, binding := range h.channels {
		if binding.worker == s {
			binding.worker = nil
		}
		if binding.caller == s {
			binding.caller = nil
		}
	}
	closed := h.OnSessionClosed
	h.mu.Unlock()

	h.log.Info().Str("session", s.ID).Msg("Session unregistered")
	if closed != nil {
		closed(s)
	}
}

// Session looks a session up by id.
func (h *Hub) Session(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// Sessions returns a snapshot of live sessions.
func (h *Hub) Sessions() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// OpenChannel binds a plugin secret: the in-process peer handler and the
// caller session. The worker session attaches later when it connects
// with the secret.
func (h *Hub) OpenChannel(secret string, handler FrameHandler, caller *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channels[secret] = &channelBinding{handler: handler, caller: caller}
}

// AttachWorker binds the worker session to an open channel.
func (h *Hub) AttachWorker(secret string, worker *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	binding, ok := h.channels[secret]
	if !ok {
		return false
	}
	binding.worker = worker
	worker.pluginSecret = secret
	return true
}

// RebindCaller points an open channel at a new caller session (plugin
// resume on reconnect).
func (h *Hub) RebindCaller(secret string, caller *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	binding, ok := h.channels[secret]
	if !ok {
		return false
	}
	binding.caller = caller
	return true
}

// CloseChannel drops a plugin secret binding.
func (h *Hub) CloseChannel(secret string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.channels, secret)
}

// SendToPlugin emits a frame on to_plugin_<secret>.
func (h *Hub) SendToPlugin(secret string, frame Frame) error {
	h.mu.RLock()
	binding, ok := h.channels[secret]
	var worker *Session
	if ok {
		worker = binding.worker
	}
	h.mu.RUnlock()
	if worker == nil {
		h.log.Debug().Str("secret", redact(secret)).Msg("No worker attached to channel")
		return nil
	}
	return worker.Send(withChannel("to_plugin_"+secret, frame))
}

// SendToCaller emits a frame on message_from_plugin_<secret>.
func (h *Hub) SendToCaller(secret string, frame Frame) error {
	h.mu.RLock()
	binding, ok := h.channels[secret]
	var caller *Session
	if ok {
		caller = binding.caller
	}
	h.mu.RUnlock()
	if caller == nil {
		return nil
	}
	return caller.Send(withChannel("message_from_plugin_"+secret, frame))
}

// Route dispatches one inbound frame from a session.
func (h *Hub) Route(s *Session, frame Frame) {
	if channel, ok := frame["channel"].(string); ok && channel != "" {
		h.routeChannel(s, channel, frame)
		return
	}
	typ, _ := frame["type"].(string)
	h.mu.RLock()
	handler, ok := h.controls[typ]
	h.mu.RUnlock()
	if !ok {
		h.log.Warn().Str("type", typ).Msg("Ignoring frame with unknown type")
		return
	}
	reply, err := handler(s, frame)
	if callbackID, hasCallback := frame["callback_id"]; hasCallback {
		response := Frame{"type": "callback_reply", "callback_id": callbackID}
		if err != nil {
			response["success"] = false
			response["error"] = err.Error()
		} else {
			response["success"] = true
			response["result"] = reply
		}
		if sendErr := s.Send(response); sendErr != nil {
			h.log.Error().Err(sendErr).Msg("Failed to send control reply")
		}
	} else if err != nil {
		h.log.Error().Str("type", typ).Err(err).Msg("Control frame failed")
	}
}

func (h *Hub) routeChannel(s *Session, channel string, frame Frame) {
	inner := make(Frame, len(frame))
	for k, v := range frame {
		if k != "channel" {
			inner[k] = v
		}
	}
	switch {
	case strings.HasPrefix(channel, "from_plugin_"):
		secret := strings.TrimPrefix(channel, "from_plugin_")
		h.mu.RLock()
		binding, ok := h.channels[secret]
		h.mu.RUnlock()
		if !ok || binding.handler == nil {
			h.log.Warn().Msg("Frame for unknown plugin channel")
			return
		}
		if s.pluginSecret != secret {
			h.log.Warn().Str("session", s.ID).Msg("Session not bound to plugin channel")
			return
		}
		binding.handler(inner)
	case strings.HasPrefix(channel, "message_to_plugin_"):
		secret := strings.TrimPrefix(channel, "message_to_plugin_")
		h.mu.RLock()
		binding, ok := h.channels[secret]
		bound := ok && binding.caller == s
		h.mu.RUnlock()
		if !bound {
			h.log.Warn().Str("session", s.ID).Msg("Session not bound to plugin channel")
			return
		}
		if typ, _ := inner["type"].(string); typ == "message" {
			if data, ok := inner["data"].(map[string]any); ok {
				if err := h.SendToPlugin(secret, data); err != nil {
					h.log.Error().Err(err).Msg("Failed to forward frame to plugin")
				}
			}
		}
	default:
		h.log.Warn().Str("channel", channel).Msg("Frame for unknown channel")
	}
}

// RecordBadRegistration counts a failed registration attempt and trips
// the backstop when MaxAttempts is reached.
func (h *Hub) RecordBadRegistration() {
	h.mu.Lock()
	h.attemptCount++
	count := h.attemptCount
	exit := h.exit
	h.mu.Unlock()
	if count >= MaxAttempts {
		h.log.Error().Int("attempts", count).Msg("Max auth attempts exceeded, terminating engine")
		if exit != nil {
			exit(ExitCodeAuthExhausted)
		}
	}
}

// ResetAttempts clears the attempt counter after a good registration.
func (h *Hub) ResetAttempts() {
	h.mu.Lock()
	h.attemptCount = 0
	h.mu.Unlock()
}

func withChannel(channel string, frame Frame) Frame {
	out := make(Frame, len(frame)+1)
	for k, v := range frame {
		out[k] = v
	}
	out["channel"] = channel
	return out
}

func redact(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:8] + "…"
}
