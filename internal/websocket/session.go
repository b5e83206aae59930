package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hivegate/hivegate/internal/core"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer; generous because ndarray
	// chunks travel in-band
	maxMessageSize = 2 * 1024 * 1024
)

// Session is one websocket connection: a browser client, an external
// caller, or a worker process. All plugins started in a session are
// garbage-collected with it unless flagged allow-detach.
type Session struct {
	// ID is the session identifier
	ID string

	// User is the identity admitted at upgrade time
	User *core.UserInfo

	// Workspace is the workspace the session entered
	Workspace string

	// ClientID identifies the connecting client across sessions
	ClientID string

	conn *websocket.Conn
	send chan outbound
	hub  *Hub
	log  zerolog.Logger

	// pluginSecret is set on worker sessions bound to a plugin channel
	pluginSecret string
}

type outbound struct {
	frame  Frame
	binary bool
}

// NewSession wraps an upgraded connection.
func NewSession(id string, user *core.UserInfo, conn *websocket.Conn, hub *Hub, log zerolog.Logger) *Session {
	return &Session{
		ID:   id,
		User: user,
		conn: conn,
		send: make(chan outbound, 256),
		hub:  hub,
		log:  log.With().Str("session", id).Logger(),
	}
}

// Send queues a frame for delivery as a JSON text message.
func (s *Session) Send(frame Frame) error {
	select {
	case s.send <- outbound{frame: frame}:
		return nil
	default:
		s.log.Warn().Msg("Send buffer full, dropping frame")
		return nil
	}
}

// SendBinary queues a frame for delivery as a msgpack binary message.
// Used for frames carrying ndarray chunks.
func (s *Session) SendBinary(frame Frame) error {
	select {
	case s.send <- outbound{frame: frame, binary: true}:
		return nil
	default:
		s.log.Warn().Msg("Send buffer full, dropping binary frame")
		return nil
	}
}

// Run starts the read and write pumps and blocks until the connection
// closes.
func (s *Session) Run() {
	go s.writePump()
	s.readPump()
}

// readPump reads messages from the connection and routes them through
// the hub. Text messages are JSON frames; binary messages are msgpack
// frames (used for ndarray payloads).
func (s *Session) readPump() {
	defer func() {
		s.hub.UnregisterSession(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn().Err(err).Msg("Unexpected close")
			} else {
				s.log.Info().Msg("Session disconnected")
			}
			break
		}

		var frame Frame
		switch msgType {
		case websocket.TextMessage:
			if err := json.Unmarshal(data, &frame); err != nil {
				s.log.Warn().Err(err).Msg("Dropping malformed JSON frame")
				continue
			}
		case websocket.BinaryMessage:
			if err := msgpack.Unmarshal(data, &frame); err != nil {
				s.log.Warn().Err(err).Msg("Dropping malformed binary frame")
				continue
			}
		default:
			continue
		}
		s.hub.Route(s, frame)
	}
}

// writePump writes queued frames to the connection and keeps it alive
// with periodic pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case out, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			var payload []byte
			var err error
			msgType := websocket.TextMessage
			if out.binary {
				msgType = websocket.BinaryMessage
				payload, err = msgpack.Marshal(out.frame)
			} else {
				payload, err = json.Marshal(out.frame)
			}
			if err != nil {
				s.log.Error().Err(err).Msg("Failed to encode frame")
				continue
			}
			if err := s.conn.WriteMessage(msgType, payload); err != nil {
				s.log.Error().Err(err).Msg("Write error")
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close terminates the session connection.
func (s *Session) Close() {
	s.conn.Close()
}
