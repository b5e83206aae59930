// Package events mirrors broker lifecycle events to NATS subjects so
// external controllers can observe workspace and plugin activity. The
// in-process bus stays authoritative; this mirror is optional and
// degrades to a stub when no NATS URL is configured.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/hivegate/hivegate/internal/core"
)

// Subjects for lifecycle events.
const (
	SubjectWorkspaceRegistered   = "hivegate.workspace.registered"
	SubjectWorkspaceUnregistered = "hivegate.workspace.unregistered"
	SubjectPluginRegistered      = "hivegate.plugin.registered"
	SubjectPluginTerminated      = "hivegate.plugin.terminated"
	SubjectServiceRegistered     = "hivegate.service.registered"
	SubjectUserConnected         = "hivegate.user.connected"
)

// Publisher delivers lifecycle events to an external broker.
type Publisher interface {
	Publish(subject string, payload any) error
	Close()
}

// Config configures the publisher.
type Config struct {
	// URL of the NATS server; empty selects the stub publisher
	URL string
}

// NewPublisher creates a NATS publisher, or the stub when no URL is
// configured.
func NewPublisher(cfg Config, log zerolog.Logger) (Publisher, error) {
	if cfg.URL == "" {
		return &stubPublisher{log: log}, nil
	}
	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &natsPublisher{conn: conn, log: log.With().Str("component", "events").Logger()}, nil
}

type natsPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

func (p *natsPublisher) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.conn.Publish(subject, data)
}

func (p *natsPublisher) Close() {
	p.conn.Drain()
	p.conn.Close()
}

// stubPublisher drops events. Used when no external broker is
// configured.
type stubPublisher struct {
	log zerolog.Logger
}

func (p *stubPublisher) Publish(subject string, payload any) error { return nil }
func (p *stubPublisher) Close()                                    {}

// Bridge subscribes a publisher to the engine bus so lifecycle events
// flow outward.
func Bridge(bus *core.EventBus, pub Publisher, log zerolog.Logger) {
	forward := func(subject string, convert func(args []any) any) core.EventListener {
		return func(args ...any) {
			payload := convert(args)
			if payload == nil {
				return
			}
			if err := pub.Publish(subject, payload); err != nil {
				log.Debug().Err(err).Str("subject", subject).Msg("Failed to mirror event")
			}
		}
	}

	bus.On("workspace_registered", forward(SubjectWorkspaceRegistered, workspacePayload))
	bus.On("workspace_unregistered", forward(SubjectWorkspaceUnregistered, workspacePayload))
	bus.On("plugin_registered", forward(SubjectPluginRegistered, pluginPayload))
	bus.On("plugin_terminated", forward(SubjectPluginTerminated, pluginPayload))
	bus.On("service_registered", forward(SubjectServiceRegistered, servicePayload))
	bus.On("user_connected", forward(SubjectUserConnected, userPayload))
}

func workspacePayload(args []any) any {
	if len(args) == 0 {
		return nil
	}
	ws, ok := args[0].(*core.Workspace)
	if !ok {
		return nil
	}
	return map[string]any{
		"timestamp":  time.Now().UTC(),
		"name":       ws.Name,
		"visibility": ws.Visibility,
		"persistent": ws.Persistent,
	}
}

func pluginPayload(args []any) any {
	if len(args) == 0 {
		return nil
	}
	p, ok := args[0].(*core.Plugin)
	if !ok {
		return nil
	}
	return map[string]any{
		"timestamp": time.Now().UTC(),
		"id":        p.ID,
		"name":      p.Name,
		"workspace": p.Workspace.Name,
		"status":    p.Status(),
	}
}

func servicePayload(args []any) any {
	if len(args) == 0 {
		return nil
	}
	svc, ok := args[0].(*core.ServiceInfo)
	if !ok {
		return nil
	}
	return map[string]any{
		"timestamp":  time.Now().UTC(),
		"id":         svc.ID(),
		"name":       svc.Name,
		"type":       svc.Type,
		"visibility": svc.Visibility(),
	}
}

func userPayload(args []any) any {
	if len(args) == 0 {
		return nil
	}
	u, ok := args[0].(*core.UserInfo)
	if !ok {
		return nil
	}
	return map[string]any{
		"timestamp": time.Now().UTC(),
		"id":        u.ID,
		"anonymous": u.IsAnonymous,
	}
}
