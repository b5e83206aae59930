package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/hivegate/hivegate/internal/core"
)

// asgiResponseTimeout bounds how long a mounted app may take to finish
// one response.
const asgiResponseTimeout = 120 * time.Second

// ASGIHandler mounts plugin services of type ASGI as sub-applications at
// /{workspace}/app/{name}. Each request is translated into a single RPC
// call carrying a {scope, receive, send} triplet; the references for the
// triplet are released once send completes, so the provider's reference
// store does not grow without bound.
type ASGIHandler struct {
	registry *core.Registry
	log      zerolog.Logger

	mu     sync.RWMutex
	mounts map[string]*core.ServiceInfo // "<workspace>/<name>" -> service
}

// NewASGIHandler creates the mount manager and subscribes it to service
// lifecycle events.
func NewASGIHandler(registry *core.Registry, log zerolog.Logger) *ASGIHandler {
	h := &ASGIHandler{
		registry: registry,
		log:      log.With().Str("component", "asgi").Logger(),
		mounts:   make(map[string]*core.ServiceInfo),
	}
	registry.Bus().On("service_registered", func(args ...any) {
		if len(args) == 0 {
			return
		}
		if svc, ok := args[0].(*core.ServiceInfo); ok && svc.Type == "ASGI" {
			h.mount(svc)
		}
	})
	registry.Bus().On("service_unregistered", func(args ...any) {
		if len(args) == 0 {
			return
		}
		if svc, ok := args[0].(*core.ServiceInfo); ok && svc.Type == "ASGI" {
			h.unmount(svc)
		}
	})
	return h
}

// RegisterRoutes registers the mount path.
func (h *ASGIHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.Any("/:workspace/app/*app", h.ServeMounted)
}

func (h *ASGIHandler) mount(svc *core.ServiceInfo) {
	key := fmt.Sprintf("%s/%s", svc.Config["workspace"], svc.Name)
	h.mu.Lock()
	h.mounts[key] = svc
	h.mu.Unlock()
	h.log.Info().Str("mount", "/"+key).Msg("Mounted app")
}

func (h *ASGIHandler) unmount(svc *core.ServiceInfo) {
	key := fmt.Sprintf("%s/%s", svc.Config["workspace"], svc.Name)
	h.mu.Lock()
	delete(h.mounts, key)
	h.mu.Unlock()
}

// ServeMounted forwards one HTTP request to the plugin's serve function.
func (h *ASGIHandler) ServeMounted(c *gin.Context) {
	workspace := c.Param("workspace")
	appPath := strings.TrimPrefix(c.Param("app"), "/")
	name, rest, _ := strings.Cut(appPath, "/")

	h.mu.RLock()
	svc, ok := h.mounts[workspace+"/"+name]
	h.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "detail": "app not found: " + name})
		return
	}
	provider := svc.Provider
	if provider == nil || provider.Peer == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "detail": "app provider is gone"})
		return
	}
	serve, ok := asGatewayCallable(svc.Bundle["serve"])
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "detail": "no serve function defined"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "detail": "failed to read body"})
		return
	}

	scope := buildScope(c, rest)
	done := make(chan struct{})
	store := provider.Peer.Store()

	var once sync.Once
	bodySent := false
	receiveID := store.Pin(func(args []any) (any, error) {
		if !bodySent {
			bodySent = true
			return map[string]any{"type": "http.request", "body": body, "more_body": false}, nil
		}
		return map[string]any{"type": "http.disconnect"}, nil
	})

	started := false
	sendID := store.Pin(func(args []any) (any, error) {
		if len(args) == 0 {
			return nil, nil
		}
		event, _ := args[0].(map[string]any)
		switch event["type"] {
		case "http.response.start":
			status := http.StatusOK
			if s, err := intArg(event["status"]); err == nil {
				status = s
			}
			if headers, ok := event["headers"].([]any); ok {
				for _, raw := range headers {
					pair, ok := raw.([]any)
					if !ok || len(pair) != 2 {
						continue
					}
					c.Writer.Header().Set(headerString(pair[0]), headerString(pair[1]))
				}
			}
			c.Writer.WriteHeader(status)
			started = true
		case "http.response.body":
			if !started {
				c.Writer.WriteHeader(http.StatusOK)
				started = true
			}
			if chunk := bodyBytes(event["body"]); len(chunk) > 0 {
				_, _ = c.Writer.Write(chunk)
			}
			if more, _ := event["more_body"].(bool); !more {
				once.Do(func() { close(done) })
			}
		}
		return nil, nil
	})

	// the triplet travels as pre-encoded callback envelopes so the
	// references can be released by id after send completes
	iface := map[string]any{
		"scope": scope,
		"receive": map[string]any{
			"__jailed_type__": "callback", "__value__": "f", "num": receiveID,
		},
		"send": map[string]any{
			"__jailed_type__": "callback", "__value__": "f", "num": sendID,
		},
	}

	callDone := make(chan error, 1)
	go func() {
		_, err := serve([]any{iface})
		callDone <- err
	}()

	timer := time.NewTimer(asgiResponseTimeout)
	defer timer.Stop()
	defer func() {
		store.Release(receiveID)
		store.Release(sendID)
	}()

	select {
	case <-done:
	case err := <-callDone:
		if err != nil {
			h.log.Error().Err(err).Str("app", name).Msg("Mounted app call failed")
			if !started {
				c.JSON(http.StatusInternalServerError, gin.H{"success": false, "detail": err.Error()})
			}
		}
	case <-timer.C:
		h.log.Error().Str("app", name).Msg("Mounted app response timed out")
		if !started {
			c.JSON(http.StatusGatewayTimeout, gin.H{"success": false, "detail": "app response timed out"})
		}
	}
}

// buildScope translates the request into an ASGI-style connection scope,
// keeping only plainly-serialisable values.
func buildScope(c *gin.Context, subPath string) map[string]any {
	headers := make([]any, 0, len(c.Request.Header))
	for key, values := range c.Request.Header {
		for _, value := range values {
			headers = append(headers, []any{strings.ToLower(key), value})
		}
	}
	return map[string]any{
		"type":         "http",
		"http_version": "1.1",
		"method":       c.Request.Method,
		"path":         "/" + subPath,
		"raw_path":     c.Request.URL.Path,
		"query_string": c.Request.URL.RawQuery,
		"headers":      headers,
		"client":       []any{c.ClientIP(), 0},
	}
}

func headerString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return fmt.Sprint(v)
}

func bodyBytes(v any) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	}
	return nil
}
