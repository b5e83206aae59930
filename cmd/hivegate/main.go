// Package main runs the hivegate plugin broker: a long-running server
// that admits sandboxed plugin processes and browser tabs over
// websockets, isolates them into workspaces, routes RPC frames between
// them, supervises native worker subprocesses, and re-exposes
// plugin-registered services over HTTP.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hivegate/hivegate/internal/auth"
	"github.com/hivegate/hivegate/internal/config"
	"github.com/hivegate/hivegate/internal/core"
	"github.com/hivegate/hivegate/internal/events"
	"github.com/hivegate/hivegate/internal/handlers"
	"github.com/hivegate/hivegate/internal/logger"
	"github.com/hivegate/hivegate/internal/objectstore"
	"github.com/hivegate/hivegate/internal/supervisor"
	ws "github.com/hivegate/hivegate/internal/websocket"
)

func main() {
	cfg := config.FromEnv()

	// flags override environment configuration
	flag.StringVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	flag.StringVar(&cfg.Host, "host", cfg.Host, "listen address")
	flag.StringVar(&cfg.WorkspaceDir, "workspace", cfg.WorkspaceDir, "workspace root directory")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		cfg.LogLevel = "debug"
		cfg.LogPretty = true
	}
	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.GetLogger()

	if !config.HasJWTSecretPinned() {
		// all previously-minted internal tokens are invalid from here on
		log.Warn().Msg("JWT_SECRET is not defined, using a random per-process secret")
	}

	engineToken, err := config.Bootstrap(cfg, *log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to bootstrap workspace directory")
	}
	log.Info().Str("workspace_dir", cfg.WorkspaceDir).Msg("Workspace ready")

	// core registry and event bus
	bus := core.NewEventBus()
	registry := core.NewRegistry(bus, *log)

	// identity
	external := auth.NewOIDCVerifier(cfg.Auth0Domain, cfg.Auth0Audience)
	tokens := auth.NewTokenManager(cfg.JWTSecret, external)
	mint := func(user *core.UserInfo, raw map[string]any) (string, error) {
		tokenCfg := auth.TokenConfig{}
		if scopes, ok := raw["scopes"].([]any); ok {
			for _, s := range scopes {
				if scope, ok := s.(string); ok {
					tokenCfg.Scopes = append(tokenCfg.Scopes, scope)
				}
			}
		}
		if expires, ok := raw["expires_in"].(float64); ok {
			tokenCfg.ExpiresIn = int64(expires)
		}
		return tokens.GeneratePresignedToken(user, tokenCfg)
	}
	api := core.NewAPI(registry, mint, *log)

	// object-store bridge (optional)
	var bridge *objectstore.Bridge
	if cfg.S3Endpoint != "" {
		bridge, err = objectstore.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey,
			cfg.S3Bucket, &objectstore.CLIAdmin{Alias: "hivegate"}, *log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize object store bridge")
		}
		log.Info().Str("endpoint", cfg.S3Endpoint).Msg("Object store bridge enabled")
	}

	// lifecycle event mirror (stub without NATS_URL)
	publisher, err := events.NewPublisher(events.Config{URL: cfg.NATSURL}, *log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize event publisher")
	}
	defer publisher.Close()
	events.Bridge(bus, publisher, *log)

	// connection layer and supervisor
	hub := ws.NewHub(*log, os.Exit)
	ifaces := func(ctx core.Context) map[string]any {
		iface := api.Interface(ctx)
		if bridge != nil {
			iface["s3"] = bridge.Interface(ctx)
		}
		return iface
	}
	sup := supervisor.New(cfg, registry, hub, ifaces, *log)

	// HTTP surface
	if !cfg.LogPretty {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(cfg.AllowOrigins))
	router.Use(auth.OptionalAuth(tokens))

	root := router.Group("/")
	handlers.NewStatusHandler(registry).RegisterRoutes(root)
	handlers.NewWSHandler(hub, tokens, registry, sup, cfg, engineToken, *log).RegisterRoutes(root)
	handlers.NewASGIHandler(registry, *log).RegisterRoutes(root)
	handlers.NewGatewayHandler(registry, *log).RegisterRoutes(root)

	server := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("hivegate engine listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// port bind failure is unrecoverable for the engine
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down")

	for _, proc := range sup.Plugins() {
		sup.KillPlugin(proc.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Forced shutdown")
	}
}

// corsMiddleware applies the ALLOW_ORIGINS policy.
func corsMiddleware(origins []string) gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			if allowAll {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
