package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loomchat/loomchat/pkg/agent"
	"github.com/loomchat/loomchat/pkg/cache"
	"github.com/loomchat/loomchat/pkg/config"
	"github.com/loomchat/loomchat/pkg/db"
	"github.com/loomchat/loomchat/pkg/event"
	"github.com/loomchat/loomchat/pkg/handler"
	"github.com/loomchat/loomchat/pkg/models"
	"github.com/loomchat/loomchat/pkg/service"
	"github.com/loomchat/loomchat/pkg/store"
	"github.com/loomchat/loomchat/pkg/utils"
)

type Server struct {
	ginEngine *gin.Engine
	logger    *slog.Logger
	cfg       *config.AppConfig
	states    *service.StreamingStateStore
	port      int
}

func NewServer(cfg *config.AppConfig) *Server {
	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())

	// CORS middleware: allow common localhost dev origins.
	// Note: if you don't need cookies/credentials, keep Allow-Credentials off.
	ginEngine.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// If there's no Origin header, it's not a browser CORS request.
		if origin != "" {
			allowed := strings.HasPrefix(origin, "http://localhost") ||
				strings.HasPrefix(origin, "http://127.0.0.1") ||
				strings.HasPrefix(origin, "https://localhost") ||
				strings.HasPrefix(origin, "https://127.0.0.1")

			if allowed {
				// Echo the Origin: more than one origin is allowed, so a
				// fixed Allow-Origin value would break the others.
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
				c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
				c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
			} else {
				// Reject unknown origins.
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	server := &Server{
		ginEngine: ginEngine,
		logger:    utils.GetLogger(),
		cfg:       cfg,
		port:      0,
	}

	server.SetupRoutes()

	return server
}

// Start binds the listener, serves until ctx is cancelled, then shuts the
// server down gracefully. It returns once the server has stopped.
func (s *Server) Start(ctx context.Context) error {
	// Read port from environment variable LOOMCHAT_PORT; fall back to the
	// configured port if unset or invalid.
	port := s.cfg.Port()
	if v := os.Getenv("LOOMCHAT_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 && p <= 65535 {
			port = p
		} else {
			s.logger.Warn("Invalid LOOMCHAT_PORT value, falling back to config", "value", v)
		}
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host(), port)
	srv := &http.Server{Addr: addr, Handler: s.ginEngine}

	// Attempt to listen on port first; if occupied return error immediately
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}

	// Record the actual port (useful if we ever switch to :0).
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	} else {
		s.port = port
	}

	s.logger.Info("HTTP server listening", "addr", ln.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()

	// Listen for context cancellation for graceful shutdown
	go func() {
		<-ctx.Done()
		if s.states != nil {
			s.states.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := <-errChan; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) SetupRoutes() {
	dsn, err := s.cfg.DatabaseDSN()
	if err != nil {
		s.logger.Error("Failed to resolve database DSN", "error", err)
		os.Exit(1)
	}

	gdb, err := db.Open(s.cfg.DatabaseDriver(), dsn)
	if err != nil {
		s.logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		s.logger.Error("Failed to migrate database", "error", err)
		os.Exit(1)
	}

	chatStore := store.New(gdb)

	provider := agent.NewEinoProvider(s.cfg, s.logger)
	s.logger.Info("Model provider configured",
		"provider", s.cfg.ModelProvider(),
		"model", s.cfg.ModelName(),
		"api_key", utils.MaskSensitiveString(s.cfg.ModelAPIKey()))

	idle := time.Duration(s.cfg.StreamIdleTimeoutSeconds()) * time.Second
	sweep := time.Duration(s.cfg.StreamSweepIntervalSeconds()) * time.Second
	states := service.NewStreamingStateStore(idle, sweep, s.logger)
	states.Start()
	s.states = states

	chatService := service.NewChatService(chatStore, provider, states)

	emitter := event.Global()
	chatHandler := handler.NewChatHandler(chatService, chatStore, emitter)

	// Redis is an acceleration layer. When it is down the server still
	// answers every request, just without the cache in front.
	if s.cfg.RedisEnabled() {
		rdb, err := cache.NewRedisClient(context.Background(), s.cfg.RedisAddr(), s.cfg.RedisPassword(), s.cfg.RedisDB())
		if err != nil {
			s.logger.Warn("Redis unavailable, continuing without cache", "addr", s.cfg.RedisAddr(), "error", err)
		} else {
			responseCache := cache.New(rdb, s.logger)
			archive := cache.NewStreamArchive(rdb, s.logger)
			chatService.SetCache(responseCache)
			chatService.SetStreamArchive(archive)
			chatHandler.SetCache(responseCache)
			chatHandler.SetStreamArchive(archive)
		}
	}

	wsHandler := event.NewWSHandler(emitter, s.logger)

	// API group
	// /api
	apiGroup := s.ginEngine.Group("/api")

	// Runtime info (for clients to discover correct base URLs)
	apiGroup.GET("/runtime", func(c *gin.Context) {
		host := s.cfg.Host()
		port := s.port
		if port == 0 {
			port = s.cfg.Port()
		}

		httpBase := fmt.Sprintf("http://%s:%d", host, port)
		wsBase := fmt.Sprintf("ws://%s:%d", host, port)
		c.JSON(http.StatusOK, models.RuntimeInfo{
			HTTPBaseURL: httpBase,
			WSBaseURL:   wsBase,
			Port:        port,
		})
	})

	// /api/v1
	v1 := apiGroup.Group("/v1")

	v1.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Chat, conversation and stream-inspection routes
	chatHandler.RegisterRoutes(v1)

	// Event notifications over WebSocket
	// /api/v1/events/ws?events=chat.chunk,chat.completed
	v1.GET("/events/ws", wsHandler.Handle)
}
