// Package web is the HTTP surface of the voice pipeline: the inference
// endpoint with its continuation headers, session controls, audio
// artifacts, diagnostics and the avatar state websocket.
package web

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-talkback/pkg/artifact"
	"github.com/teslashibe/go-talkback/pkg/hub"
	"github.com/teslashibe/go-talkback/pkg/tts"
	"github.com/teslashibe/go-talkback/pkg/voice"
)

// Config configures the server.
type Config struct {
	// Addr is the listen address, e.g. ":8000".
	Addr string

	// BodyLimit caps request bodies, which bounds uploaded audio.
	BodyLimit int

	// RateLimit is the number of API requests allowed per client per
	// minute. Zero disables the limiter.
	RateLimit int

	// AccessLog enables per-request logging.
	AccessLog bool

	// DiagnosticsSize is how many turn audits GET /api/diagnostics keeps.
	DiagnosticsSize int
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8000",
		BodyLimit:       25 * 1024 * 1024,
		RateLimit:       120,
		AccessLog:       true,
		DiagnosticsSize: 500,
	}
}

// Deps are the collaborators of a Server.
type Deps struct {
	// Orchestrator runs turns. Required.
	Orchestrator *voice.Orchestrator

	// TTS serves POST /api/tts. Optional.
	TTS *tts.Chain

	// Artifacts serves GET /api/audio/:key. Optional.
	Artifacts artifact.Store

	// Hub carries renderer traffic. Required. The server installs its
	// message handler.
	Hub *hub.Hub

	// Diagnostics is the ring buffer behind GET /api/diagnostics.
	Diagnostics *Diagnostics

	// Capabilities is returned from GET /api/capabilities.
	Capabilities Capabilities

	Logger *slog.Logger
}

// Capabilities describes the configured provider chains.
type Capabilities struct {
	STT        []string `json:"stt"`
	Completion []string `json:"completion"`
	TTS        []string `json:"tts"`
}

// Server is the HTTP server.
type Server struct {
	cfg    Config
	app    *fiber.App
	logger *slog.Logger

	orch         *voice.Orchestrator
	tts          *tts.Chain
	artifacts    artifact.Store
	hub          *hub.Hub
	sink         *HubSink
	diagnostics  *Diagnostics
	capabilities Capabilities

	// turns is the parent of every turn context; Shutdown cancels it.
	turns     context.Context
	stopTurns context.CancelFunc
}

// NewServer creates the server and registers its routes.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Orchestrator == nil {
		return nil, errors.New("web: orchestrator required")
	}
	if deps.Hub == nil {
		return nil, errors.New("web: hub required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Diagnostics == nil {
		deps.Diagnostics = NewDiagnostics(cfg.DiagnosticsSize)
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = DefaultConfig().BodyLimit
	}

	s := &Server{
		cfg:          cfg,
		logger:       deps.Logger.With("component", "web.server"),
		orch:         deps.Orchestrator,
		tts:          deps.TTS,
		artifacts:    deps.Artifacts,
		hub:          deps.Hub,
		sink:         NewHubSink(deps.Hub),
		diagnostics:  deps.Diagnostics,
		capabilities: deps.Capabilities,
	}
	s.turns, s.stopTurns = context.WithCancel(context.Background())
	deps.Hub.SetHandler(s.handleRendererMessage)

	app := fiber.New(fiber.Config{
		AppName:               "talkback",
		DisableStartupMessage: true,
		BodyLimit:             cfg.BodyLimit,
		ErrorHandler:          s.handleError,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		ExposeHeaders: strings.Join(exposedHeaders, ","),
	}))
	if cfg.AccessLog {
		app.Use(logger.New(logger.Config{
			Format: "${status} ${method} ${path} ${latency}\n",
			Output: logWriter{s.logger},
		}))
	}

	app.Get("/health", s.handleHealth)

	// API routes
	api := app.Group("/api")
	if cfg.RateLimit > 0 {
		api.Use(limiter.New(limiter.Config{
			Max:        cfg.RateLimit,
			Expiration: time.Minute,
			Next: func(c *fiber.Ctx) bool {
				// Renderers fetch audio on every turn.
				return strings.HasPrefix(c.Path(), "/api/audio/")
			},
		}))
	}
	api.Post("/inference", s.handleInference)
	api.Post("/chat", s.handleChat)
	api.Post("/tts", s.handleTTS)
	api.Post("/sessions/:id/listening", s.handleListening)
	api.Post("/sessions/:id/cancel", s.handleCancel)
	api.Post("/sessions/:id/playback/:turn", s.handlePlaybackDone)
	api.Delete("/sessions/:id", s.handleReset)
	api.Get("/audio/:key", s.handleAudio)
	api.Get("/diagnostics", s.handleDiagnostics)
	api.Get("/capabilities", s.handleCapabilities)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// WebSocket routes
	app.Get("/ws/state", websocket.New(s.handleStateWS))

	s.app = app
	return s, nil
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Sink returns the avatar state sink backed by the server's hub.
func (s *Server) Sink() *HubSink {
	return s.sink
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.cfg.Addr)
	return s.app.Listen(s.cfg.Addr)
}

// StartAsync starts the server in a goroutine.
func (s *Server) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Error("server stopped", "error", err)
		}
	}()
}

// Shutdown cancels in-flight turns and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopTurns()
	return s.app.ShutdownWithContext(ctx)
}

// turnContext returns the context for a pipeline call made by a request.
// fasthttp does not report client disconnects, so a turn whose client has
// gone runs until the turn cap; server shutdown ends it at once.
func (s *Server) turnContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(c.UserContext())
	stop := context.AfterFunc(s.turns, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// handleError renders fiber errors as JSON.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

// logWriter adapts the access log to slog.
type logWriter struct {
	logger *slog.Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	w.logger.Debug(strings.TrimSpace(string(p)))
	return len(p), nil
}
