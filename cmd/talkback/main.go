// talkback: real-time voice assistant server
// Runs speech-to-text, completion and text-to-speech behind fallback
// chains and drives avatar renderers over a state websocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teslashibe/go-talkback/internal/config"
	logpkg "github.com/teslashibe/go-talkback/internal/log"
	"github.com/teslashibe/go-talkback/pkg/artifact"
	"github.com/teslashibe/go-talkback/pkg/session"
	"github.com/teslashibe/go-talkback/pkg/voice"
	"github.com/teslashibe/go-talkback/pkg/web"
)

var (
	version = "1.0.0"
	envFile = flag.String("env", ".env", "Path to a .env file")
	debug   = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "talkback:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*envFile)
	if err != nil {
		return err
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	logpkg.Init(cfg.LogLevel, cfg.LogFormat)
	logger := logpkg.L()
	logger.Info("starting talkback", "version", version, "addr", cfg.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chains, err := buildChains(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer chains.close()

	// Session store
	sessionOpts := session.Options{TTL: cfg.SessionTTL}
	var (
		sessions session.Store
		memory   *session.Memory
	)
	if cfg.RedisURL != "" {
		r, err := session.DialRedis(ctx, cfg.RedisURL, sessionOpts, logger)
		if err != nil {
			return err
		}
		defer r.Close()
		sessions = r
		logger.Info("sessions in redis")
	} else {
		memory = session.NewMemory(sessionOpts, logger)
		sessions = memory
	}

	// Audio artifacts
	var artifacts artifact.Store
	if cfg.MinIO.Endpoint != "" {
		m, err := artifact.NewMinIO(ctx, artifact.MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			Region:    cfg.MinIO.Region,
			Secure:    cfg.MinIO.Secure,
			URLExpiry: cfg.MinIO.URLExpiry,
		})
		if err != nil {
			return err
		}
		artifacts = m
		logger.Info("audio in object storage", "endpoint", cfg.MinIO.Endpoint, "bucket", cfg.MinIO.Bucket)
	} else {
		artifacts = artifact.NewMemory("/api/audio")
	}

	// Renderer hub and diagnostics
	h := web.NewHub(logger)
	go h.Run(ctx)
	diagnostics := web.NewDiagnostics(web.DefaultConfig().DiagnosticsSize)

	vcfg := voice.DefaultConfig().
		WithTurnTimeout(cfg.TurnTimeout).
		WithLanguage(cfg.Language).
		WithSystemPrompt(cfg.SystemPrompt)
	orch, err := voice.New(vcfg, voice.Deps{
		STT:         chains.stt,
		Completion:  chains.completion,
		TTS:         chains.tts,
		Sessions:    sessions,
		Artifacts:   artifacts,
		Sink:        web.NewHubSink(h),
		Diagnostics: voice.MultiDiagnostics{voice.LogDiagnostics{Logger: logger}, diagnostics},
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	go sweep(ctx, cfg.SweepInterval, cfg.SessionTTL, memory, orch, chains)

	wcfg := web.DefaultConfig()
	wcfg.Addr = cfg.Addr
	wcfg.RateLimit = cfg.RateLimit
	wcfg.AccessLog = *debug
	srv, err := web.NewServer(wcfg, web.Deps{
		Orchestrator: orch,
		TTS:          chains.tts,
		Artifacts:    artifacts,
		Hub:          h,
		Diagnostics:  diagnostics,
		Capabilities: chains.capabilities(),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()
	logger.Info("ready",
		"inference", fmt.Sprintf("http://localhost%s/api/inference", cfg.Addr),
		"state", fmt.Sprintf("ws://localhost%s/ws/state", cfg.Addr),
	)

	// Wait for shutdown signal
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	<-h.Done()
	return nil
}

// sweep drops idle session state on every interval. The memory store
// evicts its own sessions; Redis expires keys by TTL, so for both backends
// the orchestrator and providers expire their in-process state by age.
func sweep(ctx context.Context, interval, idle time.Duration, memory *session.Memory, orch *voice.Orchestrator, c *chains) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if memory != nil {
				for _, id := range memory.Sweep(0) {
					orch.Forget(id)
					c.forget(id)
				}
			}
			for _, id := range orch.Expire(idle) {
				c.forget(id)
			}
			c.expire(idle)
		}
	}
}
