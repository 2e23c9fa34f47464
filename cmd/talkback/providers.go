package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/go-talkback/internal/config"
	"github.com/teslashibe/go-talkback/pkg/fallback"
	"github.com/teslashibe/go-talkback/pkg/inference"
	"github.com/teslashibe/go-talkback/pkg/stt"
	"github.com/teslashibe/go-talkback/pkg/tts"
	"github.com/teslashibe/go-talkback/pkg/web"
)

// chains holds the provider chains built from configuration.
type chains struct {
	stt        *stt.Chain
	completion *inference.Chain
	tts        *tts.Chain

	completionProviders []inference.Provider
	ttsProviders        []tts.Provider
	customGPT           *inference.CustomGPT
}

// buildChains constructs every available provider in configured order.
// Providers that fail to construct are skipped; only completion is required.
func buildChains(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*chains, error) {
	c := &chains{}
	opts := []fallback.Option{fallback.WithLogger(logger)}
	skip := func(capability config.Capability, name string, err error) {
		logger.Warn("provider skipped", "capability", capability, "provider", name, "error", err)
	}

	var sttProviders []stt.Provider
	for _, name := range cfg.Available(config.STT) {
		p, err := newSTT(cfg, name, logger)
		if err != nil {
			skip(config.STT, name, err)
			continue
		}
		sttProviders = append(sttProviders, p)
	}
	if len(sttProviders) > 0 {
		chain, err := stt.NewChain(stt.DefaultPolicy(), sttProviders, opts...)
		if err != nil {
			return nil, err
		}
		c.stt = chain
	} else {
		logger.Warn("no speech-to-text provider, /api/inference disabled")
	}

	for _, name := range cfg.Available(config.Completion) {
		p, err := newCompletion(ctx, cfg, name, logger)
		if err != nil {
			skip(config.Completion, name, err)
			continue
		}
		if cg, ok := p.(*inference.CustomGPT); ok {
			c.customGPT = cg
		}
		c.completionProviders = append(c.completionProviders, p)
	}
	if len(c.completionProviders) == 0 {
		return nil, config.ErrNoCompletion
	}
	completion, err := inference.NewChain(inference.DefaultPolicy(), c.completionProviders, opts...)
	if err != nil {
		return nil, err
	}
	c.completion = completion

	for _, name := range cfg.Available(config.TTS) {
		p, err := newTTS(ctx, cfg, name, logger)
		if err != nil {
			skip(config.TTS, name, err)
			continue
		}
		c.ttsProviders = append(c.ttsProviders, p)
	}
	if len(c.ttsProviders) > 0 {
		chain, err := tts.NewChain(tts.DefaultPolicy(), c.ttsProviders, opts...)
		if err != nil {
			return nil, err
		}
		c.tts = chain
	} else {
		logger.Warn("no text-to-speech provider, every turn is text-only")
	}

	logger.Info("provider chains", "capabilities", c.capabilities())
	return c, nil
}

func newSTT(cfg *config.Config, name string, logger *slog.Logger) (stt.Provider, error) {
	opts := []stt.Option{stt.WithLanguage(cfg.Language), stt.WithLogger(logger)}
	switch name {
	case config.ProviderOpenAI:
		opts = append(opts, stt.WithAPIKey(cfg.OpenAIAPIKey))
		if cfg.STTModel != "" {
			opts = append(opts, stt.WithModel(cfg.STTModel))
		}
		return stt.NewOpenAI(opts...)
	case config.ProviderDeepgram:
		return stt.NewDeepgram(append(opts, stt.WithAPIKey(cfg.DeepgramAPIKey))...)
	}
	return nil, fmt.Errorf("unknown stt provider %q", name)
}

func newCompletion(ctx context.Context, cfg *config.Config, name string, logger *slog.Logger) (inference.Provider, error) {
	opts := []inference.Option{inference.WithLanguage(cfg.Language), inference.WithLogger(logger)}
	switch name {
	case config.ProviderOpenAI:
		opts = append(opts, inference.WithAPIKey(cfg.OpenAIAPIKey), inference.WithModel(cfg.CompletionModel))
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, inference.WithBaseURL(cfg.OpenAIBaseURL))
		}
		return inference.NewClient(opts...)
	case config.ProviderGemini:
		opts = append(opts, inference.WithAPIKey(cfg.GeminiAPIKey))
		if cfg.GeminiModel != "" {
			opts = append(opts, inference.WithModel(cfg.GeminiModel))
		}
		return inference.NewGemini(ctx, opts...)
	case config.ProviderCustomGPT:
		return inference.NewCustomGPT(append(opts,
			inference.WithAPIKey(cfg.CustomGPTAPIKey),
			inference.WithProjectID(cfg.CustomGPTProjectID),
		)...)
	}
	return nil, fmt.Errorf("unknown completion provider %q", name)
}

func newTTS(ctx context.Context, cfg *config.Config, name string, logger *slog.Logger) (tts.Provider, error) {
	opts := []tts.Option{tts.WithLanguage(cfg.Language), tts.WithLogger(logger)}
	voice := func(v string) {
		if v != "" {
			opts = append(opts, tts.WithVoice(v))
		}
	}
	switch name {
	case config.ProviderOpenAI:
		opts = append(opts, tts.WithAPIKey(cfg.OpenAIAPIKey))
		if cfg.OpenAITTSModel != "" {
			opts = append(opts, tts.WithModel(cfg.OpenAITTSModel))
		}
		voice(cfg.OpenAITTSVoice)
		return tts.NewOpenAI(opts...)
	case config.ProviderEdge:
		voice(cfg.EdgeVoice)
		return tts.NewEdge(opts...)
	case config.ProviderElevenLabs:
		opts = append(opts, tts.WithAPIKey(cfg.ElevenLabsAPIKey))
		voice(cfg.ElevenLabsVoice)
		return tts.NewElevenLabs(opts...)
	case config.ProviderGTTS:
		return tts.NewGTTS(opts...)
	case config.ProviderStreamElements:
		return tts.NewStreamElements(opts...)
	case config.ProviderGoogle:
		voice(cfg.GoogleTTSVoice)
		return tts.NewGoogle(ctx, opts...)
	}
	return nil, fmt.Errorf("unknown tts provider %q", name)
}

func (c *chains) capabilities() web.Capabilities {
	caps := web.Capabilities{Completion: c.completion.Names()}
	if c.stt != nil {
		caps.STT = c.stt.Names()
	}
	if c.tts != nil {
		caps.TTS = c.tts.Names()
	}
	return caps
}

// forget drops per-session provider state for an evicted session.
func (c *chains) forget(sessionID string) {
	if c.customGPT != nil {
		c.customGPT.Forget(sessionID)
	}
}

// expire drops provider state unused for longer than idle.
func (c *chains) expire(idle time.Duration) {
	if c.customGPT != nil {
		c.customGPT.Expire(idle)
	}
}

func (c *chains) close() {
	var errs []error
	for _, p := range c.completionProviders {
		errs = append(errs, p.Close())
	}
	for _, p := range c.ttsProviders {
		errs = append(errs, p.Close())
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("closing providers", "error", err)
	}
}
