package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Provider names accepted in the chain lists.
const (
	ProviderOpenAI         = "openai"
	ProviderDeepgram       = "deepgram"
	ProviderGemini         = "gemini"
	ProviderCustomGPT      = "customgpt"
	ProviderEdge           = "edge"
	ProviderElevenLabs     = "elevenlabs"
	ProviderGTTS           = "gtts"
	ProviderStreamElements = "streamelements"
	ProviderGoogle         = "google"
)

// Capability names a provider chain.
type Capability string

// Chains.
const (
	STT        Capability = "stt"
	Completion Capability = "completion"
	TTS        Capability = "tts"
)

var known = map[Capability][]string{
	STT:        {ProviderOpenAI, ProviderDeepgram},
	Completion: {ProviderOpenAI, ProviderGemini, ProviderCustomGPT},
	TTS:        {ProviderOpenAI, ProviderEdge, ProviderElevenLabs, ProviderGTTS, ProviderStreamElements, ProviderGoogle},
}

// ErrNoCompletion is returned when no completion provider can run.
var ErrNoCompletion = errors.New("config: no usable completion provider")

// Config is the server configuration.
type Config struct {
	Addr      string
	LogLevel  string
	LogFormat string
	RateLimit int

	Language     string
	SystemPrompt string
	TurnTimeout  time.Duration

	// Chain order, first to last.
	STTProviders        []string
	CompletionProviders []string
	TTSProviders        []string

	OpenAIAPIKey    string
	OpenAIBaseURL   string
	CompletionModel string
	STTModel        string
	OpenAITTSModel  string
	OpenAITTSVoice  string

	DeepgramAPIKey string

	GeminiAPIKey string
	GeminiModel  string

	CustomGPTAPIKey    string
	CustomGPTProjectID string

	ElevenLabsAPIKey string
	ElevenLabsVoice  string
	EdgeVoice        string
	GoogleTTSVoice   string

	// RedisURL selects the Redis session store; empty keeps sessions in memory.
	RedisURL      string
	SessionTTL    time.Duration
	SweepInterval time.Duration

	// MinIO holds audio artifacts when MinIO.Endpoint is set; otherwise
	// they stay in memory and are served by the server.
	MinIO MinIO
}

// MinIO configures the S3-compatible artifact store.
type MinIO struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Secure    bool
	URLExpiry time.Duration
}

// FromEnv builds the configuration from environment variables.
func FromEnv() *Config {
	completion := []string{ProviderOpenAI}
	if Bool("USE_CUSTOMGPT", false) {
		completion = []string{ProviderCustomGPT, ProviderOpenAI}
	}

	// TTS_PROVIDER picks the first link; the free providers follow.
	tts := []string{ProviderOpenAI, ProviderEdge, ProviderElevenLabs, ProviderGTTS, ProviderStreamElements}
	if first := strings.ToLower(String("TTS_PROVIDER", "")); first != "" {
		tts = append([]string{first}, slices.DeleteFunc(tts, func(n string) bool { return n == first })...)
	}

	return &Config{
		Addr:      ":" + String("PORT", "8000"),
		LogLevel:  String("LOG_LEVEL", "info"),
		LogFormat: String("LOG_FORMAT", ""),
		RateLimit: Int("RATE_LIMIT", 120),

		Language:     String("LANGUAGE", "en"),
		SystemPrompt: String("SYSTEM_PROMPT", ""),
		TurnTimeout:  Duration("TURN_TIMEOUT", 15*time.Second),

		STTProviders:        List("STT_PROVIDERS", []string{ProviderOpenAI, ProviderDeepgram}),
		CompletionProviders: List("COMPLETION_PROVIDERS", completion),
		TTSProviders:        List("TTS_PROVIDERS", tts),

		OpenAIAPIKey:    String("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   String("OPENAI_BASE_URL", ""),
		CompletionModel: String("AI_COMPLETION_MODEL", "gpt-3.5-turbo"),
		STTModel:        String("STT_MODEL", ""),
		OpenAITTSModel:  String("OPENAI_TTS_MODEL", ""),
		OpenAITTSVoice:  String("OPENAI_TTS_VOICE", ""),

		DeepgramAPIKey: String("DEEPGRAM_API_KEY", ""),

		GeminiAPIKey: String("GEMINI_API_KEY", ""),
		GeminiModel:  String("GEMINI_MODEL", ""),

		CustomGPTAPIKey:    String("CUSTOMGPT_API_KEY", ""),
		CustomGPTProjectID: String("CUSTOMGPT_PROJECT_ID", ""),

		ElevenLabsAPIKey: String("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoice:  String("ELEVENLABS_VOICE", ""),
		EdgeVoice:        String("EDGETTS_VOICE", ""),
		GoogleTTSVoice:   String("GOOGLE_TTS_VOICE", ""),

		RedisURL:      String("REDIS_URL", ""),
		SessionTTL:    Duration("SESSION_TTL", 30*time.Minute),
		SweepInterval: Duration("SESSION_SWEEP_INTERVAL", time.Minute),

		MinIO: MinIO{
			Endpoint:  String("MINIO_ENDPOINT", ""),
			AccessKey: String("MINIO_ACCESS_KEY", ""),
			SecretKey: String("MINIO_SECRET_KEY", ""),
			Bucket:    String("MINIO_BUCKET", "talkback-audio"),
			Region:    String("MINIO_REGION", ""),
			Secure:    Bool("MINIO_SECURE", true),
			URLExpiry: Duration("MINIO_URL_EXPIRY", 15*time.Minute),
		},
	}
}

// Load reads .env files and then the environment, and validates the result.
func Load(files ...string) (*Config, error) {
	if err := LoadEnv(files...); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Providers returns the configured order for a chain.
func (c *Config) Providers(capability Capability) []string {
	switch capability {
	case STT:
		return c.STTProviders
	case Completion:
		return c.CompletionProviders
	case TTS:
		return c.TTSProviders
	}
	return nil
}

// Available returns the configured providers whose credentials are present,
// in chain order.
func (c *Config) Available(capability Capability) []string {
	var out []string
	for _, name := range c.Providers(capability) {
		if c.Missing(capability, name) == "" {
			out = append(out, name)
		}
	}
	return out
}

// Missing names the env var a provider still needs, or "" when it can run.
func (c *Config) Missing(capability Capability, name string) string {
	switch name {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return "OPENAI_API_KEY"
		}
	case ProviderDeepgram:
		if c.DeepgramAPIKey == "" {
			return "DEEPGRAM_API_KEY"
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return "GEMINI_API_KEY"
		}
	case ProviderCustomGPT:
		if c.CustomGPTAPIKey == "" {
			return "CUSTOMGPT_API_KEY"
		}
		if c.CustomGPTProjectID == "" {
			return "CUSTOMGPT_PROJECT_ID"
		}
	case ProviderElevenLabs:
		if c.ElevenLabsAPIKey == "" {
			return "ELEVENLABS_API_KEY"
		}
	}
	return ""
}

// Validate checks the configuration the server cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" || c.Addr == ":" {
		errs = append(errs, errors.New("config: listen address required"))
	}
	if c.TurnTimeout <= 0 {
		errs = append(errs, errors.New("config: TURN_TIMEOUT must be positive"))
	}

	for _, capability := range []Capability{STT, Completion, TTS} {
		for _, name := range c.Providers(capability) {
			if !slices.Contains(known[capability], name) {
				errs = append(errs, fmt.Errorf("config: unknown %s provider %q", capability, name))
			}
		}
	}

	if slices.Contains(c.CompletionProviders, ProviderCustomGPT) {
		if missing := c.Missing(Completion, ProviderCustomGPT); missing != "" {
			errs = append(errs, fmt.Errorf("config: customgpt requires %s", missing))
		}
	}
	if len(c.Available(Completion)) == 0 {
		errs = append(errs, ErrNoCompletion)
	}

	if c.MinIO.Endpoint != "" && c.MinIO.Bucket == "" {
		errs = append(errs, errors.New("config: MINIO_BUCKET required with MINIO_ENDPOINT"))
	}
	return errors.Join(errs...)
}
