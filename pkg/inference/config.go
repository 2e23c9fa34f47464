package inference

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/teslashibe/go-talkback/internal/httpc"
)

// Config holds provider configuration.
type Config struct {
	// Connection
	BaseURL string // API base URL
	APIKey  string // API key (optional for local providers)

	// ProjectID selects the CustomGPT agent.
	ProjectID string

	// Model is the default chat model.
	Model string

	// Language is the ISO-639-1 response language.
	Language string

	// Request defaults
	MaxTokens   int
	Temperature float64

	// Timeout bounds non-streaming requests. Streams are bounded by the
	// caller's context only.
	Timeout time.Duration

	HTTPClient *http.Client

	// Observability
	Logger *slog.Logger
}

// Option is a functional option for configuring providers.
type Option func(*Config)

// WithBaseURL sets the API base URL.
// Examples: "https://api.openai.com/v1", "http://localhost:11434/v1"
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithProjectID sets the CustomGPT project.
func WithProjectID(id string) Option {
	return func(c *Config) { c.ProjectID = id }
}

// WithModel sets the default chat model.
func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// WithLanguage sets the response language.
func WithLanguage(lang string) Option {
	return func(c *Config) { c.Language = lang }
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) Option {
	return func(c *Config) { c.MaxTokens = n }
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) Option {
	return func(c *Config) { c.Temperature = t }
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Config) { c.HTTPClient = hc }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// DefaultConfig returns sensible defaults for OpenAI.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:     "https://api.openai.com/v1",
		Model:       "gpt-3.5-turbo",
		Language:    "en",
		MaxTokens:   150,
		Temperature: 0.7,
		Timeout:     30 * time.Second,
		Logger:      slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	// API key is optional for local providers like Ollama
	return nil
}

// streamClient has no overall timeout; the caller's context bounds streams.
func (c *Config) streamClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return httpc.NewClient(0)
}

func (c *Config) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return httpc.NewClient(c.Timeout)
}
