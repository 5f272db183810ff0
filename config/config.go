package config

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/chaodonghu/outfit-generator/fallback"
	"github.com/chaodonghu/outfit-generator/image"
	"github.com/chaodonghu/outfit-generator/monitoring"
	"github.com/chaodonghu/outfit-generator/rate"
	"github.com/chaodonghu/outfit-generator/retry"
	"github.com/chaodonghu/outfit-generator/utils/env"
)

const (
	ProviderStudio   = "studio"
	ProviderOpenAI   = "openai"
	ProviderDescribe = "describe"
)

type ProviderConfig struct {
	// One of "studio", "openai" or "describe".
	// "studio" composes all images in one Gemini call. "openai" and
	// "describe" describe each input first, then render from text.
	Kind string `yaml:"kind"`

	// Image model. E.g., gemini-2.5-flash-image-preview or dall-e-3
	Model string `yaml:"model"`

	// Vision model for the describe phase.
	DescribeModel string `yaml:"describe_model"`

	// Vision backend for "describe": "claude" or "openai".
	Describer string `yaml:"describer"`

	// Overrides the backend URL. Mostly for proxies and tests.
	BaseURL string `yaml:"base_url"`

	// Deadline of a single backend call. E.g., 90s
	Timeout time.Duration `yaml:"timeout"`

	// E.g., 1024x1024
	ImageSize string `yaml:"image_size"`

	// Concurrent describe calls per request.
	Concurrency int `yaml:"concurrency"`
}

type StoreConfig struct {
	// Valkey (open-source version of Redis) endpoint for the durable cache
	// tier. Empty keeps durable data in process memory. E.g., localhost:6379
	ValkeyEndpoint string `yaml:"valkey_endpoint"`

	// Prefix of every durable key. E.g., "outfit:"
	KeyPrefix string `yaml:"key_prefix"`

	// Expiry of durable records. Zero keeps them forever.
	RecordTTL time.Duration `yaml:"record_ttl"`

	// Directory generated images are written to.
	BlobDir string `yaml:"blob_dir"`

	// Base URL the blob directory is served from. Empty returns file:// refs.
	PublicURL string `yaml:"public_url"`
}

type Config struct {
	// Port to listen for incoming requests.
	Port int `yaml:"port"`

	// Origins allowed by CORS. E.g., ["https://closet.example.com"]
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Static API key clients send as a bearer token. Empty disables the check
	// unless JWTSecret is set.
	ApiKey string `yaml:"-"`

	// HMAC secret for bearer JWTs issued by the account service.
	JWTSecret string `yaml:"-"`

	GenaiStudioApiKey string `yaml:"-"`
	OpenAiApiKey      string `yaml:"-"`
	ClaudeApiKey      string `yaml:"-"`

	Provider   ProviderConfig             `yaml:"provider"`
	RateLimit  rate.Config                `yaml:"rate_limit"`
	Retry      retry.Policy               `yaml:"retry"`
	Preprocess image.PreprocessConfig     `yaml:"preprocess"`
	Fallback   fallback.Config            `yaml:"fallback"`
	Store      StoreConfig                `yaml:"store"`
	Metrics    monitoring.MetricsConfig   `yaml:"metrics"`
	Telemetry  monitoring.TelemetryConfig `yaml:"telemetry"`
}

func Default() Config {
	return Config{
		Port:           8080,
		AllowedOrigins: []string{"*"},
		Provider: ProviderConfig{
			Kind:        ProviderStudio,
			Timeout:     90 * time.Second,
			Describer:   "claude",
			Concurrency: 3,
		},
		RateLimit:  rate.DefaultConfig(),
		Retry:      retry.DefaultPolicy(),
		Preprocess: image.DefaultPreprocessConfig(),
		Fallback:   fallback.DefaultConfig(),
		Store: StoreConfig{
			KeyPrefix: "outfit:",
			BlobDir:   "data/blobs",
		},
		Metrics: monitoring.MetricsConfig{Enabled: true, Namespace: "outfit"},
		Telemetry: monitoring.TelemetryConfig{
			ServiceName: "outfit-generator",
			SampleRatio: 1,
		},
	}
}

// LoadConfig reads defaults, then the YAML file, then environment variables.
// Each layer overrides the previous one. A missing local file is not an
// error; the defaults and environment still apply.
func LoadConfig(fs afero.Fs, path string, logger *zap.SugaredLogger) (*Config, error) {
	config := Default()

	// Checks if config is specified via environment variable.
	configSource := env.OptionalStringVariable("CONFIG_SOURCE", path)
	configToken := env.OptionalStringVariable("CONFIG_TOKEN", "")

	configData, err := func() ([]byte, error) {
		if strings.HasPrefix(configSource, "http://") || strings.HasPrefix(configSource, "https://") {
			logger.Infow("Fetching remote config", "url", configSource)
			return fetchRemoteConfig(configSource, configToken)
		}
		exists, err := afero.Exists(fs, configSource)
		if err != nil || !exists {
			logger.Infow("No config file, using defaults", "path", configSource)
			return nil, err
		}
		logger.Infow("Loading local config", "path", configSource)
		return afero.ReadFile(fs, configSource)
	}()
	if err != nil {
		return nil, fmt.Errorf("failed to get config data: %v", err)
	}

	if len(configData) > 0 {
		if err := yaml.Unmarshal(configData, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %v", err)
		}
	}

	applyEnv(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Values from the environment take precedence over the YAML file.
func applyEnv(config *Config) {
	config.Port = env.OptionalIntVariable("PORT", config.Port)
	config.AllowedOrigins = env.OptionalListVariable("ALLOWED_ORIGINS", config.AllowedOrigins)
	config.ApiKey = env.OptionalStringVariable("OUTFIT_API_KEY", config.ApiKey)
	config.JWTSecret = env.OptionalStringVariable("OUTFIT_JWT_SECRET", config.JWTSecret)

	config.GenaiStudioApiKey = env.OptionalStringVariable("GENAI_STUDIO_API_KEY", config.GenaiStudioApiKey)
	config.OpenAiApiKey = env.OptionalStringVariable("OPENAI_API_KEY", config.OpenAiApiKey)
	config.ClaudeApiKey = env.OptionalStringVariable("CLAUDE_API_KEY", config.ClaudeApiKey)

	config.Provider.Kind = env.OptionalStringVariable("PROVIDER", config.Provider.Kind)
	config.Provider.Model = env.OptionalStringVariable("PROVIDER_MODEL", config.Provider.Model)
	config.Provider.Timeout = env.OptionalDurationVariable("PROVIDER_TIMEOUT", config.Provider.Timeout)

	config.RateLimit.Cooldown = env.OptionalDurationVariable("RATE_LIMIT_COOLDOWN", config.RateLimit.Cooldown)
	config.RateLimit.Window = env.OptionalDurationVariable("RATE_LIMIT_WINDOW", config.RateLimit.Window)
	config.RateLimit.MaxCalls = env.OptionalIntVariable("RATE_LIMIT_MAX_CALLS", config.RateLimit.MaxCalls)

	config.Store.ValkeyEndpoint = env.OptionalStringVariable("VALKEY_ENDPOINT", config.Store.ValkeyEndpoint)
	config.Store.BlobDir = env.OptionalStringVariable("BLOB_DIR", config.Store.BlobDir)
	config.Store.PublicURL = env.OptionalStringVariable("BLOB_PUBLIC_URL", config.Store.PublicURL)

	config.Metrics.Enabled = env.OptionalBoolVariable("METRICS_ENABLED", config.Metrics.Enabled)
	config.Telemetry.TraceEndpoint = env.OptionalStringVariable("OTEL_TRACE_ENDPOINT", config.Telemetry.TraceEndpoint)
	config.Telemetry.MetricEndpoint = env.OptionalStringVariable("OTEL_METRIC_ENDPOINT", config.Telemetry.MetricEndpoint)
	config.Telemetry.Environment = env.OptionalStringVariable("ENVIRONMENT", config.Telemetry.Environment)
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	switch c.Provider.Kind {
	case ProviderStudio:
		if c.GenaiStudioApiKey == "" {
			return fmt.Errorf("GENAI_STUDIO_API_KEY is required for the %s provider", c.Provider.Kind)
		}
	case ProviderOpenAI:
		if c.OpenAiApiKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for the %s provider", c.Provider.Kind)
		}
	case ProviderDescribe:
		if c.OpenAiApiKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required to render images for the %s provider", c.Provider.Kind)
		}
		switch c.Provider.Describer {
		case "claude":
			if c.ClaudeApiKey == "" {
				return fmt.Errorf("CLAUDE_API_KEY is required for the claude describer")
			}
		case "openai":
		default:
			return fmt.Errorf("unknown describer: %q", c.Provider.Describer)
		}
	default:
		return fmt.Errorf("unknown provider: %q", c.Provider.Kind)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit: %v", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("invalid retry policy: %v", err)
	}
	return nil
}

func fetchRemoteConfig(url string, token string) ([]byte, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch config: HTTP %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
