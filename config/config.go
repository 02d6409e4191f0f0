package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/yoonsang0910/Memento-server/annotate"
)

// Inference providers
const (
	ProviderStatic = "static"
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Config holds all server configuration
type Config struct {
	Port             int
	Provider         string // "static", "gemini", or "openai"
	GeminiAPIKey     string
	GeminiModel      string
	OpenAIAPIKey     string
	OpenAIModel      string
	StaticResponse   string        // Reply of the static provider
	GatewayTimeout   time.Duration // Upper bound for one inference call
	MarkerRadius     int           // Radius of the point-of-interest marker in pixels
	AllowedOrigins   []string
	MaxMessageSize   int64 // Maximum inbound frame size in bytes
	RedisURL         string
	RedisPassword    string
	DebugImageOutput string // When set, annotated images are also written to this file
}

// Default returns the configuration used when no environment is set
func Default() *Config {
	return &Config{
		Port:           12345,
		Provider:       ProviderStatic,
		GeminiModel:    "gemini-2.5-flash",
		OpenAIModel:    "gpt-4o-mini",
		StaticResponse: "Hello world",
		GatewayTimeout: 30 * time.Second,
		MarkerRadius:   annotate.DefaultRadius,
		AllowedOrigins: []string{"*"},
		MaxMessageSize: 10 * 1024 * 1024, // 10MB, images arrive inline
	}
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := Default()

	// Optional: PORT
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		config.Port = p
	}

	// Optional: INFERENCE_PROVIDER ("static", "gemini", or "openai")
	if provider := os.Getenv("INFERENCE_PROVIDER"); provider != "" {
		switch provider {
		case ProviderStatic, ProviderGemini, ProviderOpenAI:
			config.Provider = provider
		default:
			return nil, fmt.Errorf("invalid INFERENCE_PROVIDER: must be 'static', 'gemini', or 'openai'")
		}
	}

	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	if config.Provider == ProviderGemini && config.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required for the gemini provider")
	}
	if model := os.Getenv("GEMINI_MODEL"); model != "" {
		config.GeminiModel = model
	}

	config.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	if config.Provider == ProviderOpenAI && config.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable is required for the openai provider")
	}
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		config.OpenAIModel = model
	}

	// Optional: STATIC_RESPONSE
	if reply := os.Getenv("STATIC_RESPONSE"); reply != "" {
		config.StaticResponse = reply
	}

	// Optional: GATEWAY_TIMEOUT (in seconds)
	if timeout := os.Getenv("GATEWAY_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid GATEWAY_TIMEOUT: %w", err)
		}
		if t <= 0 {
			return nil, fmt.Errorf("invalid GATEWAY_TIMEOUT: must be positive")
		}
		config.GatewayTimeout = time.Duration(t) * time.Second
	}

	// Optional: MARKER_RADIUS (in pixels)
	if radius := os.Getenv("MARKER_RADIUS"); radius != "" {
		r, err := strconv.Atoi(radius)
		if err != nil {
			return nil, fmt.Errorf("invalid MARKER_RADIUS: %w", err)
		}
		if r <= 0 || r > annotate.MaxRadius {
			return nil, fmt.Errorf("invalid MARKER_RADIUS: must be between 1 and %d", annotate.MaxRadius)
		}
		config.MarkerRadius = r
	}

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = strings.Split(origins, ",")
	}

	// Optional: MAX_MESSAGE_SIZE (in bytes)
	if size := os.Getenv("MAX_MESSAGE_SIZE"); size != "" {
		s, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_MESSAGE_SIZE: %w", err)
		}
		if s <= 0 {
			return nil, fmt.Errorf("invalid MAX_MESSAGE_SIZE: must be positive")
		}
		config.MaxMessageSize = s
	}

	// Optional: REDIS_URL, mirror of the active connection set
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.RedisURL = redisURL
	}

	// Optional: REDIS_PASSWORD
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		config.RedisPassword = redisPassword
	}

	// Optional: DEBUG_IMAGE_OUTPUT
	config.DebugImageOutput = os.Getenv("DEBUG_IMAGE_OUTPUT")

	return config, nil
}
