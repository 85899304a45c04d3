// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the root service configuration.
type Config struct {
	Service       ServiceConfig
	STT           STTConfig
	Relay         RelayConfig
	Downstream    DownstreamConfig
	Kafka         KafkaConfig
	Redis         RedisConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Principal   string
	HTTPPort    string
	GRPCPort    string
	MetricsPort string
}

// STTConfig selects and parameterizes the transcription provider.
type STTConfig struct {
	Provider     string // assemblyai, deepgram, google, mock
	APIKey       string
	URL          string // endpoint override, mainly for tests and proxies
	SampleRateHz int
	Encoding     string
	LanguageCode string
	Model        string
	Endpointing  int // Deepgram endpointing in ms
	DialTimeout  time.Duration
}

// RelayConfig holds per-connection relay behavior.
type RelayConfig struct {
	SilenceWindow  time.Duration
	CloseGrace     time.Duration
	PollInterval   time.Duration
	FlushOnClose   bool
	SingleRole     string
	DualRoles      []string // index = channel
	DefaultIndex   string
	MaxFrameBytes  int64
	ClientWriteTTL time.Duration
}

type DownstreamConfig struct {
	RetrievalURL string
	Timeout      time.Duration
}

type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	Principal    string
}

type RedisConfig struct {
	Enabled       bool
	URL           string
	ChannelPrefix string
}

type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string
}

// Load reads the configuration. A .env file in the working directory is
// applied first when present; real environment variables win over it.
func Load() *Config {
	_ = godotenv.Load()

	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-speech-relay")
	provider := strings.ToLower(envOrDefault("STT_PROVIDER", "mock"))

	return &Config{
		Service: ServiceConfig{
			Principal:   principal,
			HTTPPort:    envOrDefault("HTTP_PORT", "8000"),
			GRPCPort:    envOrDefault("GRPC_PORT", "50051"),
			MetricsPort: envOrDefault("METRICS_PORT", "9090"),
		},
		STT: STTConfig{
			Provider:     provider,
			APIKey:       providerAPIKey(provider),
			URL:          os.Getenv("STT_URL"),
			SampleRateHz: envOrDefaultInt("STT_SAMPLE_RATE_HZ", 16000),
			Encoding:     envOrDefault("STT_AUDIO_ENCODING", "LINEAR16"),
			LanguageCode: envOrDefault("STT_LANGUAGE_CODE", "en-US"),
			Model:        envOrDefault("STT_MODEL", "nova-3"),
			Endpointing:  envOrDefaultInt("STT_ENDPOINTING_MS", 10),
			DialTimeout:  envOrDefaultDuration("STT_DIAL_TIMEOUT", 10*time.Second),
		},
		Relay: RelayConfig{
			SilenceWindow:  envOrDefaultDuration("RELAY_SILENCE_WINDOW", 2*time.Second),
			CloseGrace:     envOrDefaultDuration("RELAY_CLOSE_GRACE", 500*time.Millisecond),
			PollInterval:   envOrDefaultDuration("RELAY_POLL_INTERVAL", time.Second),
			FlushOnClose:   envOrDefaultBool("RELAY_FLUSH_ON_CLOSE", true),
			SingleRole:     envOrDefault("RELAY_SINGLE_ROLE", "primary"),
			DualRoles:      envOrDefaultList("RELAY_DUAL_ROLES", []string{"primary", "secondary"}),
			DefaultIndex:   os.Getenv("RELAY_DEFAULT_INDEX"),
			MaxFrameBytes:  int64(envOrDefaultInt("RELAY_MAX_FRAME_BYTES", 1<<20)),
			ClientWriteTTL: envOrDefaultDuration("RELAY_CLIENT_WRITE_TIMEOUT", 5*time.Second),
		},
		Downstream: DownstreamConfig{
			RetrievalURL: os.Getenv("DOWNSTREAM_RETRIEVAL_URL"),
			Timeout:      envOrDefaultDuration("DOWNSTREAM_TIMEOUT", 30*time.Second),
		},
		Kafka: KafkaConfig{
			Enabled:      envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:      envOrDefaultList("KAFKA_BROKERS", nil),
			TopicPartial: envOrDefault("KAFKA_TOPIC_PARTIAL", "relay.transcript.partial"),
			TopicFinal:   envOrDefault("KAFKA_TOPIC_FINAL", "relay.turn.finalized"),
			Principal:    envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Redis: RedisConfig{
			Enabled:       envOrDefaultBool("REDIS_ENABLED", false),
			URL:           envOrDefault("REDIS_URL", "redis://localhost:6379/0"),
			ChannelPrefix: envOrDefault("REDIS_CHANNEL_PREFIX", "relay:turns"),
		},
		Observability: ObservabilityConfig{
			LogLevel:  envOrDefault("LOG_LEVEL", "info"),
			LogFormat: envOrDefault("LOG_FORMAT", "json"),
		},
	}
}

func providerAPIKey(provider string) string {
	if v := os.Getenv("STT_API_KEY"); v != "" {
		return v
	}
	switch provider {
	case "assemblyai":
		return os.Getenv("ASSEMBLYAI_API_KEY")
	case "deepgram":
		return os.Getenv("DEEPGRAM_API_KEY")
	}
	return ""
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrDefaultBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
