package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL  string
	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	BucketName   string
	SslCertPath  string
	AIAPIKey     string
	EmbedModel   string
	EmbedDim     int
	GenModel     string
	Port         string

	SpeechAPIKey string
	TTSVoice     string

	JWTSecret           string
	StripeWebhookSecret string
	InternalToken       string
	AllowedOrigins      []string

	RelayPacing    time.Duration
	SystemPrompt   string
	MaxReplyTokens int32
	IndexWorkers   int

	LogFile  string
	LogLevel slog.Level
}

const defaultSystemPrompt = "You are a warm, concise voice assistant. Answer in plain spoken sentences without markdown."

// LoadConfig loads the environment variables and return config
func LoadConfig() *Config {

	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		AwsAccessKey: getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "us-east-2"),
		BucketName:   getEnv("BUCKET_NAME", ""),
		SslCertPath:  getEnv("SSL_CERT_PATH", ""),
		AIAPIKey:     getEnv("GEMINI_API_KEY", ""),
		EmbedModel:   getEnv("EMBED_MODEL", "text-embedding-004"),
		EmbedDim:     getEnvInt("EMBED_DIM", 768),
		GenModel:     getEnv("GEN_MODEL", "gemini-1.5-flash"),
		Port:         getEnv("PORT", "8080"),

		SpeechAPIKey: getEnv("GOOGLE_SPEECH_API_KEY", ""),
		TTSVoice:     getEnv("TTS_VOICE", "en-US-Neural2-F"),

		JWTSecret:           getEnv("JWT_SECRET", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		InternalToken:       getEnv("INTERNAL_TOKEN", ""),
		AllowedOrigins:      splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),

		RelayPacing:    getEnvDuration("RELAY_DELTA_PACING", 20*time.Millisecond),
		SystemPrompt:   getEnv("RELAY_SYSTEM_PROMPT", defaultSystemPrompt),
		MaxReplyTokens: int32(getEnvInt("MAX_REPLY_TOKENS", 1024)),
		IndexWorkers:   getEnvInt("INDEX_WORKERS", 2),

		LogFile:  getEnv("LOG_FILE", ""),
		LogLevel: ParseLogLevel(getEnv("LOG_LEVEL", "info")),
	}

	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store")
	}
	if cfg.JWTSecret == "" {
		slog.Warn("JWT_SECRET not set, protected routes will reject every request")
	}

	return cfg
}

// ParseLogLevel maps a level name to slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("env value is not an int, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("env value is not a duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
