package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr string
	Env  string

	DBDriver string
	DBDSN    string

	JWTSecret    string
	AnonEnabled  bool
	DemoTenantID string
	DemoUserID   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// turns per identity per minute; 0 disables the limiter
	TurnRateLimit int

	ChatContextWindowSize int
	ChatMaxMessageChars   int

	// AI provider
	AIProvider        string
	OllamaBaseURL     string
	OllamaModel       string
	OpenRouterBaseURL string
	OpenRouterAPIKey  string
	OpenRouterModel   string
	OpenRouterSiteURL string
	OpenRouterAppName string

	// rabbitMQ (bookkeeping retries); empty URL disables publishing
	RabbitURL         string
	RabbitQueue       string
	WorkerConcurrency int

	// NATS (domain events); empty URL disables publishing
	NatsURL string

	PricingFile         string
	PricingDefaultModel string

	LogFilePath  string
	OtelEnabled  bool
	OtelEndpoint string
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("config: .env file not found, using process environment")
	}

	// DSN demo：
	// app:apppass@tcp(127.0.0.1:3306)/tenant_chat?charset=utf8mb4&parseTime=true&loc=UTC
	driver := strings.ToLower(getEnv("DB_DRIVER", "mysql"))
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		switch driver {
		case "postgres":
			dsn = "host=127.0.0.1 user=app password=apppass dbname=tenant_chat port=5432 sslmode=disable"
		case "sqlite":
			dsn = "file:tenant_chat.db?_pragma=busy_timeout(5000)"
		default:
			dsn = "app:apppass@tcp(127.0.0.1:3306)/tenant_chat?charset=utf8mb4&parseTime=true&loc=UTC"
		}
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-secret-change-me"
	}

	windowSize := getEnvAsInt("CHAT_CONTEXT_WINDOW_SIZE", 20)
	maxChars := getEnvAsInt("CHAT_MAX_MESSAGE_CHARS", 32000)

	concurrency := getEnvAsInt("WORKER_CONCURRENCY", 2)
	if concurrency <= 0 {
		concurrency = 2
	}
	if concurrency > 50 {
		concurrency = 50
	}

	return Config{
		Addr: getEnv("APP_ADDR", ":8080"),
		Env:  getEnv("APP_ENV", "development"),

		DBDriver: driver,
		DBDSN:    dsn,

		JWTSecret:    secret,
		AnonEnabled:  getEnvAsBool("ANON_ENABLED", false),
		DemoTenantID: getEnv("DEMO_TENANT_ID", "demo"),
		DemoUserID:   getEnv("DEMO_USER_ID", "demo-user"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		TurnRateLimit: getEnvAsInt("TURN_RATE_LIMIT", 0),

		ChatContextWindowSize: windowSize,
		ChatMaxMessageChars:   maxChars,

		AIProvider:        getEnv("AI_PROVIDER", "ollama"),
		OllamaBaseURL:     getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaModel:       getEnv("OLLAMA_MODEL", "llama3:latest"),
		OpenRouterBaseURL: getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterAPIKey:  os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterModel:   getEnv("OPENROUTER_MODEL", "openrouter/auto"),
		OpenRouterSiteURL: os.Getenv("OPENROUTER_SITE_URL"),
		OpenRouterAppName: os.Getenv("OPENROUTER_APP_NAME"),

		RabbitURL:         os.Getenv("RABBIT_URL"),
		RabbitQueue:       getEnv("RABBIT_QUEUE", "chat_bookkeeping"),
		WorkerConcurrency: concurrency,

		NatsURL: os.Getenv("NATS_URL"),

		PricingFile:         os.Getenv("PRICING_FILE"),
		PricingDefaultModel: getEnv("PRICING_DEFAULT_MODEL", "default"),

		LogFilePath:  getEnv("LOG_FILE_PATH", "./logs/app.log"),
		OtelEnabled:  getEnvAsBool("OTEL_ENABLED", false),
		OtelEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
