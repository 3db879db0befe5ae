package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	Port     string
	Env      string
	LogLevel string

	DatabaseURL string
	DBDebug     bool

	VaultKey string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Region    string
	S3UseSSL    bool

	GraphBaseURL   string
	OperatorAPIKey string
	CORSOrigins    []string

	IngestWorkers           int
	EnvelopeVisibility      time.Duration
	EnvelopeMaxAttempts     int
	ImmediateProcessTimeout time.Duration

	MediaWorkers       int
	MediaPerAccount    int
	MediaRatePerSecond float64
	MediaMaxAttempts   int

	SendTimeout time.Duration

	TemplateReconcileInterval time.Duration
	TemplateReconcileBatch    int

	NATSURL     string
	NATSSubject string
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found, using process environment")
	}

	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", "sqlite:./whatsapp.db"),
		DBDebug:     getEnvBool("DB_DEBUG", false),

		VaultKey: getEnv("VAULT_KEY", ""),

		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),
		S3Bucket:    getEnv("S3_BUCKET", ""),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3UseSSL:    getEnvBool("S3_USE_SSL", true),

		GraphBaseURL:   getEnv("GRAPH_BASE_URL", "https://graph.facebook.com/v19.0"),
		OperatorAPIKey: getEnv("OPERATOR_API_KEY", ""),
		CORSOrigins:    splitList(getEnv("CORS_ORIGINS", "http://localhost:5173")),

		IngestWorkers:           getEnvInt("INGEST_WORKERS", 4),
		EnvelopeVisibility:      getEnvDuration("ENVELOPE_VISIBILITY", 5*time.Minute),
		EnvelopeMaxAttempts:     getEnvInt("ENVELOPE_MAX_ATTEMPTS", 5),
		ImmediateProcessTimeout: getEnvDuration("IMMEDIATE_PROCESS_TIMEOUT", 3*time.Second),

		MediaWorkers:       getEnvInt("MEDIA_WORKERS", 2),
		MediaPerAccount:    getEnvInt("MEDIA_PER_ACCOUNT", 2),
		MediaRatePerSecond: getEnvFloat("MEDIA_RATE_PER_SECOND", 5),
		MediaMaxAttempts:   getEnvInt("MEDIA_MAX_ATTEMPTS", 5),

		SendTimeout: getEnvDuration("SEND_TIMEOUT", 15*time.Second),

		TemplateReconcileInterval: getEnvDuration("TEMPLATE_RECONCILE_INTERVAL", 5*time.Minute),
		TemplateReconcileBatch:    getEnvInt("TEMPLATE_RECONCILE_BATCH", 50),

		NATSURL:     getEnv("NATS_URL", ""),
		NATSSubject: getEnv("NATS_SUBJECT", "whatsapp.realtime"),
	}
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Validate reports configuration the process cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.S3Endpoint == "" || c.S3Bucket == "" || c.S3AccessKey == "" || c.S3SecretKey == "" {
		errs = append(errs, errors.New("S3_ENDPOINT, S3_BUCKET, S3_ACCESS_KEY and S3_SECRET_KEY are required"))
	}
	if c.IsProduction() && c.VaultKey == "" {
		errs = append(errs, errors.New("VAULT_KEY is required in production"))
	}
	if c.IsProduction() && c.OperatorAPIKey == "" {
		errs = append(errs, errors.New("OPERATOR_API_KEY is required in production"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Warnf("Invalid integer for %s=%q, using %d", key, value, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Warnf("Invalid number for %s=%q, using %v", key, value, fallback)
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		log.Warnf("Invalid boolean for %s=%q, using %v", key, value, fallback)
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Warnf("Invalid duration for %s=%q, using %s", key, value, fallback)
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
