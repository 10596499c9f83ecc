package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PostgresDSN  string
	KafkaBrokers []string
	KafkaTopic   string

	JWTSecret      string
	BFFSecret      string
	FrontendAPIKey string
	AdminAPIKey    string
	IPHashSalt     string

	AbuseIPDBKey string
	TrustedIPs   []string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

// Load reads configuration from the environment, consulting a local .env
// file when present. Secrets that gate request authentication have no
// defaults and are checked by Validate.
func Load() *Config {
	godotenv.Load()

	return &Config{
		ServerPort:    getEnv("SERVER_PORT", "8080"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		PostgresDSN:  getEnv("POSTGRES_DSN", ""),
		KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "security-events"),

		JWTSecret:      getEnv("JWT_SECRET", ""),
		BFFSecret:      getEnv("BFF_SECRET", ""),
		FrontendAPIKey: getEnv("FRONTEND_API_KEY", ""),
		AdminAPIKey:    getEnv("ADMIN_API_KEY", ""),
		IPHashSalt:     getEnv("IP_HASH_SALT", ""),

		AbuseIPDBKey: getEnv("ABUSEIPDB_API_KEY", ""),
		TrustedIPs:   splitList(getEnv("TRUSTED_IPS", "")),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnvInt("SMTP_PORT", 587),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:     getEnv("SMTP_FROM", "no-reply@localhost"),
	}
}

// Validate rejects configurations that would leave request authentication
// open. Optional integrations (Kafka, Postgres, AbuseIPDB, SMTP) may be
// empty; the engine degrades without them.
func (c *Config) Validate() error {
	missing := []string{}
	if c.BFFSecret == "" {
		missing = append(missing, "BFF_SECRET")
	}
	if c.FrontendAPIKey == "" {
		missing = append(missing, "FRONTEND_API_KEY")
	}
	if c.AdminAPIKey == "" {
		missing = append(missing, "ADMIN_API_KEY")
	}
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.IPHashSalt == "" {
		missing = append(missing, "IP_HASH_SALT")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
