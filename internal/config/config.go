package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultGatewayTimeout = 60 * time.Second

type Config struct {
	DSN      string
	HTTPPort string
	Username string
	Password string

	LogDir   string
	LogLevel string

	MythBaseURL    string
	MythToken      string
	MythTimeout    time.Duration
	SkidataBaseURL string
	SkidataToken   string
	SkidataTimeout time.Duration

	KafkaBrokers []string
	KafkaGroupID string
	KafkaTopic   string
}

func LoadConfig() *Config {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	return &Config{
		DSN:            getEnv("APP_DSN", "host=localhost user=postgres password=postgres dbname=passkeeper sslmode=disable"),
		HTTPPort:       getEnv("APP_PORT", "9000"),
		Username:       getEnv("APP_USER", "admin"),
		Password:       getEnv("APP_PASS", "secret"),
		LogDir:         getEnv("LOG_DIR", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		MythBaseURL:    getEnv("MYTH_BASE_URL", "http://localhost:8081"),
		MythToken:      getEnv("MYTH_TOKEN", ""),
		MythTimeout:    getDuration("MYTH_TIMEOUT", defaultGatewayTimeout),
		SkidataBaseURL: getEnv("SKIDATA_BASE_URL", "http://localhost:8082"),
		SkidataToken:   getEnv("SKIDATA_TOKEN", ""),
		SkidataTimeout: getDuration("SKIDATA_TIMEOUT", defaultGatewayTimeout),
		KafkaBrokers:   splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaGroupID:   getEnv("KAFKA_GROUP_ID", "ledger-tail"),
		KafkaTopic:     getEnv("KAFKA_TOPIC", "device-history"),
	}
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultVal
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return defaultVal
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

func (c *Config) Addr() string {
	return fmt.Sprintf(":%s", c.HTTPPort)
}

// KafkaEnabled reports whether ledger events are fanned out to Kafka.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}
