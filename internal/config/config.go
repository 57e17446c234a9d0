package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port               string
	Env                string
	LogLevel           string
	CORSAllowedOrigins []string

	// Session store and pairing
	SessionDBPath     string
	DeviceDisplayName string
	PrintQRToTerminal bool
	ConnectTimeout    time.Duration
	ConnectPollEvery  time.Duration
	ReconnectDelay    time.Duration

	// Credential persistence: "file" or "redis"
	CredentialBackend string
	CredentialFile    string
	RedisAddr         string
	RedisPassword     string
	RedisKey          string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		CORSAllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", nil),

		SessionDBPath:     getEnv("SESSION_DB_PATH", "data/session.db"),
		DeviceDisplayName: getEnv("DEVICE_DISPLAY_NAME", "whatsgate"),
		PrintQRToTerminal: getEnvAsBool("PRINT_QR_TO_TERMINAL", true),
		ConnectTimeout:    getEnvAsDuration("CONNECT_TIMEOUT", 10*time.Second),
		ConnectPollEvery:  getEnvAsDuration("CONNECT_POLL_INTERVAL", 250*time.Millisecond),
		ReconnectDelay:    getEnvAsDuration("RECONNECT_DELAY", 3*time.Second),

		CredentialBackend: strings.ToLower(strings.TrimSpace(getEnv("CREDENTIAL_BACKEND", "file"))),
		CredentialFile:    getEnv("CREDENTIAL_FILE", "data/credentials.blob"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisKey:          getEnv("REDIS_CREDENTIAL_KEY", ""),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsSlice splits a comma-separated environment variable, dropping
// empty entries.
func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
