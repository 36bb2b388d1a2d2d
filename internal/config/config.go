package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Blockchain BlockchainConfig
	Engine     EngineConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Port string
	Env  string
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// URL returns the database connection URL.
func (c DatabaseConfig) URL() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + strconv.Itoa(c.Port) + "/" + c.DBName + "?sslmode=" + c.SSLMode + "&prepare_threshold=0"
}

// RedisConfig holds Redis connection settings for the Stage-5 idempotency
// pre-check (idempotency.New). cmd/demo does not read it and passes a nil
// pre-check to pipeline.New.
type RedisConfig struct {
	URL      string
	Password string
}

// BlockchainConfig holds RPC endpoints used by the evm provider adapter's
// VerifyWithProvider call.
type BlockchainConfig struct {
	EVMRPCURLs map[string]string
}

// EngineConfig holds the transaction truth engine's own configuration
// surface (spec §6): redaction, retention, outbox, and per-provider secrets.
type EngineConfig struct {
	StoreRawPayload          bool
	RedactKeys               []string
	RetentionWebhookLogDays  int
	RetentionDispatchLogDays int
	OutboxEnabled            bool
	ProviderSecrets          map[string][]string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Env:  getEnv("SERVER_ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "paytruth"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
		},
		Blockchain: BlockchainConfig{
			EVMRPCURLs: getEnvAsProviderMap("EVM_RPC_URLS"),
		},
		Engine: EngineConfig{
			StoreRawPayload:          getEnvAsBool("ENGINE_STORE_RAW_PAYLOAD", true),
			RedactKeys:               getEnvAsStringSlice("ENGINE_REDACT_KEYS", nil),
			RetentionWebhookLogDays:  getEnvAsInt("ENGINE_RETENTION_WEBHOOK_LOG_DAYS", 90),
			RetentionDispatchLogDays: getEnvAsInt("ENGINE_RETENTION_DISPATCH_LOG_DAYS", 90),
			OutboxEnabled:            getEnvAsBool("ENGINE_OUTBOX_ENABLED", false),
			ProviderSecrets:          getEnvAsProviderSecretMap("ENGINE_PROVIDER_SECRETS"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnvAsProviderMap parses "provider1:value1;provider2:value2" into a map
// of provider name to a single value. Used for per-provider RPC URLs; secret
// rotation lists are parsed by getEnvAsProviderSecretMap.
func getEnvAsProviderMap(key string) map[string]string {
	raw := os.Getenv(key)
	if raw == "" {
		return map[string]string{}
	}
	out := make(map[string]string)
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, ":", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out
}

// getEnvAsProviderSecretMap parses "provider1:secretA|secretB;provider2:secretC"
// into a map of provider name to its ordered secret list, supporting secret
// rotation per spec §6 ("secrets (per-provider list)").
func getEnvAsProviderSecretMap(key string) map[string][]string {
	raw := os.Getenv(key)
	if raw == "" {
		return map[string][]string{}
	}
	out := make(map[string][]string)
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, ":", 2)
		if len(kv) != 2 {
			continue
		}
		provider := strings.TrimSpace(kv[0])
		var secrets []string
		for _, s := range strings.Split(kv[1], "|") {
			s = strings.TrimSpace(s)
			if s != "" {
				secrets = append(secrets, s)
			}
		}
		out[provider] = secrets
	}
	return out
}
