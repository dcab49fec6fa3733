// Package config provides configuration management for the scrobble statistics engine.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/scrobble-stats/internal/types"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Cache        CacheConfig
	Stats        StatsConfig
	Superlatives SuperlativeConfig
	Enrichment   EnrichmentConfig
	Ingest       IngestConfig
	Logging      LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string
	Host           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestsPerSec int
	Burst          int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// CacheConfig holds the read-through cache used by the API server
type CacheConfig struct {
	TTL time.Duration
}

// StatsConfig holds the aggregation parameters of a run
type StatsConfig struct {
	Users        []string
	TopN         int
	CoincidenceN int
	MinUsers     int
	Workers      int
	Timezone     string
	DecadeAxis   types.DecadeAxis
	// EvolutionYears is how many calendar years annual payloads trace back; 0 disables
	EvolutionYears int
}

// Location resolves the configured timezone
func (s StatsConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// SuperlativeConfig holds detector thresholds
type SuperlativeConfig struct {
	GoldenOldieLifetimeMin int
	ClimberMonthlyMin      int
	OneHitWonderMin        int
	ListSize               int
	EvidenceLimit          int
}

// EnrichmentConfig holds metadata provider settings
type EnrichmentConfig struct {
	// Endpoints maps a source identifier to its gateway base URL
	Endpoints         map[string]string
	TTL               time.Duration
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	MaxAttempts       int
	BreakerThreshold  int
	BreakerTimeout    time.Duration
	// SharedBudget caps requests per source per minute across processes; 0 disables it
	SharedBudget int
}

// IngestConfig holds importer settings
type IngestConfig struct {
	BatchSize int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),

			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			RequestsPerSec: getEnvAsInt("SERVER_RPS", 20),
			Burst:          getEnvAsInt("SERVER_BURST", 40),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "scrobble_stats"),
				User:           getEnv("POSTGRES_USER", "stats"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "scrobble_stats"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Cache: CacheConfig{
			TTL: getEnvAsDuration("CACHE_TTL", 5*time.Minute),
		},
		Stats: StatsConfig{
			Users:          getEnvAsList("STATS_USERS", nil),
			TopN:           getEnvAsInt("STATS_TOP_N", 10),
			CoincidenceN:   getEnvAsInt("STATS_COINCIDENCE_N", 10),
			MinUsers:       getEnvAsInt("STATS_MIN_USERS", 2),
			Workers:        getEnvAsInt("STATS_WORKERS", 4),
			Timezone:       getEnv("STATS_TIMEZONE", "UTC"),
			DecadeAxis:     types.DecadeAxis(getEnv("STATS_DECADE_AXIS", string(types.AxisReleaseYear))),
			EvolutionYears: getEnvAsInt("STATS_EVOLUTION_YEARS", 5),
		},
		Superlatives: SuperlativeConfig{
			GoldenOldieLifetimeMin: getEnvAsInt("GOLDEN_OLDIE_LIFETIME_MIN", 50),
			ClimberMonthlyMin:      getEnvAsInt("CLIMBER_MONTHLY_MIN", 50),
			OneHitWonderMin:        getEnvAsInt("ONE_HIT_WONDER_MIN", 1),
			ListSize:               getEnvAsInt("SUPERLATIVE_LIST_SIZE", 10),
			EvidenceLimit:          getEnvAsInt("RECOMMEND_EVIDENCE_LIMIT", 10),
		},
		Enrichment: EnrichmentConfig{
			Endpoints:         getEnvAsMap("ENRICHMENT_ENDPOINTS"),
			TTL:               getEnvAsDuration("ENRICHMENT_TTL", 30*24*time.Hour),
			RequestsPerSecond: getEnvAsFloat("ENRICHMENT_RPS", 1),
			Burst:             getEnvAsInt("ENRICHMENT_BURST", 1),
			Timeout:           getEnvAsDuration("ENRICHMENT_TIMEOUT", 10*time.Second),
			MaxAttempts:       getEnvAsInt("ENRICHMENT_MAX_ATTEMPTS", 3),
			BreakerThreshold:  getEnvAsInt("ENRICHMENT_BREAKER_THRESHOLD", 5),
			BreakerTimeout:    getEnvAsDuration("ENRICHMENT_BREAKER_TIMEOUT", time.Minute),
			SharedBudget:      getEnvAsInt("ENRICHMENT_SHARED_BUDGET", 0),
		},
		Ingest: IngestConfig{
			BatchSize: getEnvAsInt("INGEST_BATCH_SIZE", 5000),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// Validate rejects configurations a run cannot honor
func (c *Config) Validate() error {
	if c.Stats.MinUsers < 2 {
		return fmt.Errorf("STATS_MIN_USERS must be at least 2, got %d", c.Stats.MinUsers)
	}
	if c.Stats.TopN <= 0 || c.Stats.CoincidenceN <= 0 {
		return fmt.Errorf("STATS_TOP_N and STATS_COINCIDENCE_N must be positive")
	}
	if c.Stats.Workers <= 0 {
		return fmt.Errorf("STATS_WORKERS must be positive, got %d", c.Stats.Workers)
	}
	if c.Stats.EvolutionYears < 0 {
		return fmt.Errorf("STATS_EVOLUTION_YEARS must not be negative, got %d", c.Stats.EvolutionYears)
	}
	if c.Stats.DecadeAxis != types.AxisEventTime && c.Stats.DecadeAxis != types.AxisReleaseYear {
		return fmt.Errorf("STATS_DECADE_AXIS must be %q or %q", types.AxisEventTime, types.AxisReleaseYear)
	}
	if _, err := c.Stats.Location(); err != nil {
		return fmt.Errorf("invalid STATS_TIMEZONE: %w", err)
	}
	if c.Superlatives.ListSize <= 0 || c.Superlatives.EvidenceLimit <= 0 {
		return fmt.Errorf("SUPERLATIVE_LIST_SIZE and RECOMMEND_EVIDENCE_LIMIT must be positive")
	}
	if c.Enrichment.RequestsPerSecond <= 0 {
		return fmt.Errorf("ENRICHMENT_RPS must be positive")
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("INGEST_BATCH_SIZE must be positive")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated variable, dropping blanks
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvAsMap parses "name=value,name=value"
func getEnvAsMap(key string) map[string]string {
	out := make(map[string]string)
	for _, pair := range getEnvAsList(key, nil) {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out[name] = strings.TrimSpace(value)
	}
	return out
}
