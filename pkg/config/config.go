package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment is the deployment tier. staging and production force
// conservative defaults (rate limiting on, strict locatability) regardless
// of what an operator's env vars try to override.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

func (e Environment) isDeployed() bool {
	return e == EnvStaging || e == EnvProduction
}

// Config holds process configuration for asyncgate-server.
type Config struct {
	Port        string
	LogLevel    string
	Environment Environment
	DatabaseURL string
	// Lite mode runs against the pure-Go sqlite backend instead of Postgres,
	// for single-process deployments and local development.
	Lite bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool

	RateLimitEnabled bool
	RateLimitBackend string // "memory" | "redis"
	RedisURL         string

	StrictLocatability bool

	LeaseDefaultTTL  time.Duration
	LeaseMaxTTL      time.Duration
	LeaseMaxRenewals int
	LeaseMaxLifetime time.Duration

	ProfilesDir string
	RegionCode  string

	OTLPExporter string // "stdout" | "none"
}

// Load builds a Config from environment variables, then applies the
// environment tier's forced posture.
func Load() (*Config, error) {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	env := Environment(os.Getenv("ASYNCGATE_ENV"))
	if env == "" {
		env = EnvDevelopment
	}

	dbURL := os.Getenv("DATABASE_URL")
	lite := os.Getenv("ASYNCGATE_LITE") == "true" || dbURL == ""
	if dbURL == "" && !lite {
		dbURL = "postgres://asyncgate@localhost:5432/asyncgate?sslmode=disable"
	}

	var origins []string
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			origins = append(origins, strings.TrimSpace(o))
		}
	}
	allowCredentials := os.Getenv("CORS_ALLOW_CREDENTIALS") == "true"

	rateLimitEnabled := os.Getenv("RATE_LIMIT_DISABLED") != "true"
	rateLimitBackend := os.Getenv("RATE_LIMIT_BACKEND")
	if rateLimitBackend == "" {
		rateLimitBackend = "memory"
	}
	redisURL := os.Getenv("REDIS_URL")

	strictLocatability := os.Getenv("STRICT_LOCATABILITY") == "true"

	leaseTTL := envDuration("LEASE_DEFAULT_TTL", 30*time.Second)
	leaseMaxTTL := envDuration("LEASE_MAX_TTL", 10*time.Minute)
	leaseMaxRenewals := envInt("LEASE_MAX_RENEWALS", 100)
	leaseMaxLifetime := envDuration("LEASE_MAX_LIFETIME", time.Hour)

	profilesDir := os.Getenv("ASYNCGATE_PROFILES_DIR")
	regionCode := os.Getenv("ASYNCGATE_REGION")

	otlpExporter := os.Getenv("OTEL_EXPORTER")
	if otlpExporter == "" {
		otlpExporter = "stdout"
	}

	cfg := &Config{
		Port: port, LogLevel: logLevel, Environment: env,
		DatabaseURL: dbURL, Lite: lite,
		CORSAllowedOrigins: origins, CORSAllowCredentials: allowCredentials,
		RateLimitEnabled: rateLimitEnabled, RateLimitBackend: rateLimitBackend, RedisURL: redisURL,
		StrictLocatability: strictLocatability,
		LeaseDefaultTTL:    leaseTTL, LeaseMaxTTL: leaseMaxTTL,
		LeaseMaxRenewals: leaseMaxRenewals, LeaseMaxLifetime: leaseMaxLifetime,
		ProfilesDir: profilesDir, RegionCode: regionCode,
		OTLPExporter: otlpExporter,
	}

	cfg.applyEnvironmentPosture()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvironmentPosture forces the conservative defaults a deployed tier
// requires, overriding whatever an operator's env vars asked for.
func (c *Config) applyEnvironmentPosture() {
	if !c.Environment.isDeployed() {
		return
	}
	c.RateLimitEnabled = true
	c.StrictLocatability = true
}

// validate rejects the unsafe CORS combination the original config layer
// hard-fails on: a wildcard origin combined with credentialed requests lets
// any site ride a logged-in session's cookies.
func (c *Config) validate() error {
	if c.CORSAllowCredentials {
		for _, o := range c.CORSAllowedOrigins {
			if o == "*" {
				return fmt.Errorf("config: CORS_ALLOW_CREDENTIALS=true is incompatible with a wildcard CORS_ORIGINS entry")
			}
		}
	}
	if c.RateLimitBackend == "redis" && c.RedisURL == "" {
		return fmt.Errorf("config: RATE_LIMIT_BACKEND=redis requires REDIS_URL")
	}
	return nil
}

func envDuration(key string, def time.Duration) time.Duration {
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

func envInt(key string, def int) int {
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
