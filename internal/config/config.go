// Package config provides configuration loading and management for the access
// service. It handles environment variable parsing and provides default values
// for all settings that may safely default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// In development, it loads .env and .env.local files if they exist.
// In production, it relies solely on system environment variables.
// The loading order ensures that system environment variables take precedence over .env files.
func init() {
	// godotenv.Load() does not override already-set environment variables,
	// preserving OS env > .env precedence

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// .env.local holds local overrides and is gitignored
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the access service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // Database connection string (PostgreSQL)
	NATSURL     string // NATS server URL

	// Download token signing. The secret has no default anywhere: a silently
	// defaulted signing secret is a vulnerability, so Load fails without it.
	TokenSecret string        // HMAC secret for download tokens
	TokenTTL    time.Duration // Download token lifetime

	// Caller session authentication
	JWTIssuer   string // Expected issuer for session JWT validation
	JWTAudience string // Expected audience for session JWT validation

	// Fee computation
	FeeRate   float64 // Platform fee fraction in [0,1]
	PolicyURL string  // Optional fee-policy document URL

	// Media storage for presigned download URLs
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string

	// Payment provider API, used to resolve payment amounts at settlement
	PaymentsURL string

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when environment variables are not set
const (
	defaultPort     = "8080"
	defaultEnv      = "dev"
	defaultS3Region = "us-east-1"
	defaultFeeRate  = 0.15
	defaultTokenTTL = 10 * time.Minute
)

// Load reads environment variables and produces a Config suitable for wiring
// the service. Missing required parameters fail here, at startup, rather than
// lazily at first use.
func Load() (Config, error) {
	cfg := Config{}

	if env, exists := os.LookupEnv("ACCESS_ENV"); exists {
		cfg.Env = env
	} else {
		cfg.Env = defaultEnv
	}

	if port, exists := os.LookupEnv("ACCESS_PORT"); exists {
		cfg.Port = port
	} else {
		cfg.Port = defaultPort
	}

	if dsn, exists := os.LookupEnv("ACCESS_DB_DSN"); exists {
		cfg.DatabaseDSN = dsn
	}

	if natsURL, exists := os.LookupEnv("ACCESS_NATS_URL"); exists {
		cfg.NATSURL = natsURL
	}

	cfg.TokenSecret = os.Getenv("ACCESS_TOKEN_SECRET")

	cfg.TokenTTL = defaultTokenTTL
	if ttl, exists := os.LookupEnv("ACCESS_TOKEN_TTL"); exists {
		d, err := time.ParseDuration(ttl)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("ACCESS_TOKEN_TTL must be a positive duration, got %q", ttl)
		}
		cfg.TokenTTL = d
	}

	if jwtIssuer, exists := os.LookupEnv("ACCESS_JWT_ISSUER"); exists {
		cfg.JWTIssuer = jwtIssuer
	}

	if jwtAudience, exists := os.LookupEnv("ACCESS_JWT_AUDIENCE"); exists {
		cfg.JWTAudience = jwtAudience
	}

	cfg.FeeRate = defaultFeeRate
	if rate, exists := os.LookupEnv("ACCESS_FEE_RATE"); exists {
		f, err := strconv.ParseFloat(rate, 64)
		if err != nil || f < 0 || f > 1 {
			return cfg, fmt.Errorf("ACCESS_FEE_RATE must be a fraction in [0,1], got %q", rate)
		}
		cfg.FeeRate = f
	}

	if policyURL, exists := os.LookupEnv("ACCESS_POLICY_URL"); exists {
		cfg.PolicyURL = policyURL
	}

	if s3Endpoint, exists := os.LookupEnv("ACCESS_S3_ENDPOINT"); exists {
		cfg.S3Endpoint = s3Endpoint
	}

	if s3Region, exists := os.LookupEnv("ACCESS_S3_REGION"); exists {
		cfg.S3Region = s3Region
	} else {
		cfg.S3Region = defaultS3Region
	}

	if s3Bucket, exists := os.LookupEnv("ACCESS_S3_BUCKET"); exists {
		cfg.S3Bucket = s3Bucket
	}

	if s3AccessKey, exists := os.LookupEnv("ACCESS_S3_ACCESS_KEY"); exists {
		cfg.S3AccessKey = s3AccessKey
	}

	if s3SecretKey, exists := os.LookupEnv("ACCESS_S3_SECRET_KEY"); exists {
		cfg.S3SecretKey = s3SecretKey
	}

	if paymentsURL, exists := os.LookupEnv("ACCESS_PAYMENTS_URL"); exists {
		cfg.PaymentsURL = paymentsURL
	}

	if corsOrigins, exists := os.LookupEnv("ACCESS_CORS_ALLOWED_ORIGINS"); exists {
		cfg.CORSAllowedOrigins = strings.Split(corsOrigins, ",")
		for i, origin := range cfg.CORSAllowedOrigins {
			cfg.CORSAllowedOrigins[i] = strings.TrimSpace(origin)
		}
	}

	// Validate required parameters
	if cfg.TokenSecret == "" {
		return cfg, fmt.Errorf("ACCESS_TOKEN_SECRET is required")
	}

	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("ACCESS_JWT_ISSUER is required")
	}

	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("ACCESS_JWT_AUDIENCE is required")
	}

	return cfg, nil
}
