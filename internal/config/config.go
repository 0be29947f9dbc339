package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Gateway endpoints for the NewebPay MPG flow.
const (
	gatewayURLProduction = "https://core.newebpay.com/MPG/mpg_gateway"
	gatewayURLSandbox    = "https://ccore.newebpay.com/MPG/mpg_gateway"

	EnvironmentSandbox    = "sandbox"
	EnvironmentProduction = "production"
)

// Config holds the resolved application configuration.
type Config struct {
	AppPort      string
	DatabaseURL  string
	JWTSecret    string
	TokenExpires time.Duration
	StoreTimeout time.Duration

	MerchantID    string
	HashKey       string
	HashIV        string
	ReturnURL     string
	NotifyURL     string
	ClientBackURL string
	Environment   string
	AllowOrigins  []string

	TelegramBotToken  string
	TelegramAdminChat string
}

// Overrides carries explicit configuration values that take priority over
// the environment. Blank fields fall through to the next source.
type Overrides struct {
	MerchantID    string
	HashKey       string
	HashIV        string
	ReturnURL     string
	NotifyURL     string
	ClientBackURL string
	Environment   string
	AllowOrigins  string
}

// ConfigError reports every validation problem found at startup.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "newebpay configuration error: " + strings.Join(e.Problems, " ")
}

// Load resolves configuration from .env/environment and exits the process
// if the gateway credentials do not validate. No request may be served on
// top of a broken credential set.
func Load() *Config {
	_ = godotenv.Load()

	cfg, err := Resolve(Overrides{})
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

// Resolve builds a Config from the given overrides, the process
// environment and the sandbox fallbacks, in that order, then validates it.
func Resolve(ov Overrides) (*Config, error) {
	cfg := &Config{
		AppPort:      getEnv("APP_PORT", "8080"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		JWTSecret:    getEnv("JWT_SECRET", "c1d7a906be7a47d5bb7e2f1f0408a1477ad8e4cf9a2d43708833a8ae02f07b22"),
		TokenExpires: getEnvDuration("JWT_TTL_HOURS", 24) * time.Hour,
		StoreTimeout: getEnvDuration("STORE_TIMEOUT_SECONDS", 5) * time.Second,

		MerchantID: resolveValue(ov.MerchantID, os.Getenv("NEWEBPAY_MERCHANT_ID"), os.Getenv("MERCHANT_ID"), "MS1624139607"),
		HashKey:    resolveValue(ov.HashKey, os.Getenv("NEWEBPAY_HASH_KEY"), os.Getenv("HASH_KEY"), "b6LpV3yq5SZFi2QAqpJAvFiB729kIKf6"),
		HashIV:     resolveValue(ov.HashIV, os.Getenv("NEWEBPAY_HASH_IV"), os.Getenv("HASH_IV"), "PONyLln8z3fr2CkC"),
		ReturnURL:  resolveValue(ov.ReturnURL, os.Getenv("NEWEBPAY_RETURN_URL"), "https://shop.example.com/api/newebpay/return"),
		NotifyURL:  resolveValue(ov.NotifyURL, os.Getenv("NEWEBPAY_NOTIFY_URL"), "https://shop.example.com/api/newebpay/notify"),
		ClientBackURL: resolveValue(ov.ClientBackURL, os.Getenv("NEWEBPAY_CLIENT_BACK_URL"),
			"https://shop.example.com/thankyou.html"),
		Environment: resolveValue(ov.Environment, os.Getenv("NEWEBPAY_ENVIRONMENT"), EnvironmentSandbox),

		TelegramBotToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramAdminChat: getEnv("TELEGRAM_ADMIN_CHAT_ID", ""),
	}

	origins := resolveValue(ov.AllowOrigins, os.Getenv("NEWEBPAY_ALLOW_ORIGIN"),
		"https://shop.example.com,http://localhost:5000,http://127.0.0.1:5000")
	for _, origin := range strings.Split(origins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			cfg.AllowOrigins = append(cfg.AllowOrigins, trimmed)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Printf("[Config] resolved newebpay settings: environment=%s merchant=%s keyLen=%d ivLen=%d returnURL=%s notifyURL=%s",
		cfg.Environment, maskSecret(cfg.MerchantID), len(cfg.HashKey), len(cfg.HashIV), cfg.ReturnURL, cfg.NotifyURL)

	return cfg, nil
}

// Validate checks the gateway credential set eagerly, before any
// cryptographic operation is attempted.
func (c *Config) Validate() error {
	var problems []string

	if c.MerchantID == "" {
		problems = append(problems, "merchant id (NEWEBPAY_MERCHANT_ID) is not configured.")
	}
	if c.HashKey == "" {
		problems = append(problems, "hash key (NEWEBPAY_HASH_KEY) is not configured.")
	} else if len(c.HashKey) != 32 {
		problems = append(problems, fmt.Sprintf("hash key must be 32 bytes, got %d.", len(c.HashKey)))
	}
	if c.HashIV == "" {
		problems = append(problems, "hash IV (NEWEBPAY_HASH_IV) is not configured.")
	} else if len(c.HashIV) != 16 {
		problems = append(problems, fmt.Sprintf("hash IV must be 16 bytes, got %d.", len(c.HashIV)))
	}
	if c.ReturnURL == "" {
		problems = append(problems, "return URL (NEWEBPAY_RETURN_URL) is not configured.")
	}
	if c.NotifyURL == "" {
		problems = append(problems, "notify URL (NEWEBPAY_NOTIFY_URL) is not configured.")
	}
	if c.Environment != EnvironmentSandbox && c.Environment != EnvironmentProduction {
		problems = append(problems, fmt.Sprintf("environment must be %q or %q, got %q.",
			EnvironmentSandbox, EnvironmentProduction, c.Environment))
	}
	if c.Environment == EnvironmentProduction {
		for _, origin := range c.AllowOrigins {
			if origin == "*" {
				problems = append(problems, "wildcard origin is not allowed in production.")
			}
		}
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// GatewayURL returns the MPG endpoint for the resolved environment.
func (c *Config) GatewayURL() string {
	if c.Environment == EnvironmentProduction {
		return gatewayURLProduction
	}
	return gatewayURLSandbox
}

func resolveValue(candidates ...string) string {
	for _, candidate := range candidates {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func maskSecret(value string) string {
	const visible = 4
	if len(value) <= visible*2 {
		return value
	}
	return value[:visible] + strings.Repeat("*", len(value)-visible*2) + value[len(value)-visible:]
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback int) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return time.Duration(parsed)
		}
	}
	return time.Duration(fallback)
}
