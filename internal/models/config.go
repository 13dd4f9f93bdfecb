package models

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	AppEnv     string `yaml:"app_env"`
	ServerAddr string `yaml:"server_addr"`

	DatabaseDriver string `yaml:"database_driver"` // postgres | sqlite
	DatabaseURL    string `yaml:"database_url"`
	SQLitePath     string `yaml:"sqlite_path"`
	DBMaxConns     int    `yaml:"db_max_conns"`

	KafkaBroker       string `yaml:"kafka_broker"`
	KafkaJobsTopic    string `yaml:"kafka_jobs_topic"`
	KafkaResultsTopic string `yaml:"kafka_results_topic"`
	KafkaGroupID      string `yaml:"kafka_group_id"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`

	PublicBaseURL string `yaml:"public_base_url"`

	// hosts the zip download may fetch worker results from; empty allows any
	// public host
	ResultHosts []string `yaml:"result_hosts"`

	PricePerImage   float64 `yaml:"price_per_image"`
	MinutesPerImage int     `yaml:"minutes_per_image"`

	CatalogMaxAgeHours   int      `yaml:"catalog_max_age_hours"`
	AllowedCatalogHosts  []string `yaml:"allowed_catalog_hosts"`
	ScrapeTimeoutSeconds int      `yaml:"scrape_timeout_seconds"`
	ScrapeUserAgent      string   `yaml:"scrape_user_agent"`
	ScrapeLockSeconds    int      `yaml:"scrape_lock_seconds"`

	PendingDefaultLimit int `yaml:"pending_default_limit"`
	PendingMaxLimit     int `yaml:"pending_max_limit"`
}

func DefaultConfig() Config {
	return Config{
		AppEnv:               "development",
		ServerAddr:           ":8080",
		DatabaseDriver:       "sqlite",
		SQLitePath:           "./data/catalog_jobs.db",
		DBMaxConns:           10,
		KafkaJobsTopic:       "image-jobs",
		KafkaResultsTopic:    "image-job-results",
		KafkaGroupID:         "catalog-imager",
		PublicBaseURL:        "http://localhost:8080",
		PricePerImage:        0.50,
		MinutesPerImage:      2,
		CatalogMaxAgeHours:   24,
		AllowedCatalogHosts:  []string{"glovoapp.com"},
		ScrapeTimeoutSeconds: 30,
		ScrapeUserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36",
		ScrapeLockSeconds:    120,
		PendingDefaultLimit:  5,
		PendingMaxLimit:      100,
	}
}

// LoadConfig reads the YAML file at path on top of the defaults, then applies
// environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	// .env is optional; variables may already be set in the environment
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("%s: %w", op, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.AppEnv, "APP_ENV")
	setString(&c.ServerAddr, "SERVER_ADDR")
	setString(&c.DatabaseDriver, "DATABASE_DRIVER")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.SQLitePath, "SQLITE_PATH")
	setString(&c.KafkaBroker, "KAFKA_BROKER")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.RedisPassword, "REDIS_PASSWORD")
	setString(&c.PublicBaseURL, "PUBLIC_BASE_URL")

	if v := os.Getenv("PRICE_PER_IMAGE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("PRICE_PER_IMAGE: %w", err)
		}
		c.PricePerImage = f
	}
	if v := os.Getenv("MINUTES_PER_IMAGE"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MINUTES_PER_IMAGE: %w", err)
		}
		c.MinutesPerImage = i
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown database_driver %q", c.DatabaseDriver)
	}
	if c.PricePerImage < 0 || c.MinutesPerImage < 0 {
		return fmt.Errorf("pricing constants must not be negative")
	}
	if c.PendingDefaultLimit <= 0 || c.PendingMaxLimit < c.PendingDefaultLimit {
		return fmt.Errorf("pending limits must satisfy 0 < default <= max")
	}
	return nil
}

func (c *Config) CatalogMaxAge() time.Duration {
	return time.Duration(c.CatalogMaxAgeHours) * time.Hour
}

func (c *Config) ScrapeTimeout() time.Duration {
	return time.Duration(c.ScrapeTimeoutSeconds) * time.Second
}

func (c *Config) ScrapeLockTTL() time.Duration {
	return time.Duration(c.ScrapeLockSeconds) * time.Second
}
