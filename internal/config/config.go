package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Airbnb   AirbnbConfig   `mapstructure:"airbnb"`
	Input    InputConfig    `mapstructure:"input"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Run      RunConfig      `mapstructure:"run"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

// AirbnbConfig holds upstream API configuration
type AirbnbConfig struct {
	BaseURL              string        `mapstructure:"base_url"`
	APIKey               string        `mapstructure:"api_key"`
	Currency             string        `mapstructure:"currency"`
	Timeout              time.Duration `mapstructure:"timeout"`
	MaxAttempts          int           `mapstructure:"max_attempts"`
	RetryDelay           time.Duration `mapstructure:"retry_delay"`
	MaxRequestsPerSecond int           `mapstructure:"max_requests_per_second"`
}

// InputConfig describes what to crawl
type InputConfig struct {
	LocationQuery  string   `mapstructure:"location_query"`
	StartURLs      []string `mapstructure:"start_urls"`
	MinPrice       int      `mapstructure:"min_price"`
	MaxPrice       int      `mapstructure:"max_price"`
	CheckIn        string   `mapstructure:"check_in"`  // YYYY-MM-DD
	CheckOut       string   `mapstructure:"check_out"` // YYYY-MM-DD
	IncludeReviews bool     `mapstructure:"include_reviews"`
}

type CrawlConfig struct {
	SeedSlices     int           `mapstructure:"seed_slices"`
	Cap            int           `mapstructure:"cap"`
	ProbeLimit     int           `mapstructure:"probe_limit"`
	PageSize       int           `mapstructure:"page_size"`
	ReviewPageSize int           `mapstructure:"review_page_size"`
	JitterMin      time.Duration `mapstructure:"jitter_min"`
	JitterMax      time.Duration `mapstructure:"jitter_max"`
	MaxWorkers     int           `mapstructure:"max_workers"`
	MaxTaskRetries int           `mapstructure:"max_task_retries"`
	HandleTimeout  time.Duration `mapstructure:"handle_timeout"`
	DrainInterval  time.Duration `mapstructure:"drain_interval"`

	// A failed task waits RequeueDelay before its first retry, doubling on
	// every further attempt up to RequeueMaxDelay.
	RequeueDelay    time.Duration `mapstructure:"requeue_delay"`
	RequeueMaxDelay time.Duration `mapstructure:"requeue_max_delay"`
}

type ProxyConfig struct {
	URLs     []string `mapstructure:"urls"`
	Validate bool     `mapstructure:"validate"`
	TestURL  string   `mapstructure:"test_url"`
}

type QueueConfig struct {
	Backend string `mapstructure:"backend"` // redis or memory
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// RedisConfig holds Redis connection details
type RedisConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	Password      string        `mapstructure:"password"`
	Database      int           `mapstructure:"database"`
	ConsumerGroup string        `mapstructure:"consumer_group"`
	MinIdleTime   time.Duration `mapstructure:"min_idle_time"`
	DedupeTTL     time.Duration `mapstructure:"dedupe_ttl"` // 0 keeps dedupe keys forever
}

// RunConfig scopes queue keys, dedupe keys and statistics to one crawl.
type RunConfig struct {
	ID string `mapstructure:"id"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads .env, then the YAML file at path (./config.yaml when empty),
// then environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		log.Debugf("No .env file loaded: %v", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("config.yaml file not found in current directory")
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("airbnb.base_url", "https://api.airbnb.com")
	v.SetDefault("airbnb.api_key", "")
	v.SetDefault("airbnb.currency", "USD")
	v.SetDefault("airbnb.timeout", 60*time.Second)
	v.SetDefault("airbnb.max_attempts", 10)
	v.SetDefault("airbnb.retry_delay", time.Second)
	v.SetDefault("airbnb.max_requests_per_second", 20)

	v.SetDefault("input.location_query", "")
	v.SetDefault("input.start_urls", []string{})
	v.SetDefault("input.min_price", 0)
	v.SetDefault("input.max_price", 50000)
	v.SetDefault("input.check_in", "")
	v.SetDefault("input.check_out", "")
	v.SetDefault("input.include_reviews", true)

	v.SetDefault("crawl.seed_slices", 100)
	v.SetDefault("crawl.cap", 1000)
	v.SetDefault("crawl.probe_limit", 10)
	v.SetDefault("crawl.page_size", 50)
	v.SetDefault("crawl.review_page_size", 50)
	v.SetDefault("crawl.jitter_min", 200*time.Millisecond)
	v.SetDefault("crawl.jitter_max", 600*time.Millisecond)
	v.SetDefault("crawl.max_workers", 50)
	v.SetDefault("crawl.max_task_retries", 3)
	v.SetDefault("crawl.handle_timeout", 120*time.Second)
	v.SetDefault("crawl.drain_interval", 10*time.Second)
	v.SetDefault("crawl.requeue_delay", 5*time.Second)
	v.SetDefault("crawl.requeue_max_delay", time.Minute)

	v.SetDefault("proxy.urls", []string{})
	v.SetDefault("proxy.validate", false)
	v.SetDefault("proxy.test_url", "https://api.airbnb.com")

	v.SetDefault("queue.backend", "redis")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "airbnb")
	v.SetDefault("database.user", "airbnb_user")
	v.SetDefault("database.password", "airbnb_pass")
	v.SetDefault("database.ssl_mode", "disable")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.consumer_group", "airbnb_consumer")
	v.SetDefault("redis.min_idle_time", 150*time.Second)
	v.SetDefault("redis.dedupe_ttl", 0)

	v.SetDefault("run.id", "default")
}
