package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values come from environment variables, optionally layered over the YAML
// file named by CONFIG_FILE, with defaults good enough to run locally.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers   []string
	KafkaTopic     string
	EventQueueSize int

	PGDSN         string
	RunMigrations bool

	JWTSecret      string
	IdempotencyTTL time.Duration

	OfferTTL                   time.Duration
	DispatchMaxAttempts        int
	DispatchSweepInterval      time.Duration
	DispatchRedispatchInterval time.Duration
	SearchRadiusM              float64
	MatcherTopN                int

	OtpVerifyLimit  int
	OtpVerifyWindow time.Duration

	DocsServiceURL  string
	FleetServiceURL string

	AverageSpeedMps float64

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:              ":8080",
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           120 * time.Second,
		ShutdownTimeout:       15 * time.Second,
		RedisGeoKey:           "drivers_geo",
		KafkaTopic:            "trip-events",
		EventQueueSize:        1024,
		IdempotencyTTL:        24 * time.Hour,
		OfferTTL:              30 * time.Second,
		DispatchMaxAttempts:   5,
		DispatchSweepInterval: time.Second,
		SearchRadiusM:         5000,
		MatcherTopN:           8,
		OtpVerifyLimit:        5,
		OtpVerifyWindow:       time.Minute,
		AverageSpeedMps:       8,
		LogLevel:              "info",
	}
}

// source reads raw values from the environment and the optional config file.
type source struct{ v *viper.Viper }

func newSource() (source, error) {
	v := viper.New()
	v.AutomaticEnv()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return source{v}, fmt.Errorf("read %s: %w", path, err)
		}
	}
	return source{v}, nil
}

func (s source) raw(key string) string { return strings.TrimSpace(s.v.GetString(key)) }

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	src, err := newSource()
	if err != nil {
		return cfg, err
	}
	var errs []error

	src.setString(&cfg.HTTPAddr, "HTTP_ADDR")
	src.setDuration(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	src.setDuration(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	src.setDuration(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	src.setDuration(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = src.raw("REDIS_ADDR")
	cfg.RedisPassword = src.v.GetString("REDIS_PASSWORD")
	src.setString(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := src.raw("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	src.setString(&cfg.KafkaTopic, "KAFKA_TOPIC")
	src.setInt(&cfg.EventQueueSize, "EVENT_QUEUE_SIZE", &errs)

	cfg.PGDSN = src.raw("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(src.raw("MIGRATE"), "true")

	cfg.JWTSecret = src.v.GetString("JWT_SECRET")
	src.setDuration(&cfg.IdempotencyTTL, "IDEMPOTENCY_TTL", &errs)

	src.setDuration(&cfg.OfferTTL, "OFFER_TTL", &errs)
	src.setInt(&cfg.DispatchMaxAttempts, "DISPATCH_MAX_ATTEMPTS", &errs)
	src.setDuration(&cfg.DispatchSweepInterval, "DISPATCH_SWEEP_INTERVAL", &errs)
	src.setDuration(&cfg.DispatchRedispatchInterval, "DISPATCH_REDISPATCH_INTERVAL", &errs)
	src.setFloat(&cfg.SearchRadiusM, "DISPATCH_SEARCH_RADIUS_M", &errs)
	src.setInt(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)

	src.setInt(&cfg.OtpVerifyLimit, "OTP_VERIFY_LIMIT", &errs)
	src.setDuration(&cfg.OtpVerifyWindow, "OTP_VERIFY_WINDOW", &errs)

	cfg.DocsServiceURL = src.raw("DOCS_SERVICE_URL")
	cfg.FleetServiceURL = src.raw("FLEET_SERVICE_URL")
	src.setFloat(&cfg.AverageSpeedMps, "FARE_AVG_SPEED_MPS", &errs)

	if v := src.raw("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.OfferTTL <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TTL must be > 0"))
	}
	if cfg.DispatchMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.DispatchSweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SWEEP_INTERVAL must be > 0"))
	}
	if cfg.OtpVerifyLimit <= 0 || cfg.OtpVerifyWindow <= 0 {
		errs = append(errs, fmt.Errorf("OTP_VERIFY_LIMIT and OTP_VERIFY_WINDOW must be > 0"))
	}
	if cfg.EventQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("EVENT_QUEUE_SIZE must be > 0"))
	}
	if cfg.SearchRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SEARCH_RADIUS_M must be > 0"))
	}
	if cfg.AverageSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("FARE_AVG_SPEED_MPS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures cmd/consumer, which projects trip events into Redis.
type ConsumerConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	MetricsAddr   string
	ReadModelTTL  time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "trip-events",
		KafkaGroup:   "trip-dispatch-consumer",
		RedisAddr:    "localhost:6379",
		MetricsAddr:  ":2112",
		ReadModelTTL: 7 * 24 * time.Hour,
		LogLevel:     "info",
	}
	src, err := newSource()
	if err != nil {
		return cfg, err
	}
	var errs []error

	if brokers := src.raw("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	src.setString(&cfg.KafkaTopic, "KAFKA_TOPIC")
	src.setString(&cfg.KafkaGroup, "KAFKA_GROUP")
	src.setString(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = src.v.GetString("REDIS_PASSWORD")
	src.setString(&cfg.MetricsAddr, "METRICS_ADDR")
	src.setDuration(&cfg.ReadModelTTL, "READ_MODEL_TTL", &errs)
	if v := src.raw("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	return cfg, errors.Join(errs...)
}

// ClientConfig configures cmd/tripctl.
type ClientConfig struct {
	BaseURL        string
	Token          string
	RequestTimeout time.Duration
	StatusEvery    time.Duration
	OtpEvery       time.Duration
	OffersEvery    time.Duration
}

func LoadClientConfig() (ClientConfig, error) {
	cfg := ClientConfig{
		BaseURL:        "http://localhost:8080",
		RequestTimeout: 5 * time.Second,
		StatusEvery:    3 * time.Second,
		OtpEvery:       2 * time.Second,
		OffersEvery:    5 * time.Second,
	}
	src, err := newSource()
	if err != nil {
		return cfg, err
	}
	var errs []error
	src.setString(&cfg.BaseURL, "TRIPCTL_BASE_URL")
	cfg.Token = src.raw("TRIPCTL_TOKEN")
	src.setDuration(&cfg.RequestTimeout, "TRIPCTL_TIMEOUT", &errs)
	src.setDuration(&cfg.StatusEvery, "TRIPCTL_STATUS_EVERY", &errs)
	src.setDuration(&cfg.OtpEvery, "TRIPCTL_OTP_EVERY", &errs)
	src.setDuration(&cfg.OffersEvery, "TRIPCTL_OFFERS_EVERY", &errs)
	return cfg, errors.Join(errs...)
}

func (s source) setDuration(target *time.Duration, key string, errs *[]error) {
	if v := s.raw(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func (s source) setFloat(target *float64, key string, errs *[]error) {
	if v := s.raw(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func (s source) setInt(target *int, key string, errs *[]error) {
	if v := s.raw(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func (s source) setString(target *string, key string) {
	if v := s.raw(key); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
