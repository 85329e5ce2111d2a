package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Match    MatchConfig
	Surge    SurgeConfig
	SLA      SLAConfig
	Limits   LimitsConfig
	Payment  PaymentConfig
	Maps     MapsConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `mapstructure:"SERVER_HOST"`
	Port         int           `mapstructure:"SERVER_PORT"`
	ReadTimeout  time.Duration `mapstructure:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `mapstructure:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `mapstructure:"SERVER_IDLE_TIMEOUT"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"POSTGRES_HOST"`
	Port     int    `mapstructure:"POSTGRES_PORT"`
	User     string `mapstructure:"POSTGRES_USER"`
	Password string `mapstructure:"POSTGRES_PASSWORD"`
	DBName   string `mapstructure:"POSTGRES_DB"`
	SSLMode  string `mapstructure:"POSTGRES_SSLMODE"`
	MaxConns int32  `mapstructure:"POSTGRES_MAX_CONNS"`
	MinConns int32  `mapstructure:"POSTGRES_MIN_CONNS"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string `mapstructure:"REDIS_HOST"`
	Port     int    `mapstructure:"REDIS_PORT"`
	Password string `mapstructure:"REDIS_PASSWORD"`
	DB       int    `mapstructure:"REDIS_DB"`
	PoolSize int    `mapstructure:"REDIS_POOL_SIZE"`
}

// AuthConfig holds JWT signing settings.
type AuthConfig struct {
	Secret          string        `mapstructure:"JWT_SECRET"`
	Issuer          string        `mapstructure:"JWT_ISSUER"`
	AccessTokenExp  time.Duration `mapstructure:"ACCESS_TOKEN_EXP"`
	RefreshTokenExp time.Duration `mapstructure:"REFRESH_TOKEN_EXP"`
}

// MatchConfig holds matcher tunables: search radius, candidate cap, the
// offer clock, retry ladder and scoring weights.
type MatchConfig struct {
	RadiusM        float64       `mapstructure:"MATCH_RADIUS_M"`
	MaxCandidates  int           `mapstructure:"MAX_CANDIDATES"`
	OfferTimeout   time.Duration `mapstructure:"OFFER_TIMEOUT"`
	RetryMax       int           `mapstructure:"MATCH_RETRY_MAX"`
	RetryDelay     time.Duration `mapstructure:"MATCH_RETRY_DELAY"`
	MaxBatch       int           `mapstructure:"MAX_BATCH"`
	BatchRadiusM   float64       `mapstructure:"BATCH_RADIUS_M"`
	BatchDetourMin float64       `mapstructure:"BATCH_DETOUR_MIN"`
	WeightDistance float64       `mapstructure:"WEIGHT_DISTANCE"`
	WeightRating   float64       `mapstructure:"WEIGHT_RATING"`
	WeightFairness float64       `mapstructure:"WEIGHT_FAIRNESS"`
}

// SurgeConfig holds surge estimator tunables.
type SurgeConfig struct {
	CacheTTL      time.Duration `mapstructure:"SURGE_CACHE_TTL"`
	WeatherFactor float64       `mapstructure:"WEATHER_FACTOR"`
}

// SLAConfig holds the assignment and completion deadlines per job kind.
type SLAConfig struct {
	OrderAssign  time.Duration `mapstructure:"ORDER_ASSIGN_SLA"`
	OrderDeliver time.Duration `mapstructure:"ORDER_DELIVER_SLA"`
	RideAssign   time.Duration `mapstructure:"RIDE_ASSIGN_SLA"`
	RideComplete time.Duration `mapstructure:"RIDE_COMPLETE_SLA"`
}

// LimitsConfig holds rate-limit, idempotency and notification-retry knobs.
type LimitsConfig struct {
	RateLimitWindow  time.Duration `mapstructure:"RATE_LIMIT_WINDOW"`
	RateLimitMax     int           `mapstructure:"RATE_LIMIT_MAX"`
	IdempotencyTTL   time.Duration `mapstructure:"IDEMPOTENCY_TTL"`
	NotifyMaxRetries int           `mapstructure:"NOTIFICATION_MAX_RETRIES"`
}

// PaymentConfig holds the money-split percentages and gateway credentials.
type PaymentConfig struct {
	CommissionPercent         int `mapstructure:"COMMISSION_PERCENT"`
	RewardRatePercent         int `mapstructure:"REWARD_RATE_PERCENT"`
	TDSPercent                int `mapstructure:"TDS_PERCENT"`
	CaptainPenaltyPercent     int `mapstructure:"CAPTAIN_PENALTY_PERCENT"`
	UserLateCancelPercent     int `mapstructure:"USER_LATE_CANCEL_PERCENT"`
	LateDeliveryRefundPercent int `mapstructure:"LATE_DELIVERY_REFUND_PERCENT"`
	NoShowFeePercent          int `mapstructure:"NO_SHOW_FEE_PERCENT"`

	GatewayKey     string        `mapstructure:"PAYMENT_GATEWAY_KEY"`
	GatewaySecret  string        `mapstructure:"PAYMENT_GATEWAY_SECRET"`
	GatewayURL     string        `mapstructure:"PAYMENT_GATEWAY_URL"`
	GatewayTimeout time.Duration `mapstructure:"PAYMENT_GATEWAY_TIMEOUT"`
}

// MapsConfig holds routing-provider settings. An empty APIKey disables the
// provider and routing falls back to haversine estimates.
type MapsConfig struct {
	APIKey        string        `mapstructure:"MAPS_API_KEY"`
	Timeout       time.Duration `mapstructure:"MAPS_TIMEOUT"`
	RouteCacheTTL time.Duration `mapstructure:"ROUTE_CACHE_TTL"`
}

// DSN returns the PostgreSQL connection string.
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode,
	)
}

// Addr returns the Redis address in host:port format.
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ServerAddr returns the HTTP listen address in host:port format.
func (s *ServerConfig) ServerAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load reads configuration from environment variables and .env file.
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	// ── Defaults ────────────────────────────────────────
	viper.SetDefault("SERVER_HOST", "0.0.0.0")
	viper.SetDefault("SERVER_PORT", 8080)
	viper.SetDefault("SERVER_READ_TIMEOUT", "5s")
	viper.SetDefault("SERVER_WRITE_TIMEOUT", "10s")
	viper.SetDefault("SERVER_IDLE_TIMEOUT", "120s")

	viper.SetDefault("POSTGRES_HOST", "localhost")
	viper.SetDefault("POSTGRES_PORT", 5432)
	viper.SetDefault("POSTGRES_USER", "postgres")
	viper.SetDefault("POSTGRES_PASSWORD", "postgres")
	viper.SetDefault("POSTGRES_DB", "dispatchd")
	viper.SetDefault("POSTGRES_SSLMODE", "disable")
	viper.SetDefault("POSTGRES_MAX_CONNS", 50)
	viper.SetDefault("POSTGRES_MIN_CONNS", 10)

	viper.SetDefault("REDIS_HOST", "localhost")
	viper.SetDefault("REDIS_PORT", 6379)
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("REDIS_POOL_SIZE", 100)

	viper.SetDefault("JWT_SECRET", "change-me")
	viper.SetDefault("JWT_ISSUER", "hybrid-core")
	viper.SetDefault("ACCESS_TOKEN_EXP", "720m")
	viper.SetDefault("REFRESH_TOKEN_EXP", "720h")

	viper.SetDefault("MATCH_RADIUS_M", 5000.0)
	viper.SetDefault("MAX_CANDIDATES", 20)
	viper.SetDefault("OFFER_TIMEOUT", "15s")
	viper.SetDefault("MATCH_RETRY_MAX", 2)
	viper.SetDefault("MATCH_RETRY_DELAY", "20s")
	viper.SetDefault("MAX_BATCH", 3)
	viper.SetDefault("BATCH_RADIUS_M", 2000.0)
	viper.SetDefault("BATCH_DETOUR_MIN", 10.0)
	viper.SetDefault("WEIGHT_DISTANCE", 1.0)
	viper.SetDefault("WEIGHT_RATING", 0.4)
	viper.SetDefault("WEIGHT_FAIRNESS", 0.2)

	viper.SetDefault("SURGE_CACHE_TTL", "30s")
	viper.SetDefault("WEATHER_FACTOR", 1.0)

	viper.SetDefault("ORDER_ASSIGN_SLA", "600s")
	viper.SetDefault("ORDER_DELIVER_SLA", "45m")
	viper.SetDefault("RIDE_ASSIGN_SLA", "300s")
	viper.SetDefault("RIDE_COMPLETE_SLA", "60m")

	viper.SetDefault("RATE_LIMIT_WINDOW", "60s")
	viper.SetDefault("RATE_LIMIT_MAX", 300)
	viper.SetDefault("IDEMPOTENCY_TTL", "24h")
	viper.SetDefault("NOTIFICATION_MAX_RETRIES", 3)

	viper.SetDefault("COMMISSION_PERCENT", 20)
	viper.SetDefault("REWARD_RATE_PERCENT", 2)
	viper.SetDefault("TDS_PERCENT", 1)
	viper.SetDefault("CAPTAIN_PENALTY_PERCENT", 10)
	viper.SetDefault("USER_LATE_CANCEL_PERCENT", 50)
	viper.SetDefault("LATE_DELIVERY_REFUND_PERCENT", 20)
	viper.SetDefault("NO_SHOW_FEE_PERCENT", 10)
	viper.SetDefault("PAYMENT_GATEWAY_KEY", "")
	viper.SetDefault("PAYMENT_GATEWAY_SECRET", "change-me")
	viper.SetDefault("PAYMENT_GATEWAY_URL", "https://api.razorpay.com/v1")
	viper.SetDefault("PAYMENT_GATEWAY_TIMEOUT", "10s")

	viper.SetDefault("MAPS_API_KEY", "")
	viper.SetDefault("MAPS_TIMEOUT", "10s")
	viper.SetDefault("ROUTE_CACHE_TTL", "300s")

	// Try to read .env file. If it doesn't exist (e.g., inside Docker),
	// env vars injected by docker-compose env_file are used instead.
	_ = viper.ReadInConfig()

	cfg := &Config{}

	// ── Server ──────────────────────────────────────────
	cfg.Server = ServerConfig{
		Host:         viper.GetString("SERVER_HOST"),
		Port:         viper.GetInt("SERVER_PORT"),
		ReadTimeout:  viper.GetDuration("SERVER_READ_TIMEOUT"),
		WriteTimeout: viper.GetDuration("SERVER_WRITE_TIMEOUT"),
		IdleTimeout:  viper.GetDuration("SERVER_IDLE_TIMEOUT"),
	}

	// ── Postgres ────────────────────────────────────────
	cfg.Postgres = PostgresConfig{
		Host:     viper.GetString("POSTGRES_HOST"),
		Port:     viper.GetInt("POSTGRES_PORT"),
		User:     viper.GetString("POSTGRES_USER"),
		Password: viper.GetString("POSTGRES_PASSWORD"),
		DBName:   viper.GetString("POSTGRES_DB"),
		SSLMode:  viper.GetString("POSTGRES_SSLMODE"),
		MaxConns: viper.GetInt32("POSTGRES_MAX_CONNS"),
		MinConns: viper.GetInt32("POSTGRES_MIN_CONNS"),
	}

	// ── Redis ───────────────────────────────────────────
	cfg.Redis = RedisConfig{
		Host:     viper.GetString("REDIS_HOST"),
		Port:     viper.GetInt("REDIS_PORT"),
		Password: viper.GetString("REDIS_PASSWORD"),
		DB:       viper.GetInt("REDIS_DB"),
		PoolSize: viper.GetInt("REDIS_POOL_SIZE"),
	}

	// ── Auth ────────────────────────────────────────────
	cfg.Auth = AuthConfig{
		Secret:          viper.GetString("JWT_SECRET"),
		Issuer:          viper.GetString("JWT_ISSUER"),
		AccessTokenExp:  viper.GetDuration("ACCESS_TOKEN_EXP"),
		RefreshTokenExp: viper.GetDuration("REFRESH_TOKEN_EXP"),
	}

	// ── Matching ────────────────────────────────────────
	cfg.Match = MatchConfig{
		RadiusM:        viper.GetFloat64("MATCH_RADIUS_M"),
		MaxCandidates:  viper.GetInt("MAX_CANDIDATES"),
		OfferTimeout:   viper.GetDuration("OFFER_TIMEOUT"),
		RetryMax:       viper.GetInt("MATCH_RETRY_MAX"),
		RetryDelay:     viper.GetDuration("MATCH_RETRY_DELAY"),
		MaxBatch:       viper.GetInt("MAX_BATCH"),
		BatchRadiusM:   viper.GetFloat64("BATCH_RADIUS_M"),
		WeightDistance: viper.GetFloat64("WEIGHT_DISTANCE"),
		WeightRating:   viper.GetFloat64("WEIGHT_RATING"),
		WeightFairness: viper.GetFloat64("WEIGHT_FAIRNESS"),
	}

	// ── Surge ───────────────────────────────────────────
	cfg.Surge = SurgeConfig{
		CacheTTL:      viper.GetDuration("SURGE_CACHE_TTL"),
		WeatherFactor: viper.GetFloat64("WEATHER_FACTOR"),
	}

	// ── SLAs ────────────────────────────────────────────
	cfg.SLA = SLAConfig{
		OrderAssign:  viper.GetDuration("ORDER_ASSIGN_SLA"),
		OrderDeliver: viper.GetDuration("ORDER_DELIVER_SLA"),
		RideAssign:   viper.GetDuration("RIDE_ASSIGN_SLA"),
		RideComplete: viper.GetDuration("RIDE_COMPLETE_SLA"),
	}

	// ── Limits ──────────────────────────────────────────
	cfg.Limits = LimitsConfig{
		RateLimitWindow:  viper.GetDuration("RATE_LIMIT_WINDOW"),
		RateLimitMax:     viper.GetInt("RATE_LIMIT_MAX"),
		IdempotencyTTL:   viper.GetDuration("IDEMPOTENCY_TTL"),
		NotifyMaxRetries: viper.GetInt("NOTIFICATION_MAX_RETRIES"),
	}

	// ── Payments ────────────────────────────────────────
	cfg.Payment = PaymentConfig{
		CommissionPercent:         viper.GetInt("COMMISSION_PERCENT"),
		RewardRatePercent:         viper.GetInt("REWARD_RATE_PERCENT"),
		TDSPercent:                viper.GetInt("TDS_PERCENT"),
		CaptainPenaltyPercent:     viper.GetInt("CAPTAIN_PENALTY_PERCENT"),
		UserLateCancelPercent:     viper.GetInt("USER_LATE_CANCEL_PERCENT"),
		LateDeliveryRefundPercent: viper.GetInt("LATE_DELIVERY_REFUND_PERCENT"),
		NoShowFeePercent:          viper.GetInt("NO_SHOW_FEE_PERCENT"),
		GatewayKey:                viper.GetString("PAYMENT_GATEWAY_KEY"),
		GatewaySecret:             viper.GetString("PAYMENT_GATEWAY_SECRET"),
		GatewayURL:                viper.GetString("PAYMENT_GATEWAY_URL"),
		GatewayTimeout:            viper.GetDuration("PAYMENT_GATEWAY_TIMEOUT"),
	}

	// ── Maps ────────────────────────────────────────────
	cfg.Maps = MapsConfig{
		APIKey:        viper.GetString("MAPS_API_KEY"),
		Timeout:       viper.GetDuration("MAPS_TIMEOUT"),
		RouteCacheTTL: viper.GetDuration("ROUTE_CACHE_TTL"),
	}

	return cfg, nil
}
