package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server      ServerConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
	Reservation ReservationConfig
	Queue       QueueConfig
	RateLimit   RateLimitConfig
	Kafka       KafkaConfig
	Lock        LockConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PostgresConfig struct {
	User     string
	Password string
	Name     string
	Host     string
	Port     int
	SSLMode  string
	MaxConns int32
	Migrate  bool
}

type ReservationConfig struct {
	HoldTTL        time.Duration
	SweepInterval  time.Duration
	SweepBatch     int
	IdempotencyTTL time.Duration

	// IdempotencyClaimTTL is how long a key stays claimed while its request
	// is in flight. It must outlive Queue.ResultTimeout.
	IdempotencyClaimTTL time.Duration
}

type QueueConfig struct {
	// Backend is "memory" for a single process or "redis" for a shared queue.
	Backend           string
	Name              string
	ConsumerID        string
	Workers           int
	PollTimeout       time.Duration
	PromoteInterval   time.Duration
	ResultTimeout     time.Duration
	ResultTTL         time.Duration
	ExpiryMaxAttempts int
}

type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// KafkaConfig is optional. Lifecycle events are only produced to Kafka when
// Brokers is set.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type LockConfig struct {
	// Backend is "redis" or "etcd".
	Backend         string
	EtcdEndpoints   []string
	EtcdDialTimeout time.Duration
}

func New() (*Config, error) {
	const op = "config.New"

	_ = godotenv.Load()

	serverPort, err := envInt("SERVER_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	serverCfg := ServerConfig{
		Host: envString("SERVER_HOST", "localhost"),
		Port: serverPort,
	}

	postgresPort, err := envInt("POSTGRES_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	postgresUser := os.Getenv("POSTGRES_USER")
	if postgresUser == "" {
		return nil, fmt.Errorf("%s: missing POSTGRES_USER", op)
	}

	postgresPassword := os.Getenv("POSTGRES_PASSWORD")
	if postgresPassword == "" {
		return nil, fmt.Errorf("%s: missing POSTGRES_PASSWORD", op)
	}

	postgresDB := os.Getenv("POSTGRES_DB")
	if postgresDB == "" {
		return nil, fmt.Errorf("%s: missing POSTGRES_DB", op)
	}

	maxConns, err := envInt("POSTGRES_MAX_CONNS", 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	migrate, err := envBool("POSTGRES_MIGRATE", true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	postgresCfg := PostgresConfig{
		User:     postgresUser,
		Password: postgresPassword,
		Name:     postgresDB,
		Host:     envString("POSTGRES_HOST", "localhost"),
		Port:     postgresPort,
		SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		MaxConns: int32(maxConns),
		Migrate:  migrate,
	}

	redisDB, err := envInt("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	redisCfg := RedisConfig{
		Addr:     envString("REDIS_ADDR", "localhost:6380"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       redisDB,
	}

	var reservationCfg ReservationConfig
	if reservationCfg.HoldTTL, err = envDuration("RESERVATION_HOLD_TTL", 15*time.Minute); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if reservationCfg.SweepInterval, err = envDuration("RESERVATION_SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if reservationCfg.SweepBatch, err = envInt("RESERVATION_SWEEP_BATCH", 100); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if reservationCfg.IdempotencyTTL, err = envDuration("IDEMPOTENCY_TTL", 2*time.Hour); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if reservationCfg.IdempotencyClaimTTL, err = envDuration("IDEMPOTENCY_CLAIM_TTL", time.Minute); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	hostname, _ := os.Hostname()

	queueCfg := QueueConfig{
		Backend:    strings.ToLower(envString("QUEUE_BACKEND", "redis")),
		Name:       envString("QUEUE_NAME", "reservations"),
		ConsumerID: envString("QUEUE_CONSUMER_ID", hostname),
	}
	if queueCfg.Backend != "redis" && queueCfg.Backend != "memory" {
		return nil, fmt.Errorf("%s: invalid QUEUE_BACKEND %q", op, queueCfg.Backend)
	}
	if queueCfg.ConsumerID == "" {
		queueCfg.ConsumerID = "default"
	}
	if queueCfg.Workers, err = envInt("QUEUE_WORKERS", 8); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if queueCfg.PollTimeout, err = envDuration("QUEUE_POLL_TIMEOUT", time.Second); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if queueCfg.PromoteInterval, err = envDuration("QUEUE_PROMOTE_INTERVAL", time.Second); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if queueCfg.ResultTimeout, err = envDuration("QUEUE_RESULT_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if queueCfg.ResultTTL, err = envDuration("QUEUE_RESULT_TTL", time.Minute); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if reservationCfg.IdempotencyClaimTTL <= queueCfg.ResultTimeout {
		return nil, fmt.Errorf("%s: IDEMPOTENCY_CLAIM_TTL must exceed QUEUE_RESULT_TIMEOUT", op)
	}
	if queueCfg.ExpiryMaxAttempts, err = envInt("QUEUE_EXPIRY_MAX_ATTEMPTS", 5); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var rateLimitCfg RateLimitConfig
	if rateLimitCfg.Limit, err = envInt("RATE_LIMIT_RESERVE", 10); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if rateLimitCfg.Window, err = envDuration("RATE_LIMIT_WINDOW", time.Minute); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	kafkaCfg := KafkaConfig{
		Brokers: envList("KAFKA_BROKERS"),
		Topic:   envString("KAFKA_TOPIC", "reservation-lifecycle"),
	}

	lockCfg := LockConfig{
		Backend:       strings.ToLower(envString("LOCK_BACKEND", "redis")),
		EtcdEndpoints: envList("ETCD_ENDPOINTS"),
	}
	if lockCfg.EtcdDialTimeout, err = envDuration("ETCD_DIAL_TIMEOUT", 5*time.Second); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	switch lockCfg.Backend {
	case "redis":
	case "etcd":
		if len(lockCfg.EtcdEndpoints) == 0 {
			return nil, fmt.Errorf("%s: missing ETCD_ENDPOINTS", op)
		}
	default:
		return nil, fmt.Errorf("%s: invalid LOCK_BACKEND %q", op, lockCfg.Backend)
	}

	return &Config{
		Server:      serverCfg,
		Postgres:    postgresCfg,
		Redis:       redisCfg,
		Reservation: reservationCfg,
		Queue:       queueCfg,
		RateLimit:   rateLimitCfg,
		Kafka:       kafkaCfg,
		Lock:        lockCfg,
	}, nil
}

// DSN builds the postgres connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Name,
		c.SSLMode,
	)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envBool(key string, def bool) (bool, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return v, nil
}

// envList splits a comma separated variable, dropping empty entries.
func envList(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
