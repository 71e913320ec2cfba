package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
)

type Config struct {
	Server   ServerConfig
	Postgres PostgresConfig
	Kafka    KafkaConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Gateway  GatewayConfig
}

type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type PostgresConfig struct {
	URL string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	// Sarama-specific
	Version       string
	ConsumerGroup string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

type GatewayConfig struct {
	PingInterval   time.Duration
	WriteWait      time.Duration
	HandlerTimeout time.Duration
	SendBuffer     int
	EventChannel   string
	SnapshotDepth  int
}

func New() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            getEnv("SERVER_ADDR", ":8080"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 5*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Postgres: PostgresConfig{
			URL: os.Getenv("POSTGRES_URL"),
		},
		Kafka: KafkaConfig{
			Brokers:       strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			Topic:         getEnv("KAFKA_TOPIC", "balance-jobs"),
			Version:       os.Getenv("KAFKA_VERSION"),
			ConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "balance-worker"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
			TokenTTL:  getEnvAsDuration("JWT_TOKEN_TTL", 24*time.Hour),
		},
		Gateway: GatewayConfig{
			PingInterval:   getEnvAsDuration("GATEWAY_PING_INTERVAL", 30*time.Second),
			WriteWait:      getEnvAsDuration("GATEWAY_WRITE_WAIT", 10*time.Second),
			HandlerTimeout: getEnvAsDuration("GATEWAY_HANDLER_TIMEOUT", 10*time.Second),
			SendBuffer:     getEnvAsInt("GATEWAY_SEND_BUFFER", 256),
			EventChannel:   getEnv("GATEWAY_EVENT_CHANNEL", "wallet:events"),
			SnapshotDepth:  getEnvAsInt("GATEWAY_SNAPSHOT_DEPTH", 20),
		},
	}
}

func (k *KafkaConfig) GetSaramaConfig() *sarama.Config {
	config := sarama.NewConfig()

	if k.Version != "" {
		version, err := sarama.ParseKafkaVersion(k.Version)
		if err == nil {
			config.Version = version
		}
	}

	// Consumer settings. A short commit interval keeps the replay
	// window after a crash small; a fresh group starts from the
	// earliest offset so jobs queued before the first run are applied.
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Offsets.AutoCommit.Interval = time.Second
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	config.Consumer.Fetch.Min = 1
	config.Consumer.Fetch.Default = 1024 * 1024 // 1MB
	config.Consumer.MaxWaitTime = 100 * time.Millisecond

	// Network settings
	config.Net.MaxOpenRequests = 5
	config.Net.DialTimeout = 30 * time.Second
	config.Net.ReadTimeout = 30 * time.Second
	config.Net.WriteTimeout = 30 * time.Second

	return config
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
