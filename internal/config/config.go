package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string

	Server        ServerConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	Auth          AuthConfig
	RateLimit     RateLimitConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	Logging       LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	EnableTLS   bool
	TLSPort     int
	AutoCert    bool
	Domain      string
	CertFile    string
	KeyFile     string
	AutoCertDir string
	Email       string

	CORSOrigins []string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers     []string
	SMSTopic    string
	EventsTopic string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

type ElasticsearchConfig struct {
	URL        string
	Username   string
	Password   string
	EventIndex string
}

type AuthConfig struct {
	JWTSecret   string
	TokenTTL    time.Duration
	AdminSecret string

	PINLength         int
	PINTTL            time.Duration
	MaxVerifyAttempts int
	VerifyWindow      time.Duration

	// TestPhone bypasses rate limiting and accepts TestPIN, for app-store review
	// accounts. Empty disables the bypass.
	TestPhone string
	TestPIN   string
}

type RateLimitConfig struct {
	MaxRequestsPerHour int
	MaxRequestsPerDay  int
	Cooldown           time.Duration
	BlockDuration      time.Duration
	Retention          time.Duration
}

type HashingConfig struct {
	Argon2MemoryCost   int
	Argon2TimeCost     int
	Argon2Parallelism  int
	PepperRotationDays int
}

type BucketingConfig struct {
	AccountBuckets int
	EventBuckets   int
}

type LoggingConfig struct {
	Level  string
	Format string
}

var (
	global *Config
	once   sync.Once
)

// LoadConfig reads configuration from the environment, loading .env first when
// present. The result is cached; subsequent calls return the same Config.
func LoadConfig() *Config {
	once.Do(func() {
		_ = godotenv.Load()

		global = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Host:         getEnv("SERVER_HOST", "0.0.0.0"),
				Port:         getEnvInt("SERVER_PORT", 8080),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
				Domain:       getEnv("SERVER_DOMAIN", "localhost"),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "/var/lib/presence/certs"),
				Email:        getEnv("SERVER_ACME_EMAIL", ""),
				CORSOrigins:  getEnvList("SERVER_CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    getEnvList("SCYLLA_NODES", nil),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "presence"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers:     getEnvList("KAFKA_BROKERS", nil),
				SMSTopic:    getEnv("KAFKA_SMS_TOPIC", "sms.dispatch"),
				EventsTopic: getEnv("KAFKA_EVENTS_TOPIC", "presence.abuse-events"),
			},
			Clickhouse: ClickhouseConfig{
				URL:      getEnv("CLICKHOUSE_URL", ""),
				Database: getEnv("CLICKHOUSE_DATABASE", "presence"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Elasticsearch: ElasticsearchConfig{
				URL:        getEnv("ELASTICSEARCH_URL", ""),
				Username:   getEnv("ELASTICSEARCH_USERNAME", ""),
				Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
				EventIndex: getEnv("ELASTICSEARCH_EVENT_INDEX", "presence-abuse-events"),
			},
			Auth: AuthConfig{
				JWTSecret:         getEnv("JWT_SECRET", "devsecret"),
				TokenTTL:          getEnvDuration("JWT_TOKEN_TTL", 7*24*time.Hour),
				AdminSecret:       getEnv("ADMIN_SECRET", "admin-secret-123"),
				PINLength:         getEnvInt("AUTH_PIN_LENGTH", 4),
				PINTTL:            getEnvDuration("AUTH_PIN_TTL", 10*time.Minute),
				MaxVerifyAttempts: getEnvInt("AUTH_MAX_VERIFY_ATTEMPTS", 5),
				VerifyWindow:      getEnvDuration("AUTH_VERIFY_WINDOW", 10*time.Minute),
				TestPhone:         getEnv("AUTH_TEST_PHONE", "+12345678900"),
				TestPIN:           getEnv("AUTH_TEST_PIN", "1234"),
			},
			RateLimit: RateLimitConfig{
				MaxRequestsPerHour: getEnvInt("RATE_LIMIT_MAX_PER_HOUR", 5),
				MaxRequestsPerDay:  getEnvInt("RATE_LIMIT_MAX_PER_DAY", 20),
				Cooldown:           getEnvDuration("RATE_LIMIT_COOLDOWN", 2*time.Minute),
				BlockDuration:      getEnvDuration("RATE_LIMIT_BLOCK_DURATION", 24*time.Hour),
				Retention:          getEnvDuration("RATE_LIMIT_RETENTION", 7*24*time.Hour),
			},
			Hashing: HashingConfig{
				Argon2MemoryCost:   getEnvInt("ARGON2_MEMORY_COST", 65536),
				Argon2TimeCost:     getEnvInt("ARGON2_TIME_COST", 3),
				Argon2Parallelism:  getEnvInt("ARGON2_PARALLELISM", 4),
				PepperRotationDays: getEnvInt("PEPPER_ROTATION_DAYS", 90),
			},
			Bucketing: BucketingConfig{
				AccountBuckets: getEnvInt("BUCKETING_ACCOUNT_BUCKETS", 64),
				EventBuckets:   getEnvInt("BUCKETING_EVENT_BUCKETS", 64),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "console"),
			},
		}
	})

	return global
}

// Get returns the cached config, loading it on first use.
func Get() *Config {
	return LoadConfig()
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

// ScyllaEnabled reports whether an account store backend was configured.
// Without nodes the service falls back to the in-memory store.
func (c *Config) ScyllaEnabled() bool {
	return len(c.Scylla.Nodes) > 0
}

func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

func (c *Config) ClickhouseEnabled() bool {
	return c.Clickhouse.URL != ""
}

func (c *Config) ElasticsearchEnabled() bool {
	return c.Elasticsearch.URL != ""
}

func (c *Config) GetServerAddress() string {
	return c.Server.Host + ":" + strconv.Itoa(c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
