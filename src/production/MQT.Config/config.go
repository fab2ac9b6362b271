package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds all edge gateway configuration
type Config struct {
	Node    NodeConfig    `json:"node"`
	Local   MQTTConfig    `json:"local"`
	Cloud   MQTTConfig    `json:"cloud"`
	Store   StoreConfig   `json:"store"`
	Bridge  BridgeConfig  `json:"bridge"`
	Server  ServerConfig  `json:"server"`
	Auth    AuthConfig    `json:"auth"`
	Logging LoggingConfig `json:"logging"`
	CORS    CORSConfig    `json:"cors"`
}

// NodeConfig identifies this gateway
type NodeConfig struct {
	ID       string `json:"id"`
	Location string `json:"location"`
}

// MQTTConfig holds the settings of one broker connection
type MQTTConfig struct {
	Name            string        `json:"name"`
	BrokerHost      string        `json:"broker_host"`
	BrokerPort      int           `json:"broker_port"`
	BrokerUser      string        `json:"broker_user"`
	BrokerPass      string        `json:"-"`
	UseTLS          bool          `json:"use_tls"`
	CACertPath      string        `json:"ca_cert_path"`
	ClientID        string        `json:"client_id"`
	ConnectTimeout  time.Duration `json:"connect_timeout"`
	ReconnectPeriod time.Duration `json:"reconnect_period"` // 0 disables retry; only diagnostics use it
	KeepAlive       time.Duration `json:"keep_alive"`
	PingTimeout     time.Duration `json:"ping_timeout"`
	PublishTimeout  time.Duration `json:"publish_timeout"`
}

// StoreConfig selects and configures the reading store
type StoreConfig struct {
	Driver         string         `json:"driver"` // sqlite, postgres or mongo
	Path           string         `json:"path"`
	Postgres       DatabaseConfig `json:"postgres"`
	MongoURI       string         `json:"-"`
	MongoDatabase  string         `json:"mongo_database"`
	ConnectTimeout time.Duration  `json:"connect_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"-"`
	DBName   string `json:"db_name"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int    `json:"max_conns"`
}

// BridgeConfig holds persistence batching and forwarding pool settings
type BridgeConfig struct {
	BatchSize        int           `json:"batch_size"`
	BatchWindow      time.Duration `json:"batch_window"`
	PersistQueueSize int           `json:"persist_queue_size"`
	ForwardWorkers   int           `json:"forward_workers"`
	ForwardQueueSize int           `json:"forward_queue_size"`
}

// ServerConfig holds HTTP adapter configuration
type ServerConfig struct {
	Port         string        `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// AuthConfig guards /api routes when JWTSecretKey is set
type AuthConfig struct {
	JWTSecretKey  string        `json:"-"`
	JWTIssuer     string        `json:"jwt_issuer"`
	TokenDuration time.Duration `json:"token_duration"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level        string `json:"level"`
	Format       string `json:"format"` // json or text
	Output       string `json:"output"` // stdout or stderr
	EnableCaller bool   `json:"enable_caller"`
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins []string `json:"allowed_origins"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Load loads configuration from .env and environment variables with fallback defaults
func Load() (*Config, error) {
	// A missing .env is fine; the environment may be set directly
	_ = godotenv.Load()

	connectTimeout := getDuration("MQTT_CONNECT_TIMEOUT", 30*time.Second)
	reconnectPeriod := getDuration("MQTT_RECONNECT_PERIOD", 5*time.Second)
	keepAlive := getDuration("MQTT_KEEP_ALIVE", 30*time.Second)
	pingTimeout := getDuration("MQTT_PING_TIMEOUT", 10*time.Second)
	publishTimeout := getDuration("MQTT_PUBLISH_TIMEOUT", 10*time.Second)

	config := &Config{
		Node: NodeConfig{
			ID:       getEnv("EDGE_NODE_ID", "edge_001"),
			Location: getEnv("LOCATION", "Unknown"),
		},
		Local: MQTTConfig{
			Name:            "local",
			BrokerHost:      getEnv("LOCAL_MQTT_HOST", "localhost"),
			BrokerPort:      getInt("LOCAL_MQTT_PORT", 1883),
			BrokerUser:      getEnv("LOCAL_MQTT_USERNAME", ""),
			BrokerPass:      getEnv("LOCAL_MQTT_PASSWORD", ""),
			UseTLS:          getBool("LOCAL_MQTT_TLS", false),
			CACertPath:      getEnv("LOCAL_MQTT_CA_FILE", ""),
			ClientID:        getEnv("LOCAL_MQTT_CLIENT_ID", defaultClientID("local")),
			ConnectTimeout:  connectTimeout,
			ReconnectPeriod: reconnectPeriod,
			KeepAlive:       keepAlive,
			PingTimeout:     pingTimeout,
			PublishTimeout:  publishTimeout,
		},
		Cloud: MQTTConfig{
			Name:            "cloud",
			BrokerHost:      getEnv("CLOUD_MQTT_HOST", ""),
			BrokerPort:      getInt("CLOUD_MQTT_PORT", 1883),
			BrokerUser:      getEnv("CLOUD_MQTT_USERNAME", ""),
			BrokerPass:      getEnv("CLOUD_MQTT_PASSWORD", ""),
			UseTLS:          getBool("CLOUD_MQTT_TLS", false),
			CACertPath:      getEnv("CLOUD_MQTT_CA_FILE", ""),
			ClientID:        getEnv("CLOUD_MQTT_CLIENT_ID", defaultClientID("cloud")),
			ConnectTimeout:  connectTimeout,
			ReconnectPeriod: reconnectPeriod,
			KeepAlive:       keepAlive,
			PingTimeout:     pingTimeout,
			PublishTimeout:  publishTimeout,
		},
		Store: StoreConfig{
			Driver: strings.ToLower(getEnv("DB_DRIVER", DriverSQLite)),
			Path:   getEnv("DB_PATH", "./data/inventory.db"),
			Postgres: DatabaseConfig{
				Host:     getEnv("POSTGRES_HOST", "localhost"),
				Port:     getInt("POSTGRES_PORT", 5432),
				User:     getEnv("POSTGRES_USER", ""),
				Password: getEnv("POSTGRES_PASSWORD", ""),
				DBName:   getEnv("POSTGRES_DB", "inventory"),
				SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
				MaxConns: getInt("POSTGRES_MAX_CONNS", 5),
			},
			MongoURI:       getEnv("MONGODB_URI", ""),
			MongoDatabase:  getEnv("MONGODB_DATABASE", "edge_gateway"),
			ConnectTimeout: getDuration("DB_CONNECT_TIMEOUT", 20*time.Second),
		},
		Bridge: BridgeConfig{
			BatchSize:        getInt("BATCH_SIZE", 50),
			BatchWindow:      getDuration("BATCH_WINDOW", 500*time.Millisecond),
			PersistQueueSize: getInt("PERSIST_QUEUE_SIZE", 4096),
			ForwardWorkers:   getInt("FORWARD_WORKERS", 4),
			ForwardQueueSize: getInt("FORWARD_QUEUE_SIZE", 1024),
		},
		Server: ServerConfig{
			Port:         getEnv("WEB_PORT", "3000"),
			ReadTimeout:  getDuration("READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDuration("WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getDuration("IDLE_TIMEOUT", 120*time.Second),
		},
		Auth: AuthConfig{
			JWTSecretKey:  getEnv("API_JWT_SECRET", ""),
			JWTIssuer:     getEnv("API_JWT_ISSUER", "edge-gateway"),
			TokenDuration: getDuration("API_TOKEN_DURATION", 24*time.Hour),
		},
		Logging: LoggingConfig{
			Level:        getEnv("LOG_LEVEL", "info"),
			Format:       getEnv("LOG_FORMAT", "text"),
			Output:       getEnv("LOG_OUTPUT", "stdout"),
			EnableCaller: getBool("LOG_ENABLE_CALLER", false),
		},
		CORS: CORSConfig{
			AllowedOrigins: getStringSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Local.BrokerHost == "" {
		return fmt.Errorf("LOCAL_MQTT_HOST is required")
	}
	if err := c.Local.validate(); err != nil {
		return err
	}
	if c.CloudEnabled() {
		if err := c.Cloud.validate(); err != nil {
			return err
		}
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("DB_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.Postgres.User == "" {
			return fmt.Errorf("POSTGRES_USER is required for the postgres driver")
		}
	case DriverMongo:
		if c.Store.MongoURI == "" {
			return fmt.Errorf("MONGODB_URI is required for the mongo driver")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q (expected sqlite, postgres or mongo)", c.Store.Driver)
	}

	if c.Bridge.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be at least 1")
	}
	if c.Bridge.BatchWindow <= 0 {
		return fmt.Errorf("BATCH_WINDOW must be positive")
	}
	if c.Bridge.ForwardWorkers < 1 {
		return fmt.Errorf("FORWARD_WORKERS must be at least 1")
	}
	if c.Bridge.PersistQueueSize < 1 || c.Bridge.ForwardQueueSize < 1 {
		return fmt.Errorf("queue sizes must be at least 1")
	}
	return nil
}

func (m MQTTConfig) validate() error {
	if m.BrokerPort <= 0 || m.BrokerPort > 65535 {
		return fmt.Errorf("%s broker port %d out of range", m.Name, m.BrokerPort)
	}
	if m.ConnectTimeout <= 0 {
		return fmt.Errorf("%s connect timeout must be positive", m.Name)
	}
	if m.ReconnectPeriod <= 0 {
		return fmt.Errorf("%s reconnect period must be positive (MQTT_RECONNECT_PERIOD)", m.Name)
	}
	return nil
}

// CloudEnabled reports whether a cloud broker is configured
func (c *Config) CloudEnabled() bool {
	return c.Cloud.BrokerHost != ""
}

// BrokerURL returns the paho broker URL, tcp:// or tcps://
func (m MQTTConfig) BrokerURL() string {
	scheme := "tcp"
	if m.UseTLS {
		scheme = "tcps"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, m.BrokerHost, m.BrokerPort)
}

// Address returns host:port for status reporting
func (m MQTTConfig) Address() string {
	return fmt.Sprintf("%s:%d", m.BrokerHost, m.BrokerPort)
}

// HasCredentials reports whether both username and password are set;
// a lone username or password means anonymous
func (m MQTTConfig) HasCredentials() bool {
	return m.BrokerUser != "" && m.BrokerPass != ""
}

// GetDatabaseDSN returns the PostgreSQL connection string
func (c *Config) GetDatabaseDSN() string {
	db := c.Store.Postgres
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.User, db.Password, db.DBName, db.SSLMode)
}

func defaultClientID(role string) string {
	return fmt.Sprintf("edge-gateway-%s-%s", role, uuid.NewString()[:8])
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return intValue
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if value == "1" || value == "true" || value == "TRUE" {
		return true
	}
	if value == "0" || value == "false" || value == "FALSE" {
		return false
	}
	log.Fatalf("invalid %s: %q (expected true/false or 1/0)", key, value)
	return defaultValue
}

// getDuration accepts Go durations ("5s") or bare milliseconds ("5000")
func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return duration
}

func getStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
