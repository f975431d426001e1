package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	App       *AppConfig       `yaml:"app"`
	WebSocket *WebSocketConfig `yaml:"websocket"`
	Sync      *SyncConfig      `yaml:"sync"`
	Gateway   *GatewayConfig   `yaml:"gateway"`
	Redis     *RedisConfig     `yaml:"redis"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	Debug       bool   `yaml:"debug"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

type WebSocketConfig struct {
	URL               string        `yaml:"url"`
	ReadBufferSize    int           `yaml:"read_buffer_size"`
	WriteBufferSize   int           `yaml:"write_buffer_size"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	PongTimeout       time.Duration `yaml:"pong_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	EnableCompression bool          `yaml:"enable_compression"`
}

// SyncConfig carries the timing knobs of the synchronization core. The
// defaults match production behavior; tests shrink them.
type SyncConfig struct {
	AckTimeout           time.Duration `yaml:"ack_timeout"`
	TypingDebounce       time.Duration `yaml:"typing_debounce"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
}

type GatewayConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	JWTSecret      string        `yaml:"jwt_secret"`
	HistoryPageSize int          `yaml:"history_page_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type RedisConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func Load() (*Config, error) {
	config := &Config{
		App:       loadAppConfig(),
		WebSocket: loadWebSocketConfig(),
		Sync:      loadSyncConfig(),
		Gateway:   loadGatewayConfig(),
		Redis:     loadRedisConfig(),
	}

	return config, nil
}

func loadAppConfig() *AppConfig {
	return &AppConfig{
		Name:        getEnv("APP_NAME", "GoRideSync"),
		Version:     getEnv("APP_VERSION", "1.0.0"),
		Environment: getEnv("APP_ENV", "development"),
		Debug:       getEnvAsBool("APP_DEBUG", true),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "text"),
	}
}

func loadWebSocketConfig() *WebSocketConfig {
	return &WebSocketConfig{
		URL:               getEnv("WEBSOCKET_URL", "ws://localhost:8081/ws"),
		ReadBufferSize:    getEnvAsInt("WEBSOCKET_READ_BUFFER_SIZE", 1024),
		WriteBufferSize:   getEnvAsInt("WEBSOCKET_WRITE_BUFFER_SIZE", 1024),
		HandshakeTimeout:  getEnvAsDuration("WEBSOCKET_HANDSHAKE_TIMEOUT", 10*time.Second),
		PingInterval:      getEnvAsDuration("WEBSOCKET_PING_INTERVAL", 54*time.Second),
		PongTimeout:       getEnvAsDuration("WEBSOCKET_PONG_TIMEOUT", 60*time.Second),
		WriteTimeout:      getEnvAsDuration("WEBSOCKET_WRITE_TIMEOUT", 10*time.Second),
		MaxMessageSize:    int64(getEnvAsInt("WEBSOCKET_MAX_MESSAGE_SIZE", 65536)),
		EnableCompression: getEnvAsBool("WEBSOCKET_ENABLE_COMPRESSION", false),
	}
}

func loadSyncConfig() *SyncConfig {
	return &SyncConfig{
		AckTimeout:           getEnvAsDuration("SYNC_ACK_TIMEOUT", 8*time.Second),
		TypingDebounce:       getEnvAsDuration("SYNC_TYPING_DEBOUNCE", 2*time.Second),
		ReconnectBaseDelay:   getEnvAsDuration("SYNC_RECONNECT_BASE_DELAY", 1*time.Second),
		ReconnectMaxDelay:    getEnvAsDuration("SYNC_RECONNECT_MAX_DELAY", 30*time.Second),
		MaxReconnectAttempts: getEnvAsInt("SYNC_MAX_RECONNECT_ATTEMPTS", 10),
	}
}

func loadGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		Host:            getEnv("GATEWAY_HOST", "localhost"),
		Port:            getEnvAsInt("GATEWAY_PORT", 8081),
		JWTSecret:       getEnv("GATEWAY_JWT_SECRET", "your-super-secret-jwt-key"),
		HistoryPageSize: getEnvAsInt("GATEWAY_HISTORY_PAGE_SIZE", 50),
		RequestTimeout:  getEnvAsDuration("GATEWAY_REQUEST_TIMEOUT", 15*time.Second),
	}
}

func loadRedisConfig() *RedisConfig {
	return &RedisConfig{
		Host:         getEnv("REDIS_HOST", "localhost"),
		Port:         getEnvAsInt("REDIS_PORT", 6379),
		Password:     getEnv("REDIS_PASSWORD", ""),
		DB:           getEnvAsInt("REDIS_DB", 0),
		PoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 10),
		MinIdleConns: getEnvAsInt("REDIS_MIN_IDLE_CONNS", 2),
		DialTimeout:  getEnvAsDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		ReadTimeout:  getEnvAsDuration("REDIS_READ_TIMEOUT", 3*time.Second),
		WriteTimeout: getEnvAsDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func IsProduction() bool {
	return getEnv("APP_ENV", "development") == "production"
}
