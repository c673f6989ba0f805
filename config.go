package main

import (
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type UserCredential struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	StaticDir  string `yaml:"static_dir"`
	DBPath     string `yaml:"db_path"`

	JWTSecret        string           `yaml:"jwt_secret"`
	TokenExpiryHours int              `yaml:"token_expiry_hours"`
	Users            []UserCredential `yaml:"users"`

	MQTTBroker                string `yaml:"mqtt_broker"`
	MQTTClientID              string `yaml:"mqtt_client_id"`
	MQTTReconnectMaxSeconds   int    `yaml:"mqtt_reconnect_max_interval_seconds"`
	MQTTPublishTimeoutSeconds int    `yaml:"mqtt_publish_timeout_seconds"`

	EventQueueSize    int `yaml:"event_queue_size"`
	SessionSendBuffer int `yaml:"session_send_buffer"`
	BacklogLimit      int `yaml:"backlog_limit"`

	WatchdogSchedule   string `yaml:"watchdog_schedule"`
	HealthStaleSeconds int    `yaml:"health_stale_seconds"`
}

func LoadConfig() Config {
	var cfg Config

	// Load from config.yaml if it exists
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	// Env vars override YAML values
	envOverride(&cfg.ListenAddr, "LISTEN_ADDR")
	envOverride(&cfg.StaticDir, "STATIC_DIR")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.JWTSecret, "JWT_SECRET")
	envOverrideInt(&cfg.TokenExpiryHours, "TOKEN_EXPIRY_HOURS")
	envOverride(&cfg.MQTTBroker, "MQTT_BROKER")
	envOverride(&cfg.MQTTClientID, "MQTT_CLIENT_ID")
	envOverrideInt(&cfg.MQTTReconnectMaxSeconds, "MQTT_RECONNECT_MAX_INTERVAL_SECONDS")
	envOverrideInt(&cfg.MQTTPublishTimeoutSeconds, "MQTT_PUBLISH_TIMEOUT_SECONDS")
	envOverrideInt(&cfg.EventQueueSize, "EVENT_QUEUE_SIZE")
	envOverrideInt(&cfg.SessionSendBuffer, "SESSION_SEND_BUFFER")
	envOverrideInt(&cfg.BacklogLimit, "BACKLOG_LIMIT")
	envOverride(&cfg.WatchdogSchedule, "WATCHDOG_SCHEDULE")
	envOverrideInt(&cfg.HealthStaleSeconds, "HEALTH_STALE_SECONDS")

	// USERS="admin:password123,operator:hunter2" for container deployments
	// without a mounted config.yaml.
	if pairs := os.Getenv("USERS"); pairs != "" {
		cfg.Users = nil
		for _, pair := range strings.Split(pairs, ",") {
			name, pass, ok := strings.Cut(strings.TrimSpace(pair), ":")
			if ok && name != "" {
				cfg.Users = append(cfg.Users, UserCredential{Username: name, Password: pass})
			}
		}
	}

	applyDefaults(&cfg)

	// Validate required fields
	if cfg.JWTSecret == "" {
		log.Fatalf("Required config 'jwt_secret' is not set (via config.yaml or env var)")
	}
	if len(cfg.Users) == 0 {
		log.Fatalf("Required config 'users' is not set (via config.yaml or USERS env var)")
	}
	if cfg.TokenExpiryHours < 1 {
		log.Fatalf("invalid token_expiry_hours '%d': must be >= 1", cfg.TokenExpiryHours)
	}
	if cfg.EventQueueSize < 1 {
		log.Fatalf("invalid event_queue_size '%d': must be >= 1", cfg.EventQueueSize)
	}
	if cfg.HealthStaleSeconds < 1 {
		log.Fatalf("invalid health_stale_seconds '%d': must be >= 1", cfg.HealthStaleSeconds)
	}

	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":5000"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./trashcan.db"
	}
	if cfg.TokenExpiryHours == 0 {
		cfg.TokenExpiryHours = 12
	}
	if cfg.MQTTBroker == "" {
		cfg.MQTTBroker = "tcp://localhost:1883"
	}
	if cfg.MQTTClientID == "" {
		cfg.MQTTClientID = "trashcan-relay"
	}
	if cfg.MQTTReconnectMaxSeconds == 0 {
		cfg.MQTTReconnectMaxSeconds = 60
	}
	if cfg.MQTTPublishTimeoutSeconds == 0 {
		cfg.MQTTPublishTimeoutSeconds = 5
	}
	if cfg.EventQueueSize == 0 {
		cfg.EventQueueSize = 256
	}
	if cfg.SessionSendBuffer == 0 {
		cfg.SessionSendBuffer = 32
	}
	if cfg.BacklogLimit == 0 {
		cfg.BacklogLimit = 20
	}
	if cfg.HealthStaleSeconds == 0 {
		cfg.HealthStaleSeconds = 120
	}
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}
