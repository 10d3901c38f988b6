package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	StatusPort int    `mapstructure:"status_port"`

	Room        string `mapstructure:"room"`
	DisplayName string `mapstructure:"display_name"`

	// Signaling backend: "redis", "relay" (websocket) or "memory".
	Signaling     string `mapstructure:"signaling"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RelayURL      string `mapstructure:"relay_url"`
	Secret        string `mapstructure:"secret"`

	ICEServers []string `mapstructure:"ice_servers"`

	MeshCap            int           `mapstructure:"mesh_cap"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	ReconnectAttempts  int           `mapstructure:"reconnect_attempts"`
	ReconnectBase      time.Duration `mapstructure:"reconnect_base"`
	ReconnectCap       time.Duration `mapstructure:"reconnect_cap"`

	HealthInterval  time.Duration `mapstructure:"health_interval"`
	StaleThreshold  time.Duration `mapstructure:"stale_threshold"`
	FailedRetention time.Duration `mapstructure:"failed_retention"`

	SpeakerInterval   time.Duration `mapstructure:"speaker_interval"`
	SpeakingThreshold uint8         `mapstructure:"speaking_threshold"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("status_port", 8080)
	v.SetDefault("room", "lobby")
	v.SetDefault("display_name", "guest")
	v.SetDefault("signaling", "redis")
	v.SetDefault("redis_addr", "127.0.0.1:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("relay_url", "ws://127.0.0.1:9090/ws")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("mesh_cap", 8)
	v.SetDefault("negotiation_timeout", "15s")
	v.SetDefault("reconnect_attempts", 3)
	v.SetDefault("reconnect_base", "1s")
	v.SetDefault("reconnect_cap", "5s")
	v.SetDefault("health_interval", "10s")
	v.SetDefault("stale_threshold", "30s")
	v.SetDefault("failed_retention", "60s")
	v.SetDefault("speaker_interval", "1s")
	v.SetDefault("speaking_threshold", 40)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
