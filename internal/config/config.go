package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string          `mapstructure:"mode"`
	Port       int             `mapstructure:"port"`
	Secret     string          `mapstructure:"secret"`
	LogLevel   string          `mapstructure:"log_level"`
	ICEServers []ICEServer     `mapstructure:"ice_servers"`
	Transport  TransportConfig `mapstructure:"transport"`
	Signaling  SignalingConfig `mapstructure:"signaling"`
	Store      StoreConfig     `mapstructure:"store"`
	Media      MediaConfig     `mapstructure:"media"`
}

// ICEServer is passed through to the peer connections untouched.
type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type TransportConfig struct {
	Driver string      `mapstructure:"driver"` // redis | memory
	Redis  RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type SignalingConfig struct {
	SubscribeTimeout time.Duration `mapstructure:"subscribe_timeout"`
	HeartbeatPeriod  time.Duration `mapstructure:"heartbeat_period"`
	PresenceTTL      time.Duration `mapstructure:"presence_ttl"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // postgres | sqlite | memory
	DSN    string `mapstructure:"dsn"`
}

type MediaConfig struct {
	CameraFile     string `mapstructure:"camera_file"`
	MicrophoneFile string `mapstructure:"microphone_file"`
	ScreenFile     string `mapstructure:"screen_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})
	v.SetDefault("transport.driver", "redis")
	v.SetDefault("transport.redis.addr", "localhost:6379")
	v.SetDefault("transport.redis.password", "")
	v.SetDefault("transport.redis.db", 0)
	v.SetDefault("transport.redis.prefix", "liveroom:")
	v.SetDefault("signaling.subscribe_timeout", "10s")
	v.SetDefault("signaling.heartbeat_period", "15s")
	v.SetDefault("signaling.presence_ttl", "45s")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "file:liveroom.db?cache=shared")
	// Empty media files select the synthetic devices.
	v.SetDefault("media.camera_file", "")
	v.SetDefault("media.microphone_file", "")
	v.SetDefault("media.screen_file", "")
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

	v.SetEnvPrefix("LIVEROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Transport: %s | Store: %s\n", cfg.Mode, cfg.Port, cfg.Transport.Driver, cfg.Store.Driver)
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Transport.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown transport driver %q", c.Transport.Driver)
	}
	switch c.Store.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Signaling.SubscribeTimeout <= 0 {
		return fmt.Errorf("signaling.subscribe_timeout must be positive")
	}
	if c.Signaling.PresenceTTL <= c.Signaling.HeartbeatPeriod {
		return fmt.Errorf("signaling.presence_ttl must exceed heartbeat_period")
	}
	return nil
}

// WebRTC turns the opaque ICE server list into a pion configuration.
func (c *Config) WebRTC() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		servers = append(servers, srv)
	}
	return webrtc.Configuration{ICEServers: servers}
}
