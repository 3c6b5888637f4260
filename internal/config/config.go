package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Chat    ChatConfig    `yaml:"chat"`
	Profile ProfileConfig `yaml:"profile"`
	Events  EventsConfig  `yaml:"events"`
	Log     LogConfig     `yaml:"log"`
}

// Load 先读取 CHAT_CONFIG_FILE 指定的 YAML 文件（可选），再用环境变量覆盖。
func Load() (*Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("CHAT_CONFIG_FILE")); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 返回未做任何配置时的默认值。
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Store:  StoreConfig{Driver: StoreMemory, PebblePath: "data/messages"},
		Chat: ChatConfig{
			NewMessageTTL: 2 * time.Second,
			SendRPS:       5,
			SendBurst:     10,
		},
		Events: EventsConfig{Subject: "bookstore.chat.message.created"},
		Log:    LogConfig{Level: "info"},
	}
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if cfg.Server.Addr != "" {
		addr, err := normalizeAddr(cfg.Server.Addr)
		if err != nil {
			return err
		}
		cfg.Server.Addr = addr
	}
	return nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Store drivers.
const (
	StoreMemory = "memory"
	StorePebble = "pebble"
)

// StoreConfig 描述消息存储配置。
type StoreConfig struct {
	Driver     string `yaml:"driver"`
	PebblePath string `yaml:"pebblePath"`
}

// ChatConfig 描述聊天界面与发送限流配置。
type ChatConfig struct {
	NewMessageTTL time.Duration `yaml:"newMessageTTL"`
	SendRPS       float64       `yaml:"sendRPS"`
	SendBurst     int           `yaml:"sendBurst"`
}

// ProfileConfig 描述资料查询服务（Redis）配置；Addr 为空时使用内存实现。
type ProfileConfig struct {
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`
}

// Enabled 表示是否配置了 Redis。
func (c ProfileConfig) Enabled() bool {
	return c.RedisAddr != ""
}

// EventsConfig 描述消息事件发布（NATS）配置；URL 为空时不发布。
type EventsConfig struct {
	NATSURL string `yaml:"natsURL"`
	Subject string `yaml:"subject"`
}

// Enabled 表示是否配置了 NATS。
func (c EventsConfig) Enabled() bool {
	return c.NATSURL != ""
}

// LogConfig 描述日志配置。
type LogConfig struct {
	Level string `yaml:"level"`
}

func (c *Config) applyEnv() error {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		addr, err := normalizeAddr(port)
		if err != nil {
			return err
		}
		c.Server.Addr = addr
	}

	c.Store.Driver = getEnvOrDefault("CHAT_STORE_DRIVER", c.Store.Driver)
	c.Store.PebblePath = getEnvOrDefault("CHAT_PEBBLE_PATH", c.Store.PebblePath)

	ttl, err := parseOptionalDurationEnv("CHAT_NEW_MESSAGE_TTL")
	if err != nil {
		return err
	}
	if ttl != nil {
		c.Chat.NewMessageTTL = *ttl
	}

	rps, err := parseOptionalFloatEnv("CHAT_SEND_RPS")
	if err != nil {
		return err
	}
	if rps != nil {
		c.Chat.SendRPS = *rps
	}

	burst, err := parseOptionalIntEnv("CHAT_SEND_BURST")
	if err != nil {
		return err
	}
	if burst != nil {
		c.Chat.SendBurst = *burst
	}

	c.Profile.RedisAddr = getEnvOrDefault("REDIS_ADDR", c.Profile.RedisAddr)
	c.Profile.RedisPassword = getEnvOrDefault("REDIS_PASSWORD", c.Profile.RedisPassword)
	db, err := parseOptionalIntEnv("REDIS_DB")
	if err != nil {
		return err
	}
	if db != nil {
		c.Profile.RedisDB = *db
	}

	c.Events.NATSURL = getEnvOrDefault("NATS_URL", c.Events.NATSURL)
	c.Events.Subject = getEnvOrDefault("NATS_SUBJECT", c.Events.Subject)

	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
	return nil
}

// Validate 检查组合后的配置是否可用。
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory:
	case StorePebble:
		if strings.TrimSpace(c.Store.PebblePath) == "" {
			return fmt.Errorf("CHAT_PEBBLE_PATH is required for the pebble store")
		}
	default:
		return fmt.Errorf("invalid CHAT_STORE_DRIVER value: %q", c.Store.Driver)
	}
	if c.Chat.NewMessageTTL <= 0 {
		return fmt.Errorf("invalid CHAT_NEW_MESSAGE_TTL value: %s", c.Chat.NewMessageTTL)
	}
	if c.Chat.SendRPS <= 0 || c.Chat.SendBurst < 1 {
		return fmt.Errorf("invalid send rate limit: rps=%v burst=%d", c.Chat.SendRPS, c.Chat.SendBurst)
	}
	return nil
}

// normalizeAddr 允许用户直接传入 "8080"、":8080" 或 "127.0.0.1:8080"。
func normalizeAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}
	if strings.Contains(port, ":") {
		return port, nil
	}
	return ":" + port, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseOptionalDurationEnv(key string) (*time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil, nil
	}

	val, err := time.ParseDuration(value)
	if err != nil {
		// 兼容纯数字的毫秒写法，例如 "2000"。
		ms, msErr := strconv.Atoi(value)
		if msErr != nil {
			return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
		}
		val = time.Duration(ms) * time.Millisecond
	}
	return &val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
