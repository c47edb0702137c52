package config

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// global configuration structure
type Config struct {
	Bot         BotConfig         `mapstructure:"bot"`
	Logger      LoggerConfig      `mapstructure:"logger"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Moderation  ModerationConfig  `mapstructure:"moderation"`
	Enhancement EnhancementConfig `mapstructure:"enhancement"`
	Generation  GenerationConfig  `mapstructure:"generation"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Renderer    RendererConfig    `mapstructure:"renderer"`
}

// Telegram bot configuration
type BotConfig struct {
	Token        string        `mapstructure:"token"`
	Webhook      WebhookConfig `mapstructure:"webhook"`
	AdminIDs     []int64       `mapstructure:"admin_ids"`
	AllowedChats []int64       `mapstructure:"allowed_chats"`
	Cooldown     time.Duration `mapstructure:"cooldown"`
}

// webhook server configuration
type WebhookConfig struct {
	Endpoint   string `mapstructure:"endpoint"`
	ListenPort string `mapstructure:"listen_port"`
	DebugPath  string `mapstructure:"debug_path"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
}

// logging configuration
type LoggerConfig struct {
	Directory  string            `mapstructure:"directory"`
	Rotation   LogRotationConfig `mapstructure:"rotation"`
	TimeFormat string            `mapstructure:"time_format"`
	Level      string            `mapstructure:"level"`
}

// log rotation settings
type LogRotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

// DatabaseConfig selects the moderation store backend.
// Driver is one of mysql, sqlite, redis or memory.
type DatabaseConfig struct {
	Driver   string      `mapstructure:"driver"`
	Host     string      `mapstructure:"host"`
	Port     int         `mapstructure:"port"`
	Username string      `mapstructure:"username"`
	Password string      `mapstructure:"password"`
	DBName   string      `mapstructure:"dbname"`
	Charset  string      `mapstructure:"charset"`
	Path     string      `mapstructure:"path"`
	Redis    RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// moderation settings
type ModerationConfig struct {
	BannedWords      []string `mapstructure:"banned_words"`
	WarningThreshold int      `mapstructure:"warning_threshold"`
	ConflictRetries  uint64   `mapstructure:"conflict_retries"`
}

// prompt enhancement backend settings
type EnhancementConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxTokens         int64         `mapstructure:"max_tokens"`
	DefaultCreativity int           `mapstructure:"default_creativity"`
}

// Resolution is a named width/height pair.
type Resolution struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

// Adapter describes a selectable style adapter (LoRA).
type Adapter struct {
	Name     string  `mapstructure:"name"`
	File     string  `mapstructure:"file"`
	Trigger  string  `mapstructure:"trigger"`
	Strength float64 `mapstructure:"strength"`
}

// NodeInput points at one input of one node in the workflow template.
type NodeInput struct {
	Node  string `mapstructure:"node"`
	Input string `mapstructure:"input"`
}

// NodeMap tells the workflow builder where each parameter lives in the template.
type NodeMap struct {
	Prompt  NodeInput `mapstructure:"prompt"`
	Width   NodeInput `mapstructure:"width"`
	Height  NodeInput `mapstructure:"height"`
	Seed    NodeInput `mapstructure:"seed"`
	Upscale NodeInput `mapstructure:"upscale"`
	Adapter string    `mapstructure:"adapter"`
}

// image generation settings
type GenerationConfig struct {
	TemplateFile      string                `mapstructure:"template_file"`
	DefaultResolution string                `mapstructure:"default_resolution"`
	Resolutions       map[string]Resolution `mapstructure:"resolutions"`
	Adapters          []Adapter             `mapstructure:"adapters"`
	Nodes             NodeMap               `mapstructure:"nodes"`
}

// request queue settings
type QueueConfig struct {
	Capacity      int           `mapstructure:"capacity"`
	RenderTimeout time.Duration `mapstructure:"render_timeout"`
}

// image renderer (ComfyUI) settings
type RendererConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

var (
	cfg   *Config
	cfgMu sync.RWMutex
	v     *viper.Viper
)

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	v = viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("IMAGEBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	log.Printf("Using config file: %s", v.ConfigFileUsed())

	loaded, err := decode(v)
	if err != nil {
		return nil, err
	}

	cfgMu.Lock()
	cfg = loaded
	cfgMu.Unlock()

	return loaded, nil
}

// Watch reloads the configuration file on change and hands the new value to onChange.
// Only options that are safe to swap at runtime should be read from it.
func Watch(onChange func(*Config)) {
	if v == nil {
		log.Printf("Warning: config watch requested before Load()")
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		reloaded, err := decode(v)
		if err != nil {
			log.Printf("Warning: ignoring config change in %s: %v", e.Name, err)
			return
		}

		cfgMu.Lock()
		cfg = reloaded
		cfgMu.Unlock()

		log.Printf("Config reloaded from %s", e.Name)
		onChange(reloaded)
	})
	v.WatchConfig()
}

func Get() *Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	if cfg == nil {
		log.Fatal("Configuration not initialized, call Load() first")
	}
	return cfg
}

func decode(v *viper.Viper) (*Config, error) {
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.Moderation.WarningThreshold < 1 {
		return fmt.Errorf("moderation.warning_threshold must be at least 1, got %d", c.Moderation.WarningThreshold)
	}
	if c.Queue.Capacity < 1 {
		return fmt.Errorf("queue.capacity must be at least 1, got %d", c.Queue.Capacity)
	}
	if c.Queue.RenderTimeout <= 0 {
		return fmt.Errorf("queue.render_timeout must be positive")
	}
	if c.Enhancement.DefaultCreativity < 1 || c.Enhancement.DefaultCreativity > 10 {
		return fmt.Errorf("enhancement.default_creativity must be within 1-10, got %d", c.Enhancement.DefaultCreativity)
	}
	switch c.Database.Driver {
	case "mysql", "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if _, ok := c.Generation.Resolutions[c.Generation.DefaultResolution]; !ok && len(c.Generation.Resolutions) > 0 {
		return fmt.Errorf("generation.default_resolution %q is not a configured resolution", c.Generation.DefaultResolution)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bot.webhook.listen_port", "8443")
	v.SetDefault("bot.webhook.debug_path", "/debug")
	v.SetDefault("bot.webhook.cert_file", "")
	v.SetDefault("bot.webhook.key_file", "")
	v.SetDefault("bot.cooldown", 10*time.Second)

	v.SetDefault("logger.directory", "logs")
	v.SetDefault("logger.rotation.max_size", 10)
	v.SetDefault("logger.rotation.max_backups", 30)
	v.SetDefault("logger.rotation.max_age", 90)
	v.SetDefault("logger.rotation.compress", true)
	v.SetDefault("logger.time_format", "2006/01/02 15:04:05")
	v.SetDefault("logger.level", "INFO")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.charset", "utf8mb4")
	v.SetDefault("database.path", "data/imagebot.db")
	v.SetDefault("database.redis.addr", "127.0.0.1:6379")
	v.SetDefault("database.redis.prefix", "imagebot:")

	v.SetDefault("moderation.warning_threshold", 2)
	v.SetDefault("moderation.conflict_retries", 3)

	v.SetDefault("enhancement.enabled", false)
	v.SetDefault("enhancement.base_url", "https://api.x.ai/v1")
	v.SetDefault("enhancement.model", "grok-2-latest")
	v.SetDefault("enhancement.timeout", 30*time.Second)
	v.SetDefault("enhancement.max_tokens", 1024)
	v.SetDefault("enhancement.default_creativity", 1)

	v.SetDefault("generation.template_file", "configs/workflow.json")
	v.SetDefault("generation.default_resolution", "1:1")
	v.SetDefault("generation.nodes.prompt.node", "6")
	v.SetDefault("generation.nodes.prompt.input", "text")
	v.SetDefault("generation.nodes.width.node", "5")
	v.SetDefault("generation.nodes.width.input", "width")
	v.SetDefault("generation.nodes.height.node", "5")
	v.SetDefault("generation.nodes.height.input", "height")
	v.SetDefault("generation.nodes.seed.node", "25")
	v.SetDefault("generation.nodes.seed.input", "noise_seed")
	v.SetDefault("generation.nodes.upscale.node", "40")
	v.SetDefault("generation.nodes.upscale.input", "scale_by")
	v.SetDefault("generation.nodes.adapter", "30")

	v.SetDefault("queue.capacity", 10)
	v.SetDefault("queue.render_timeout", 5*time.Minute)

	v.SetDefault("renderer.base_url", "http://127.0.0.1:8188")
	v.SetDefault("renderer.request_timeout", 30*time.Second)
}
