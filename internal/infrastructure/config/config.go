package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Loop      LoopConfig      `mapstructure:"loop"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Plugins   PluginsConfig   `mapstructure:"plugins"`
	AIFastAPI AIFastAPIConfig `mapstructure:"aifastapi"`
	Actor     ActorConfig     `mapstructure:"actor"`
}

// GatewayConfig 网关/仪表盘配置
type GatewayConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // local, production
}

// TelegramConfig Telegram 配置
type TelegramConfig struct {
	BotToken string  `mapstructure:"bot_token"`
	AllowIDs []int64 `mapstructure:"allow_ids"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres
	DSN  string `mapstructure:"dsn"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// BackendConfig 活动 AI 后端配置
type BackendConfig struct {
	Name            string            `mapstructure:"name"`
	Type            string            `mapstructure:"type"` // claude, codex, gemini, qwen, openai, anthropic, ollama
	Command         string            `mapstructure:"command"`
	Args            []string          `mapstructure:"args"`
	Model           string            `mapstructure:"model"`
	BaseURL         string            `mapstructure:"base_url"`
	APIKey          string            `mapstructure:"api_key"`
	Env             map[string]string `mapstructure:"env"`
	TransientErrors []string          `mapstructure:"transient_errors"`
}

// LoopConfig Agent Loop 配置
type LoopConfig struct {
	Identity                   string `mapstructure:"identity"`
	MaxConcurrentConversations int    `mapstructure:"max_concurrent_conversations"`
}

// MemoryConfig 会话记忆配置
type MemoryConfig struct {
	MaxTurns      int           `mapstructure:"max_turns"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// PluginsConfig 插件配置
type PluginsConfig struct {
	Dir string `mapstructure:"dir"`
}

// AIFastAPIConfig 捆绑的 AI-Fast-API 插件配置
type AIFastAPIConfig struct {
	Host           string            `mapstructure:"host"`
	Port           int               `mapstructure:"port"`
	BackendChain   []string          `mapstructure:"backend_chain"`
	MaxRotateRetry int               `mapstructure:"max_rotate_retry"`
	DefaultModels  map[string]string `mapstructure:"default_models"`
	G4FBaseURL     string            `mapstructure:"g4f_base_url"`
	OllamaBaseURL  string            `mapstructure:"ollama_base_url"`
}

// ActorConfig 抓取执行器配置
type ActorConfig struct {
	WorkDir     string        `mapstructure:"work_dir"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Fingerprint string        `mapstructure:"fingerprint"`
	ProxyURL    string        `mapstructure:"proxy_url"`
	PythonEnv   string        `mapstructure:"python_env"`
}

// HomeDir 返回 PocketPaw 的配置目录 ~/.pocketpaw
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pocketpaw")
}

// Load 加载配置
//
// 优先级 (低 → 高): 默认值 → 全局 ~/.pocketpaw/config.yaml → 项目本地
// config.yaml → 环境变量 (POCKETPAW_ 前缀)。
func Load() (*Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom loads with an explicit global config directory. Tests use it.
func LoadFrom(globalDir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Layer 1: 全局配置
	v.AddConfigPath(globalDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read global config: %w", err)
		}
	}

	// Layer 2: 项目本地配置叠加
	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break
		}
	}

	// 环境变量覆盖
	v.SetEnvPrefix("POCKETPAW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// GlobalConfigPath 返回全局配置文件路径（热重载监视该文件）
func GlobalConfigPath() string {
	return filepath.Join(HomeDir(), "config.yaml")
}

// setDefaults 设置默认配置
func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.host", "127.0.0.1")
	v.SetDefault("gateway.port", 18790)
	v.SetDefault("gateway.mode", "local")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", filepath.Join(HomeDir(), "pocketpaw.db"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("backend.name", "claude")
	v.SetDefault("backend.type", "claude")

	v.SetDefault("loop.max_concurrent_conversations", 4)

	v.SetDefault("memory.max_turns", 40)
	v.SetDefault("memory.flush_interval", "5s")

	v.SetDefault("plugins.dir", filepath.Join(HomeDir(), "plugins"))

	v.SetDefault("aifastapi.host", "127.0.0.1")
	v.SetDefault("aifastapi.port", 8100)
	v.SetDefault("aifastapi.backend_chain", []string{"g4f", "ollama"})
	v.SetDefault("aifastapi.max_rotate_retry", 3)

	v.SetDefault("actor.timeout", "120s")
}
