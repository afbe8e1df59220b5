package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
	Replicate  ReplicateConfig  `yaml:"replicate"`
	ElevenLabs ElevenLabsConfig `yaml:"elevenlabs"`
	Presenter  PresenterConfig  `yaml:"presenter"`
	Storage    StorageConfig    `yaml:"storage"`
	Auth       AuthConfig       `yaml:"auth"`
	Logging    LoggingConfig    `yaml:"logging"`
	Paths      PathsConfig      `yaml:"paths"`
}

type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	// SessionIdleTTL 是运行中会话无访问后被回收的时间，0 表示不回收。
	SessionIdleTTL time.Duration `yaml:"session_idle_ttl"`
}

// Addr 返回监听地址。
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// OpenAIConfig 对话模型配置，BaseURL 可指向任意 OpenAI 兼容网关。
type OpenAIConfig struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

type ReplicateConfig struct {
	APIToken     string        `yaml:"api_token"`
	BaseURL      string        `yaml:"base_url"`
	ModelVersion string        `yaml:"model_version"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

type ElevenLabsConfig struct {
	APIKey          string  `yaml:"api_key"`
	BaseURL         string  `yaml:"base_url"`
	ModelID         string  `yaml:"model_id"`
	Stability       float64 `yaml:"stability"`
	SimilarityBoost float64 `yaml:"similarity_boost"`
}

// PresenterConfig 控制逐字揭示、进度与停止流程的节奏。
type PresenterConfig struct {
	RevealInterval   time.Duration `yaml:"reveal_interval"`
	TrendDecay       time.Duration `yaml:"trend_decay"`
	StopDelay        time.Duration `yaml:"stop_delay"`
	MaxMessageLength int           `yaml:"max_message_length"`
	// ProgressMode: model（模型返回值为准）| fixed_step（每轮固定增量）
	ProgressMode string `yaml:"progress_mode"`
	ProgressStep int    `yaml:"progress_step"`
	VoiceEnabled bool   `yaml:"voice_enabled"`
}

type StorageConfig struct {
	// SessionBackend: memory | redis
	SessionBackend string        `yaml:"session_backend"`
	RedisURL       string        `yaml:"redis_url"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	// ResultsBackend: memory | postgres
	ResultsBackend string `yaml:"results_backend"`
	DatabaseURL    string `yaml:"database_url"`
	AutoMigrate    bool   `yaml:"auto_migrate"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	// Required 为 true 时任务会话与成绩接口必须携带有效 token。
	Required bool `yaml:"required"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
	Output   string `yaml:"output"`
}

type PathsConfig struct {
	Missions string `yaml:"missions"`
}

// envOverrides 是允许从环境变量覆盖的敏感项与部署项。
type envOverrides struct {
	OpenAIAPIKey      string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL     string `envconfig:"OPENAI_BASE_URL"`
	OpenAIModel       string `envconfig:"OPENAI_MODEL"`
	ReplicateAPIToken string `envconfig:"REPLICATE_API_TOKEN"`
	ElevenLabsAPIKey  string `envconfig:"ELEVENLABS_API_KEY"`
	DatabaseURL       string `envconfig:"DATABASE_URL"`
	RedisURL          string `envconfig:"REDIS_URL"`
	JWTSecret         string `envconfig:"JWT_SECRET"`
	LogLevel          string `envconfig:"LOG_LEVEL"`
	Port              int    `envconfig:"PORT"`
}

// Default 返回带默认值的配置。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   0, // 流式接口不设写超时
			AllowedOrigins: []string{"http://localhost:3000", "http://127.0.0.1:3000"},
			SessionIdleTTL: 30 * time.Minute,
		},
		OpenAI: OpenAIConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   500,
			Timeout:     60 * time.Second,
		},
		Replicate: ReplicateConfig{
			BaseURL:      "https://api.replicate.com/v1",
			ModelVersion: "bf53bdb93d739c9c915091cfa5f49ca662d11273a5eb30e7a2ec1939bcf27a00",
			PollInterval: time.Second,
			Timeout:      2 * time.Minute,
			CacheTTL:     30 * time.Minute,
		},
		ElevenLabs: ElevenLabsConfig{
			BaseURL:         "https://api.elevenlabs.io/v1",
			ModelID:         "eleven_turbo_v2_5",
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
		Presenter: PresenterConfig{
			RevealInterval:   25 * time.Millisecond,
			TrendDecay:       time.Second,
			StopDelay:        2 * time.Second,
			MaxMessageLength: 500,
			ProgressMode:     "model",
			ProgressStep:     10,
			VoiceEnabled:     true,
		},
		Storage: StorageConfig{
			SessionBackend: "memory",
			SessionTTL:     24 * time.Hour,
			ResultsBackend: "memory",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Load 从文件加载配置。path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	// .env 只在本地开发时存在，缺失不算错误。
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 从环境变量覆盖敏感信息
func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	setString(&c.OpenAI.APIKey, env.OpenAIAPIKey)
	setString(&c.OpenAI.BaseURL, env.OpenAIBaseURL)
	setString(&c.OpenAI.Model, env.OpenAIModel)
	setString(&c.Replicate.APIToken, env.ReplicateAPIToken)
	setString(&c.ElevenLabs.APIKey, env.ElevenLabsAPIKey)
	setString(&c.Storage.DatabaseURL, env.DatabaseURL)
	setString(&c.Storage.RedisURL, env.RedisURL)
	setString(&c.Auth.JWTSecret, env.JWTSecret)
	setString(&c.Logging.Level, env.LogLevel)
	if env.Port > 0 {
		c.Server.Port = env.Port
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate 验证服务端运行所需配置
func (c *Config) Validate() error {
	if c.OpenAI.APIKey == "" {
		return errors.New("OpenAI API key is required (set OPENAI_API_KEY env var or config)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.SessionIdleTTL < 0 {
		return errors.New("server.session_idle_ttl must not be negative")
	}
	if c.Presenter.MaxMessageLength <= 0 {
		return errors.New("presenter.max_message_length must be positive")
	}
	switch c.Presenter.ProgressMode {
	case "model", "fixed_step":
	default:
		return fmt.Errorf("unsupported presenter.progress_mode: %s", c.Presenter.ProgressMode)
	}
	switch c.Storage.SessionBackend {
	case "memory":
	case "redis":
		if c.Storage.RedisURL == "" {
			return errors.New("storage.redis_url is required for redis session backend")
		}
	default:
		return fmt.Errorf("unsupported storage.session_backend: %s", c.Storage.SessionBackend)
	}
	switch c.Storage.ResultsBackend {
	case "memory":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return errors.New("storage.database_url is required for postgres results backend")
		}
	default:
		return fmt.Errorf("unsupported storage.results_backend: %s", c.Storage.ResultsBackend)
	}
	if c.Auth.Required && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required when auth.required is true")
	}
	return nil
}
