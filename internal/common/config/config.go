package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Config 应用配置
type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Redis      RedisConfig      `json:"redis"`
	Consul     ConsulConfig     `json:"consul"`
	Jaeger     JaegerConfig     `json:"jaeger"`
	Kafka      KafkaConfig      `json:"kafka"`
	Log        LogConfig        `json:"log"`
	Auth       AuthConfig       `json:"auth"`
	Activation ActivationConfig `json:"activation"`
	Stripe     StripeConfig     `json:"stripe"`
	Assets     AssetsConfig     `json:"assets"`
}

// ServerConfig 服务配置
type ServerConfig struct {
	Name     string `json:"name"`      // 服务名称
	Host     string `json:"host"`      // 服务地址
	HTTPPort int    `json:"http_port"` // HTTP端口
	// PublicBaseURL 扫码落地页对外地址，二维码内容为 <PublicBaseURL>/public/resolve/<token>
	PublicBaseURL string `json:"public_base_url"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver   string `json:"driver"`   // 数据库驱动
	Host     string `json:"host"`     // 数据库地址
	Port     int    `json:"port"`     // 数据库端口
	User     string `json:"user"`     // 用户名
	Password string `json:"password"` // 密码
	Database string `json:"database"` // 数据库名
	MaxIdle  int    `json:"max_idle"` // 最大空闲连接
	MaxOpen  int    `json:"max_open"` // 最大打开连接
}

// RedisConfig Redis配置
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
	// ResolveTTLSeconds 公共紧急信息视图的缓存时长（秒），0 表示不缓存
	ResolveTTLSeconds int `json:"resolve_ttl_seconds"`
}

// ConsulConfig Consul配置
type ConsulConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// JaegerConfig Jaeger配置
type JaegerConfig struct {
	Endpoint string  `json:"endpoint"`
	Sampler  float64 `json:"sampler"` // 采样率 0.0-1.0
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	// ActivationTopic 激活完成事件 topic，空则不发事件
	ActivationTopic string `json:"activation_topic"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
	Output string `json:"output"` // stdout, file
	Path   string `json:"path"`   // 日志文件路径
}

// AuthConfig JWT 鉴权配置
type AuthConfig struct {
	Enabled   bool   `json:"enabled"`
	JWTSecret string `json:"jwt_secret"`
	Issuer    string `json:"issuer"`
	Audience  string `json:"audience"`
	// PublicPaths 免鉴权的路径前缀（扫码解析、二维码图片、健康检查等）
	PublicPaths []string `json:"public_paths"`
}

// ActivationConfig 激活与免费额度配置
type ActivationConfig struct {
	FreeThreshold   int64  `json:"free_threshold"`    // 前 N 名免费
	FeeAmount       int64  `json:"fee_amount"`        // 激活费（最小货币单位）
	Currency        string `json:"currency"`          // 货币代码
	TokenMaxRetries int    `json:"token_max_retries"` // token 冲突重试上限
}

// StripeConfig 支付渠道配置
type StripeConfig struct {
	SecretKey string `json:"secret_key"`
	// Mock 为 true 时使用本地 mock provider（开发/测试环境）
	Mock bool `json:"mock"`
}

// AssetsConfig 二维码图片存储配置
type AssetsConfig struct {
	Dir string `json:"dir"` // PNG 落盘目录
}

var (
	globalConfig *Config
	configOnce   sync.Once
)

// LoadConfig 加载配置
func LoadConfig(configPath string) (*Config, error) {
	var err error
	configOnce.Do(func() {
		globalConfig = &Config{}
		// 如果配置文件不存在，使用默认配置
		if _, err = os.Stat(configPath); os.IsNotExist(err) {
			logrus.Warnf("Config file not found: %s, using default config", configPath)
			globalConfig = defaultConfig()
			err = nil
			return
		}

		data, readErr := os.ReadFile(configPath)
		if readErr != nil {
			err = fmt.Errorf("failed to read config file: %w", readErr)
			return
		}

		if unmarshalErr := json.Unmarshal(data, globalConfig); unmarshalErr != nil {
			err = fmt.Errorf("failed to parse config file: %w", unmarshalErr)
			return
		}
		ApplyDefaults(globalConfig)
	})

	if err != nil {
		return nil, err
	}

	return globalConfig, nil
}

// GetConfig 获取全局配置
func GetConfig() *Config {
	if globalConfig == nil {
		return defaultConfig()
	}
	return globalConfig
}

// ApplyDefaults 补齐关键业务配置的零值。
// 阈值为 0 时所有激活都会走收费路径，这里兜底成参考值。
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Activation.FreeThreshold <= 0 {
		cfg.Activation.FreeThreshold = 1000
	}
	if cfg.Activation.FeeAmount <= 0 {
		cfg.Activation.FeeAmount = 1000
	}
	if cfg.Activation.Currency == "" {
		cfg.Activation.Currency = "INR"
	}
	if cfg.Activation.TokenMaxRetries <= 0 {
		cfg.Activation.TokenMaxRetries = 3
	}
	if cfg.Assets.Dir == "" {
		cfg.Assets.Dir = "data/qr"
	}
	if cfg.Server.PublicBaseURL == "" {
		cfg.Server.PublicBaseURL = fmt.Sprintf("http://localhost:%d", cfg.Server.HTTPPort)
	}
}

// defaultConfig 默认配置（开发环境）
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Name:          "activation-service",
			Host:          "0.0.0.0",
			HTTPPort:      8080,
			PublicBaseURL: "http://localhost:8080",
		},
		Database: DatabaseConfig{
			Driver:   "mysql",
			Host:     "localhost",
			Port:     3306,
			User:     "root",
			Password: "root",
			Database: "safescanqr",
			MaxIdle:  10,
			MaxOpen:  100,
		},
		Redis: RedisConfig{
			Host:              "localhost",
			Port:              6379,
			Password:          "",
			DB:                0,
			PoolSize:          10,
			ResolveTTLSeconds: 60,
		},
		Consul: ConsulConfig{
			Host: "localhost",
			Port: 8500,
		},
		Jaeger: JaegerConfig{
			Endpoint: "http://localhost:14268/api/traces",
			Sampler:  1.0,
		},
		Kafka: KafkaConfig{
			Brokers:         []string{"localhost:9092"},
			ActivationTopic: "activation.completed",
		},
		Log: LogConfig{
			Level:  "debug",
			Format: "text",
			Output: "stdout",
			Path:   "logs/app.log",
		},
		Auth: AuthConfig{
			Enabled:   true,
			JWTSecret: "dev-secret",
			Issuer:    "safescanqr",
			Audience:  "safescanqr",
			PublicPaths: []string{
				"/healthz",
				"/public/",
				"/api/profiles",
			},
		},
		Activation: ActivationConfig{
			FreeThreshold:   1000,
			FeeAmount:       1000,
			Currency:        "INR",
			TokenMaxRetries: 3,
		},
		Stripe: StripeConfig{
			Mock: true,
		},
		Assets: AssetsConfig{
			Dir: "data/qr",
		},
	}
}
