// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Tika          TikaConfig          `mapstructure:"tika"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Chat          ChatConfig          `mapstructure:"chat"`
	Detector      DetectorConfig      `mapstructure:"detector"`
	Sync          SyncConfig          `mapstructure:"sync"`
	Credits       CreditsConfig       `mapstructure:"credits"`
	Realtime      RealtimeConfig      `mapstructure:"realtime"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
	RefreshTokenExpireDays int    `mapstructure:"refresh_token_expire_days"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// TikaConfig 存储 Tika 服务器相关的配置，用于截图 OCR。
type TikaConfig struct {
	ServerURL string `mapstructure:"server_url"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置，索引用于游戏目录检索。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。为空时关闭语义兜底检索。
type EmbeddingConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	Timeout    time.Duration       `mapstructure:"timeout"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
	Prompt     LLMPromptConfig     `mapstructure:"prompt"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LLMPromptConfig 配置系统提示（可选）。
type LLMPromptConfig struct {
	Rules       string `mapstructure:"rules"`
	GameContext string `mapstructure:"game_context"`
	SubTab      string `mapstructure:"subtab"`
}

// ChatConfig 控制消息管道的行为。
type ChatConfig struct {
	HistoryLimit     int           `mapstructure:"history_limit"`
	DedupWindow      time.Duration `mapstructure:"dedup_window"`
	MaxMessageLength int           `mapstructure:"max_message_length"`
	CreditCost       int           `mapstructure:"credit_cost"`
	SendRatePerSec   float64       `mapstructure:"send_rate_per_sec"`
	SendBurst        int           `mapstructure:"send_burst"`
}

// DetectorConfig 控制游戏识别。
type DetectorConfig struct {
	FuzzyMaxDistance int     `mapstructure:"fuzzy_max_distance"`
	CatalogMinScore  float64 `mapstructure:"catalog_min_score"`
	CatalogTopK      int     `mapstructure:"catalog_top_k"`
}

// SyncConfig 配置离线队列的重试策略。
type SyncConfig struct {
	QueueKey      string        `mapstructure:"queue_key"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	// StateIdleTTL 是内存中会话的空闲回收时间，0 表示不回收。
	StateIdleTTL time.Duration `mapstructure:"state_idle_ttl"`
}

// CreditsConfig 定义各订阅等级的额度。
type CreditsConfig struct {
	Free     int `mapstructure:"free"`
	Pro      int `mapstructure:"pro"`
	Vanguard int `mapstructure:"vanguard"`
}

// RealtimeConfig 控制多端同步推送。
type RealtimeConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := viper.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}
}

func setDefaults() {
	viper.SetDefault("server.port", "8081")
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("kafka.group_id", "gamehub-go-subtabs")
	viper.SetDefault("elasticsearch.index_name", "game_catalog")
	viper.SetDefault("llm.timeout", 60*time.Second)
	viper.SetDefault("chat.history_limit", 20)
	viper.SetDefault("chat.dedup_window", 3*time.Second)
	viper.SetDefault("chat.max_message_length", 4000)
	viper.SetDefault("chat.credit_cost", 1)
	viper.SetDefault("chat.send_rate_per_sec", 2.0)
	viper.SetDefault("chat.send_burst", 4)
	viper.SetDefault("detector.fuzzy_max_distance", 2)
	viper.SetDefault("detector.catalog_min_score", 1.0)
	viper.SetDefault("detector.catalog_top_k", 5)
	viper.SetDefault("sync.queue_key", "sync:queue")
	viper.SetDefault("sync.base_delay", 500*time.Millisecond)
	viper.SetDefault("sync.max_delay", 30*time.Second)
	viper.SetDefault("sync.max_attempts", 5)
	viper.SetDefault("sync.probe_interval", 5*time.Second)
	viper.SetDefault("sync.state_idle_ttl", 30*time.Minute)
	viper.SetDefault("credits.free", 55)
	viper.SetDefault("credits.pro", 1583)
	viper.SetDefault("credits.vanguard", 1583)
	viper.SetDefault("realtime.enabled", true)
	viper.SetDefault("realtime.channel_prefix", "realtime:user:")
}
