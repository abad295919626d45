package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config 應用程式配置結構.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Database DatabaseConfig `mapstructure:"database"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Log      LogConfig      `mapstructure:"log"`
}

// AppConfig 應用程式基本配置.
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Debug   bool   `mapstructure:"debug"`
}

// ChatConfig 聊天同步配置.
type ChatConfig struct {
	PageSize         int    `mapstructure:"page_size"`          // 訊息分頁大小.
	WebChannelPrefix string `mapstructure:"web_channel_prefix"` // web 頻道 ID 前綴.
	FeedBuffer       int    `mapstructure:"feed_buffer"`        // 訂閱通道緩衝大小.
}

// DatabaseConfig 資料庫配置.
type DatabaseConfig struct {
	Mongo MongoConfig `mapstructure:"mongo"`
}

// MongoConfig MongoDB 配置.
type MongoConfig struct {
	URL                    string `mapstructure:"url"`
	Database               string `mapstructure:"database"`
	Username               string `mapstructure:"username"`
	Password               string `mapstructure:"password"`
	MaxPoolSize            uint64 `mapstructure:"max_pool_size"`
	MinPoolSize            uint64 `mapstructure:"min_pool_size"`
	MaxConnIdleTime        int    `mapstructure:"max_conn_idle_time"`
	ConnectTimeout         int    `mapstructure:"connect_timeout"`
	ServerSelectionTimeout int    `mapstructure:"server_selection_timeout"`
	TLSEnabled             bool   `mapstructure:"tls_enabled"`
	TLSCAFile              string `mapstructure:"tls_ca_file"`
	TLSCertFile            string `mapstructure:"tls_cert_file"`
	TLSKeyFile             string `mapstructure:"tls_key_file"`
	TLSInsecureSkipVerify  bool   `mapstructure:"tls_insecure_skip_verify"`
}

// RealtimeConfig 即時資料庫配置（讀取狀態訂閱）.
type RealtimeConfig struct {
	URL           string `mapstructure:"url"`
	DialTimeout   int    `mapstructure:"dial_timeout"`   // 秒.
	WriteTimeout  int    `mapstructure:"write_timeout"`  // 秒.
	SubtreePrefix string `mapstructure:"subtree_prefix"` // 讀取狀態子樹根路徑.
	MessageBuffer int    `mapstructure:"message_buffer"` // 訂閱通道緩衝.
}

// StorageConfig 位元組儲存配置（圖片上傳下載）.
type StorageConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	MaxDownloadBytes int64  `mapstructure:"max_download_bytes"`
	RequestTimeout   int    `mapstructure:"request_timeout"` // 秒.
}

// CacheConfig 本地圖片快取配置.
type CacheConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig 日誌配置.
type LogConfig struct {
	RotationTimeHours int `mapstructure:"rotation_time_hours"` // 日誌輪轉時間 (小時).
	MaxAgeDays        int `mapstructure:"max_age_days"`        // 日誌保留天數.
	MaxSizeMB         int `mapstructure:"max_size_mb"`         // 單個日誌檔案最大大小 (MB).
}

var (
	config *Config
	// ENV 當前環境變數.
	ENV string = "local"
)

// Load 載入設定檔.
func Load(testCfg ...*Config) error {
	// 如果直接傳入配置（主要用於測試），設定並驗證
	if len(testCfg) > 0 && testCfg[0] != nil {
		config = testCfg[0]
		applyDefaults(config)
		if err := validateConfig(config); err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}
		return nil
	}

	// 初始化 Viper
	v := viper.New()

	// 檢查是否有 CONFIG_PATH 環境變數
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		// 使用 CONFIG_PATH 指定的檔案
		v.SetConfigFile(configPath)
		// 從檔案名稱推斷環境
		baseName := filepath.Base(configPath)
		ENV = strings.TrimSuffix(baseName, filepath.Ext(baseName))
	} else {
		// 使用預設的環境配置檔案
		v.SetConfigName(ENV)
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
	}

	// 讀取配置檔案
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("讀取配置檔案失敗: %w", err)
	}

	// 將配置綁定到結構體
	config = &Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("解析配置失敗: %w", err)
	}

	applyDefaults(config)

	// 驗證配置
	if err := validateConfig(config); err != nil {
		return fmt.Errorf("配置驗證失敗: %w", err)
	}

	return nil
}

// Get 取得設定.
func Get() *Config {
	return config
}

// SetEnv 設定環境.
func SetEnv(env string) {
	ENV = env
}

// GetEnv 取得當前環境.
func GetEnv() string {
	return ENV
}

// applyDefaults 套用未設定欄位的預設值
func applyDefaults(cfg *Config) {
	if cfg.Chat.PageSize <= 0 {
		cfg.Chat.PageSize = 20
	}
	if cfg.Chat.WebChannelPrefix == "" {
		cfg.Chat.WebChannelPrefix = "web_"
	}
	if cfg.Chat.FeedBuffer <= 0 {
		cfg.Chat.FeedBuffer = 16
	}
	if cfg.Realtime.DialTimeout <= 0 {
		cfg.Realtime.DialTimeout = 10
	}
	if cfg.Realtime.WriteTimeout <= 0 {
		cfg.Realtime.WriteTimeout = 5
	}
	if cfg.Realtime.SubtreePrefix == "" {
		cfg.Realtime.SubtreePrefix = "messages"
	}
	if cfg.Realtime.MessageBuffer <= 0 {
		cfg.Realtime.MessageBuffer = 16
	}
	if cfg.Storage.MaxDownloadBytes <= 0 {
		cfg.Storage.MaxDownloadBytes = 1 * 1024 * 1024
	}
	if cfg.Storage.RequestTimeout <= 0 {
		cfg.Storage.RequestTimeout = 30
	}
}

// validateConfig 驗證配置的有效性
func validateConfig(cfg *Config) error {
	// 驗證應用程式配置
	if cfg.App.Name == "" {
		return fmt.Errorf("應用程式名稱不能為空")
	}
	if cfg.App.Version == "" {
		return fmt.Errorf("應用程式版本不能為空")
	}

	// 驗證資料庫配置
	if cfg.Database.Mongo.URL == "" {
		return fmt.Errorf("MongoDB URL 不能為空")
	}
	if cfg.Database.Mongo.Database == "" {
		return fmt.Errorf("MongoDB 資料庫名稱不能為空")
	}
	if cfg.Database.Mongo.MaxPoolSize == 0 {
		return fmt.Errorf("MongoDB 最大連接池大小必須大於 0")
	}
	if cfg.Database.Mongo.MinPoolSize > cfg.Database.Mongo.MaxPoolSize {
		return fmt.Errorf("MongoDB 最小連接池大小不能大於最大連接池大小")
	}

	// 驗證即時資料庫配置
	if cfg.Realtime.URL == "" {
		return fmt.Errorf("即時資料庫 URL 不能為空")
	}

	// 驗證位元組儲存配置
	if cfg.Storage.BaseURL == "" {
		return fmt.Errorf("位元組儲存 URL 不能為空")
	}

	// 驗證日誌配置
	if cfg.Log.RotationTimeHours <= 0 {
		return fmt.Errorf("日誌輪轉時間必須大於 0")
	}
	if cfg.Log.MaxAgeDays <= 0 {
		return fmt.Errorf("日誌保留天數必須大於 0")
	}
	if cfg.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("日誌檔案最大大小必須大於 0")
	}

	return nil
}

// IsDebug 檢查是否為除錯模式
func IsDebug() bool {
	if config != nil {
		return config.App.Debug
	}
	return false
}

// GetMongoURL 取得 MongoDB 連接字串
func GetMongoURL() string {
	if config != nil {
		return config.Database.Mongo.URL
	}
	return ""
}

// GetPageSize 取得訊息分頁大小
func GetPageSize() int {
	if config != nil && config.Chat.PageSize > 0 {
		return config.Chat.PageSize
	}
	return 20
}
