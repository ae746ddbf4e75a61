package internal

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"server"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	State struct {
		// HistoryLimit 每個房間保留的歷史筆數（超過的最舊紀錄被裁掉）
		HistoryLimit int `yaml:"history_limit"`

		// OpTimeout 單次儲存往返的逾時上限
		OpTimeout time.Duration `yaml:"op_timeout"`

		// CASRetries 內部 CAS 失敗時的重試次數
		// 只在呼叫方未指定 expected_version 時生效
		CASRetries int `yaml:"cas_retries"`
	} `yaml:"state"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// 預設值
const (
	DefaultHistoryLimit = 50
	DefaultOpTimeout    = 3 * time.Second
	DefaultCASRetries   = 10
)

// LoadConfig 載入配置檔案並套用預設值
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - path 是硬編碼的配置檔案路徑，非使用者輸入
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// 支援環境變數覆蓋（生產環境常用）
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults 補齊未設定的欄位
func (c *Config) ApplyDefaults() {
	if c.State.HistoryLimit <= 0 {
		c.State.HistoryLimit = DefaultHistoryLimit
	}
	if c.State.OpTimeout <= 0 {
		c.State.OpTimeout = DefaultOpTimeout
	}
	if c.State.CASRetries <= 0 {
		c.State.CASRetries = DefaultCASRetries
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
}
