package domain

import (
	"log/slog"
	"time"
)

type Config struct {
	Logger *slog.Logger `json:"-" yaml:"-"`

	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Results    ResultsConfig    `json:"results" yaml:"results"`
	Notify     NotifyConfig     `json:"notify" yaml:"notify"`
	LLM        LLMConfig        `json:"llm" yaml:"llm"`
	Dispatch   DispatchConfig   `json:"dispatch" yaml:"dispatch"`
	Completion CompletionConfig `json:"completion" yaml:"completion"`
	Workers    WorkerConfig     `json:"workers" yaml:"workers"`
}

type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"
	StorageBadger   StorageDriver = "badger"
	StoragePostgres StorageDriver = "postgres"
)

type StorageConfig struct {
	Driver  StorageDriver `json:"driver" yaml:"driver"`
	DataDir string        `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`
	DSN     string        `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

type ResultsConfig struct {
	Driver   string `json:"driver" yaml:"driver"`
	Addr     string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
}

type NotifyConfig struct {
	Driver   string `json:"driver" yaml:"driver"`
	Addr     string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
	Channel  string `json:"channel,omitempty" yaml:"channel,omitempty"`
}

type LLMConfig struct {
	APIKey       string  `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL      string  `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	DefaultModel string  `json:"default_model" yaml:"default_model"`
	Temperature  float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

type DispatchConfig struct {
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	BatchSize    int           `json:"batch_size" yaml:"batch_size"`
	MaxBackoff   time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

type CompletionConfig struct {
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	MaxBackoff   time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

type WorkerConfig struct {
	Count      int `json:"count" yaml:"count"`
	QueueDepth int `json:"queue_depth" yaml:"queue_depth"`
}

func DefaultConfig() *Config {
	return &Config{
		Logger:  slog.Default(),
		Storage: StorageConfig{Driver: StorageMemory},
		Results: ResultsConfig{Driver: "memory"},
		Notify:  NotifyConfig{Driver: "memory", Channel: "loom:events"},
		LLM: LLMConfig{
			DefaultModel: "gpt-4o-mini",
			Temperature:  0.7,
		},
		Dispatch: DispatchConfig{
			PollInterval: time.Second,
			BatchSize:    50,
			MaxBackoff:   30 * time.Second,
		},
		Completion: CompletionConfig{
			PollInterval: time.Second,
			MaxBackoff:   30 * time.Second,
		},
		Workers: WorkerConfig{
			Count:      8,
			QueueDepth: 256,
		},
	}
}
