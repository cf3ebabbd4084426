package loom

import (
	"log/slog"
	"time"

	"github.com/loomrun/loom/internal/domain"
)

type Config = domain.Config

type StorageConfig = domain.StorageConfig

type ResultsConfig = domain.ResultsConfig

type NotifyConfig = domain.NotifyConfig

type LLMConfig = domain.LLMConfig

type DispatchConfig = domain.DispatchConfig

type CompletionConfig = domain.CompletionConfig

type WorkerConfig = domain.WorkerConfig

type StorageDriver = domain.StorageDriver

const (
	StorageMemory   StorageDriver = domain.StorageMemory
	StorageBadger   StorageDriver = domain.StorageBadger
	StoragePostgres StorageDriver = domain.StoragePostgres
)

func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

type ConfigBuilder struct {
	config *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{config: DefaultConfig()}
}

func (cb *ConfigBuilder) WithLogger(logger *slog.Logger) *ConfigBuilder {
	cb.config.Logger = logger
	return cb
}

func (cb *ConfigBuilder) WithMemoryStorage() *ConfigBuilder {
	cb.config.Storage = StorageConfig{Driver: domain.StorageMemory}
	return cb
}

func (cb *ConfigBuilder) WithBadgerStorage(dataDir string) *ConfigBuilder {
	cb.config.Storage = StorageConfig{Driver: domain.StorageBadger, DataDir: dataDir}
	return cb
}

func (cb *ConfigBuilder) WithPostgresStorage(dsn string) *ConfigBuilder {
	cb.config.Storage = StorageConfig{Driver: domain.StoragePostgres, DSN: dsn}
	return cb
}

func (cb *ConfigBuilder) WithRedisResults(addr, password string, db int) *ConfigBuilder {
	cb.config.Results = ResultsConfig{Driver: "redis", Addr: addr, Password: password, DB: db}
	return cb
}

func (cb *ConfigBuilder) WithRedisNotify(addr, password string, db int, channel string) *ConfigBuilder {
	cb.config.Notify = NotifyConfig{Driver: "redis", Addr: addr, Password: password, DB: db, Channel: channel}
	return cb
}

func (cb *ConfigBuilder) WithLLM(apiKey, baseURL, defaultModel string) *ConfigBuilder {
	cb.config.LLM.APIKey = apiKey
	cb.config.LLM.BaseURL = baseURL
	if defaultModel != "" {
		cb.config.LLM.DefaultModel = defaultModel
	}
	return cb
}

func (cb *ConfigBuilder) WithPollIntervals(dispatch, completion time.Duration) *ConfigBuilder {
	cb.config.Dispatch.PollInterval = dispatch
	cb.config.Completion.PollInterval = completion
	return cb
}

func (cb *ConfigBuilder) WithWorkers(count, queueDepth int) *ConfigBuilder {
	cb.config.Workers.Count = count
	cb.config.Workers.QueueDepth = queueDepth
	return cb
}

func (cb *ConfigBuilder) Build() *Config {
	return cb.config
}
