package commands

import (
	"time"

	"novelfetch/lib/configutil/dbconfig"
	"novelfetch/lib/gateway"
	"novelfetch/services/download"
	"novelfetch/services/health"
	"novelfetch/services/search"
)

type RulesConfig struct {
	// UserDir holds rule-<id>.json files that shadow the bundled rules.
	UserDir string `json:"user_dir"`
	// NoBundled skips the rules shipped with the binary.
	NoBundled bool `json:"no_bundled"`
}

type HttpConfig struct {
	TimeoutMs        int    `json:"timeout_ms"`
	CloudflareBypass bool   `json:"cloudflare_bypass"`
	DumpDir          string `json:"dump_dir"`
}

type SearchConfig struct {
	Concurrency     int `json:"concurrency"`
	SourceTimeoutMs int `json:"source_timeout_ms"`
	CacheSize       int `json:"cache_size"`
	CacheTtlMs      int `json:"cache_ttl_ms"`
}

type DownloadConfig struct {
	Parallelism int `json:"parallelism"`
}

type HealthConfig struct {
	Concurrency int `json:"concurrency"`
	TimeoutMs   int `json:"timeout_ms"`
}

type PrefetchConfig struct {
	BatchSize    int `json:"batch_size"`
	LowWatermark int `json:"low_watermark"`
}

type Config struct {
	DB        dbconfig.Struct     `json:"db"`
	Rules     RulesConfig         `json:"rules"`
	Proxy     gateway.ProxyConfig `json:"proxy"`
	Http      HttpConfig          `json:"http"`
	Search    SearchConfig        `json:"search"`
	Download  DownloadConfig      `json:"download"`
	Health    HealthConfig        `json:"health"`
	Prefetch  PrefetchConfig      `json:"prefetch"`
	ExportDir string              `json:"export_dir"`
}

func (c *Config) ApplyDefaults() {
	if c.DB.File == "" && !c.DB.Remote() {
		c.DB.File = "data/novelfetch.db"
	}
	if c.Rules.UserDir == "" {
		c.Rules.UserDir = "rules"
	}
	if c.Http.TimeoutMs <= 0 {
		c.Http.TimeoutMs = int(gateway.DefaultTimeout / time.Millisecond)
	}
	if c.Search.Concurrency <= 0 {
		c.Search.Concurrency = search.DefaultConcurrency
	}
	if c.Search.SourceTimeoutMs <= 0 {
		c.Search.SourceTimeoutMs = int(search.DefaultSourceTimeout / time.Millisecond)
	}
	if c.Search.CacheSize <= 0 {
		c.Search.CacheSize = 256
	}
	if c.Search.CacheTtlMs <= 0 {
		c.Search.CacheTtlMs = int(10 * time.Minute / time.Millisecond)
	}
	if c.Download.Parallelism <= 0 {
		c.Download.Parallelism = download.DefaultParallelism
	}
	if c.Health.Concurrency <= 0 {
		c.Health.Concurrency = health.DefaultConcurrency
	}
	if c.Health.TimeoutMs <= 0 {
		c.Health.TimeoutMs = int(health.DefaultTimeout / time.Millisecond)
	}
	if c.Prefetch.BatchSize <= 0 {
		c.Prefetch.BatchSize = 10
	}
	if c.Prefetch.LowWatermark <= 0 {
		c.Prefetch.LowWatermark = 3
	}
	if c.ExportDir == "" {
		c.ExportDir = "export"
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
