package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type InvalidationCfg struct {
	Enabled bool
	Driver  string
	Topic   string
	Brokers string
	GroupID string
}

type CacheCfg struct {
	Enabled    bool
	TTLDefault time.Duration
	// per layer TTL, from "layer=5m,other=30s"
	TTLOverrides map[string]time.Duration
	OpTimeout    time.Duration
	LRUSize      int
}

// TTLFor returns the tile TTL of layer.
func (c CacheCfg) TTLFor(layer string) time.Duration {
	if d, ok := c.TTLOverrides[layer]; ok {
		return d
	}
	return c.TTLDefault
}

type RenderCfg struct {
	// pool size of the render dispatcher; < 2 renders sources sequentially
	Concurrency     int
	FailFast        bool
	UpstreamTimeout time.Duration
	MaxOutputPixels int
}

type MetricsCfg struct {
	Enabled bool
	Addr    string
	Path    string
}

type Config struct {
	Addr            string
	LogLevel        string
	LogConsole      bool
	LogSampleN      int
	ServicesPath    string
	RedisAddr       string
	ShutdownTimeout time.Duration
	Cache           CacheCfg
	Render          RenderCfg
	Invalidation    InvalidationCfg
	Metrics         MetricsCfg
}

func FromEnv() Config {
	concurrency := getint("RENDER_CONCURRENCY", 4)
	if concurrency < 1 {
		concurrency = 1
	}
	lruSize := getint("CACHE_LRU_SIZE", 1024)
	if lruSize < 0 {
		lruSize = 0
	}

	return Config{
		Addr:            getenv("ADDR", ":8090"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		LogConsole:      getbool("LOG_CONSOLE", false),
		LogSampleN:      getint("LOG_SAMPLE_N", 0),
		ServicesPath:    getenv("SERVICES_CONFIG", "services.yaml"),
		RedisAddr:       getenv("REDIS_ADDR", "localhost:6379"),
		ShutdownTimeout: getduration("SHUTDOWN_TIMEOUT", 10*time.Second),
		Cache: CacheCfg{
			Enabled:      getbool("CACHE_ENABLED", true),
			TTLDefault:   getduration("CACHE_TTL_DEFAULT", time.Hour),
			TTLOverrides: parseDurationMap(getenv("CACHE_TTL_OVERRIDES", "")),
			OpTimeout:    getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
			LRUSize:      lruSize,
		},
		Render: RenderCfg{
			Concurrency:     concurrency,
			FailFast:        getbool("RENDER_FAIL_FAST", false),
			UpstreamTimeout: getduration("UPSTREAM_TIMEOUT", 15*time.Second),
			MaxOutputPixels: getint("MAX_OUTPUT_PIXELS", 4096*4096),
		},
		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Driver:  getenv("INVALIDATION_DRIVER", "kafka"),
			Topic:   getenv("KAFKA_TOPIC", "tile-invalidation"),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			GroupID: getenv("KAFKA_GROUP_ID", "tile-invalidator"),
		},
		Metrics: MetricsCfg{
			Enabled: getbool("METRICS_ENABLED", true),
			Addr:    getenv("METRICS_ADDR", ""),
			Path:    getenv("METRICS_PATH", "/metrics"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parse "layer=5m,other=30s" into map
func parseDurationMap(s string) map[string]time.Duration {
	out := map[string]time.Duration{}
	s = strings.TrimSpace(s)
	if s == "" {
		return out
	}
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			out[k] = d
		}
	}
	return out
}
