package kafkaconsumer

import (
	"strings"
	"time"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/config"
)

type Config struct {
	Brokers             []string
	Topic               string
	GroupID             string
	SessionTimeout      time.Duration
	Heartbeat           time.Duration
	RebalanceTimeout    time.Duration
	InitialOffsetOldest bool
	// pause after a failed Consume before rejoining the group
	RetryBackoff time.Duration
}

func FromConfig(cfg config.InvalidationCfg) Config {
	return Config{
		Brokers:          splitCSV(cfg.Brokers),
		Topic:            cfg.Topic,
		GroupID:          cfg.GroupID,
		SessionTimeout:   30 * time.Second,
		Heartbeat:        3 * time.Second,
		RebalanceTimeout: 30 * time.Second,
		// tiles cached before the proxy started may already be stale
		InitialOffsetOldest: false,
		RetryBackoff:        2 * time.Second,
	}
}

func splitCSV(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
