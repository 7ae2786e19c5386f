package kafkaconsumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/cache/keys"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/model"
	obs "github.com/mohammed-shakir/ogc-tile-proxy/internal/core/observability"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/invalidation"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/layer"
	mylog "github.com/mohammed-shakir/ogc-tile-proxy/internal/logger"
)

// TileCache is the part of the tile cache invalidation needs; *cache.Tiered implements it.
type TileCache interface {
	Del(ctx context.Context, tiles ...string) (int64, error)
	DelPattern(ctx context.Context, pattern string) (int64, error)
}

// TileMapper maps a changed region onto tile keys; *invalidation.Mapper implements it.
type TileMapper interface {
	HasLayer(name string) bool
	TileKeys(layer string, region model.BBox) ([]string, error)
}

var ErrNotReady = errors.New("kafkaconsumer: no active group session")

type Consumer struct {
	cfg     Config
	logger  *slog.Logger
	zlog    *zerolog.Logger
	cache   TileCache
	mapper  TileMapper
	handler *groupHandler
}

func New(cfg Config, logger *slog.Logger, zl *zerolog.Logger, c TileCache, mapper TileMapper) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if zl == nil {
		nop := zerolog.Nop()
		zl = &nop
	}
	child := zl.With().Str("component", "kafka_consumer").Logger()
	cons := &Consumer{
		cfg:    cfg,
		logger: logger,
		zlog:   &child,
		cache:  c,
		mapper: mapper,
	}
	cons.handler = &groupHandler{process: cons.ProcessOne}
	return cons
}

// Start consumes invalidation events until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	if c.cache == nil || c.mapper == nil {
		return errors.New("kafkaconsumer: missing dependencies (cache/mapper)")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	c.logger.Info("kafka invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	backoff := c.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	for {
		if err := group.Consume(ctx, []string{c.cfg.Topic}, c.handler); err != nil && ctx.Err() == nil {
			obs.IncKafkaConsumerError("consume")
			c.zlog.Error().Err(err).
				Strs("brokers", c.cfg.Brokers).
				Str("topic", c.cfg.Topic).
				Msg("kafka consumer error")
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
		}
		if ctx.Err() != nil {
			c.logger.Info("kafka invalidation consumer shutting down")
			return nil
		}
	}
}

// Ready is a readiness probe: it fails until the consumer joined its group.
func (c *Consumer) Ready(context.Context) error {
	if c.handler.sessions.Load() == 0 {
		return ErrNotReady
	}
	return nil
}

// ProcessOne handles one message. Malformed events and unknown layers are logged and skipped so
// they cannot block the partition; cache failures are returned so the message is retried.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	ev, err := invalidation.Decode(msg.Value)
	if err != nil {
		obs.IncKafkaConsumerError("decode")
		obs.ObserveInvalidation("invalid", 0)
		mylog.FromContext(ctx, c.zlog).Warn().Err(err).
			Str("topic", msg.Topic).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("skipping invalid event")
		return nil
	}
	ctx = mylog.WithLayer(ctx, ev.Layer)

	region, hasRegion, err := ev.Region()
	if err != nil {
		obs.ObserveInvalidation("invalid", 0)
		return nil
	}

	var n int64
	if hasRegion {
		n, err = c.invalidateRegion(ctx, ev, region)
	} else {
		n, err = c.purge(ctx, ev.Layer)
	}
	switch {
	case errors.Is(err, layer.ErrUnknownLayer):
		obs.ObserveInvalidation("unknown_layer", 0)
		c.logger.DebugContext(ctx, "invalidation for unknown layer (skipping)", "op", ev.Op)
		return nil
	case err != nil:
		obs.IncKafkaConsumerError("cache_del")
		obs.ObserveInvalidation("error", 0)
		mylog.FromContext(ctx, c.zlog).Error().Err(err).
			Str("kind", "cache_del").
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("kafka error")
		return fmt.Errorf("invalidate layer %s: %w", ev.Layer, err)
	}

	obs.ObserveInvalidation("ok", int(n))
	mylog.FromContext(ctx, c.zlog).Info().
		Str("event", "invalidation").
		Str("op", ev.Op).
		Int64("deleted", n).
		Msg("invalidated tiles")
	return nil
}

func (c *Consumer) invalidateRegion(ctx context.Context, ev invalidation.Event, region model.BBox) (int64, error) {
	tiles, err := c.mapper.TileKeys(ev.Layer, region)
	if errors.Is(err, invalidation.ErrTooManyTiles) {
		c.logger.InfoContext(ctx, "invalidation region too large, purging layer", "err", err)
		return c.purge(ctx, ev.Layer)
	}
	if err != nil {
		return 0, err
	}
	if len(tiles) == 0 {
		return 0, nil
	}
	return c.cache.Del(ctx, tiles...)
}

func (c *Consumer) purge(ctx context.Context, layerName string) (int64, error) {
	if !c.mapper.HasLayer(layerName) {
		return 0, fmt.Errorf("%w: %s", layer.ErrUnknownLayer, layerName)
	}
	return c.cache.DelPattern(ctx, keys.LayerPattern(layerName))
}
