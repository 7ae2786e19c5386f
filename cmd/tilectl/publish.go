package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/urfave/cli/v2"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/config"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/invalidation"
)

func publishCommand(produce producerFactory) *cli.Command {
	inv := config.FromEnv().Invalidation
	return &cli.Command{
		Name:  "publish",
		Usage: "publish a cache invalidation event",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "brokers", Value: inv.Brokers, Usage: "comma-separated kafka brokers"},
			&cli.StringFlag{Name: "topic", Value: inv.Topic},
			&cli.StringFlag{Name: "layer", Aliases: []string{"l"}, Required: true},
			&cli.StringFlag{Name: "op", Value: invalidation.OpUpdate, Usage: "insert|update|delete|purge"},
			&cli.StringFlag{Name: "bbox", Usage: "minx,miny,maxx,maxy"},
			&cli.StringFlag{Name: "srid", Value: "EPSG:4326", Usage: "crs of --bbox"},
			&cli.StringFlag{Name: "geometry", Usage: "GeoJSON Polygon or MultiPolygon in lon/lat"},
			&cli.StringFlag{Name: "source", Value: "tilectl"},
		},
		Action: func(c *cli.Context) error {
			ev, err := buildEvent(c, time.Now().UTC())
			if err != nil {
				return err
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("marshal event: %w", err)
			}

			var brokers []string
			for b := range strings.SplitSeq(c.String("brokers"), ",") {
				if b = strings.TrimSpace(b); b != "" {
					brokers = append(brokers, b)
				}
			}
			if len(brokers) == 0 {
				return fmt.Errorf("--brokers is required")
			}
			producer, err := produce(brokers)
			if err != nil {
				return fmt.Errorf("kafka producer: %w", err)
			}
			defer func() { _ = producer.Close() }()

			// keyed by layer so one layer's events stay ordered on one partition
			partition, offset, err := producer.SendMessage(&sarama.ProducerMessage{
				Topic: c.String("topic"),
				Key:   sarama.StringEncoder(ev.Layer),
				Value: sarama.ByteEncoder(payload),
			})
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}
			fmt.Fprintf(c.App.Writer, "published %s %s to %s partition=%d offset=%d\n",
				ev.Op, ev.Layer, c.String("topic"), partition, offset)
			return nil
		},
	}
}

func buildEvent(c *cli.Context, now time.Time) (invalidation.Event, error) {
	ev := invalidation.Event{
		Version: 1,
		Op:      c.String("op"),
		Layer:   c.String("layer"),
		TS:      now,
		Source:  c.String("source"),
	}
	if raw := c.String("bbox"); raw != "" {
		v, err := parseFloats(raw, 4)
		if err != nil {
			return ev, fmt.Errorf("bbox: %w", err)
		}
		ev.BBox = &invalidation.BBox{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3], SRID: c.String("srid")}
	}
	if raw := c.String("geometry"); raw != "" {
		ev.Geometry = json.RawMessage(raw)
	}
	if err := ev.Validate(); err != nil {
		return ev, err
	}
	return ev, nil
}
