// Command tilectl inspects tile grids and map queries and publishes cache invalidation events.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/IBM/sarama"
	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v2"
)

type producerFactory func(brokers []string) (sarama.SyncProducer, error)

func newKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Version = sarama.V2_1_0_0
	return sarama.NewSyncProducer(brokers, cfg)
}

func newApp(out io.Writer, produce producerFactory) *cli.App {
	servicesFlag := &cli.StringFlag{
		Name:    "services",
		Usage:   "services YAML; without it only the built-in grids are known",
		EnvVars: []string{"SERVICES_CONFIG"},
	}
	return &cli.App{
		Name:    "tilectl",
		Usage:   "tile grid, map query and cache invalidation tooling",
		Version: versioninfo.Short(),
		Writer:  out,
		Commands: []*cli.Command{
			levelsCommand(servicesFlag),
			tileCommand(servicesFlag),
			childrenCommand(servicesFlag),
			resolveCommand(servicesFlag),
			publishCommand(produce),
		},
	}
}

func main() {
	if err := newApp(os.Stdout, newKafkaProducer).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "tilectl:", err)
		os.Exit(1)
	}
}

func parseFloats(raw string, n int) ([]float64, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d comma-separated numbers, got %q", n, raw)
	}
	out := make([]float64, n)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("parse float %q: %w", p, err)
		}
		out[i] = v
	}
	return out, nil
}
