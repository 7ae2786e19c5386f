package main

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/urfave/cli/v2"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/model"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/query"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/srs"
)

func resolveCommand(services cli.Flag) *cli.Command {
	return &cli.Command{
		Name:  "resolve",
		Usage: "resolve map query parameters against a configured layer",
		Flags: []cli.Flag{
			services,
			&cli.StringFlag{Name: "layer", Aliases: []string{"l"}, Required: true},
			&cli.StringFlag{Name: "crs", Value: "EPSG:3857", Usage: "output crs"},
			&cli.StringFlag{Name: "bbox", Usage: "minx,miny,maxx,maxy"},
			&cli.StringFlag{Name: "bbox-crs", Usage: "defaults to --crs"},
			&cli.StringFlag{Name: "center", Usage: "x,y"},
			&cli.StringFlag{Name: "center-crs", Usage: "defaults to --crs"},
			&cli.IntFlag{Name: "width"},
			&cli.IntFlag{Name: "height"},
			&cli.Float64Flag{Name: "scale", Usage: "scale denominator"},
			&cli.Float64Flag{Name: "mm-per-pixel", Value: 0},
			&cli.IntFlag{Name: "max-pixels", Value: 0, Usage: "reject larger outputs; 0 disables"},
		},
		Action: func(c *cli.Context) error {
			if c.String("services") == "" {
				return fmt.Errorf("--services is required")
			}
			reg, err := loadRegistry(c.String("services"))
			if err != nil {
				return err
			}
			l, err := reg.Layer(c.String("layer"))
			if err != nil {
				return err
			}
			p, err := resolveParams(c)
			if err != nil {
				return err
			}
			crs := srs.NewProvider()
			var opts []query.Option
			if n := c.Int("max-pixels"); n > 0 {
				opts = append(opts, query.WithMaxOutputPixels(n))
			}
			q, err := query.New(crs, opts...).Resolve(p, srs.Normalize(c.String("crs")), l)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "crs  %s\nbbox %s\nsize %dx%d\n", q.CRS, q.BBox, q.Size.Width, q.Size.Height)
			return nil
		},
	}
}

func resolveParams(c *cli.Context) (query.Params, error) {
	var p query.Params
	if raw := c.String("bbox"); raw != "" {
		v, err := parseFloats(raw, 4)
		if err != nil {
			return p, fmt.Errorf("bbox: %w", err)
		}
		p.BBox = &model.BBox{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3], SRID: srs.Normalize(c.String("bbox-crs"))}
	}
	if raw := c.String("center"); raw != "" {
		v, err := parseFloats(raw, 2)
		if err != nil {
			return p, fmt.Errorf("center: %w", err)
		}
		pt := orb.Point{v[0], v[1]}
		p.Center = &pt
		p.CenterCRS = srs.Normalize(c.String("center-crs"))
	}
	if c.IsSet("width") {
		w := c.Int("width")
		p.Width = &w
	}
	if c.IsSet("height") {
		h := c.Int("height")
		p.Height = &h
	}
	if c.IsSet("scale") {
		s := c.Float64("scale")
		p.ScaleDenominator = &s
	}
	p.DisplayResMMPerPx = c.Float64("mm-per-pixel")
	return p, nil
}
