package main

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/config"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/model"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/grid"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/layer"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/scale"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/srs"
)

func gridFlag() *cli.StringFlag {
	return &cli.StringFlag{Name: "grid", Aliases: []string{"g"}, Value: "GLOBAL_WEBMERCATOR", Usage: "grid name"}
}

func coordFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "z", Required: true},
		&cli.IntFlag{Name: "x", Required: true},
		&cli.IntFlag{Name: "y", Required: true},
	}
}

func loadRegistry(path string) (*layer.Registry, error) {
	svc, err := config.LoadServices(path)
	if err != nil {
		return nil, err
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	return layer.Build(quiet, svc, nil, srs.NewProvider())
}

// loadGrid finds the grid in the services file when one is given, else among the built-ins.
func loadGrid(c *cli.Context) (*grid.ServiceGrid, error) {
	name := c.String("grid")
	if path := c.String("services"); path != "" {
		reg, err := loadRegistry(path)
		if err != nil {
			return nil, err
		}
		g, ok := reg.Grid(name)
		if !ok {
			return nil, fmt.Errorf("unknown grid %q", name)
		}
		return reg.ServiceGrid(g), nil
	}
	g := layer.BuiltinGrid(name)
	if g == nil {
		return nil, fmt.Errorf("unknown grid %q (pass --services for configured grids)", name)
	}
	return grid.NewServiceGrid(g, srs.NewProvider()), nil
}

func levelsCommand(services cli.Flag) *cli.Command {
	return &cli.Command{
		Name:  "levels",
		Usage: "list the public levels of a grid",
		Flags: []cli.Flag{services, gridFlag()},
		Action: func(c *cli.Context) error {
			sg, err := loadGrid(c)
			if err != nil {
				return err
			}
			g := sg.Grid()
			crs := srs.NewProvider()
			fmt.Fprintf(c.App.Writer, "%s %s profile=%s\n", g.Name, g.SRS, sg.Profile())
			tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ORDER\tLEVEL\tRESOLUTION\tSCALE\tTILES")
			for _, lv := range sg.PublicLevels() {
				fmt.Fprintf(tw, "%d\t%d\t%.10g\t%.0f\t%dx%d\n", lv.Order, lv.InternalLevel, lv.Resolution,
					scale.ScaleFromRes(lv.Resolution, scale.DefaultDisplayResMM, g.SRS, crs), lv.Cols, lv.Rows)
			}
			return tw.Flush()
		},
	}
}

func tileCommand(services cli.Flag) *cli.Command {
	flags := append([]cli.Flag{services, gridFlag(),
		&cli.BoolFlag{Name: "internal", Usage: "the coordinate is a grid level address"},
		&cli.BoolFlag{Name: "no-profiles", Usage: "public levels are grid levels"},
	}, coordFlags()...)
	return &cli.Command{
		Name:  "tile",
		Usage: "map a tile address between public and grid numbering and print its bbox",
		Flags: flags,
		Action: func(c *cli.Context) error {
			sg, err := loadGrid(c)
			if err != nil {
				return err
			}
			in := model.TileCoord{Z: c.Int("z"), X: c.Int("x"), Y: c.Int("y")}
			internal := in
			if !c.Bool("internal") {
				var ok bool
				if internal, ok = sg.ToInternal(in, !c.Bool("no-profiles")); !ok {
					return fmt.Errorf("level %d does not exist", in.Z)
				}
			}
			t, ok, err := sg.Tile(internal)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("tile %s is outside grid %s", internal, sg.Grid().Name)
			}
			w := c.App.Writer
			if ext, ok := sg.ToExternal(internal, !c.Bool("no-profiles")); ok {
				fmt.Fprintf(w, "public   %d/%d/%d\n", ext.Z, ext.X, ext.Y)
			} else {
				fmt.Fprintln(w, "public   -")
			}
			fmt.Fprintf(w, "internal %d/%d/%d\n", internal.Z, internal.X, internal.Y)
			fmt.Fprintf(w, "bbox     %s\n", t.BBox)
			fmt.Fprintf(w, "geo      %s\n", t.GeoBBox)
			return nil
		},
	}
}

func childrenCommand(services cli.Flag) *cli.Command {
	return &cli.Command{
		Name:  "children",
		Usage: "list the next public level tiles below a grid tile",
		Flags: append([]cli.Flag{services, gridFlag()}, coordFlags()...),
		Action: func(c *cli.Context) error {
			sg, err := loadGrid(c)
			if err != nil {
				return err
			}
			children, err := sg.QuadChildren(model.TileCoord{Z: c.Int("z"), X: c.Int("x"), Y: c.Int("y")})
			if err != nil {
				return err
			}
			for _, ch := range children {
				fmt.Fprintf(c.App.Writer, "%d/%d/%d\t%s\n", ch.Internal.Z, ch.Internal.X, ch.Internal.Y, ch.GeoBBox)
			}
			return nil
		},
	}
}
