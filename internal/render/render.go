// Package render turns map queries into encoded images by fetching every source of a layer
// through the dispatcher and stacking the results.
package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/cache"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/cache/keys"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/model"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/observability"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/dispatch"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/grid"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/imaging"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/layer"
)

// ErrAllSourcesFailed is returned in Collect mode when no source produced an image.
var ErrAllSourcesFailed = errors.New("all sources failed")

// Origin says where a tile came from.
type Origin string

const (
	FromCache  Origin = "cache"
	FromRender Origin = "render"
	FromShared Origin = "shared"
)

type Options struct {
	// PoolSize < 2 fetches sources one after another.
	PoolSize int
	Policy   dispatch.Policy
	// TTL returns the cache TTL of a layer's tiles.
	TTL func(layer string) time.Duration
	// TileTimeout bounds a shared tile render, which outlives the request that started it.
	TileTimeout time.Duration
}

type Renderer struct {
	logger   *slog.Logger
	cache    cache.Interface
	opts     Options
	inflight singleflight.Group
}

// New returns a renderer. A nil cache disables tile caching.
func New(logger *slog.Logger, c cache.Interface, opts Options) *Renderer {
	if c == nil {
		c = cache.Nop{}
	}
	if opts.TTL == nil {
		opts.TTL = func(string) time.Duration { return time.Hour }
	}
	return &Renderer{logger: logger, cache: c, opts: opts}
}

// Image is an encoded rendering.
type Image struct {
	Data   []byte
	Format imaging.Format
}

// RenderMap renders q from every source of l. An empty q.Format selects the layer format.
func (r *Renderer) RenderMap(ctx context.Context, l *layer.Layer, q model.MapQuery) (Image, error) {
	format := l.Format
	if q.Format != "" {
		f, err := imaging.ParseFormat(q.Format)
		if err != nil {
			return Image{}, err
		}
		format = f
	}
	if len(l.Sources) == 0 {
		return Image{}, fmt.Errorf("layer %s: no sources", l.Name)
	}

	ops := make([]dispatch.Op[image.Image], len(l.Sources))
	for i, src := range l.Sources {
		ops[i] = func(ctx context.Context) (image.Image, error) {
			raw, err := src.Fetch(ctx, q)
			if err != nil {
				return nil, err
			}
			return imaging.Decode(raw.Data, raw.ContentType)
		}
	}

	start := time.Now()
	results, err := dispatch.Run(ctx, ops, r.opts.PoolSize, r.opts.Policy)
	failed := 0
	var firstErr error
	for i, res := range results {
		if res.Err != nil {
			failed++
			if firstErr == nil {
				firstErr = res.Err
			}
			r.logger.WarnContext(ctx, "source failed, dropped from composite",
				"source", l.Sources[i].Name(), "err", res.Err)
		}
	}
	observability.ObserveDispatch(r.opts.Policy.String(), len(ops), failed, err, time.Since(start).Seconds())
	if err != nil {
		return Image{}, err
	}
	if failed == len(ops) {
		return Image{}, fmt.Errorf("%w: layer %s: %w", ErrAllSourcesFailed, l.Name, firstErr)
	}

	imgs := make([]image.Image, 0, len(results))
	for _, res := range results {
		if res.Err == nil {
			imgs = append(imgs, res.Value)
		}
	}
	canvas := imaging.Compose(q.Size.Width, q.Size.Height, imgs)
	data, err := imaging.Encode(canvas, format, q.Transparent)
	if err != nil {
		return Image{}, err
	}
	return Image{Data: data, Format: format}, nil
}

// TileRequest addresses one tile in internal grid coordinates.
type TileRequest struct {
	Layer      *layer.Layer
	Grid       *grid.TileGrid
	Coord      model.TileCoord
	Format     imaging.Format
	Dimensions map[string]string
}

// RenderTile serves a tile from the cache or renders and stores it. Concurrent requests for
// the same tile variant share one render.
func (r *Renderer) RenderTile(ctx context.Context, t TileRequest) (Image, Origin, error) {
	if t.Format == "" {
		t.Format = t.Layer.Format
	}
	bbox, err := t.Grid.TileBBox(t.Coord, false)
	if err != nil {
		return Image{}, "", err
	}
	key := keys.Tile(t.Layer.Name, t.Grid.Name, t.Coord)
	variant := keys.Variant(t.Format.MimeType(), t.Dimensions)

	data, ok, err := r.cache.Get(ctx, key, variant)
	if err != nil {
		r.logger.WarnContext(ctx, "tile cache get failed", "key", key, "err", err)
	}
	if ok {
		return Image{Data: data, Format: t.Format}, FromCache, nil
	}

	q := model.MapQuery{
		BBox:        bbox,
		Size:        model.Size{Width: t.Grid.TileSize[0], Height: t.Grid.TileSize[1]},
		CRS:         t.Grid.SRS,
		Format:      t.Format.MimeType(),
		Transparent: t.Format.Transparent(),
		Dimensions:  t.Dimensions,
	}

	v, err, shared := r.inflight.Do(key+"|"+variant, func() (any, error) {
		rctx := context.WithoutCancel(ctx)
		if r.opts.TileTimeout > 0 {
			var cancel context.CancelFunc
			rctx, cancel = context.WithTimeout(rctx, r.opts.TileTimeout)
			defer cancel()
		}
		img, err := r.RenderMap(rctx, t.Layer, q)
		if err != nil {
			return Image{}, err
		}
		if err := r.cache.Set(rctx, key, variant, img.Data, r.opts.TTL(t.Layer.Name)); err != nil {
			r.logger.WarnContext(ctx, "tile cache set failed", "key", key, "err", err)
		}
		return img, nil
	})
	if err != nil {
		return Image{}, "", err
	}
	if shared {
		observability.IncRenderShared()
		return v.(Image), FromShared, nil
	}
	return v.(Image), FromRender, nil
}

// BlankTile is the image served for tiles outside the grid when a protocol wants an image.
func BlankTile(g *grid.TileGrid, f imaging.Format) (Image, error) {
	data, err := imaging.Encode(imaging.Blank(g.TileSize[0], g.TileSize[1], f.Transparent()), f, f.Transparent())
	if err != nil {
		return Image{}, err
	}
	return Image{Data: data, Format: f}, nil
}
