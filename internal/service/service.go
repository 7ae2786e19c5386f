// Package service implements the OGC protocol front ends (WMS, TMS, KML, OGC API Maps and
// Tiles). Every protocol resolves its request to a map query or an internal tile address and
// hands it to the renderer.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/observability"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/grid"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/layer"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/logger"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/query"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/render"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/srs"
)

type Service struct {
	logger   *slog.Logger
	layers   *layer.Registry
	renderer *render.Renderer
	resolver *query.Resolver
	crs      *srs.Provider
}

func New(logger *slog.Logger, layers *layer.Registry, renderer *render.Renderer, resolver *query.Resolver, crs *srs.Provider) *Service {
	return &Service{
		logger:   logger,
		layers:   layers,
		renderer: renderer,
		resolver: resolver,
		crs:      crs,
	}
}

// Mount registers every protocol route on r.
func (s *Service) Mount(r chi.Router) {
	r.Get("/service", s.handleWMS)
	r.Get("/wms", s.handleWMS)

	r.Get("/tms/1.0.0", s.handleTMSRoot)
	r.Get("/tms/1.0.0/{layer}/{grid}", s.handleTileMap)
	r.Get("/tms/1.0.0/{layer}/{grid}/{z}/{x}/{y}.{ext}", s.tileHandler("tms", grid.OriginLowerLeft, true))
	r.Get("/tiles/{layer}/{grid}/{z}/{x}/{y}.{ext}", s.tileHandler("tiles", grid.OriginUpperLeft, false))

	r.Get("/kml/{layer}/{grid}/{z}/{x}/{y}.kml", s.handleKML)

	r.Get("/ogcapi/collections/{id}/map", s.handleMap)
	r.Get("/ogcapi/collections/{id}/map/tiles/{tms}", s.handleTileMatrixSet)
	r.Get("/ogcapi/collections/{id}/map/tiles/{tms}/{z}/{row}/{col}", s.handleOGCTile)
}

// layerGrid returns the layer and one of its grids with the derived service view.
func (s *Service) layerGrid(layerName, gridName string) (*layer.Layer, *grid.ServiceGrid, error) {
	l, err := s.layers.Layer(layerName)
	if err != nil {
		return nil, nil, err
	}
	g, ok := l.Grid(gridName)
	if !ok {
		return nil, nil, fmt.Errorf("%w: layer %s has no grid %q", errNotFound, layerName, gridName)
	}
	return l, s.layers.ServiceGrid(g), nil
}

func parseCoord(z, x, y string) (c [3]int, err error) {
	for i, v := range []string{z, x, y} {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return c, fmt.Errorf("%w: tile coordinate %q", errBadRequest, v)
		}
		c[i] = n
	}
	return c, nil
}

func writeImage(w http.ResponseWriter, img render.Image, origin render.Origin) {
	w.Header().Set("Content-Type", img.Format.MimeType())
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	if origin != "" {
		w.Header().Set("X-Tile-Origin", string(origin))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img.Data)
}

func (s *Service) serveTile(w http.ResponseWriter, r *http.Request, svc string, t render.TileRequest) {
	img, origin, err := s.renderer.RenderTile(r.Context(), t)
	if err != nil {
		s.writeError(w, r, plainErrors, err)
		return
	}
	observability.IncTileServed(svc, string(origin))
	ctx := logger.WithCacheResult(r.Context(), cacheResult(origin))
	s.logger.DebugContext(ctx, "tile served", "tile", t.Coord.String(), "grid", t.Grid.Name)
	writeImage(w, img, origin)
}

func cacheResult(o render.Origin) string {
	switch o {
	case render.FromCache:
		return "hit"
	case render.FromShared:
		return "shared"
	default:
		return "miss"
	}
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host
}
