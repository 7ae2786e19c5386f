package service

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/model"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/grid"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/imaging"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/logger"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/query"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/render"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/scale"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/srs"
)

// defaultMapCRS is the OGC API default for crs, bbox-crs, center-crs and subset-crs.
const defaultMapCRS = "CRS:84"

// handleMap serves /ogcapi/collections/{id}/map.
func (s *Service) handleMap(w http.ResponseWriter, r *http.Request) {
	ctx := logger.WithLayer(logger.WithService(r.Context(), "ogcapi-maps"), chi.URLParam(r, "id"))
	r = r.WithContext(ctx)

	l, err := s.layers.Layer(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, jsonErrors, err)
		return
	}
	p, crs, err := parseMapParams(r)
	if err != nil {
		s.writeError(w, r, jsonErrors, err)
		return
	}
	p.Dimensions = l.Dimensions(p.Dimensions)

	q, err := s.resolver.Resolve(p, crs, l)
	if err != nil {
		s.writeError(w, r, jsonErrors, err)
		return
	}
	img, err := s.renderer.RenderMap(r.Context(), l, q)
	if err != nil {
		s.writeError(w, r, jsonErrors, err)
		return
	}
	w.Header().Set("Content-Crs", "<"+crsURI(crs)+">")
	writeImage(w, img, "")
}

// parseMapParams turns the query string into resolver parameters and the output crs.
func parseMapParams(r *http.Request) (query.Params, string, error) {
	v := r.URL.Query()
	var p query.Params

	crs := strings.TrimSpace(v.Get("crs"))
	if crs == "" {
		crs = defaultMapCRS
	}
	crs = srs.Normalize(crs)

	if raw := strings.TrimSpace(v.Get("bbox")); raw != "" {
		vals, err := parseFloats(raw, 4)
		if err != nil {
			return p, "", fmt.Errorf("%w: bbox: %w", query.ErrInvalidParameter, err)
		}
		bboxCRS := strings.TrimSpace(v.Get("bbox-crs"))
		if bboxCRS == "" {
			bboxCRS = defaultMapCRS
		}
		p.BBox = &model.BBox{X1: vals[0], Y1: vals[1], X2: vals[2], Y2: vals[3], SRID: srs.Normalize(bboxCRS)}
	}

	if raw := strings.TrimSpace(v.Get("center")); raw != "" {
		vals, err := parseFloats(raw, 2)
		if err != nil {
			return p, "", fmt.Errorf("%w: center: %w", query.ErrInvalidParameter, err)
		}
		pt := orb.Point{vals[0], vals[1]}
		p.Center = &pt
		p.CenterCRS = srs.Normalize(orDefault(v.Get("center-crs"), defaultMapCRS))
	}

	if raw := strings.TrimSpace(v.Get("subset")); raw != "" {
		intervals, err := query.ParseSubset(raw)
		if err != nil {
			return p, "", err
		}
		p.Subset = intervals
		p.SubsetCRS = srs.Normalize(orDefault(v.Get("subset-crs"), defaultMapCRS))
	}

	var err error
	if p.Width, err = optionalInt(v.Get("width"), "width"); err != nil {
		return p, "", err
	}
	if p.Height, err = optionalInt(v.Get("height"), "height"); err != nil {
		return p, "", err
	}
	if p.ScaleDenominator, err = optionalFloat(v.Get("scale-denominator"), "scale-denominator"); err != nil {
		return p, "", err
	}
	mm, err := optionalFloat(v.Get("mm-per-pixel"), "mm-per-pixel")
	if err != nil {
		return p, "", err
	}
	if mm != nil {
		if *mm <= 0 {
			return p, "", fmt.Errorf("%w: mm-per-pixel must be > 0", query.ErrInvalidNumeric)
		}
		p.DisplayResMMPerPx = *mm
	}

	if f := strings.TrimSpace(v.Get("f")); f != "" {
		format, err := imaging.ParseFormat(f)
		if err != nil {
			return p, "", err
		}
		p.Format = format.MimeType()
	}
	p.Transparent = !strings.EqualFold(v.Get("transparent"), "false")
	p.Dimensions = newWMSParams(r).dimensions()
	return p, crs, nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}

func optionalInt(raw, name string) (*int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q", query.ErrInvalidParameter, name, raw)
	}
	return &n, nil
}

func optionalFloat(raw, name string) (*float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q", query.ErrInvalidParameter, name, raw)
	}
	return &f, nil
}

func crsURI(code string) string {
	code = srs.Normalize(code)
	if code == "CRS:84" {
		return "http://www.opengis.net/def/crs/OGC/1.3/CRS84"
	}
	if n, ok := strings.CutPrefix(code, "EPSG:"); ok {
		return "http://www.opengis.net/def/crs/EPSG/0/" + n
	}
	return code
}

// handleOGCTile serves /ogcapi/collections/{id}/map/tiles/{tms}/{z}/{row}/{col}. Levels address
// the grid directly and rows count from the top.
func (s *Service) handleOGCTile(w http.ResponseWriter, r *http.Request) {
	ctx := logger.WithLayer(logger.WithService(r.Context(), "ogcapi-tiles"), chi.URLParam(r, "id"))
	r = r.WithContext(ctx)

	l, sg, err := s.layerGrid(chi.URLParam(r, "id"), chi.URLParam(r, "tms"))
	if err != nil {
		s.writeError(w, r, jsonErrors, err)
		return
	}
	zrc, err := parseCoord(chi.URLParam(r, "z"), chi.URLParam(r, "col"), chi.URLParam(r, "row"))
	if err != nil {
		s.writeError(w, r, jsonErrors, err)
		return
	}
	format := l.Format
	if f := strings.TrimSpace(r.URL.Query().Get("f")); f != "" {
		if format, err = imaging.ParseFormat(f); err != nil {
			s.writeError(w, r, jsonErrors, err)
			return
		}
	}

	ic, ok := internalTile(sg, model.TileCoord{Z: zrc[0], X: zrc[1], Y: zrc[2]}, grid.OriginUpperLeft, false)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.serveTile(w, r, "ogcapi-tiles", render.TileRequest{
		Layer:      l,
		Grid:       sg.Grid(),
		Coord:      ic,
		Format:     format,
		Dimensions: l.Dimensions(newWMSParams(r).dimensions()),
	})
}

type tileMatrix struct {
	ID               string     `json:"id"`
	ScaleDenominator float64    `json:"scaleDenominator"`
	CellSize         float64    `json:"cellSize"`
	PointOfOrigin    [2]float64 `json:"pointOfOrigin"`
	CornerOfOrigin   string     `json:"cornerOfOrigin"`
	TileWidth        int        `json:"tileWidth"`
	TileHeight       int        `json:"tileHeight"`
	MatrixWidth      int        `json:"matrixWidth"`
	MatrixHeight     int        `json:"matrixHeight"`
}

type tileMatrixSet struct {
	ID           string       `json:"id"`
	CRS          string       `json:"crs"`
	TileMatrices []tileMatrix `json:"tileMatrices"`
}

// handleTileMatrixSet describes the grid levels as an OGC tile matrix set.
func (s *Service) handleTileMatrixSet(w http.ResponseWriter, r *http.Request) {
	r = r.WithContext(logger.WithService(r.Context(), "ogcapi-tiles"))
	_, sg, err := s.layerGrid(chi.URLParam(r, "id"), chi.URLParam(r, "tms"))
	if err != nil {
		s.writeError(w, r, jsonErrors, err)
		return
	}
	g := sg.Grid()
	doc := tileMatrixSet{ID: g.Name, CRS: crsURI(g.SRS)}
	for z := range g.Levels() {
		cols, rows, _ := g.GridSize(z)
		res := g.Resolution(z)
		top := g.BBox.Y2
		if g.Origin == grid.OriginLowerLeft {
			top = g.BBox.Y1 + float64(rows)*res*float64(g.TileSize[1])
		}
		doc.TileMatrices = append(doc.TileMatrices, tileMatrix{
			ID:               strconv.Itoa(z),
			ScaleDenominator: scale.ScaleFromRes(res, scale.DefaultDisplayResMM, g.SRS, s.crs),
			CellSize:         res,
			PointOfOrigin:    [2]float64{g.BBox.X1, top},
			CornerOfOrigin:   "topLeft",
			TileWidth:        g.TileSize[0],
			TileHeight:       g.TileSize[1],
			MatrixWidth:      cols,
			MatrixHeight:     rows,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(doc)
}
