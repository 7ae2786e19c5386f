package service

import (
	"encoding/xml"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/model"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/grid"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/imaging"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/logger"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/render"
)

// requestOrigin reads the optional origin parameter (sw/ll or nw/ul).
func requestOrigin(r *http.Request, def grid.Origin) (grid.Origin, error) {
	v := r.URL.Query().Get("origin")
	if v == "" {
		return def, nil
	}
	o, err := grid.ParseOrigin(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return o, nil
}

// internalTile maps a public tile address with rows counted from origin onto the grid. ok is
// false when the level does not exist.
func internalTile(sg *grid.ServiceGrid, c model.TileCoord, origin grid.Origin, useProfiles bool) (model.TileCoord, bool) {
	ic, ok := sg.ToInternal(c, useProfiles)
	if !ok {
		return model.TileCoord{}, false
	}
	g := sg.Grid()
	if origin == g.Origin {
		return ic, true
	}
	// flip the requested row before clamping
	flipped := g.FlipY(model.TileCoord{X: c.X, Y: c.Y, Z: ic.Z})
	return g.Limit(flipped)
}

// publicRow converts an internal row to the numbering of origin.
func publicRow(g *grid.TileGrid, internal model.TileCoord, origin grid.Origin) int {
	if origin == g.Origin {
		return internal.Y
	}
	return g.FlipY(internal).Y
}

// tileHandler serves /{layer}/{grid}/{z}/{x}/{y}.{ext}. TMS addresses levels through the grid
// profile; the plain tiles endpoint addresses grid levels directly.
func (s *Service) tileHandler(svc string, defOrigin grid.Origin, useProfiles bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := logger.WithLayer(logger.WithService(r.Context(), svc), chi.URLParam(r, "layer"))
		r = r.WithContext(ctx)

		l, sg, err := s.layerGrid(chi.URLParam(r, "layer"), chi.URLParam(r, "grid"))
		if err != nil {
			s.writeError(w, r, plainErrors, err)
			return
		}
		zxy, err := parseCoord(chi.URLParam(r, "z"), chi.URLParam(r, "x"), chi.URLParam(r, "y"))
		if err != nil {
			s.writeError(w, r, plainErrors, err)
			return
		}
		format, err := imaging.ParseFormat(chi.URLParam(r, "ext"))
		if err != nil {
			s.writeError(w, r, plainErrors, err)
			return
		}
		origin, err := requestOrigin(r, defOrigin)
		if err != nil {
			s.writeError(w, r, plainErrors, err)
			return
		}

		ic, ok := internalTile(sg, model.TileCoord{Z: zxy[0], X: zxy[1], Y: zxy[2]}, origin, useProfiles)
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.serveTile(w, r, svc, render.TileRequest{
			Layer:      l,
			Grid:       sg.Grid(),
			Coord:      ic,
			Format:     format,
			Dimensions: l.Dimensions(newWMSParams(r).dimensions()),
		})
	}
}

type tmsBoundingBox struct {
	MinX float64 `xml:"minx,attr"`
	MinY float64 `xml:"miny,attr"`
	MaxX float64 `xml:"maxx,attr"`
	MaxY float64 `xml:"maxy,attr"`
}

type tmsTileSet struct {
	Href          string  `xml:"href,attr"`
	UnitsPerPixel float64 `xml:"units-per-pixel,attr"`
	Order         int     `xml:"order,attr"`
}

type tmsTileMap struct {
	XMLName        xml.Name       `xml:"TileMap"`
	Version        string         `xml:"version,attr"`
	TileMapService string         `xml:"tilemapservice,attr"`
	Title          string         `xml:"Title"`
	SRS            string         `xml:"SRS"`
	BoundingBox    tmsBoundingBox `xml:"BoundingBox"`
	Origin         struct {
		X float64 `xml:"x,attr"`
		Y float64 `xml:"y,attr"`
	} `xml:"Origin"`
	TileFormat struct {
		Width     int    `xml:"width,attr"`
		Height    int    `xml:"height,attr"`
		MimeType  string `xml:"mime-type,attr"`
		Extension string `xml:"extension,attr"`
	} `xml:"TileFormat"`
	TileSets struct {
		Profile string       `xml:"profile,attr"`
		Sets    []tmsTileSet `xml:"TileSet"`
	} `xml:"TileSets"`
}

type tmsMapRef struct {
	Title   string `xml:"title,attr"`
	SRS     string `xml:"srs,attr"`
	Profile string `xml:"profile,attr"`
	Href    string `xml:"href,attr"`
}

type tmsService struct {
	XMLName  xml.Name    `xml:"TileMapService"`
	Version  string      `xml:"version,attr"`
	TileMaps []tmsMapRef `xml:"TileMaps>TileMap"`
}

func (s *Service) handleTMSRoot(w http.ResponseWriter, r *http.Request) {
	base := baseURL(r) + "/tms/1.0.0"
	doc := tmsService{Version: "1.0.0"}
	for _, l := range s.layers.Layers() {
		for _, g := range l.Grids {
			doc.TileMaps = append(doc.TileMaps, tmsMapRef{
				Title:   l.Title,
				SRS:     g.SRS,
				Profile: string(s.layers.ServiceGrid(g).Profile()),
				Href:    base + "/" + l.Name + "/" + g.Name,
			})
		}
	}
	writeXML(w, doc)
}

// handleTileMap lists the public levels of one layer grid.
func (s *Service) handleTileMap(w http.ResponseWriter, r *http.Request) {
	r = r.WithContext(logger.WithService(r.Context(), "tms"))
	l, sg, err := s.layerGrid(chi.URLParam(r, "layer"), chi.URLParam(r, "grid"))
	if err != nil {
		s.writeError(w, r, plainErrors, err)
		return
	}
	g := sg.Grid()
	href := baseURL(r) + "/tms/1.0.0/" + l.Name + "/" + g.Name

	doc := tmsTileMap{Version: "1.0.0", TileMapService: baseURL(r) + "/tms/1.0.0", Title: l.Title, SRS: g.SRS}
	doc.BoundingBox = tmsBoundingBox{MinX: g.BBox.X1, MinY: g.BBox.Y1, MaxX: g.BBox.X2, MaxY: g.BBox.Y2}
	doc.Origin.X, doc.Origin.Y = g.BBox.X1, g.BBox.Y1
	doc.TileFormat.Width, doc.TileFormat.Height = g.TileSize[0], g.TileSize[1]
	doc.TileFormat.MimeType = l.Format.MimeType()
	doc.TileFormat.Extension = l.Format.Extension()
	doc.TileSets.Profile = string(sg.Profile())
	for _, lv := range sg.PublicLevels() {
		doc.TileSets.Sets = append(doc.TileSets.Sets, tmsTileSet{
			Href:          fmt.Sprintf("%s/%d", href, lv.Order),
			UnitsPerPixel: lv.Resolution,
			Order:         lv.Order,
		})
	}
	writeXML(w, doc)
}

func writeXML(w http.ResponseWriter, doc any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	_ = enc.Encode(doc)
}
