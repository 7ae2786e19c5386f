package service

import (
	"encoding/xml"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/model"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/grid"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/logger"
)

const (
	kmlNamespace  = "http://www.opengis.net/kml/2.2"
	kmlMimeType   = "application/vnd.google-earth.kml+xml"
	minLodPixels  = 128
	overlayMaxLod = 512
)

type kmlLatLonAltBox struct {
	North float64 `xml:"north"`
	South float64 `xml:"south"`
	East  float64 `xml:"east"`
	West  float64 `xml:"west"`
}

type kmlLod struct {
	Min int `xml:"minLodPixels"`
	Max int `xml:"maxLodPixels"`
}

type kmlRegion struct {
	Box kmlLatLonAltBox `xml:"LatLonAltBox"`
	Lod kmlLod          `xml:"Lod"`
}

type kmlLink struct {
	Href            string `xml:"href"`
	ViewRefreshMode string `xml:"viewRefreshMode"`
}

type kmlNetworkLink struct {
	Name   string    `xml:"name"`
	Region kmlRegion `xml:"Region"`
	Link   kmlLink   `xml:"Link"`
}

type kmlGroundOverlay struct {
	Region    kmlRegion       `xml:"Region"`
	DrawOrder int             `xml:"drawOrder"`
	IconHref  string          `xml:"Icon>href"`
	LatLonBox kmlLatLonAltBox `xml:"LatLonBox"`
}

type kmlDocument struct {
	XMLName xml.Name `xml:"kml"`
	XMLNS   string   `xml:"xmlns,attr"`
	Doc     struct {
		Name         string           `xml:"name"`
		Region       kmlRegion        `xml:"Region"`
		NetworkLinks []kmlNetworkLink `xml:"NetworkLink"`
		Overlay      kmlGroundOverlay `xml:"GroundOverlay"`
	} `xml:"Document"`
}

func boxOf(b model.BBox) kmlLatLonAltBox {
	return kmlLatLonAltBox{North: b.Y2, South: b.Y1, East: b.X2, West: b.X1}
}

// handleKML returns a super-overlay document for one tile: the tile image as a ground overlay
// and a region-triggered network link per child tile. Rows count from the lower left.
func (s *Service) handleKML(w http.ResponseWriter, r *http.Request) {
	ctx := logger.WithLayer(logger.WithService(r.Context(), "kml"), chi.URLParam(r, "layer"))
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
	ic, ok := internalTile(sg, model.TileCoord{Z: zxy[0], X: zxy[1], Y: zxy[2]}, grid.OriginLowerLeft, true)
	if !ok {
		s.writeError(w, r, plainErrors, fmt.Errorf("%w: tile %d/%d/%d", errNotFound, zxy[0], zxy[1], zxy[2]))
		return
	}

	self, ok, err := sg.Tile(ic)
	if err != nil {
		s.writeError(w, r, plainErrors, err)
		return
	}
	if !ok {
		s.writeError(w, r, plainErrors, fmt.Errorf("%w: tile %s", errNotFound, ic))
		return
	}
	children, err := sg.QuadChildren(ic)
	if err != nil {
		s.writeError(w, r, plainErrors, err)
		return
	}

	g := sg.Grid()
	base := baseURL(r)
	path := func(prefix string, t grid.QuadTile, ext string) string {
		return fmt.Sprintf("%s/%s/%s/%s/%d/%d/%d.%s", base, prefix, l.Name, g.Name,
			t.Coord.Z, t.Coord.X, publicRow(g, t.Internal, grid.OriginLowerLeft), ext)
	}

	doc := kmlDocument{XMLNS: kmlNamespace}
	doc.Doc.Name = fmt.Sprintf("%s %d/%d/%d", l.Title, self.Coord.Z, self.Coord.X, publicRow(g, ic, grid.OriginLowerLeft))
	doc.Doc.Region = kmlRegion{Box: boxOf(self.GeoBBox), Lod: kmlLod{Min: minLodPixels, Max: -1}}
	for _, c := range children {
		doc.Doc.NetworkLinks = append(doc.Doc.NetworkLinks, kmlNetworkLink{
			Name:   fmt.Sprintf("%d/%d/%d", c.Coord.Z, c.Coord.X, publicRow(g, c.Internal, grid.OriginLowerLeft)),
			Region: kmlRegion{Box: boxOf(c.GeoBBox), Lod: kmlLod{Min: minLodPixels, Max: -1}},
			Link:   kmlLink{Href: path("kml", c, "kml"), ViewRefreshMode: "onRegion"},
		})
	}
	maxLod := overlayMaxLod
	if len(children) == 0 {
		maxLod = -1
	}
	doc.Doc.Overlay = kmlGroundOverlay{
		Region:    kmlRegion{Box: boxOf(self.GeoBBox), Lod: kmlLod{Min: minLodPixels, Max: maxLod}},
		DrawOrder: self.Coord.Z,
		IconHref:  path("tms/1.0.0", self, l.Format.Extension()),
		LatLonBox: boxOf(self.GeoBBox),
	}

	w.Header().Set("Content-Type", kmlMimeType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	_ = enc.Encode(doc)
}
