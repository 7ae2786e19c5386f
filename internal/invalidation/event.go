// Package invalidation turns data change events into tile cache deletions.
package invalidation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/model"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/srs"
)

const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
	// OpPurge drops every cached tile of the layer; it carries no region.
	OpPurge = "purge"
)

var ErrInvalidEvent = errors.New("invalid invalidation event")

// Event announces that the data behind a layer changed inside a region. The region is either a
// bbox in any supported CRS or a GeoJSON Polygon/MultiPolygon in lon/lat.
type Event struct {
	Version  int             `json:"version"`
	Op       string          `json:"op"`
	Layer    string          `json:"layer"`
	TS       time.Time       `json:"ts"`
	Source   string          `json:"source,omitempty"`
	BBox     *BBox           `json:"bbox,omitempty"`
	Geometry json.RawMessage `json:"geometry,omitempty"`
}

type BBox struct {
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
	SRID string  `json:"srid"`
}

// Decode parses and validates one event.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: json: %w", ErrInvalidEvent, err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return invalid("version must be 1")
	}
	switch e.Op {
	case OpInsert, OpUpdate, OpDelete, OpPurge:
	default:
		return invalid("op must be insert|update|delete|purge")
	}
	if strings.TrimSpace(e.Layer) == "" {
		return invalid("layer is required")
	}
	if e.TS.IsZero() {
		return invalid("ts is required")
	}
	hasBBox := e.BBox != nil
	hasGeom := len(e.Geometry) > 0
	if e.Op == OpPurge {
		if hasBBox || hasGeom {
			return invalid("purge takes no bbox or geometry")
		}
		return nil
	}
	if hasBBox == hasGeom {
		return invalid("exactly one of bbox or geometry is required")
	}
	if hasBBox {
		return e.BBox.validate()
	}
	_, err := e.geometryBound()
	return err
}

func (b BBox) validate() error {
	if strings.TrimSpace(b.SRID) == "" {
		return invalid("bbox.srid is required")
	}
	if !(b.X2 > b.X1 && b.Y2 > b.Y1) {
		return invalid("bbox must satisfy x2>x1 and y2>y1")
	}
	if srs.NewProvider().IsGeographic(b.SRID) {
		if !(b.X1 >= -180 && b.X2 <= 180) {
			return invalid("bbox longitude out of range")
		}
		if !(b.Y1 >= -90 && b.Y2 <= 90) {
			return invalid("bbox latitude out of range")
		}
	}
	return nil
}

func (e Event) geometryBound() (orb.Bound, error) {
	g, err := geojson.UnmarshalGeometry(e.Geometry)
	if err != nil {
		return orb.Bound{}, invalid("geometry parse: %v", err)
	}
	switch g.Geometry().(type) {
	case orb.Polygon, orb.MultiPolygon:
	default:
		return orb.Bound{}, invalid("geometry.type must be Polygon or MultiPolygon")
	}
	return g.Geometry().Bound(), nil
}

// Region returns the changed area. ok is false for purges.
func (e Event) Region() (region model.BBox, ok bool, err error) {
	switch {
	case e.Op == OpPurge:
		return model.BBox{}, false, nil
	case e.BBox != nil:
		b := *e.BBox
		return model.BBox{X1: b.X1, Y1: b.Y1, X2: b.X2, Y2: b.Y2, SRID: srs.Normalize(b.SRID)}, true, nil
	default:
		bd, err := e.geometryBound()
		if err != nil {
			return model.BBox{}, false, err
		}
		return model.FromBound(bd, "EPSG:4326"), true, nil
	}
}
