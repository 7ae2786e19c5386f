package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/model"
)

// Interval is one axis-labelled subset, e.g. Lat(40:50).
type Interval struct {
	Axis      string
	Low, High float64
}

type axis int

const (
	axisX axis = iota + 1
	axisY
)

var axisNames = map[string]axis{
	"lon":       axisX,
	"long":      axisX,
	"longitude": axisX,
	"x":         axisX,
	"e":         axisX,
	"easting":   axisX,
	"lat":       axisY,
	"latitude":  axisY,
	"y":         axisY,
	"n":         axisY,
	"northing":  axisY,
}

func axisOf(name string) (axis, bool) {
	a, ok := axisNames[strings.ToLower(strings.TrimSpace(name))]
	return a, ok
}

// ParseSubset parses the OGC API subset syntax: "Lat(40:50),Lon(10:20)".
func ParseSubset(raw string) ([]Interval, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []Interval
	rest := raw
	for rest != "" {
		open := strings.IndexByte(rest, '(')
		closing := strings.IndexByte(rest, ')')
		if open <= 0 || closing < open {
			return nil, fmt.Errorf("%w: subset %q: expected axis(low:high)", ErrInvalidParameter, raw)
		}
		name := strings.TrimSpace(rest[:open])
		body := rest[open+1 : closing]
		lo, hi, ok := strings.Cut(body, ":")
		if !ok {
			return nil, fmt.Errorf("%w: subset %s(%s): expected low:high", ErrInvalidParameter, name, body)
		}
		low, err := strconv.ParseFloat(strings.TrimSpace(lo), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: subset %s low: %w", ErrInvalidParameter, name, err)
		}
		high, err := strconv.ParseFloat(strings.TrimSpace(hi), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: subset %s high: %w", ErrInvalidParameter, name, err)
		}
		out = append(out, Interval{Axis: name, Low: low, High: high})

		rest = strings.TrimSpace(rest[closing+1:])
		rest = strings.TrimPrefix(rest, ",")
		rest = strings.TrimSpace(rest)
	}
	return out, nil
}

// subsetBBox combines the intervals into a bbox in subsetCRS. An axis without an interval
// spans the layer extent in that CRS.
func subsetBBox(intervals []Interval, subsetCRS string, layer ExtentProvider) (model.BBox, error) {
	var x, y *Interval
	for i := range intervals {
		iv := intervals[i]
		a, ok := axisOf(iv.Axis)
		if !ok {
			return model.BBox{}, fmt.Errorf("%w: unknown subset axis %q", ErrInvalidParameter, iv.Axis)
		}
		if !(iv.High > iv.Low) {
			return model.BBox{}, fmt.Errorf("%w: subset %s(%v:%v) must have high > low", ErrInvalidNumeric, iv.Axis, iv.Low, iv.High)
		}
		switch a {
		case axisX:
			if x != nil {
				return model.BBox{}, fmt.Errorf("%w: more than one subset on the x axis (%s, %s)", ErrParameterConflict, x.Axis, iv.Axis)
			}
			x = &iv
		case axisY:
			if y != nil {
				return model.BBox{}, fmt.Errorf("%w: more than one subset on the y axis (%s, %s)", ErrParameterConflict, y.Axis, iv.Axis)
			}
			y = &iv
		}
	}

	out := model.BBox{SRID: subsetCRS}
	if x == nil || y == nil {
		ext, err := layer.ExtentIn(subsetCRS)
		if err != nil {
			return model.BBox{}, fmt.Errorf("layer extent in %s: %w", subsetCRS, err)
		}
		out = ext
		out.SRID = subsetCRS
	}
	if x != nil {
		out.X1, out.X2 = x.Low, x.High
	}
	if y != nil {
		out.Y1, out.Y2 = y.Low, y.High
	}
	return out, nil
}
