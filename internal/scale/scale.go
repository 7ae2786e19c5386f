// Package scale converts between OGC scale denominators and ground resolutions.
package scale

import (
	"errors"
	"fmt"
	"math"
)

// DefaultDisplayResMM is the OGC standardized rendering pixel size (0.28mm).
const DefaultDisplayResMM = 0.28

var ErrInvalidNumeric = errors.New("invalid numeric value")

// CRSInfo is the part of a CRS provider the converter needs.
type CRSInfo interface {
	IsGeographic(crs string) bool
	SemiMajorAxis(crs string) float64
}

// Request is a scale denominator together with the display pixel size it applies to.
type Request struct {
	ScaleDenominator  *float64
	DisplayResMMPerPx float64
}

// Validate checks that the display resolution is usable and fills the default.
func (r *Request) Validate() error {
	if r.DisplayResMMPerPx == 0 {
		r.DisplayResMMPerPx = DefaultDisplayResMM
	}
	if !positive(r.DisplayResMMPerPx) {
		return fmt.Errorf("%w: display resolution %v mm/px must be > 0", ErrInvalidNumeric, r.DisplayResMMPerPx)
	}
	if r.ScaleDenominator != nil && !positive(*r.ScaleDenominator) {
		return fmt.Errorf("%w: scale denominator %v must be > 0", ErrInvalidNumeric, *r.ScaleDenominator)
	}
	return nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// OGCScaleToRes returns metres per pixel for the scale denominator at the display resolution.
func OGCScaleToRes(scaleDenominator, displayResMM float64) float64 {
	return scaleDenominator * displayResMM / 1000
}

// ResToOGCScale is the inverse of OGCScaleToRes.
func ResToOGCScale(res, displayResMM float64) float64 {
	return res * 1000 / displayResMM
}

// DegToMeters converts degrees along the equator of an ellipsoid with the given semi-major axis.
func DegToMeters(deg, semiMajorAxis float64) float64 {
	return deg * (2 * math.Pi * semiMajorAxis) / 360
}

func MetersToDeg(m, semiMajorAxis float64) float64 {
	return m / DegToMeters(1, semiMajorAxis)
}

// GroundRes is the resolution in CRS units per pixel: degrees for geographic systems, metres
// otherwise.
func GroundRes(scaleDenominator, displayResMM float64, crs string, info CRSInfo) (float64, error) {
	if !positive(scaleDenominator) {
		return 0, fmt.Errorf("%w: scale denominator %v must be > 0", ErrInvalidNumeric, scaleDenominator)
	}
	if !positive(displayResMM) {
		return 0, fmt.Errorf("%w: display resolution %v mm/px must be > 0", ErrInvalidNumeric, displayResMM)
	}
	res := OGCScaleToRes(scaleDenominator, displayResMM)
	if info.IsGeographic(crs) {
		res = MetersToDeg(res, info.SemiMajorAxis(crs))
	}
	return res, nil
}

// ScaleFromRes converts a resolution in CRS units back into a scale denominator.
func ScaleFromRes(res, displayResMM float64, crs string, info CRSInfo) float64 {
	if info.IsGeographic(crs) {
		res = DegToMeters(res, info.SemiMajorAxis(crs))
	}
	return ResToOGCScale(res, displayResMM)
}
