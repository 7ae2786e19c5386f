package query

import (
	"errors"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/scale"
)

var (
	// ErrParameterConflict marks mutually exclusive parameters supplied together.
	ErrParameterConflict = errors.New("conflicting parameters")

	// ErrMissingScale is a configuration problem: a scale-dependent query needs either an
	// explicit scale denominator or a layer nominal scale and neither exists.
	ErrMissingScale = errors.New("no scale denominator and no layer nominal scale")

	// ErrInvalidNumeric marks non-positive or non-finite sizes, scales and extents.
	ErrInvalidNumeric = scale.ErrInvalidNumeric

	// ErrInvalidParameter marks syntactically malformed parameters (unknown axis, bad number).
	ErrInvalidParameter = errors.New("invalid parameter")
)

// IsClientError reports whether err is the caller's fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrParameterConflict) ||
		errors.Is(err, ErrInvalidNumeric) ||
		errors.Is(err, ErrInvalidParameter)
}
