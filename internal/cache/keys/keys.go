// Package keys builds Redis keys for cached tiles.
//
// A tile key addresses one tile of one layer in one grid; the variants of that tile (format,
// dimension values) are fields below it, so invalidation only needs tile coordinates.
package keys

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/model"
)

const prefix = "tile"

// Tile returns "tile:{layer}:{grid}:{z}:{x}:{y}" for an internal tile coordinate.
func Tile(layer, grid string, c model.TileCoord) string {
	return fmt.Sprintf("%s:%s:%s:%d:%d:%d", prefix, sanitize(strings.TrimSpace(layer)), sanitize(strings.TrimSpace(grid)), c.Z, c.X, c.Y)
}

// Tiles maps Tile over coords.
func Tiles(layer, grid string, coords []model.TileCoord) []string {
	out := make([]string, len(coords))
	for i, c := range coords {
		out[i] = Tile(layer, grid, c)
	}
	return out
}

// LayerPattern matches every tile key of layer, for SCAN based purges.
func LayerPattern(layer string) string {
	return fmt.Sprintf("%s:%s:*", prefix, sanitize(strings.TrimSpace(layer)))
}

// Variant identifies one rendering of a tile: the image format, plus a hash of the
// dimension values when there are any.
func Variant(format string, dims map[string]string) string {
	f := formatToken(format)
	text := normalizeDims(dims)
	if text == "" {
		return f
	}
	return fmt.Sprintf("%s:d=%016x", f, xxhash.Sum64String(text))
}

// "image/png; mode=8bit" -> "png"
func formatToken(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	if i := strings.IndexByte(f, ';'); i >= 0 {
		f = strings.TrimSpace(f[:i])
	}
	f = strings.TrimPrefix(f, "image/")
	if f == "jpg" {
		f = "jpeg"
	}
	return sanitize(f)
}

// sorted, case-insensitive names: "elevation=100;time=2020"
func normalizeDims(dims map[string]string) string {
	if len(dims) == 0 {
		return ""
	}
	lower := make(map[string]string, len(dims))
	for k, v := range dims {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		lower[k] = strings.TrimSpace(v)
	}
	var b strings.Builder
	for i, k := range slices.Sorted(maps.Keys(lower)) {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(lower[k])
	}
	return b.String()
}

func sanitize(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			// ':' separates key segments, so it is replaced like any other rune
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
