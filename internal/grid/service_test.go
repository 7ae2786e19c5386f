package grid

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/model"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/srs"
)

func sqrt2Local(t *testing.T) *TileGrid {
	t.Helper()
	g, err := New("local_sqrt2", "EPSG:3857", model.BBox{X1: 0, Y1: 0, X2: 4096, Y2: 4096}, OriginLowerLeft,
		[2]int{256, 256}, ResolutionsFromFactor(16, math.Sqrt2, 9))
	require.NoError(t, err)
	return g
}

func sqrt2Mercator(t *testing.T) *TileGrid {
	t.Helper()
	m := NewGlobalMercator()
	g, err := New("merc_sqrt2", "EPSG:900913", m.BBox, OriginLowerLeft, m.TileSize,
		ResolutionsFromFactor(m.Resolutions[0], math.Sqrt2, 24))
	require.NoError(t, err)
	return g
}

func TestDetectProfile(t *testing.T) {
	assert.Equal(t, ProfileGlobalMercator, DetectProfile(NewGlobalMercator()))
	assert.Equal(t, ProfileGlobalMercator, DetectProfile(NewGlobalWebMercator()))
	assert.Equal(t, ProfileGlobalGeodetic, DetectProfile(NewGlobalGeodetic()))
	assert.Equal(t, ProfileLocal, DetectProfile(localUL(t)))

	sg := NewServiceGrid(localUL(t), nil)
	assert.False(t, sg.SkipFirstLevel())
	assert.False(t, sg.SkipOddLevel())

	sq := NewServiceGrid(sqrt2Local(t), nil)
	assert.False(t, sq.SkipFirstLevel())
	assert.True(t, sq.SkipOddLevel())
}

func TestGlobalMercator_FirstPublicLevelIsGridLevelOne(t *testing.T) {
	sg := NewServiceGrid(NewGlobalMercator(), nil)
	require.True(t, sg.SkipFirstLevel())
	assert.Equal(t, 1, sg.InternalLevel(0))

	c, ok := sg.ToInternal(model.TileCoord{X: 0, Y: 0, Z: 0}, true)
	require.True(t, ok)
	assert.Equal(t, model.TileCoord{X: 0, Y: 0, Z: 1}, c)

	// without profiles public and internal addressing coincide
	c, ok = sg.ToInternal(model.TileCoord{X: 0, Y: 0, Z: 0}, false)
	require.True(t, ok)
	assert.Equal(t, 0, c.Z)
}

func TestLevelFormulas(t *testing.T) {
	cases := []struct {
		name            string
		grid            func(*testing.T) *TileGrid
		internalOfZero  int
		internalOfThree int
	}{
		{"local", localUL, 0, 3},
		{"global", func(*testing.T) *TileGrid { return NewGlobalGeodetic() }, 1, 4},
		{"local sqrt2", sqrt2Local, 0, 6},
		{"global sqrt2", sqrt2Mercator, 4, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sg := NewServiceGrid(tc.grid(t), nil)
			assert.Equal(t, tc.internalOfZero, sg.InternalLevel(0))
			assert.Equal(t, tc.internalOfThree, sg.InternalLevel(3))
			for n := 0; n < 8; n++ {
				assert.Equal(t, n, sg.ExternalLevel(sg.InternalLevel(n)), "public level %d", n)
			}
		})
	}
}

func TestToInternal_RoundTrip(t *testing.T) {
	grids := map[string]*TileGrid{
		"mercator":     NewGlobalMercator(),
		"webmercator":  NewGlobalWebMercator(),
		"geodetic":     NewGlobalGeodetic(),
		"local":        localUL(t),
		"local sqrt2":  sqrt2Local(t),
		"global sqrt2": sqrt2Mercator(t),
	}
	for name, g := range grids {
		sg := NewServiceGrid(g, nil)
		for _, useProfiles := range []bool{true, false} {
			levels := sg.PublicLevels()
			if !useProfiles {
				levels = levels[:0]
				for z := 0; z < g.Levels(); z++ {
					levels = append(levels, LevelInfo{Order: z})
				}
			}
			for _, lv := range levels {
				internalZ := lv.Order
				if useProfiles {
					internalZ = sg.InternalLevel(lv.Order)
				}
				cols, rows, ok := g.GridSize(internalZ)
				require.True(t, ok, "%s level %d", name, lv.Order)
				for _, x := range []int{0, cols / 2, cols - 1} {
					for _, y := range []int{0, rows / 2, rows - 1} {
						pub := model.TileCoord{X: x, Y: y, Z: lv.Order}
						in, ok := sg.ToInternal(pub, useProfiles)
						require.True(t, ok, "%s %s", name, pub)
						back, ok := sg.ToExternal(in, useProfiles)
						require.True(t, ok, "%s %s", name, in)
						assert.Equal(t, pub, back, fmt.Sprintf("%s profiles=%v", name, useProfiles))
					}
				}
			}
		}
	}
}

func TestToInternal_Rejects(t *testing.T) {
	sg := NewServiceGrid(NewGlobalMercator(), nil)

	_, ok := sg.ToInternal(model.TileCoord{Z: -1}, true)
	assert.False(t, ok)

	// public level 19 maps to grid level 20, past the last level
	_, ok = sg.ToInternal(model.TileCoord{Z: DefaultLevels - 1}, true)
	assert.False(t, ok)

	c, ok := sg.ToInternal(model.TileCoord{X: 99, Y: -4, Z: 1}, true)
	require.True(t, ok)
	assert.Equal(t, model.TileCoord{X: 3, Y: 0, Z: 2}, c)
}

func TestToExternal_HiddenLevels(t *testing.T) {
	sg := NewServiceGrid(NewGlobalMercator(), nil)
	_, ok := sg.ToExternal(model.TileCoord{Z: 0}, true)
	assert.False(t, ok, "grid level 0 has no public address")

	sq := NewServiceGrid(sqrt2Local(t), nil)
	_, ok = sq.ToExternal(model.TileCoord{Z: 1}, true)
	assert.False(t, ok, "odd levels are hidden")
	c, ok := sq.ToExternal(model.TileCoord{Z: 4}, true)
	require.True(t, ok)
	assert.Equal(t, 2, c.Z)
}

func TestPublicLevels(t *testing.T) {
	sg := NewServiceGrid(NewGlobalMercator(), nil)
	levels := sg.PublicLevels()
	require.Len(t, levels, DefaultLevels-1)
	assert.Equal(t, 1, levels[0].InternalLevel)
	assert.Equal(t, 2, levels[0].Cols)
	assert.InDelta(t, 78271.51696402048, levels[0].Resolution, 1e-6)

	sq := NewServiceGrid(sqrt2Local(t), nil)
	got := sq.PublicLevels()
	require.Len(t, got, 5)
	for i, lv := range got {
		assert.Equal(t, 2*i, lv.InternalLevel)
	}
}

func TestQuadChildren_Mercator(t *testing.T) {
	sg := NewServiceGrid(NewGlobalMercator(), srs.NewProvider())
	kids, err := sg.QuadChildren(model.TileCoord{X: 0, Y: 1, Z: 1})
	require.NoError(t, err)
	require.Len(t, kids, 4)
	for _, k := range kids {
		assert.Equal(t, 2, k.Internal.Z)
		assert.Equal(t, 1, k.Coord.Z)
		assert.Equal(t, "EPSG:4326", k.GeoBBox.SRID)
	}
	// the top row touches the world edge and snaps to the pole
	top := kids[len(kids)-1]
	assert.Equal(t, 3, top.Internal.Y)
	assert.Equal(t, 90.0, top.GeoBBox.Y2)
	assert.InDelta(t, -90, top.GeoBBox.X1, 1e-6)
}

func TestQuadChildren_LastLevel(t *testing.T) {
	g := localUL(t)
	sg := NewServiceGrid(g, srs.NewProvider())
	kids, err := sg.QuadChildren(model.TileCoord{X: 0, Y: 0, Z: 2})
	require.NoError(t, err)
	assert.Empty(t, kids)

}

func TestQuadChildren_OutsideGridIsEmpty(t *testing.T) {
	sg := NewServiceGrid(NewGlobalMercator(), srs.NewProvider())
	for _, c := range []model.TileCoord{
		{X: 9, Y: 0, Z: 1},
		{X: 0, Y: -1, Z: 1},
		{X: 0, Y: 0, Z: -1},
		{X: 0, Y: 0, Z: 99},
	} {
		kids, err := sg.QuadChildren(c)
		require.NoError(t, err, "tile %s", c)
		assert.Empty(t, kids, "tile %s", c)

		_, ok, err := sg.Tile(c)
		require.NoError(t, err, "tile %s", c)
		assert.False(t, ok, "tile %s", c)
	}
}

func TestGeoBBox_PoleSnapTolerance(t *testing.T) {
	sg := NewServiceGrid(NewGlobalMercator(), srs.NewProvider())
	e := srs.MercatorExtent

	near, err := sg.geoBBox(model.BBox{X1: 0, Y1: -e + 0.05, X2: 1000, Y2: e - 0.05, SRID: "EPSG:900913"})
	require.NoError(t, err)
	assert.Equal(t, -90.0, near.Y1)
	assert.Equal(t, 90.0, near.Y2)

	far, err := sg.geoBBox(model.BBox{X1: 0, Y1: -e + 1, X2: 1000, Y2: e - 1, SRID: "EPSG:900913"})
	require.NoError(t, err)
	assert.Less(t, far.Y2, 90.0)
	assert.Greater(t, far.Y1, -90.0)
}

func TestQuadChildren_EachChildHasOneParent(t *testing.T) {
	factor3, err := New("factor3", "EPSG:3857", model.BBox{X1: 0, Y1: 0, X2: 1000, Y2: 1000}, OriginLowerLeft,
		[2]int{256, 256}, []float64{4, 4.0 / 3, 4.0 / 9})
	require.NoError(t, err)

	grids := map[string]*TileGrid{
		"local ul": localUL(t),
		"factor 3": factor3,
		"geodetic": NewGlobalGeodetic(),
	}
	for name, g := range grids {
		t.Run(name, func(t *testing.T) {
			sg := NewServiceGrid(g, srs.NewProvider())
			levels := sg.PublicLevels()
			for i := 0; i+1 < len(levels) && i < 3; i++ {
				parentZ, childZ := levels[i].InternalLevel, levels[i+1].InternalLevel
				cols, rows, _ := g.GridSize(parentZ)
				seen := map[model.TileCoord]int{}
				for y := 0; y < rows; y++ {
					for x := 0; x < cols; x++ {
						kids, err := sg.QuadChildren(model.TileCoord{X: x, Y: y, Z: parentZ})
						require.NoError(t, err)
						for _, k := range kids {
							seen[k.Internal]++
						}
					}
				}
				ccols, crows, _ := g.GridSize(childZ)
				assert.Len(t, seen, ccols*crows, "every child tile is covered")
				for c, n := range seen {
					assert.Equal(t, 1, n, "child %s listed by %d parents", c, n)
				}
			}
		})
	}
}

func TestProfileCache(t *testing.T) {
	pc, err := NewProfileCache(srs.NewProvider(), 0)
	require.NoError(t, err)

	g := NewGlobalGeodetic()
	a := pc.Get(g)
	b := pc.Get(g)
	assert.Same(t, a, b)
	assert.Equal(t, 1, pc.Len())
	assert.Equal(t, ProfileGlobalGeodetic, a.Profile())
}

func TestServiceGrid_Tile(t *testing.T) {
	sg := NewServiceGrid(NewGlobalGeodetic(), srs.NewProvider())
	tile, ok, err := sg.Tile(model.TileCoord{X: 1, Y: 0, Z: 1})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.TileCoord{X: 1, Y: 0, Z: 0}, tile.Coord)
	assert.Equal(t, 0.0, tile.GeoBBox.X1)
	assert.Equal(t, 180.0, tile.GeoBBox.X2)
	assert.Equal(t, -90.0, tile.GeoBBox.Y1)
	assert.Equal(t, 90.0, tile.GeoBBox.Y2)

	_, ok, err = sg.Tile(model.TileCoord{X: 9, Y: 0, Z: 1})
	require.NoError(t, err)
	assert.False(t, ok)
}
