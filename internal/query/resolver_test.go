package query

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/model"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/srs"
)

type fakeLayer struct {
	extent  model.BBox
	nominal float64
}

func (l fakeLayer) ExtentIn(crs string) (model.BBox, error) {
	b := l.extent
	b.SRID = crs
	return b, nil
}

func (l fakeLayer) NominalScale() (float64, bool) {
	return l.nominal, l.nominal > 0
}

func intp(v int) *int           { return &v }
func floatp(v float64) *float64 { return &v }
func newResolver() *Resolver    { return New(srs.NewProvider()) }

func square() fakeLayer {
	return fakeLayer{extent: model.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}, nominal: 1_000_000}
}

func bboxp(b model.BBox) *model.BBox { return &b }

func TestResolve_BBoxOnly_ScaleToFit(t *testing.T) {
	q, err := newResolver().Resolve(Params{BBox: bboxp(model.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10})}, "EPSG:4326", square())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if q.Size != (model.Size{Width: 1024, Height: 1024}) {
		t.Fatalf("size=%+v want 1024x1024", q.Size)
	}
	want := model.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10, SRID: "EPSG:4326"}
	if q.BBox != want {
		t.Fatalf("bbox=%+v want %+v", q.BBox, want)
	}
}

func TestResolve_BBoxOnly_WideAndTall(t *testing.T) {
	r := newResolver()
	q, err := r.Resolve(Params{BBox: bboxp(model.BBox{X1: 0, Y1: 0, X2: 20, Y2: 10})}, "EPSG:3857", square())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if q.Size != (model.Size{Width: 1024, Height: 512}) {
		t.Fatalf("wide size=%+v", q.Size)
	}
	q, err = r.Resolve(Params{BBox: bboxp(model.BBox{X1: 0, Y1: 0, X2: 10, Y2: 40}), Width: intp(100)}, "EPSG:3857", square())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if q.Size != (model.Size{Width: 100, Height: 400}) {
		t.Fatalf("tall size=%+v", q.Size)
	}
	q, err = r.Resolve(Params{BBox: bboxp(model.BBox{X1: 0, Y1: 0, X2: 10, Y2: 40}), Width: intp(7), Height: intp(9)}, "EPSG:3857", square())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if q.Size != (model.Size{Width: 7, Height: 9}) {
		t.Fatalf("explicit size must be used as-is, got %+v", q.Size)
	}
}

func TestResolve_CenterWithWidth(t *testing.T) {
	p := Params{Center: &orb.Point{5, 5}, Width: intp(512)}
	q, err := newResolver().Resolve(p, "EPSG:4326", square())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if q.Size.Height != 512 {
		t.Fatalf("height=%d want 512", q.Size.Height)
	}
	c := q.BBox.Center()
	if math.Abs(c[0]-5) > 1e-9 || math.Abs(c[1]-5) > 1e-9 {
		t.Fatalf("bbox not centered at (5,5): %+v", q.BBox)
	}
	// 1:1e6 at 0.28mm is 280m per pixel; converted to degrees on WGS84.
	res := 280 / (2 * math.Pi * srs.WGS84SemiMajor / 360)
	if math.Abs(q.BBox.Width()-512*res) > 1e-9 {
		t.Fatalf("bbox width=%v want %v", q.BBox.Width(), 512*res)
	}
}

func TestResolve_ConflictCases(t *testing.T) {
	r := newResolver()
	b := bboxp(model.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10})
	cases := []Params{
		{BBox: b, Center: &orb.Point{5, 5}},
		{BBox: b, Center: &orb.Point{5, 5}, ScaleDenominator: floatp(1_000_000)},
		{BBox: b, ScaleDenominator: floatp(1000), Width: intp(10)},
		{BBox: b, ScaleDenominator: floatp(1000), Height: intp(10)},
		{BBox: b, Subset: []Interval{{Axis: "Lat", Low: 0, High: 1}}},
		{Center: &orb.Point{1, 1}, Subset: []Interval{{Axis: "Lat", Low: 0, High: 1}}},
	}
	for i, p := range cases {
		if _, err := r.Resolve(p, "EPSG:4326", square()); !errors.Is(err, ErrParameterConflict) {
			t.Fatalf("case %d: want ErrParameterConflict, got %v", i, err)
		}
	}
}

func TestResolve_BBoxAndCenterAlwaysConflict(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	r := newResolver()
	for i := 0; i < 200; i++ {
		p := Params{
			BBox:   bboxp(model.BBox{X1: rng.Float64(), Y1: rng.Float64(), X2: 2 + rng.Float64(), Y2: 2 + rng.Float64()}),
			Center: &orb.Point{rng.Float64(), rng.Float64()},
		}
		if rng.Intn(2) == 0 {
			p.Width = intp(1 + rng.Intn(2000))
		}
		if rng.Intn(2) == 0 {
			p.Height = intp(1 + rng.Intn(2000))
		}
		if rng.Intn(2) == 0 {
			p.ScaleDenominator = floatp(1 + rng.Float64()*1e7)
		}
		if _, err := r.Resolve(p, "EPSG:4326", square()); !errors.Is(err, ErrParameterConflict) {
			t.Fatalf("iteration %d: want ErrParameterConflict, got %v", i, err)
		}
	}
}

func TestResolve_ExtentDefault(t *testing.T) {
	layer := fakeLayer{extent: model.BBox{X1: -200, Y1: -100, X2: 200, Y2: 100}, nominal: 10000}
	q, err := newResolver().Resolve(Params{Height: intp(300)}, "EPSG:3857", layer)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if q.Size != (model.Size{Width: 600, Height: 300}) {
		t.Fatalf("size=%+v", q.Size)
	}
	// 1:10000 is 2.8m per pixel.
	if math.Abs(q.BBox.Width()-600*2.8) > 1e-9 || math.Abs(q.BBox.Height()-300*2.8) > 1e-9 {
		t.Fatalf("bbox=%+v", q.BBox)
	}
	if c := q.BBox.Center(); math.Abs(c[0]) > 1e-9 || math.Abs(c[1]) > 1e-9 {
		t.Fatalf("center=%v want extent center", c)
	}
}

func TestResolve_MissingScale(t *testing.T) {
	layer := fakeLayer{extent: model.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}}
	r := newResolver()
	for _, p := range []Params{{}, {Center: &orb.Point{1, 1}}, {Center: &orb.Point{1, 1}, Width: intp(10)}} {
		if _, err := r.Resolve(p, "EPSG:3857", layer); !errors.Is(err, ErrMissingScale) {
			t.Fatalf("want ErrMissingScale, got %v", err)
		}
	}
	// explicit scale rescues a layer without a nominal scale
	if _, err := r.Resolve(Params{ScaleDenominator: floatp(5000)}, "EPSG:3857", layer); err != nil {
		t.Fatalf("explicit scale: %v", err)
	}
}

func TestResolve_CenterOnlyCappedAt1024(t *testing.T) {
	layer := fakeLayer{extent: model.BBox{X1: 0, Y1: 0, X2: 100, Y2: 400}, nominal: 1000}
	q, err := newResolver().Resolve(Params{Center: &orb.Point{50, 50}}, "EPSG:3857", layer)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if q.Size != (model.Size{Width: 256, Height: 1024}) {
		t.Fatalf("size=%+v", q.Size)
	}
}

func TestResolve_ScaleWithoutBBox(t *testing.T) {
	layer := fakeLayer{extent: model.BBox{X1: 0, Y1: 0, X2: 2000, Y2: 1000}}
	q, err := newResolver().Resolve(Params{ScaleDenominator: floatp(1000), Width: intp(100)}, "EPSG:3857", layer)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if q.Size != (model.Size{Width: 100, Height: 50}) {
		t.Fatalf("size=%+v", q.Size)
	}
	// 1:1000 is 0.28m per pixel around the extent center.
	want := model.BBox{X1: 1000 - 14, Y1: 500 - 7, X2: 1000 + 14, Y2: 500 + 7, SRID: "EPSG:3857"}
	if !bboxAlmost(q.BBox, want) {
		t.Fatalf("bbox=%+v want %+v", q.BBox, want)
	}

	q, err = newResolver().Resolve(Params{ScaleDenominator: floatp(1000), Center: &orb.Point{0, 0}, Width: intp(10), Height: intp(20)}, "EPSG:3857", layer)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want = model.BBox{X1: -1.4, Y1: -2.8, X2: 1.4, Y2: 2.8, SRID: "EPSG:3857"}
	if q.Size != (model.Size{Width: 10, Height: 20}) || !bboxAlmost(q.BBox, want) {
		t.Fatalf("center+scale+size: %+v", q)
	}
}

func TestResolve_BBoxWithScale(t *testing.T) {
	p := Params{BBox: bboxp(model.BBox{X1: 0, Y1: 0, X2: 280, Y2: 140}), ScaleDenominator: floatp(1000)}
	q, err := newResolver().Resolve(p, "EPSG:3857", square())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if q.Size != (model.Size{Width: 1000, Height: 500}) {
		t.Fatalf("size=%+v", q.Size)
	}
}

func TestResolve_Subset(t *testing.T) {
	p := Params{Subset: []Interval{{Axis: "Lat", Low: 40, High: 50}, {Axis: "Lon", Low: 10, High: 30}}}
	q, err := newResolver().Resolve(p, "EPSG:4326", square())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := model.BBox{X1: 10, Y1: 40, X2: 30, Y2: 50, SRID: "EPSG:4326"}
	if q.BBox != want {
		t.Fatalf("bbox=%+v want %+v", q.BBox, want)
	}
	if q.Size != (model.Size{Width: 1024, Height: 512}) {
		t.Fatalf("size=%+v", q.Size)
	}
}

func TestResolve_SubsetSingleAxisUsesExtent(t *testing.T) {
	p := Params{Subset: []Interval{{Axis: "easting", Low: 2, High: 4}}, SubsetCRS: "EPSG:4326"}
	q, err := newResolver().Resolve(p, "EPSG:4326", square())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if q.BBox.Y1 != 0 || q.BBox.Y2 != 10 || q.BBox.X1 != 2 || q.BBox.X2 != 4 {
		t.Fatalf("bbox=%+v", q.BBox)
	}
}

func TestResolve_SubsetErrors(t *testing.T) {
	r := newResolver()
	dup := Params{Subset: []Interval{{Axis: "Lat", Low: 0, High: 1}, {Axis: "y", Low: 0, High: 2}}}
	if _, err := r.Resolve(dup, "EPSG:4326", square()); !errors.Is(err, ErrParameterConflict) {
		t.Fatalf("duplicate axis: want ErrParameterConflict, got %v", err)
	}
	unknown := Params{Subset: []Interval{{Axis: "time", Low: 0, High: 1}}}
	if _, err := r.Resolve(unknown, "EPSG:4326", square()); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("unknown axis: want ErrInvalidParameter, got %v", err)
	}
	inverted := Params{Subset: []Interval{{Axis: "Lon", Low: 5, High: 1}}}
	if _, err := r.Resolve(inverted, "EPSG:4326", square()); !errors.Is(err, ErrInvalidNumeric) {
		t.Fatalf("inverted interval: want ErrInvalidNumeric, got %v", err)
	}
}

func TestResolve_SubsetReprojected(t *testing.T) {
	p := Params{Subset: []Interval{{Axis: "Lon", Low: -10, High: 10}, {Axis: "Lat", Low: -10, High: 10}}}
	q, err := newResolver().Resolve(p, "EPSG:3857", square())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if q.BBox.SRID != "EPSG:3857" || q.BBox.X2 < 1e6 || q.BBox.X1 > -1e6 {
		t.Fatalf("subset not transformed into EPSG:3857: %+v", q.BBox)
	}
}

func TestResolve_InvalidNumeric(t *testing.T) {
	r := newResolver()
	cases := []Params{
		{BBox: bboxp(model.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}), Width: intp(0)},
		{BBox: bboxp(model.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}), Height: intp(-3)},
		{BBox: bboxp(model.BBox{X1: 0, Y1: 5, X2: 10, Y2: 5})},
		{BBox: bboxp(model.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}), ScaleDenominator: floatp(0)},
		{ScaleDenominator: floatp(-1000)},
		{DisplayResMMPerPx: -1},
	}
	for i, p := range cases {
		if _, err := r.Resolve(p, "EPSG:3857", square()); !errors.Is(err, ErrInvalidNumeric) {
			t.Fatalf("case %d: want ErrInvalidNumeric, got %v", i, err)
		}
	}
}

func TestResolve_DegenerateExtent(t *testing.T) {
	flat := fakeLayer{extent: model.BBox{X1: 0, Y1: 3, X2: 10, Y2: 3}, nominal: 1000}
	if _, err := newResolver().Resolve(Params{Width: intp(10)}, "EPSG:3857", flat); !errors.Is(err, ErrInvalidNumeric) {
		t.Fatalf("want ErrInvalidNumeric for flat extent, got %v", err)
	}
	thin := fakeLayer{extent: model.BBox{X1: 0, Y1: 0, X2: 10, Y2: 1e-9}, nominal: 1000}
	q, err := newResolver().Resolve(Params{}, "EPSG:3857", thin)
	if err != nil {
		t.Fatalf("near-zero height: %v", err)
	}
	if q.Size.Height != 1 {
		t.Fatalf("height must floor at 1, got %d", q.Size.Height)
	}
}

func TestResolve_MaxOutputPixels(t *testing.T) {
	r := New(srs.NewProvider(), WithMaxOutputPixels(1000))
	p := Params{BBox: bboxp(model.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}), Width: intp(100), Height: intp(100)}
	if _, err := r.Resolve(p, "EPSG:3857", square()); !errors.Is(err, ErrInvalidNumeric) {
		t.Fatalf("want ErrInvalidNumeric, got %v", err)
	}
}

func TestResolve_AspectRatioPreserved(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	r := newResolver()
	for i := 0; i < 500; i++ {
		w := 1 + rng.Float64()*99
		aspect := 0.5 + rng.Float64()*1.5
		b := model.BBox{X1: 0, Y1: 0, X2: w, Y2: w / aspect}
		p := Params{BBox: &b}
		switch i % 3 {
		case 0:
			p.Width = intp(1 + rng.Intn(3000))
		case 1:
			p.Height = intp(1 + rng.Intn(3000))
		}
		q, err := r.Resolve(p, "EPSG:3857", square())
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		got := float64(q.Size.Width) / float64(q.Size.Height)
		tol := 1 / float64(min(q.Size.Width, q.Size.Height))
		if math.Abs(got-aspect) > tol+1e-12 {
			t.Fatalf("iteration %d: %dx%d ratio=%v aspect=%v tol=%v", i, q.Size.Width, q.Size.Height, got, aspect, tol)
		}
	}
}

func TestResolve_Deterministic(t *testing.T) {
	r := newResolver()
	p := Params{
		Center:           &orb.Point{3.3, 4.4},
		ScaleDenominator: floatp(123456.789),
		Width:            intp(333),
		Dimensions:       map[string]string{"time": "2020"},
	}
	a, err := r.Resolve(p, "EPSG:4326", square())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for i := 0; i < 20; i++ {
		b, err := r.Resolve(p, "EPSG:4326", square())
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("non-deterministic: %+v vs %+v", a, b)
		}
	}
	p.Dimensions["time"] = "mutated"
	if a.Dimensions["time"] != "2020" {
		t.Fatal("MapQuery must not share dimension map with params")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		bbox, center, size, scale bool
		want                      combination
	}{
		{false, false, false, false, comboExtentDefault},
		{false, false, true, false, comboExtentDefault},
		{true, false, false, false, comboBBox},
		{true, false, true, false, comboBBox},
		{false, true, false, false, comboCenter},
		{false, true, true, false, comboCenterSize},
		{false, false, false, true, comboScale},
		{false, true, false, true, comboScale},
		{false, false, true, true, comboScale},
		{true, false, false, true, comboBBoxScale},
		{false, true, true, true, comboCenterScaleSize},
	}
	for _, tc := range cases {
		got, err := classify(tc.bbox, tc.center, tc.size, tc.scale)
		if err != nil {
			t.Fatalf("%+v: %v", tc, err)
		}
		if got != tc.want {
			t.Fatalf("%+v: got %s want %s", tc, got, tc.want)
		}
	}
}

func bboxAlmost(a, b model.BBox) bool {
	const eps = 1e-9
	return a.SRID == b.SRID &&
		math.Abs(a.X1-b.X1) < eps && math.Abs(a.Y1-b.Y1) < eps &&
		math.Abs(a.X2-b.X2) < eps && math.Abs(a.Y2-b.Y2) < eps
}
