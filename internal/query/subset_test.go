package query

import (
	"errors"
	"testing"
)

func TestParseSubset(t *testing.T) {
	got, err := ParseSubset("Lat(40:50), Lon(-10.5:20)")
	if err != nil {
		t.Fatalf("ParseSubset: %v", err)
	}
	want := []Interval{{Axis: "Lat", Low: 40, High: 50}, {Axis: "Lon", Low: -10.5, High: 20}}
	if len(got) != len(want) {
		t.Fatalf("got %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("interval %d: got %+v want %+v", i, got[i], want[i])
		}
	}
}

func TestParseSubset_Empty(t *testing.T) {
	got, err := ParseSubset("  ")
	if err != nil || got != nil {
		t.Fatalf("got %+v, %v", got, err)
	}
}

func TestParseSubset_Malformed(t *testing.T) {
	for _, raw := range []string{"Lat", "Lat(1)", "(1:2)", "Lat(a:2)", "Lat(1:b)", "Lat(1:2"} {
		if _, err := ParseSubset(raw); !errors.Is(err, ErrInvalidParameter) {
			t.Fatalf("%q: want ErrInvalidParameter, got %v", raw, err)
		}
	}
}

func TestAxisSynonyms(t *testing.T) {
	for _, n := range []string{"Lon", "LONG", "longitude", "x", "E", "Easting"} {
		if a, ok := axisOf(n); !ok || a != axisX {
			t.Fatalf("%q should be an x axis", n)
		}
	}
	for _, n := range []string{"Lat", "latitude", "Y", "n", "Northing"} {
		if a, ok := axisOf(n); !ok || a != axisY {
			t.Fatalf("%q should be a y axis", n)
		}
	}
}
