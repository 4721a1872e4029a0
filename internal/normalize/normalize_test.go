package normalize

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/geostash/geostash/internal/geojson"
)

func pointFeature(lon, lat float64) geojson.Feature {
	return geojson.Feature{
		Name:     "p",
		Geometry: geojson.Point{Coordinates: geojson.Position{lon, lat}},
	}
}

func TestFeature_RoundsBeyondPrecision(t *testing.T) {
	// differs only at the 13th decimal place
	a := Feature(pointFeature(-122.0000000000001, 45))
	b := Feature(pointFeature(-122.0000000000004, 45))
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("13th-decimal noise survived normalization:\n a=%v\n b=%v", a, b)
	}
}

func TestFeature_PreservesWithinPrecision(t *testing.T) {
	// differs at the 11th decimal place: a real difference
	a := Feature(pointFeature(-122.00000000001, 45))
	b := Feature(pointFeature(-122.00000000002, 45))
	if reflect.DeepEqual(a, b) {
		t.Fatal("11th-decimal difference was lost to rounding")
	}
}

func TestFeature_Idempotent(t *testing.T) {
	f := pointFeature(-122.123456789012345, 45.6789)
	f.Rendering.Stroke = "#FF0000FF"
	f.Tags = []string{"trip"}

	once := Feature(f)
	twice := Feature(once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("normalization is not idempotent:\n once=%v\n twice=%v", once, twice)
	}
}

func TestFeature_LowersColors(t *testing.T) {
	f := pointFeature(1, 2)
	f.Rendering.Stroke = "#FF0000FF"
	f.Rendering.Fill = "#00FF00FF"
	f.Rendering.MarkerColor = "#ABCDEF"

	got := Feature(f)
	if got.Rendering.Stroke != "#ff0000ff" || got.Rendering.Fill != "#00ff00ff" || got.Rendering.MarkerColor != "#abcdef" {
		t.Fatalf("colors not lower-cased: %+v", got.Rendering)
	}
}

func TestFeature_NamedColorsPassThrough(t *testing.T) {
	f := pointFeature(1, 2)
	f.Rendering.Stroke = "CornflowerBlue"
	if got := Feature(f); got.Rendering.Stroke != "CornflowerBlue" {
		t.Fatalf("non-hex color was altered: %q", got.Rendering.Stroke)
	}
}

func TestFeature_DoesNotMutateInput(t *testing.T) {
	line := geojson.LineString{Coordinates: []geojson.Position{{1.0000000000001, 2}, {3, 4}}}
	f := geojson.Feature{Name: "l", Geometry: line, Tags: []string{"a"}}

	out := Feature(f)
	out.Tags[0] = "changed"
	if f.Tags[0] != "a" {
		t.Fatal("normalization shares the tag slice with its input")
	}
	if line.Coordinates[0][0] != 1.0000000000001 {
		t.Fatal("normalization mutated the input coordinates")
	}
}

func TestCanonical_Deterministic(t *testing.T) {
	mk := func() geojson.FeatureCollection {
		f := pointFeature(-122.0, 45.0)
		f.Description = "cabin"
		f.Tags = []string{"trip", "2024"}
		f.Rendering.Stroke = "#ff0000ff"
		return geojson.FeatureCollection{Features: []geojson.Feature{f}}
	}
	a, err := Canonical(Collection(mk()))
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	b, err := Canonical(Collection(mk()))
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("canonical bytes differ:\n a=%s\n b=%s", a, b)
	}
}

func TestCanonical_EmptyFieldsOmitted(t *testing.T) {
	fc := geojson.FeatureCollection{Features: []geojson.Feature{pointFeature(1, 2)}}
	buf, err := Canonical(fc)
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	for _, absent := range []string{"description", "stroke", "fill", "tags", "createdAt", "id"} {
		if bytes.Contains(buf, []byte(`"`+absent+`"`)) {
			t.Fatalf("canonical form contains empty field %q: %s", absent, buf)
		}
	}
}
