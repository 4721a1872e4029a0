package spatial

import (
	"testing"

	"github.com/geostash/geostash/internal/geojson"
)

func TestNew_ResolutionBounds(t *testing.T) {
	if _, err := New(-1); err == nil {
		t.Fatal("expected error for resolution -1")
	}
	if _, err := New(16); err == nil {
		t.Fatal("expected error for resolution 16")
	}
	ix, err := New(8)
	if err != nil {
		t.Fatalf("New(8): %v", err)
	}
	if ix.Resolution() != 8 {
		t.Fatalf("Resolution() = %d, want 8", ix.Resolution())
	}
}

func TestCell_PointStable(t *testing.T) {
	ix, _ := New(8)
	f := geojson.Feature{Geometry: geojson.Point{Coordinates: geojson.Position{-122.0, 45.0}}}

	a, err := ix.Cell(f)
	if err != nil {
		t.Fatalf("Cell: %v", err)
	}
	if a == "" {
		t.Fatal("empty cell id")
	}
	b, err := ix.Cell(f)
	if err != nil {
		t.Fatalf("Cell: %v", err)
	}
	if a != b {
		t.Fatalf("same point mapped to different cells: %s vs %s", a, b)
	}

	far := geojson.Feature{Geometry: geojson.Point{Coordinates: geojson.Position{13.4, 52.5}}}
	c, err := ix.Cell(far)
	if err != nil {
		t.Fatalf("Cell: %v", err)
	}
	if a == c {
		t.Fatal("distant points mapped to the same cell")
	}
}

func TestCell_LineUsesVertexCentroid(t *testing.T) {
	ix, _ := New(8)
	line := geojson.Feature{Geometry: geojson.LineString{
		Coordinates: []geojson.Position{{-122.0, 45.0}, {-122.2, 45.2}},
	}}
	midpoint := geojson.Feature{Geometry: geojson.Point{Coordinates: geojson.Position{-122.1, 45.1}}}

	a, err := ix.Cell(line)
	if err != nil {
		t.Fatalf("Cell(line): %v", err)
	}
	b, err := ix.Cell(midpoint)
	if err != nil {
		t.Fatalf("Cell(midpoint): %v", err)
	}
	if a != b {
		t.Fatalf("line cell %s != midpoint cell %s", a, b)
	}
}

func TestCell_PolygonUsesOuterRing(t *testing.T) {
	ix, _ := New(8)
	poly := geojson.Feature{Geometry: geojson.Polygon{Rings: [][]geojson.Position{
		{{-122.0, 45.0}, {-122.0, 45.01}, {-121.99, 45.01}, {-122.0, 45.0}},
	}}}
	if _, err := ix.Cell(poly); err != nil {
		t.Fatalf("Cell(polygon): %v", err)
	}

	empty := geojson.Feature{Geometry: geojson.Polygon{}}
	if _, err := ix.Cell(empty); err == nil {
		t.Fatal("expected error for polygon without rings")
	}
}
