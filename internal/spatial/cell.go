// Package spatial assigns committed features to H3 cells for index lookups.
package spatial

import (
	"fmt"

	h3 "github.com/uber/h3-go/v4"

	"github.com/geostash/geostash/internal/geojson"
)

type Indexer struct {
	res int
}

func New(res int) (Indexer, error) {
	if res < 0 || res > 15 {
		return Indexer{}, fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return Indexer{res: res}, nil
}

func (ix Indexer) Resolution() int { return ix.res }

// Cell returns the H3 cell of the feature's representative point: the point
// itself, or the vertex centroid of lines and outer polygon rings.
func (ix Indexer) Cell(f geojson.Feature) (string, error) {
	lon, lat, err := representativePoint(f.Geometry)
	if err != nil {
		return "", err
	}
	cell, err := h3.LatLngToCell(h3.LatLng{Lat: lat, Lng: lon}, ix.res)
	if err != nil {
		return "", fmt.Errorf("h3 cell for (%f,%f): %w", lat, lon, err)
	}
	return cell.String(), nil
}

func representativePoint(g geojson.Geometry) (lon, lat float64, err error) {
	switch t := g.(type) {
	case geojson.Point:
		return t.Coordinates[0], t.Coordinates[1], nil
	case geojson.LineString:
		return centroid(t.Coordinates)
	case geojson.Polygon:
		if len(t.Rings) == 0 {
			return 0, 0, fmt.Errorf("polygon has no rings")
		}
		return centroid(t.Rings[0])
	default:
		return 0, 0, fmt.Errorf("unsupported geometry type %q", g.GeometryType())
	}
}

func centroid(ps []geojson.Position) (lon, lat float64, err error) {
	if len(ps) == 0 {
		return 0, 0, fmt.Errorf("empty coordinate sequence")
	}
	for _, p := range ps {
		lon += p[0]
		lat += p[1]
	}
	n := float64(len(ps))
	return lon / n, lat / n, nil
}
