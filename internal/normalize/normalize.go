// Package normalize canonicalizes feature collections so that semantically
// identical data serializes to identical bytes regardless of source format.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/geostash/geostash/internal/geojson"
)

// CoordinatePrecision is the number of decimal places coordinates are
// rounded to: roughly 1 mm at Earth scale, enough to absorb the float noise
// different source encoders introduce.
const CoordinatePrecision = 12

// Collection returns a normalized copy: coordinates rounded, color values
// lower-cased. Free-text fields (name, description) are left untouched, so
// case or whitespace differences there intentionally produce different
// hashes. The function is pure and idempotent.
func Collection(fc geojson.FeatureCollection) geojson.FeatureCollection {
	out := geojson.FeatureCollection{Features: make([]geojson.Feature, len(fc.Features))}
	for i, f := range fc.Features {
		out.Features[i] = Feature(f)
	}
	return out
}

func Feature(f geojson.Feature) geojson.Feature {
	f.Geometry = roundGeometry(f.Geometry)
	f.Rendering.Stroke = lowerColor(f.Rendering.Stroke)
	f.Rendering.Fill = lowerColor(f.Rendering.Fill)
	f.Rendering.MarkerColor = lowerColor(f.Rendering.MarkerColor)
	if f.Tags != nil {
		f.Tags = append([]string(nil), f.Tags...)
	}
	return f
}

// Canonical serializes a normalized collection deterministically: sorted
// keys, no extraneous whitespace. This is the byte stream identity hashes
// are computed over.
func Canonical(fc geojson.FeatureCollection) ([]byte, error) {
	buf, err := json.Marshal(fc.CanonicalMap())
	if err != nil {
		return nil, fmt.Errorf("marshal canonical collection: %w", err)
	}
	return buf, nil
}

func roundGeometry(g geojson.Geometry) geojson.Geometry {
	switch t := g.(type) {
	case geojson.Point:
		return geojson.Point{Coordinates: roundPos(t.Coordinates)}
	case geojson.LineString:
		return geojson.LineString{Coordinates: roundLine(t.Coordinates)}
	case geojson.Polygon:
		rings := make([][]geojson.Position, len(t.Rings))
		for i, r := range t.Rings {
			rings[i] = roundLine(r)
		}
		return geojson.Polygon{Rings: rings}
	default:
		return g
	}
}

func roundLine(ps []geojson.Position) []geojson.Position {
	out := make([]geojson.Position, len(ps))
	for i, p := range ps {
		out[i] = roundPos(p)
	}
	return out
}

func roundPos(p geojson.Position) geojson.Position {
	out := make(geojson.Position, len(p))
	for i, v := range p {
		out[i] = roundFloat(v, CoordinatePrecision)
	}
	return out
}

func roundFloat(x float64, p int) float64 {
	f := math.Pow(10, float64(p))
	return math.Round(x*f) / f
}

// lowerColor lower-cases hex color strings so #FF0000 and #ff0000 hash
// identically. Anything not starting with '#' passes through unchanged.
func lowerColor(s string) string {
	if strings.HasPrefix(s, "#") {
		return strings.ToLower(s)
	}
	return s
}
