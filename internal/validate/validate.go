// Package validate enforces the closed geometry schema on decoded features.
package validate

import (
	"errors"
	"fmt"
	"math"

	"github.com/geostash/geostash/internal/decode"
	"github.com/geostash/geostash/internal/geojson"
)

var (
	ErrUnsupportedGeometryType = errors.New("validate: unsupported geometry type")
	ErrInvalidCoordinateShape  = errors.New("validate: invalid coordinate shape")
)

// Feature types a raw decoded feature against the Point/LineString/Polygon
// schema. Fill rendering survives only on polygons: for the other types it
// is stripped here, so downstream code never sees a filled line.
func Feature(rf decode.RawFeature) (geojson.Feature, error) {
	out := geojson.Feature{
		Name:        rf.Name,
		Description: rf.Description,
		ExternalID:  rf.ID,
		Rendering: geojson.Rendering{
			Stroke:      rf.Stroke,
			StrokeWidth: rf.StrokeWidth,
		},
	}

	switch geojson.GeometryType(rf.GeomType) {
	case geojson.TypePoint:
		if err := checkTuple(rf.Point, false); err != nil {
			return geojson.Feature{}, fmt.Errorf("feature %q: %w", rf.Name, err)
		}
		out.Geometry = geojson.Point{Coordinates: rf.Point}
	case geojson.TypeLineString:
		if len(rf.Line) < 2 {
			return geojson.Feature{}, fmt.Errorf("feature %q: linestring needs at least 2 positions: %w", rf.Name, ErrInvalidCoordinateShape)
		}
		for _, p := range rf.Line {
			// historical line data may carry a trailing integer fourth
			// element; it is preserved, not reinterpreted
			if err := checkTuple(p, true); err != nil {
				return geojson.Feature{}, fmt.Errorf("feature %q: %w", rf.Name, err)
			}
		}
		out.Geometry = geojson.LineString{Coordinates: rf.Line}
	case geojson.TypePolygon:
		if len(rf.Rings) == 0 {
			return geojson.Feature{}, fmt.Errorf("feature %q: polygon needs at least one ring: %w", rf.Name, ErrInvalidCoordinateShape)
		}
		for _, ring := range rf.Rings {
			if len(ring) < 4 {
				return geojson.Feature{}, fmt.Errorf("feature %q: ring needs at least 4 positions: %w", rf.Name, ErrInvalidCoordinateShape)
			}
			for _, p := range ring {
				if err := checkTuple(p, false); err != nil {
					return geojson.Feature{}, fmt.Errorf("feature %q: %w", rf.Name, err)
				}
			}
		}
		out.Geometry = geojson.Polygon{Rings: rf.Rings}
		out.Rendering.Fill = rf.Fill
	default:
		return geojson.Feature{}, fmt.Errorf("feature %q: %w: %q", rf.Name, ErrUnsupportedGeometryType, rf.GeomType)
	}
	return out, nil
}

func checkTuple(p geojson.Position, allowLegacyFlag bool) error {
	n := len(p)
	switch {
	case n == 2 || n == 3:
	case n == 4 && allowLegacyFlag:
		if p[3] != math.Trunc(p[3]) {
			return fmt.Errorf("fourth element must be an integer flag: %w", ErrInvalidCoordinateShape)
		}
	default:
		return fmt.Errorf("tuple has %d elements: %w", n, ErrInvalidCoordinateShape)
	}
	for _, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite coordinate: %w", ErrInvalidCoordinateShape)
		}
	}
	return nil
}
