// Package geojson defines the canonical in-memory feature model produced by
// the import pipeline and its GeoJSON wire encoding.
package geojson

import (
	"encoding/json"
	"fmt"
	"time"
)

type GeometryType string

const (
	TypePoint      GeometryType = "Point"
	TypeLineString GeometryType = "LineString"
	TypePolygon    GeometryType = "Polygon"
)

// Position is a single coordinate tuple: lon, lat, optional altitude.
// LineString positions may carry a trailing integer fourth element kept
// verbatim from historical source data.
type Position []float64

// Geometry is the closed set of geometry variants the store accepts. New
// variants require touching every switch over GeometryType, which is the
// point: nothing falls through silently.
type Geometry interface {
	GeometryType() GeometryType
	// Canonical returns the coordinates as nested []any suitable for
	// deterministic JSON serialization.
	Canonical() any
	sealed()
}

type Point struct {
	Coordinates Position
}

type LineString struct {
	Coordinates []Position
}

type Polygon struct {
	// Rings holds the outer ring first, holes after.
	Rings [][]Position
}

func (Point) GeometryType() GeometryType      { return TypePoint }
func (LineString) GeometryType() GeometryType { return TypeLineString }
func (Polygon) GeometryType() GeometryType    { return TypePolygon }

func (Point) sealed()      {}
func (LineString) sealed() {}
func (Polygon) sealed()    {}

func (g Point) Canonical() any { return canonPos(g.Coordinates) }

func (g LineString) Canonical() any {
	out := make([]any, len(g.Coordinates))
	for i, p := range g.Coordinates {
		out[i] = canonPos(p)
	}
	return out
}

func (g Polygon) Canonical() any {
	out := make([]any, len(g.Rings))
	for i, ring := range g.Rings {
		r := make([]any, len(ring))
		for j, p := range ring {
			r[j] = canonPos(p)
		}
		out[i] = r
	}
	return out
}

func canonPos(p Position) []any {
	out := make([]any, len(p))
	for i, v := range p {
		out[i] = v
	}
	return out
}

// Rendering carries the simplestyle properties the pipeline preserves.
// Fill is only meaningful for polygons; the validator strips it elsewhere.
type Rendering struct {
	StrokeWidth float64
	Stroke      string
	Fill        string
	MarkerColor string
}

type Feature struct {
	Geometry    Geometry
	Name        string
	Description string
	CreatedAt   time.Time
	Tags        []string
	Rendering   Rendering

	// ExternalID is an id carried by the source document, preserved so
	// re-imports keep externally assigned identities.
	ExternalID string

	// Identity is assigned exactly once by the hasher and is immutable
	// thereafter.
	Identity string
}

type FeatureCollection struct {
	Features []Feature
}

// CanonicalMap returns the {type, geometry, properties} object hashed by the
// identity assigner. The external id is deliberately excluded so the hash
// cannot depend on an identity that is itself derived from the hash.
func (f Feature) CanonicalMap() map[string]any {
	props := map[string]any{
		"name": f.Name,
	}
	if f.Description != "" {
		props["description"] = f.Description
	}
	if len(f.Tags) > 0 {
		tags := make([]any, len(f.Tags))
		for i, t := range f.Tags {
			tags[i] = t
		}
		props["tags"] = tags
	}
	if f.Rendering.Stroke != "" {
		props["stroke"] = f.Rendering.Stroke
	}
	if f.Rendering.StrokeWidth != 0 {
		props["stroke-width"] = f.Rendering.StrokeWidth
	}
	if f.Rendering.Fill != "" {
		props["fill"] = f.Rendering.Fill
	}
	if f.Rendering.MarkerColor != "" {
		props["marker-color"] = f.Rendering.MarkerColor
	}
	return map[string]any{
		"type": "Feature",
		"geometry": map[string]any{
			"type":        string(f.Geometry.GeometryType()),
			"coordinates": f.Geometry.Canonical(),
		},
		"properties": props,
	}
}

// CanonicalMap returns the collection as nested maps/slices. encoding/json
// marshals map keys in sorted order, which makes the serialization
// deterministic without a custom encoder.
func (fc FeatureCollection) CanonicalMap() map[string]any {
	feats := make([]any, len(fc.Features))
	for i, f := range fc.Features {
		feats[i] = f.CanonicalMap()
	}
	return map[string]any{
		"type":     "FeatureCollection",
		"features": feats,
	}
}

type featureJSON struct {
	Type       string         `json:"type"`
	ID         string         `json:"id,omitempty"`
	Geometry   geometryJSON   `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

type geometryJSON struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

func (f Feature) MarshalJSON() ([]byte, error) {
	coords, err := json.Marshal(f.Geometry.Canonical())
	if err != nil {
		return nil, fmt.Errorf("marshal coordinates: %w", err)
	}
	props := f.CanonicalMap()["properties"].(map[string]any)
	if !f.CreatedAt.IsZero() {
		props["createdAt"] = f.CreatedAt.UTC().Format(time.RFC3339)
	}
	id := f.Identity
	if id == "" {
		id = f.ExternalID
	}
	return json.Marshal(featureJSON{
		Type: "Feature",
		ID:   id,
		Geometry: geometryJSON{
			Type:        string(f.Geometry.GeometryType()),
			Coordinates: coords,
		},
		Properties: props,
	})
}

func (f *Feature) UnmarshalJSON(b []byte) error {
	var raw featureJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.Type != "Feature" {
		return fmt.Errorf(`feature type is %q (want "Feature")`, raw.Type)
	}
	geom, err := ParseGeometry(raw.Geometry.Type, raw.Geometry.Coordinates)
	if err != nil {
		return err
	}
	out := Feature{Geometry: geom, Identity: raw.ID}
	if v, ok := raw.Properties["name"].(string); ok {
		out.Name = v
	}
	if v, ok := raw.Properties["description"].(string); ok {
		out.Description = v
	}
	if v, ok := raw.Properties["createdAt"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			out.CreatedAt = ts
		}
	}
	if v, ok := raw.Properties["tags"].([]any); ok {
		for _, t := range v {
			if s, ok := t.(string); ok {
				out.Tags = append(out.Tags, s)
			}
		}
	}
	if v, ok := raw.Properties["stroke"].(string); ok {
		out.Rendering.Stroke = v
	}
	if v, ok := raw.Properties["stroke-width"].(float64); ok {
		out.Rendering.StrokeWidth = v
	}
	if v, ok := raw.Properties["fill"].(string); ok {
		out.Rendering.Fill = v
	}
	if v, ok := raw.Properties["marker-color"].(string); ok {
		out.Rendering.MarkerColor = v
	}
	*f = out
	return nil
}

func (fc FeatureCollection) MarshalJSON() ([]byte, error) {
	feats := fc.Features
	if feats == nil {
		feats = []Feature{}
	}
	return json.Marshal(struct {
		Type     string    `json:"type"`
		Features []Feature `json:"features"`
	}{Type: "FeatureCollection", Features: feats})
}

func (fc *FeatureCollection) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type     string    `json:"type"`
		Features []Feature `json:"features"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.Type != "FeatureCollection" {
		return fmt.Errorf(`collection type is %q (want "FeatureCollection")`, raw.Type)
	}
	fc.Features = raw.Features
	return nil
}

// ParseGeometry decodes raw GeoJSON coordinates into a typed geometry. Only
// the closed Point/LineString/Polygon set is accepted.
func ParseGeometry(typ string, coords json.RawMessage) (Geometry, error) {
	switch GeometryType(typ) {
	case TypePoint:
		var p Position
		if err := json.Unmarshal(coords, &p); err != nil {
			return nil, fmt.Errorf("point coordinates: %w", err)
		}
		return Point{Coordinates: p}, nil
	case TypeLineString:
		var ps []Position
		if err := json.Unmarshal(coords, &ps); err != nil {
			return nil, fmt.Errorf("linestring coordinates: %w", err)
		}
		return LineString{Coordinates: ps}, nil
	case TypePolygon:
		var rings [][]Position
		if err := json.Unmarshal(coords, &rings); err != nil {
			return nil, fmt.Errorf("polygon coordinates: %w", err)
		}
		return Polygon{Rings: rings}, nil
	default:
		return nil, fmt.Errorf("unsupported geometry type %q", typ)
	}
}
