// Package decode converts uploaded KML, KMZ and GPX documents into raw
// GeoJSON-shaped features. Structural validation happens downstream in the
// validate package; decoders only carry source data across.
package decode

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/geostash/geostash/internal/geojson"
	"github.com/geostash/geostash/internal/kmz"
)

var (
	ErrMalformedDocument = errors.New("decode: malformed document")
	ErrUnsupportedFormat = errors.New("decode: unsupported file format")
)

// RawFeature is one feature as the source document declared it, before any
// structural checks. GeomType is carried verbatim so the validator can name
// unsupported types in diagnostics.
type RawFeature struct {
	Name        string
	Description string
	ID          string
	GeomType    string
	Point       geojson.Position
	Line        []geojson.Position
	Rings       [][]geojson.Position
	Stroke      string
	StrokeWidth float64
	Fill        string
}

// Decode dispatches on the declared filename extension. Diagnostics is an
// ordered list of human-readable warnings for features that were skipped;
// it is non-fatal per the single-item error contract.
func Decode(raw []byte, filename string, lim kmz.Limits) ([]RawFeature, []string, error) {
	switch strings.ToLower(path.Ext(filename)) {
	case ".kml":
		return DecodeKML(string(raw))
	case ".kmz":
		text, err := kmz.ExtractKML(raw, lim)
		if err != nil {
			return nil, nil, err
		}
		return DecodeKML(text)
	case ".gpx":
		return DecodeGPX(raw)
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, path.Ext(filename))
	}
}
