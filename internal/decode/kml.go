package decode

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/geostash/geostash/internal/geojson"
)

// containers nested deeper than this stop being traversed; mirrors the
// archive nesting cap so adversarial documents cannot grow the worklist
// without bound.
const maxContainerDepth = 10

type kmlRoot struct {
	XMLName    xml.Name       `xml:"kml"`
	Documents  []kmlContainer `xml:"Document"`
	Folders    []kmlContainer `xml:"Folder"`
	Placemarks []kmlPlacemark `xml:"Placemark"`
}

type kmlContainer struct {
	Name       string         `xml:"name"`
	Documents  []kmlContainer `xml:"Document"`
	Folders    []kmlContainer `xml:"Folder"`
	Placemarks []kmlPlacemark `xml:"Placemark"`
}

type kmlPlacemark struct {
	Name          string       `xml:"name"`
	Description   string       `xml:"description"`
	ID            string       `xml:"id,attr"`
	Point         *kmlGeometry `xml:"Point"`
	LineString    *kmlGeometry `xml:"LineString"`
	Polygon       *kmlPolygon  `xml:"Polygon"`
	MultiGeometry *struct{}    `xml:"MultiGeometry"`
	Model         *struct{}    `xml:"Model"`
	Style         *kmlStyle    `xml:"Style"`
}

type kmlGeometry struct {
	Coordinates string `xml:"coordinates"`
}

type kmlPolygon struct {
	Outer kmlBoundary   `xml:"outerBoundaryIs"`
	Inner []kmlBoundary `xml:"innerBoundaryIs"`
}

type kmlBoundary struct {
	Ring kmlGeometry `xml:"LinearRing"`
}

type kmlStyle struct {
	Line *kmlLineStyle `xml:"LineStyle"`
	Poly *kmlPolyStyle `xml:"PolyStyle"`
}

type kmlLineStyle struct {
	Color string  `xml:"color"`
	Width float64 `xml:"width"`
}

type kmlPolyStyle struct {
	Color string `xml:"color"`
}

// DecodeKML parses a KML document into raw features. A malformed document is
// a document-level failure; a malformed individual placemark only produces a
// diagnostic and is skipped.
func DecodeKML(text string) ([]RawFeature, []string, error) {
	var root kmlRoot
	if err := xml.Unmarshal([]byte(stripXMLDecl(text)), &root); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	var feats []RawFeature
	var diags []string

	emit := func(pms []kmlPlacemark) {
		for _, pm := range pms {
			f, diag, ok := placemarkFeature(pm)
			if diag != "" {
				diags = append(diags, diag)
			}
			if ok {
				feats = append(feats, f)
			}
		}
	}

	emit(root.Placemarks)

	// Explicit worklist instead of recursion: container nesting is
	// attacker-controlled.
	type entry struct {
		c     kmlContainer
		depth int
	}
	stack := make([]entry, 0, len(root.Documents)+len(root.Folders))
	for _, c := range root.Documents {
		stack = append(stack, entry{c, 1})
	}
	for _, c := range root.Folders {
		stack = append(stack, entry{c, 1})
	}
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if e.depth > maxContainerDepth {
			diags = append(diags, fmt.Sprintf("container %q exceeds nesting depth %d, skipped", e.c.Name, maxContainerDepth))
			continue
		}
		emit(e.c.Placemarks)
		for _, c := range e.c.Documents {
			stack = append(stack, entry{c, e.depth + 1})
		}
		for _, c := range e.c.Folders {
			stack = append(stack, entry{c, e.depth + 1})
		}
	}
	return feats, diags, nil
}

func placemarkFeature(pm kmlPlacemark) (RawFeature, string, bool) {
	f := RawFeature{
		Name:        pm.Name,
		Description: pm.Description,
		ID:          pm.ID,
	}
	if pm.Style != nil {
		if pm.Style.Line != nil {
			f.Stroke = kmlColorToHex(pm.Style.Line.Color)
			f.StrokeWidth = pm.Style.Line.Width
		}
		if pm.Style.Poly != nil {
			f.Fill = kmlColorToHex(pm.Style.Poly.Color)
		}
	}

	switch {
	case pm.Point != nil:
		pts, err := parseCoordinates(pm.Point.Coordinates)
		if err != nil || len(pts) == 0 {
			return f, fmt.Sprintf("placemark %q: bad point coordinates, skipped", pm.Name), false
		}
		f.GeomType = string(geojson.TypePoint)
		f.Point = pts[0]
	case pm.LineString != nil:
		pts, err := parseCoordinates(pm.LineString.Coordinates)
		if err != nil || len(pts) == 0 {
			return f, fmt.Sprintf("placemark %q: bad linestring coordinates, skipped", pm.Name), false
		}
		f.GeomType = string(geojson.TypeLineString)
		f.Line = pts
	case pm.Polygon != nil:
		outer, err := parseCoordinates(pm.Polygon.Outer.Ring.Coordinates)
		if err != nil || len(outer) == 0 {
			return f, fmt.Sprintf("placemark %q: bad polygon outer ring, skipped", pm.Name), false
		}
		rings := [][]geojson.Position{outer}
		for _, inner := range pm.Polygon.Inner {
			ring, err := parseCoordinates(inner.Ring.Coordinates)
			if err != nil || len(ring) == 0 {
				return f, fmt.Sprintf("placemark %q: bad polygon inner ring, skipped", pm.Name), false
			}
			rings = append(rings, ring)
		}
		f.GeomType = string(geojson.TypePolygon)
		f.Rings = rings
	case pm.MultiGeometry != nil:
		return f, fmt.Sprintf("placemark %q: unsupported geometry type MultiGeometry, skipped", pm.Name), false
	case pm.Model != nil:
		return f, fmt.Sprintf("placemark %q: unsupported geometry type Model, skipped", pm.Name), false
	default:
		// placemark with no geometry at all, nothing to record
		return f, "", false
	}
	return f, "", true
}

// parseCoordinates parses the KML coordinate syntax: whitespace-separated
// "lon,lat[,alt]" tuples.
func parseCoordinates(s string) ([]geojson.Position, error) {
	var out []geojson.Position
	for _, tuple := range strings.Fields(s) {
		parts := strings.Split(tuple, ",")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("coordinate tuple %q has %d components", tuple, len(parts))
		}
		pos := make(geojson.Position, 0, len(parts))
		for _, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, fmt.Errorf("coordinate %q: %w", p, err)
			}
			pos = append(pos, v)
		}
		out = append(out, pos)
	}
	return out, nil
}

// stripXMLDecl removes the <?xml ...?> prolog so documents whose declared
// encoding disagrees with their actual bytes still parse.
func stripXMLDecl(s string) string {
	t := strings.TrimLeft(s, " \t\r\n\uFEFF")
	if strings.HasPrefix(t, "<?xml") {
		if i := strings.Index(t, "?>"); i >= 0 {
			return t[i+2:]
		}
	}
	return t
}

// kmlColorToHex converts the KML aabbggrr color form to #rrggbbaa. Unparsable
// input is dropped rather than carried through.
func kmlColorToHex(c string) string {
	c = strings.TrimSpace(strings.TrimPrefix(c, "#"))
	if len(c) != 8 {
		return ""
	}
	if _, err := strconv.ParseUint(c, 16, 64); err != nil {
		return ""
	}
	a, b, g, r := c[0:2], c[2:4], c[4:6], c[6:8]
	return "#" + r + g + b + a
}
