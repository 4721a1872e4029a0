package decode

import (
	"encoding/xml"
	"fmt"

	"github.com/geostash/geostash/internal/geojson"
)

type gpxRoot struct {
	XMLName   xml.Name   `xml:"gpx"`
	Waypoints []gpxPoint `xml:"wpt"`
	Routes    []gpxPath  `xml:"rte"`
	Tracks    []gpxTrack `xml:"trk"`
}

type gpxPoint struct {
	Lat  float64  `xml:"lat,attr"`
	Lon  float64  `xml:"lon,attr"`
	Ele  *float64 `xml:"ele"`
	Name string   `xml:"name"`
	Desc string   `xml:"desc"`
}

type gpxPath struct {
	Name   string     `xml:"name"`
	Desc   string     `xml:"desc"`
	Points []gpxPoint `xml:"rtept"`
}

type gpxTrack struct {
	Name     string       `xml:"name"`
	Desc     string       `xml:"desc"`
	Segments []gpxSegment `xml:"trkseg"`
}

type gpxSegment struct {
	Points []gpxPoint `xml:"trkpt"`
}

// DecodeGPX converts GPX waypoints, routes and tracks into raw features:
// waypoints become Points, routes and tracks become LineStrings. Track
// segments are concatenated into one line per track.
func DecodeGPX(raw []byte) ([]RawFeature, []string, error) {
	var root gpxRoot
	if err := xml.Unmarshal([]byte(stripXMLDecl(string(raw))), &root); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	var feats []RawFeature
	var diags []string

	for _, w := range root.Waypoints {
		feats = append(feats, RawFeature{
			Name:        w.Name,
			Description: w.Desc,
			GeomType:    string(geojson.TypePoint),
			Point:       gpxPosition(w),
		})
	}

	for _, r := range root.Routes {
		if len(r.Points) == 0 {
			diags = append(diags, fmt.Sprintf("route %q has no points, skipped", r.Name))
			continue
		}
		feats = append(feats, RawFeature{
			Name:        r.Name,
			Description: r.Desc,
			GeomType:    string(geojson.TypeLineString),
			Line:        gpxLine(r.Points),
		})
	}

	for _, t := range root.Tracks {
		var pts []gpxPoint
		for _, seg := range t.Segments {
			pts = append(pts, seg.Points...)
		}
		if len(pts) == 0 {
			diags = append(diags, fmt.Sprintf("track %q has no points, skipped", t.Name))
			continue
		}
		feats = append(feats, RawFeature{
			Name:        t.Name,
			Description: t.Desc,
			GeomType:    string(geojson.TypeLineString),
			Line:        gpxLine(pts),
		})
	}
	return feats, diags, nil
}

func gpxPosition(p gpxPoint) geojson.Position {
	if p.Ele != nil {
		return geojson.Position{p.Lon, p.Lat, *p.Ele}
	}
	return geojson.Position{p.Lon, p.Lat}
}

func gpxLine(pts []gpxPoint) []geojson.Position {
	out := make([]geojson.Position, len(pts))
	for i, p := range pts {
		out[i] = gpxPosition(p)
	}
	return out
}
