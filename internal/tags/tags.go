// Package tags derives the system tags attached to every imported feature.
package tags

import (
	"fmt"
	"strings"
	"time"

	"github.com/geostash/geostash/internal/geojson"
)

// reserved prefixes; tags under them are system-assigned and filtered out of
// user-editable tag lists by the API layer.
var protectedPrefixes = []string{"type:", "year:", "month:", "import-year:", "import-month:"}

// Auto returns the three system tags for a feature at import time. Pure
// given its inputs: the caller supplies now.
func Auto(f geojson.Feature, now time.Time) []string {
	return []string{
		"type:" + strings.ToLower(string(f.Geometry.GeometryType())),
		fmt.Sprintf("year:%d", now.Year()),
		"month:" + now.Month().String(),
	}
}

// Apply appends the system tags to the feature's existing user tags.
func Apply(f *geojson.Feature, now time.Time) {
	f.Tags = append(f.Tags, Auto(*f, now)...)
}

// IsProtected reports whether a tag lives in the reserved namespace.
func IsProtected(tag string) bool {
	for _, p := range protectedPrefixes {
		if strings.HasPrefix(tag, p) {
			return true
		}
	}
	return false
}

// FilterEditable returns only the tags a user may edit.
func FilterEditable(in []string) []string {
	out := make([]string, 0, len(in))
	for _, t := range in {
		if !IsProtected(t) {
			out = append(out, t)
		}
	}
	return out
}
