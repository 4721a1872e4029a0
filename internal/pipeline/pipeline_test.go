package pipeline

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/geostash/geostash/internal/decode"
	"github.com/geostash/geostash/internal/kmz"
)

var fixedNow = time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)

func newConverter() *Converter {
	return New(Options{Now: func() time.Time { return fixedNow }})
}

const cabinKML = `<kml><Document>
  <Placemark><name>Cabin</name><Point><coordinates>-122,45</coordinates></Point></Placemark>
</Document></kml>`

const cabinGPX = `<gpx><wpt lat="45" lon="-122"><name>Cabin</name></wpt></gpx>`

func TestConvert_KML(t *testing.T) {
	res, err := newConverter().Convert([]byte(cabinKML), "cabin.kml")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if len(res.Collection.Features) != 1 {
		t.Fatalf("got %d features, want 1", len(res.Collection.Features))
	}
	f := res.Collection.Features[0]
	if f.Identity == "" {
		t.Fatal("feature identity not assigned")
	}
	if res.Identity == "" {
		t.Fatal("collection identity not assigned")
	}
	if !f.CreatedAt.Equal(fixedNow) {
		t.Fatalf("createdAt = %v, want %v", f.CreatedAt, fixedNow)
	}
	wantTags := map[string]bool{"type:point": true, "year:2025": true, "month:March": true}
	for _, tag := range f.Tags {
		delete(wantTags, tag)
	}
	if len(wantTags) != 0 {
		t.Fatalf("missing system tags %v in %v", wantTags, f.Tags)
	}
}

func TestConvert_FormatEquivalence(t *testing.T) {
	c := newConverter()
	kml, err := c.Convert([]byte(cabinKML), "cabin.kml")
	if err != nil {
		t.Fatalf("Convert kml: %v", err)
	}
	gpx, err := c.Convert([]byte(cabinGPX), "cabin.gpx")
	if err != nil {
		t.Fatalf("Convert gpx: %v", err)
	}
	if kml.Identity != gpx.Identity {
		t.Fatalf("same data in two formats hashed differently:\n kml=%s\n gpx=%s", kml.Identity, gpx.Identity)
	}
	if kml.Collection.Features[0].Identity != gpx.Collection.Features[0].Identity {
		t.Fatal("feature identities differ across formats")
	}
}

func TestConvert_TagsDoNotChangeIdentity(t *testing.T) {
	// the same document converted at two different times hashes identically:
	// time-derived tags and createdAt are applied after hashing
	a, err := New(Options{Now: func() time.Time { return fixedNow }}).Convert([]byte(cabinKML), "cabin.kml")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	later := fixedNow.AddDate(1, 2, 3)
	b, err := New(Options{Now: func() time.Time { return later }}).Convert([]byte(cabinKML), "cabin.kml")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if a.Identity != b.Identity {
		t.Fatal("import time leaked into the collection identity")
	}
}

func TestConvert_BadFeatureDroppedOthersKept(t *testing.T) {
	doc := `<kml><Document>
  <Placemark><name>ok</name><Point><coordinates>1,2</coordinates></Point></Placemark>
  <Placemark><name>multi</name><MultiGeometry></MultiGeometry></Placemark>
  <Placemark><name>also ok</name><Point><coordinates>3,4</coordinates></Point></Placemark>
</Document></kml>`
	res, err := newConverter().Convert([]byte(doc), "mixed.kml")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if len(res.Collection.Features) != 2 {
		t.Fatalf("got %d features, want 2", len(res.Collection.Features))
	}
	if len(res.Diagnostics) == 0 {
		t.Fatal("dropped feature produced no diagnostic")
	}
	found := false
	for _, d := range res.Diagnostics {
		if strings.Contains(d, "multi") || strings.Contains(d, "MultiGeometry") {
			found = true
		}
	}
	if !found {
		t.Fatalf("diagnostics do not name the dropped placemark: %v", res.Diagnostics)
	}
}

func TestConvert_MalformedDocument(t *testing.T) {
	_, err := newConverter().Convert([]byte("<kml><Placemark>"), "broken.kml")
	if !errors.Is(err, decode.ErrMalformedDocument) {
		t.Fatalf("err = %v, want ErrMalformedDocument", err)
	}
	if !IsPermanent(err) {
		t.Fatal("malformed document must classify as permanent")
	}
}

func TestConvert_UnsupportedExtension(t *testing.T) {
	_, err := newConverter().Convert([]byte("data"), "notes.csv")
	if !errors.Is(err, decode.ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
	if !IsPermanent(err) {
		t.Fatal("unsupported format must classify as permanent")
	}
}

func TestIsPermanent_SecurityErrors(t *testing.T) {
	for _, err := range []error{
		kmz.ErrPathTraversal,
		kmz.ErrExecutableEntry,
		kmz.ErrArchiveTooLarge,
		kmz.ErrNoKMLEntry,
	} {
		if !IsPermanent(err) {
			t.Fatalf("%v must classify as permanent", err)
		}
	}
	if IsPermanent(errors.New("connection refused")) {
		t.Fatal("arbitrary errors must stay transient")
	}
}
