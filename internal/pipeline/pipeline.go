// Package pipeline assembles decode, validate, normalize, hash and tag into
// the pure conversion entry point the upload API and the worker both call.
package pipeline

import (
	"errors"
	"time"

	"github.com/geostash/geostash/internal/decode"
	"github.com/geostash/geostash/internal/geojson"
	"github.com/geostash/geostash/internal/identity"
	"github.com/geostash/geostash/internal/kmz"
	"github.com/geostash/geostash/internal/normalize"
	"github.com/geostash/geostash/internal/tags"
	"github.com/geostash/geostash/internal/validate"
)

// Result is one successful conversion: the normalized, tagged,
// identity-assigned collection plus whatever per-feature warnings were
// collected along the way.
type Result struct {
	Collection  geojson.FeatureCollection
	Identity    string
	Diagnostics []string
	DroppedIn   int // features dropped by validation or decode
}

type Converter struct {
	limits kmz.Limits
	hasher *identity.Hasher
	now    func() time.Time
}

type Options struct {
	Limits        kmz.Limits
	HashCacheSize int
	Now           func() time.Time
}

func New(opts Options) *Converter {
	if opts.Limits == (kmz.Limits{}) {
		opts.Limits = kmz.DefaultLimits()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Converter{
		limits: opts.Limits,
		hasher: identity.NewHasher(opts.HashCacheSize),
		now:    opts.Now,
	}
}

// Convert runs the full pipeline over one upload. Per-feature problems
// become diagnostics and drop only that feature; a document-level or
// security failure fails the whole call.
func (c *Converter) Convert(raw []byte, filename string) (Result, error) {
	rawFeats, diags, err := decode.Decode(raw, filename, c.limits)
	if err != nil {
		return Result{}, err
	}

	res := Result{Diagnostics: diags}
	fc := geojson.FeatureCollection{}
	for _, rf := range rawFeats {
		f, err := validate.Feature(rf)
		if err != nil {
			res.Diagnostics = append(res.Diagnostics, err.Error())
			res.DroppedIn++
			continue
		}
		fc.Features = append(fc.Features, f)
	}
	fc = normalize.Collection(fc)

	collID, err := c.hasher.Collection(fc)
	if err != nil {
		return Result{}, err
	}
	now := c.now()
	for i := range fc.Features {
		id, err := c.hasher.Feature(fc.Features[i])
		if err != nil {
			return Result{}, err
		}
		fc.Features[i].Identity = id
		tags.Apply(&fc.Features[i], now)
		fc.Features[i].CreatedAt = now
	}

	res.Collection = fc
	res.Identity = collID
	return res, nil
}

// IsPermanent classifies a conversion error as unrecoverable for this
// upload: malformed documents, unsupported formats and every security
// rejection. Anything else is treated as transient by the worker.
func IsPermanent(err error) bool {
	return errors.Is(err, decode.ErrMalformedDocument) ||
		errors.Is(err, decode.ErrUnsupportedFormat) ||
		errors.Is(err, kmz.ErrNoKMLEntry) ||
		errors.Is(err, kmz.ErrDecode) ||
		errors.Is(err, kmz.ErrBadArchive) ||
		kmz.IsSecurityError(err)
}
