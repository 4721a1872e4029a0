// Package kmz extracts the KML document from a KMZ container. All entry
// names and sizes are treated as attacker-controlled.
package kmz

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"unicode/utf8"
)

var (
	ErrPathTraversal   = errors.New("kmz: entry path escapes extraction root")
	ErrNullByteName    = errors.New("kmz: entry name contains null byte")
	ErrNameTooLong     = errors.New("kmz: entry name too long")
	ErrTooDeeplyNested = errors.New("kmz: entry path too deeply nested")
	ErrExecutableEntry = errors.New("kmz: archive contains executable entry")
	ErrArchiveTooLarge = errors.New("kmz: archive exceeds size limits")
	ErrNoKMLEntry      = errors.New("kmz: no .kml entry in archive")
	ErrDecode          = errors.New("kmz: kml entry is not valid utf-8")
	ErrBadArchive      = errors.New("kmz: corrupt zip archive")
)

const (
	maxEntryNameLen = 255
	maxNestingDepth = 10
)

// executable and script extensions rejected outright; a KMZ has no business
// carrying any of these.
var executableExts = map[string]struct{}{
	".exe": {}, ".bat": {}, ".cmd": {}, ".scr": {}, ".pif": {}, ".com": {},
	".vbs": {}, ".js": {}, ".jse": {}, ".wsf": {}, ".msi": {}, ".dll": {},
	".sh": {}, ".ps1": {},
}

type Limits struct {
	// MaxEntryBytes bounds the decompressed size of a single entry.
	MaxEntryBytes int64
	// MaxArchiveBytes bounds the total declared decompressed size.
	MaxArchiveBytes int64
}

func DefaultLimits() Limits {
	return Limits{
		MaxEntryBytes:   32 << 20,
		MaxArchiveBytes: 64 << 20,
	}
}

// IsSecurityError reports whether err belongs to the security-rejection
// class: the upload is dropped whole and logged at security severity.
func IsSecurityError(err error) bool {
	return errors.Is(err, ErrPathTraversal) ||
		errors.Is(err, ErrNullByteName) ||
		errors.Is(err, ErrNameTooLong) ||
		errors.Is(err, ErrTooDeeplyNested) ||
		errors.Is(err, ErrExecutableEntry) ||
		errors.Is(err, ErrArchiveTooLarge)
}

// ExtractKML returns the text of the first .kml entry in a KMZ container.
// Input that is not a zip archive is assumed to be plain KML text and is
// returned as-is after a utf-8 check. Any unsafe entry anywhere in the
// archive rejects the whole archive: security rejections never partially
// extract.
func ExtractKML(data []byte, lim Limits) (string, error) {
	if !isZip(data) {
		if !utf8.Valid(data) {
			return "", ErrDecode
		}
		return string(data), nil
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadArchive, err)
	}

	var total int64
	var kml *zip.File
	for _, f := range zr.File {
		if err := checkEntryName(f.Name); err != nil {
			return "", fmt.Errorf("entry %q: %w", printable(f.Name), err)
		}
		if f.UncompressedSize64 > uint64(lim.MaxEntryBytes) {
			return "", fmt.Errorf("entry %q: %w", f.Name, ErrArchiveTooLarge)
		}
		total += int64(f.UncompressedSize64)
		if total > lim.MaxArchiveBytes {
			return "", ErrArchiveTooLarge
		}
		if kml == nil && strings.HasSuffix(strings.ToLower(f.Name), ".kml") {
			kml = f
		}
	}
	if kml == nil {
		return "", ErrNoKMLEntry
	}

	rc, err := kml.Open()
	if err != nil {
		return "", fmt.Errorf("%w: open %q: %v", ErrBadArchive, kml.Name, err)
	}
	defer func() { _ = rc.Close() }()

	// Size headers are declarations, not guarantees: enforce the limit on
	// the actual decompressed stream as well.
	buf, err := io.ReadAll(io.LimitReader(rc, lim.MaxEntryBytes+1))
	if err != nil {
		return "", fmt.Errorf("%w: read %q: %v", ErrBadArchive, kml.Name, err)
	}
	if int64(len(buf)) > lim.MaxEntryBytes {
		return "", ErrArchiveTooLarge
	}
	if !utf8.Valid(buf) {
		return "", ErrDecode
	}
	return string(buf), nil
}

func checkEntryName(name string) error {
	if strings.ContainsRune(name, 0) {
		return ErrNullByteName
	}
	if len(name) > maxEntryNameLen {
		return ErrNameTooLong
	}
	if strings.Contains(name, `\`) || strings.HasPrefix(name, "/") {
		return ErrPathTraversal
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return ErrPathTraversal
	}
	if strings.Count(clean, "/") >= maxNestingDepth {
		return ErrTooDeeplyNested
	}
	if _, bad := executableExts[strings.ToLower(path.Ext(clean))]; bad {
		return ErrExecutableEntry
	}
	return nil
}

func isZip(data []byte) bool {
	return len(data) >= 4 && data[0] == 'P' && data[1] == 'K' &&
		(data[2] == 3 || data[2] == 5 || data[2] == 7)
}

// printable guards log/error output against control bytes in entry names.
func printable(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return '.'
		}
		return r
	}, s)
}
