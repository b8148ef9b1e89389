// Package archive reads BIDS datasets packed into zip files and writes
// legacy BIDS archives.
package archive

import (
	"archive/zip"
	"fmt"
	"path"
	"strings"

	"golang.org/x/text/encoding"
)

// WalkFunc is the type of the function called for each file in archive
// visited by Walk. The name argument is entry path decoded to UTF-8, file is
// the zip entry itself. If an error is returned, processing stops.
type WalkFunc func(name string, file *zip.File) error

// Walk walks all files in the archive which names start with prefix, calling
// walkFn for each item. Entry names not flagged as UTF-8 are decoded with cp
// when it is not nil. Archives with path traversal components ("..") or
// absolute entry paths are rejected to prevent Zip Slip attacks.
func Walk(archive, prefix string, cp encoding.Encoding, walkFn WalkFunc) error {

	r, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer r.Close()

	return WalkReader(&r.Reader, prefix, cp, walkFn)
}

// WalkReader is Walk for already opened archive.
func WalkReader(r *zip.Reader, prefix string, cp encoding.Encoding, walkFn WalkFunc) error {
	for _, f := range r.File {
		name, err := decodeName(f, cp)
		if err != nil {
			return err
		}
		if !isSafePath(name) {
			return fmt.Errorf("zip entry %q: unsafe path (absolute or contains path traversal)", name)
		}
		if !f.FileInfo().IsDir() && strings.HasPrefix(name, prefix) {
			if err := walkFn(name, f); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeName(f *zip.File, cp encoding.Encoding) (string, error) {
	name := f.FileHeader.Name
	if cp == nil || !f.FileHeader.NonUTF8 {
		return name, nil
	}
	decoded, err := cp.NewDecoder().String(name)
	if err != nil {
		return "", fmt.Errorf("unable to decode zip entry name %q: %w", name, err)
	}
	return decoded, nil
}

// isSafePath returns false for paths that could escape the extraction
// directory: absolute paths and those containing ".." components.
func isSafePath(name string) bool {
	if path.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return false
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}
