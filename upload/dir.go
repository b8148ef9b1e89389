// Package upload imports local BIDS datasets (directories or zip archives)
// into the platform and curates them.
package upload

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/maruel/natural"
	"golang.org/x/text/encoding"

	"fwbids/archive"
)

// Dir is a directory of upload source. Path is slash separated and relative
// to the source root, files and subdirectories are in natural order.
type Dir struct {
	Name  string
	Path  string
	Files []string
	Dirs  []*Dir
}

// Dir returns direct subdirectory by name.
func (d *Dir) Dir(name string) (*Dir, bool) {
	for _, sub := range d.Dirs {
		if sub.Name == name {
			return sub, true
		}
	}
	return nil, false
}

// FilePath returns source path of a file of this directory.
func (d *Dir) FilePath(name string) string {
	return path.Join(d.Path, name)
}

func (d *Dir) sort() {
	sort.Sort(natural.StringSlice(d.Files))
	sort.Slice(d.Dirs, func(i, j int) bool { return natural.Less(d.Dirs[i].Name, d.Dirs[j].Name) })
	for _, sub := range d.Dirs {
		sub.sort()
	}
}

// Source gives access to content of files listed in Root.
type Source struct {
	Root  *Dir
	open  func(name string) (io.ReadCloser, error)
	close func() error
}

// Open opens file by its source path.
func (s *Source) Open(name string) (io.ReadCloser, error) {
	return s.open(name)
}

func (s *Source) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// ParseDir reads directory tree rooted at rootdir. Hidden files and
// directories are skipped.
func ParseDir(rootdir string) (*Source, error) {
	fi, err := os.Stat(rootdir)
	if err != nil {
		return nil, fmt.Errorf("unable to access source: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("source %q is not a directory", rootdir)
	}

	root := &Dir{}
	dirs := map[string]*Dir{".": root}
	fsys := os.DirFS(rootdir)
	err = fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == "." {
			return nil
		}
		if hidden(d.Name()) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		parent := dirs[path.Dir(p)]
		if d.IsDir() {
			sub := &Dir{Name: d.Name(), Path: p}
			parent.Dirs = append(parent.Dirs, sub)
			dirs[p] = sub
			return nil
		}
		if d.Type().IsRegular() {
			parent.Files = append(parent.Files, d.Name())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("unable to read source %q: %w", rootdir, err)
	}
	root.sort()

	return &Source{
		Root: root,
		open: func(name string) (io.ReadCloser, error) {
			return os.Open(filepath.Join(rootdir, filepath.FromSlash(name)))
		},
	}, nil
}

// ParseArchive reads zip archive. Entry names not flagged as UTF-8 are
// decoded with cp when it is not nil.
func ParseArchive(file string, cp encoding.Encoding) (*Source, error) {
	r, err := zip.OpenReader(file)
	if err != nil {
		return nil, fmt.Errorf("unable to open archive: %w", err)
	}

	root := &Dir{}
	dirs := map[string]*Dir{"": root}
	var mkdir func(p string) *Dir
	mkdir = func(p string) *Dir {
		if d, ok := dirs[p]; ok {
			return d
		}
		parent := ""
		if i := strings.LastIndex(p, "/"); i >= 0 {
			parent = p[:i]
		}
		d := &Dir{Name: path.Base(p), Path: p}
		pd := mkdir(parent)
		pd.Dirs = append(pd.Dirs, d)
		dirs[p] = d
		return d
	}

	entries := make(map[string]*zip.File)
	err = archive.WalkReader(&r.Reader, "", cp, func(name string, f *zip.File) error {
		name = path.Clean(name)
		for _, part := range strings.Split(name, "/") {
			if hidden(part) || part == "__MACOSX" {
				return nil
			}
		}
		dir, base := path.Split(name)
		d := mkdir(strings.TrimSuffix(dir, "/"))
		d.Files = append(d.Files, base)
		entries[name] = f
		return nil
	})
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("unable to read archive %q: %w", file, err)
	}
	root.sort()

	return &Source{
		Root: root,
		open: func(name string) (io.ReadCloser, error) {
			f, ok := entries[name]
			if !ok {
				return nil, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
			}
			return f.Open()
		},
		close: r.Close,
	}, nil
}
