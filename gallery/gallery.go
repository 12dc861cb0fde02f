// Package gallery lists the images of one directory and steps through them
// in name order, wrapping at both ends.
package gallery

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

// ErrEmpty indicates the directory holds no recognised images.
var ErrEmpty = errors.New("gallery: no images")

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
	".ico":  true,
	".tif":  true,
	".tiff": true,
}

// IsImageName reports whether name has a recognised image extension.
func IsImageName(name string) bool {
	return imageExtensions[strings.ToLower(path.Ext(name))]
}

// Gallery is a cursor over the images of a directory. It is not safe for
// concurrent use.
type Gallery struct {
	fsys    fs.FS
	dir     string
	entries []string
	index   int
}

// Scan lists the images directly inside dir (no recursion), sorted by name.
// An empty directory yields an empty gallery, not an error.
func Scan(fsys fs.FS, dir string) (*Gallery, error) {
	if dir == "" {
		dir = "."
	}
	items, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("scan %q: %w", dir, err)
	}

	entries := make([]string, 0, len(items))
	for _, item := range items {
		if !item.Type().IsRegular() || !IsImageName(item.Name()) {
			continue
		}
		entries = append(entries, path.Join(dir, item.Name()))
	}
	sort.Strings(entries)

	return &Gallery{fsys: fsys, dir: dir, entries: entries}, nil
}

// Open scans the directory containing name and positions the cursor on it.
func Open(fsys fs.FS, name string) (*Gallery, error) {
	g, err := Scan(fsys, path.Dir(name))
	if err != nil {
		return nil, err
	}
	if !g.Select(name) {
		return nil, fmt.Errorf("open %q: %w", name, fs.ErrNotExist)
	}
	return g, nil
}

// Dir returns the scanned directory.
func (g *Gallery) Dir() string { return g.dir }

// Len returns the number of images.
func (g *Gallery) Len() int { return len(g.entries) }

// Entries returns the image paths in order.
func (g *Gallery) Entries() []string {
	return append([]string(nil), g.entries...)
}

// Index returns the cursor position, or -1 when empty.
func (g *Gallery) Index() int {
	if len(g.entries) == 0 {
		return -1
	}
	return g.index
}

// Current returns the path under the cursor.
func (g *Gallery) Current() (string, bool) {
	if len(g.entries) == 0 {
		return "", false
	}
	return g.entries[g.index], true
}

// Select moves the cursor to name and reports whether it is in the gallery.
func (g *Gallery) Select(name string) bool {
	name = path.Clean(name)
	for i, entry := range g.entries {
		if entry == name {
			g.index = i
			return true
		}
	}
	return false
}

// Next advances the cursor, wrapping from the last image to the first.
func (g *Gallery) Next() (string, bool) {
	if len(g.entries) == 0 {
		return "", false
	}
	g.index = (g.index + 1) % len(g.entries)
	return g.entries[g.index], true
}

// Prev moves the cursor back, wrapping from the first image to the last.
func (g *Gallery) Prev() (string, bool) {
	if len(g.entries) == 0 {
		return "", false
	}
	if g.index == 0 {
		g.index = len(g.entries) - 1
	} else {
		g.index--
	}
	return g.entries[g.index], true
}

// Read returns the bytes of the image under the cursor.
func (g *Gallery) Read() (string, []byte, error) {
	name, ok := g.Current()
	if !ok {
		return "", nil, ErrEmpty
	}
	data, err := fs.ReadFile(g.fsys, name)
	if err != nil {
		return name, nil, fmt.Errorf("read %q: %w", name, err)
	}
	return name, data, nil
}

// ModTime returns the modification time of the image under the cursor.
func (g *Gallery) ModTime() (time.Time, error) {
	name, ok := g.Current()
	if !ok {
		return time.Time{}, ErrEmpty
	}
	info, err := fs.Stat(g.fsys, name)
	if err != nil {
		return time.Time{}, fmt.Errorf("stat %q: %w", name, err)
	}
	return info.ModTime(), nil
}
