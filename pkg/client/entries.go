package client

import (
	"mime"
	"path"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// CleanPath normalizes a virtual path to a rooted, slash-separated form.
// Backslashes are treated as separators and ".." never escapes the root.
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Clean("/" + p)
}

// JoinPath joins virtual path elements and cleans the result.
func JoinPath(elem ...string) string {
	return CleanPath(path.Join(elem...))
}

// SplitPath returns the parent directory and the base name of a virtual path.
func SplitPath(p string) (dir, name string) {
	p = CleanPath(p)
	return path.Dir(p), path.Base(p)
}

// RelativePath strips the leading slash, returning "" for the root.
func RelativePath(p string) string {
	return strings.TrimPrefix(CleanPath(p), "/")
}

// IsHidden reports whether a name is hidden by convention.
func IsHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// MimeTypeFor returns a MIME type hint derived from the file extension.
func MimeTypeFor(name string) string {
	ext := path.Ext(name)
	if ext == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension(strings.ToLower(ext)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// NewEntry builds a FileEntry for an item of dir, filling the MIME hint and
// clamping negative sizes.
func NewEntry(dir, name string, isDir bool, size int64) *FileEntry {
	e := &FileEntry{
		Name: name,
		Path: CleanPath(dir),
		Type: TypeFile,
		Size: size,
	}
	if isDir {
		e.Type = TypeFolder
		e.Size = 0
	} else {
		e.MimeType = MimeTypeFor(name)
	}
	if e.Size < 0 {
		e.Size = 0
	}
	return e
}

// Normalize applies the listing contract shared by all adapters: hidden entries
// and the "." / ".." pseudo entries are removed, folders come before files and
// each group is ordered by name case-insensitively, ties broken case-sensitively.
func Normalize(entries []*FileEntry) []*FileEntry {
	visible := lo.Filter(entries, func(e *FileEntry, _ int) bool {
		return e != nil && e.Name != "" && !IsHidden(e.Name)
	})
	SortEntries(visible)
	return visible
}

// SortEntries orders entries in place: folders first, then by name.
func SortEntries(entries []*FileEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.IsDir() != b.IsDir() {
			return a.IsDir()
		}
		la, lb := strings.ToLower(a.Name), strings.ToLower(b.Name)
		if la != lb {
			return la < lb
		}
		return a.Name < b.Name
	})
}
