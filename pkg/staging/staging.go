// Package staging manages the process-wide scratch directory used by
// cross-backend transfers and folder downloads. Each staging file or
// directory is owned by exactly one operation and removed by Release.
package staging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/disk"

	"digital.vasic.nexuscloud/pkg/remoteerr"
)

// Prefix marks every entry created by an Area. Sweep only touches such entries.
const Prefix = "nexus-stage-"

// ErrInsufficientSpace is returned when the scratch volume cannot hold a file.
var ErrInsufficientSpace = errors.New("insufficient staging space")

// Area is a scratch directory.
type Area struct {
	dir string
	// Reserve is kept free on the scratch volume on top of every request.
	Reserve uint64
}

// New creates the scratch directory if needed.
func New(dir string) (*Area, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "nexus-staging")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory %s: %w", dir, err)
	}
	return &Area{dir: dir}, nil
}

// Dir returns the scratch directory.
func (a *Area) Dir() string {
	return a.dir
}

// name builds a unique entry name that keeps the original base name readable.
func (a *Area) name(base string) string {
	base = filepath.Base(filepath.Clean("/" + base))
	if base == "/" || base == "." {
		base = "item"
	}
	return filepath.Join(a.dir, Prefix+uuid.NewString()+"-"+base)
}

// File is one exclusively owned staging file.
type File struct {
	*os.File
	path string
	once sync.Once
	err  error
}

// Path returns the staging file path.
func (f *File) Path() string {
	return f.path
}

// Release closes and removes the file. It is safe to call more than once.
func (f *File) Release() error {
	f.once.Do(func() {
		_ = f.File.Close()
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			f.err = fmt.Errorf("failed to remove staging file %s: %w", f.path, err)
		}
	})
	return f.err
}

// Acquire creates a new staging file. Creation fails rather than reuse an
// existing path.
func (a *Area) Acquire(base string) (*File, error) {
	p := a.name(base)
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}
	return &File{File: f, path: p}, nil
}

// Dir is one exclusively owned staging directory.
type Dir struct {
	path string
	once sync.Once
	err  error
}

// Path returns the staging directory path.
func (d *Dir) Path() string {
	return d.path
}

// Release removes the directory and everything in it.
func (d *Dir) Release() error {
	d.once.Do(func() {
		if err := os.RemoveAll(d.path); err != nil {
			d.err = fmt.Errorf("failed to remove staging directory %s: %w", d.path, err)
		}
	})
	return d.err
}

// AcquireDir creates a new staging directory.
func (a *Area) AcquireDir(base string) (*Dir, error) {
	p := a.name(base)
	if err := os.Mkdir(p, 0700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &Dir{path: p}, nil
}

// Entries returns the staging entries currently present.
func (a *Area) Entries() ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read staging directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), Prefix) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Sweep removes every staging entry. Called at startup, when any leftover
// entry belongs to a previous process.
func (a *Area) Sweep() (int, error) {
	names, err := a.Entries()
	if err != nil {
		return 0, err
	}
	var errs []error
	removed := 0
	for _, n := range names {
		if err := os.RemoveAll(filepath.Join(a.dir, n)); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// EnsureFree fails with ErrInsufficientSpace when the scratch volume has less
// than need bytes plus the reserve available. A negative need is not checked.
func (a *Area) EnsureFree(ctx context.Context, need int64) error {
	if need < 0 {
		return nil
	}
	usage, err := disk.UsageWithContext(ctx, a.dir)
	if err != nil {
		return fmt.Errorf("failed to read staging volume usage: %w", err)
	}
	required := uint64(need) + a.Reserve
	if usage.Free < required {
		return remoteerr.Wrap(remoteerr.KindUnknown, "stage", a.dir,
			fmt.Errorf("%w: need %d bytes, %d free", ErrInsufficientSpace, required, usage.Free))
	}
	return nil
}
