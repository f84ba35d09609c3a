package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"digital.vasic.nexuscloud/pkg/client"
)

// document is the on-disk layout of a catalog file.
type document struct {
	Users map[string]*userData `yaml:"users"`
}

// File is a Catalog persisted as a YAML document. Connection changes are
// written back atomically; credentials are only ever read from the file.
type File struct {
	*Memory
	path string
}

// Open loads the catalog at path. A missing file yields an empty catalog
// that is created on the first save.
func Open(path string) (*File, error) {
	f := &File{Memory: NewMemory(), path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	for userID, u := range doc.Users {
		if u == nil {
			continue
		}
		if u.Credentials == nil {
			u.Credentials = make(map[string]client.Credentials)
		}
		f.users[userID] = u
	}
	return f, nil
}

// Path returns the file backing the catalog.
func (f *File) Path() string {
	return f.path
}

// Save stores a connection and rewrites the file.
func (f *File) Save(ctx context.Context, userID string, conn client.Connection) (client.Connection, error) {
	if conn.Kind == "" {
		return f.Memory.Save(ctx, userID, conn)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	saved, err := f.saveLocked(userID, conn)
	if err != nil {
		return client.Connection{}, err
	}
	if err := f.persistLocked(); err != nil {
		return client.Connection{}, err
	}
	return saved, nil
}

// Delete removes a connection and rewrites the file.
func (f *File) Delete(ctx context.Context, userID, connectionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteLocked(userID, connectionID); err != nil {
		return err
	}
	return f.persistLocked()
}

func (f *File) persistLocked() error {
	data, err := yaml.Marshal(document{Users: f.users})
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("failed to create catalog directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".catalog-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create catalog temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace catalog %s: %w", f.path, err)
	}
	return nil
}
