// Package local implements the storage adapter for the local filesystem.
// All paths are virtual, rooted at the configured base path; the adapter never
// resolves a path outside it.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"

	"digital.vasic.nexuscloud/pkg/client"
	"digital.vasic.nexuscloud/pkg/remoteerr"
)

// Config contains local filesystem configuration.
type Config struct {
	BasePath string `json:"base_path" validate:"required"`
}

// Client implements client.Client for the local filesystem.
type Client struct {
	config    *Config
	fs        afero.Fs
	connected bool
}

// NewLocalClient creates a new local filesystem client on the OS filesystem.
func NewLocalClient(config *Config) *Client {
	return NewLocalClientWithFs(config, afero.NewOsFs())
}

// NewLocalClientWithFs creates a client on top of an arbitrary afero filesystem.
func NewLocalClientWithFs(config *Config, fs afero.Fs) *Client {
	base := config.BasePath
	if base == "" {
		base = "/"
	}
	return &Client{
		config: config,
		fs:     afero.NewBasePathFs(fs, base),
	}
}

// Connect validates the base path.
func (c *Client) Connect(ctx context.Context) error {
	info, err := c.fs.Stat("/")
	if err != nil {
		return remoteerr.Classify("connect", c.config.BasePath,
			fmt.Errorf("failed to access base path %s: %w", c.config.BasePath, err))
	}
	if !info.IsDir() {
		return remoteerr.Wrap(remoteerr.KindNotFound, "connect", c.config.BasePath,
			fmt.Errorf("base path %s is not a directory", c.config.BasePath))
	}
	c.connected = true
	return nil
}

// Disconnect closes the session (no-op for the local filesystem).
func (c *Client) Disconnect(ctx context.Context) error {
	c.connected = false
	return nil
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.connected
}

// TestConnection tests the connection.
func (c *Client) TestConnection(ctx context.Context) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("test")
	}
	_, err := c.fs.Stat("/")
	return remoteerr.Classify("test", "/", err)
}

// ReadFile opens a file for streaming. The returned size is the file length.
func (c *Client) ReadFile(ctx context.Context, p string) (io.ReadCloser, int64, error) {
	if !c.IsConnected() {
		return nil, -1, remoteerr.NotConnected("download")
	}
	p = client.CleanPath(p)
	info, err := c.fs.Stat(p)
	if err != nil {
		return nil, -1, remoteerr.Classify("download", p, err)
	}
	if info.IsDir() {
		return nil, -1, remoteerr.Wrap(remoteerr.KindUnsupportedOperation, "download", p,
			errors.New("is a directory"))
	}
	file, err := c.fs.Open(p)
	if err != nil {
		return nil, -1, remoteerr.Classify("download", p, fmt.Errorf("failed to open local file: %w", err))
	}
	return file, info.Size(), nil
}

// WriteFile writes data to a temporary sibling and renames it over path once
// the whole stream has been stored.
func (c *Client) WriteFile(ctx context.Context, p string, data io.Reader, size int64) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("upload")
	}
	p = client.CleanPath(p)
	return remoteerr.Classify("upload", p, c.writeAtomic(ctx, p, data))
}

func (c *Client) writeAtomic(ctx context.Context, p string, data io.Reader) error {
	dir := path.Dir(p)
	if err := c.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(c.fs, dir, "."+path.Base(p)+".*.part")
	if err != nil {
		return fmt.Errorf("failed to create temporary file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = c.fs.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write local file %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close local file %s: %w", p, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.fs.Rename(tmpName, p); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", p, err)
	}
	committed = true
	return nil
}

// GetFileInfo gets information about a file or folder.
func (c *Client) GetFileInfo(ctx context.Context, p string) (*client.FileEntry, error) {
	if !c.IsConnected() {
		return nil, remoteerr.NotConnected("stat")
	}
	p = client.CleanPath(p)
	stat, err := c.fs.Stat(p)
	if err != nil {
		return nil, remoteerr.Classify("stat", p, err)
	}
	dir, name := client.SplitPath(p)
	entry := client.NewEntry(dir, name, stat.IsDir(), stat.Size())
	entry.ModTime = stat.ModTime()
	return entry, nil
}

// List lists the visible entries of a directory.
func (c *Client) List(ctx context.Context, p string) ([]*client.FileEntry, error) {
	if !c.IsConnected() {
		return nil, remoteerr.NotConnected("list")
	}
	p = client.CleanPath(p)
	infos, err := afero.ReadDir(c.fs, p)
	if err != nil {
		return nil, remoteerr.Classify("list", p, err)
	}

	files := make([]*client.FileEntry, 0, len(infos))
	for _, info := range infos {
		entry := client.NewEntry(p, info.Name(), info.IsDir(), info.Size())
		entry.ModTime = info.ModTime()
		files = append(files, entry)
	}
	return client.Normalize(files), nil
}

// FileExists checks if a file or folder exists.
func (c *Client) FileExists(ctx context.Context, p string) (bool, error) {
	if !c.IsConnected() {
		return false, remoteerr.NotConnected("stat")
	}
	p = client.CleanPath(p)
	ok, err := afero.Exists(c.fs, p)
	if err != nil {
		return false, remoteerr.Classify("stat", p, err)
	}
	return ok, nil
}

// CreateDirectory creates a directory and its parents. An existing directory is
// not an error; an existing file at the path is a conflict.
func (c *Client) CreateDirectory(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("mkdir")
	}
	p = client.CleanPath(p)
	if info, err := c.fs.Stat(p); err == nil && !info.IsDir() {
		return remoteerr.New(remoteerr.KindConflict, "mkdir", p)
	}
	if err := c.fs.MkdirAll(p, 0755); err != nil {
		return remoteerr.Classify("mkdir", p, err)
	}
	return nil
}

// DeleteDirectory deletes a directory recursively.
func (c *Client) DeleteDirectory(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("delete")
	}
	p = client.CleanPath(p)
	if p == "/" {
		return remoteerr.Wrap(remoteerr.KindPermissionDenied, "delete", p, errors.New("refusing to delete the base directory"))
	}
	if _, err := c.fs.Stat(p); err != nil {
		return remoteerr.Classify("delete", p, err)
	}
	if err := c.fs.RemoveAll(p); err != nil {
		return remoteerr.Classify("delete", p, err)
	}
	return nil
}

// DeleteFile deletes a file.
func (c *Client) DeleteFile(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("delete")
	}
	p = client.CleanPath(p)
	return remoteerr.Classify("delete", p, c.fs.Remove(p))
}

// Rename moves oldPath to newPath. An occupied target is a conflict.
func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("rename")
	}
	oldPath, newPath = client.CleanPath(oldPath), client.CleanPath(newPath)
	if _, err := c.fs.Stat(oldPath); err != nil {
		return remoteerr.Classify("rename", oldPath, err)
	}
	if ok, _ := afero.Exists(c.fs, newPath); ok {
		return remoteerr.New(remoteerr.KindConflict, "rename", newPath)
	}
	if err := c.fs.MkdirAll(path.Dir(newPath), 0755); err != nil {
		return remoteerr.Classify("rename", newPath, err)
	}
	return remoteerr.Classify("rename", oldPath, c.fs.Rename(oldPath, newPath))
}

// CopyFile copies a file, or a directory tree, within the filesystem.
func (c *Client) CopyFile(ctx context.Context, srcPath, dstPath string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("copy")
	}
	srcPath, dstPath = client.CleanPath(srcPath), client.CleanPath(dstPath)
	if dstPath == srcPath || strings.HasPrefix(dstPath, strings.TrimSuffix(srcPath, "/")+"/") {
		return remoteerr.Wrap(remoteerr.KindConflict, "copy", dstPath,
			fmt.Errorf("cannot copy %s onto itself or into itself", srcPath))
	}
	info, err := c.fs.Stat(srcPath)
	if err != nil {
		return remoteerr.Classify("copy", srcPath, err)
	}
	if !info.IsDir() {
		return remoteerr.Classify("copy", srcPath, c.copyOne(ctx, srcPath, dstPath))
	}

	err = afero.Walk(c.fs, srcPath, func(p string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := p[len(srcPath):]
		target := client.JoinPath(dstPath, rel)
		if fi.IsDir() {
			return c.fs.MkdirAll(target, 0755)
		}
		return c.copyOne(ctx, p, target)
	})
	return remoteerr.Classify("copy", srcPath, err)
}

func (c *Client) copyOne(ctx context.Context, srcPath, dstPath string) error {
	src, err := c.fs.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source file %s: %w", srcPath, err)
	}
	defer src.Close()
	return c.writeAtomic(ctx, dstPath, src)
}

// Kind returns the backend kind.
func (c *Client) Kind() client.Kind {
	return client.KindLocal
}

// GetConfig returns the local configuration.
func (c *Client) GetConfig() interface{} {
	return c.config
}
