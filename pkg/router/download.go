package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"digital.vasic.nexuscloud/pkg/archive"
	"digital.vasic.nexuscloud/pkg/client"
	"digital.vasic.nexuscloud/pkg/progress"
	"digital.vasic.nexuscloud/pkg/remoteerr"
)

// Download is an open download stream. Close must be called to release the
// adapter session or the staged archive.
type Download struct {
	io.ReadCloser
	// Name is the suggested file name, with a .zip suffix for folders.
	Name string
	// Size is the stream length, -1 when unknown.
	Size     int64
	MimeType string
	// Archive is set when a folder was zipped.
	Archive bool
}

// closer runs release once after closing the stream.
type closer struct {
	io.Reader
	close   func() error
	release func()
	once    sync.Once
	err     error
}

func (c *closer) Close() error {
	c.once.Do(func() {
		c.err = c.close()
		c.release()
	})
	return c.err
}

// Download opens the file at p for streaming. A folder is copied recursively
// into the staging area and returned as a zip archive.
func (r *Router) Download(ctx context.Context, userID, connectionID, p string, creds *client.Credentials) (*Download, error) {
	conn, err := r.Connection(ctx, userID, connectionID)
	if err != nil {
		return nil, err
	}
	if !r.registry.Supports(conn.Kind, client.OpDownload) {
		return nil, remoteerr.Unsupported(string(client.OpDownload), string(conn.Kind))
	}

	start := time.Now()
	dl, err := r.download(ctx, userID, conn, p, creds)
	if r.onOperation != nil {
		r.onOperation(conn.Kind, client.OpDownload, time.Since(start), err)
	}
	if err != nil {
		return nil, remoteerr.WithContext(string(client.OpDownload), p, err)
	}
	return dl, nil
}

func (r *Router) download(ctx context.Context, userID string, conn client.Connection, p string, creds *client.Credentials) (*Download, error) {
	c, err := r.Open(ctx, userID, conn, creds)
	if err != nil {
		return nil, err
	}

	info, err := c.GetFileInfo(ctx, p)
	if err != nil {
		r.disconnect(conn, c)
		return nil, err
	}
	if info.IsDir() {
		defer r.disconnect(conn, c)
		return r.downloadFolder(ctx, conn, c, client.CleanPath(p), info)
	}

	rc, size, err := c.ReadFile(ctx, p)
	if err != nil {
		r.disconnect(conn, c)
		return nil, err
	}
	if size < 0 && info.Size > 0 {
		size = info.Size
	}
	return &Download{
		ReadCloser: &closer{
			Reader:  rc,
			close:   rc.Close,
			release: func() { r.disconnect(conn, c) },
		},
		Name:     info.Name,
		Size:     size,
		MimeType: info.MimeType,
	}, nil
}

// downloadFolder stages the tree under p and zips it into a staging file.
func (r *Router) downloadFolder(ctx context.Context, conn client.Connection, c client.Client, p string, info *client.FileEntry) (*Download, error) {
	if !r.registry.Supports(conn.Kind, client.OpList) {
		return nil, remoteerr.Unsupported(string(client.OpList), string(conn.Kind))
	}
	name := info.Name
	if name == "" || name == "/" {
		name = conn.Name
	}
	if name == "" {
		name = "download"
	}

	dir, err := r.staging.AcquireDir(name)
	if err != nil {
		return nil, err
	}
	defer dir.Release()

	if err := stageTree(ctx, c, p, dir.Path()); err != nil {
		return nil, err
	}

	zipFile, err := r.staging.Acquire(name + ".zip")
	if err != nil {
		return nil, err
	}
	if err := archive.ZipDir(ctx, dir.Path(), name, zipFile); err != nil {
		_ = zipFile.Release()
		return nil, remoteerr.Classify("archive", p, err)
	}
	size, err := zipFile.Seek(0, io.SeekCurrent)
	if err == nil {
		_, err = zipFile.Seek(0, io.SeekStart)
	}
	if err != nil {
		_ = zipFile.Release()
		return nil, fmt.Errorf("failed to rewind archive: %w", err)
	}

	return &Download{
		ReadCloser: &closer{
			Reader:  zipFile,
			close:   zipFile.Release,
			release: func() {},
		},
		Name:     name + ".zip",
		Size:     size,
		MimeType: archive.MediaType,
		Archive:  true,
	}, nil
}

// stageTree copies the remote directory remoteDir into localDir.
func stageTree(ctx context.Context, c client.Client, remoteDir, localDir string) error {
	entries, err := c.List(ctx, remoteDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return remoteerr.Classify("download", remoteDir, err)
		}
		target := filepath.Join(localDir, filepath.FromSlash(path.Base(e.Name)))
		if e.IsDir() {
			if err := os.Mkdir(target, 0700); err != nil && !errors.Is(err, os.ErrExist) {
				return fmt.Errorf("failed to create staging directory: %w", err)
			}
			if err := stageTree(ctx, c, e.FullPath(), target); err != nil {
				return err
			}
			continue
		}
		if err := stageFile(ctx, c, e.FullPath(), target); err != nil {
			return err
		}
	}
	return nil
}

func stageFile(ctx context.Context, c client.Client, remotePath, target string) error {
	rc, size, err := c.ReadFile(ctx, remotePath)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}
	if _, err := progress.Copy(ctx, f, rc, size, nil); err != nil {
		f.Close()
		return remoteerr.Classify("download", remotePath, err)
	}
	return f.Close()
}

// Upload streams r to p. fn receives byte progress and may be nil.
func (r *Router) Upload(ctx context.Context, userID, connectionID, p string, data io.Reader, size int64,
	creds *client.Credentials, fn progress.Func) error {
	return r.withSession(ctx, userID, connectionID, client.OpUpload, p, creds, func(s *session) error {
		return s.client.WriteFile(ctx, p, progress.NewReader(ctx, data, size, fn), size)
	})
}
