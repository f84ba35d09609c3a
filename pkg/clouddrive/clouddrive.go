// Package clouddrive implements the storage adapter for OAuth cloud drives
// (Google Drive, Dropbox, OneDrive). Every operation is delegated to the rclone
// command line tool against a remote registered out of band under the
// connection's account name.
package clouddrive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path"
	"strings"
	"sync"
	"time"

	"digital.vasic.nexuscloud/pkg/client"
	"digital.vasic.nexuscloud/pkg/remoteerr"
)

// DefaultBinary is the rclone executable looked up on PATH.
const DefaultBinary = "rclone"

// DefaultTimeout bounds the connection probe.
const DefaultTimeout = 15 * time.Second

// rclone exit codes.
const (
	exitDirNotFound  = 3
	exitFileNotFound = 4
)

// Config contains cloud drive configuration.
type Config struct {
	Kind        client.Kind   `json:"kind" validate:"required,oneof=gdrive dropbox onedrive"`
	AccountName string        `json:"account_name" validate:"required"`
	Path        string        `json:"path"`
	Binary      string        `json:"binary"`
	ConfigFile  string        `json:"config_file"`
	Timeout     time.Duration `json:"timeout"`
}

// Client implements client.Client by running rclone subcommands.
type Client struct {
	config    *Config
	binary    string
	connected bool
}

// NewCloudDriveClient creates a new cloud drive client.
func NewCloudDriveClient(config *Config) *Client {
	binary := config.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	return &Client{config: config, binary: binary}
}

// remote returns the rclone address of a virtual path.
func (c *Client) remote(p string) string {
	full := path.Join(client.CleanPath(c.config.Path), client.CleanPath(p))
	return c.config.AccountName + ":" + strings.TrimPrefix(full, "/")
}

func (c *Client) command(ctx context.Context, args ...string) *exec.Cmd {
	all := args
	if c.config.ConfigFile != "" {
		all = append(all, "--config", c.config.ConfigFile)
	}
	return exec.CommandContext(ctx, c.binary, all...)
}

// run executes one rclone subcommand and returns its standard output.
func (c *Client) run(ctx context.Context, op, p string, stdin io.Reader, args ...string) ([]byte, error) {
	cmd := c.command(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, mapError(ctx, op, p, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// Connect checks that rclone is installed and that the remote answers.
func (c *Client) Connect(ctx context.Context) error {
	if _, err := exec.LookPath(c.binary); err != nil {
		return remoteerr.Wrap(remoteerr.KindUnknown, "connect", c.config.AccountName,
			fmt.Errorf("rclone binary %q not found: %w", c.binary, err))
	}
	timeout := c.config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.probe(probeCtx); err != nil {
		return remoteerr.WithContext("connect", c.config.AccountName, err)
	}
	c.connected = true
	return nil
}

func (c *Client) probe(ctx context.Context) error {
	_, err := c.run(ctx, "connect", "/", nil, "lsjson", "--dirs-only", "--max-depth", "1", c.remote("/"))
	return err
}

// Disconnect closes the session. rclone keeps no connection between calls.
func (c *Client) Disconnect(ctx context.Context) error {
	c.connected = false
	return nil
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.connected
}

// TestConnection runs the connection probe again.
func (c *Client) TestConnection(ctx context.Context) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("test")
	}
	return c.probe(ctx)
}

// lsjsonItem is one object of `rclone lsjson` output.
type lsjsonItem struct {
	Path     string    `json:"Path"`
	Name     string    `json:"Name"`
	Size     int64     `json:"Size"`
	MimeType string    `json:"MimeType"`
	ModTime  time.Time `json:"ModTime"`
	IsDir    bool      `json:"IsDir"`
	ID       string    `json:"ID"`
}

func toEntry(dir string, item lsjsonItem) *client.FileEntry {
	size := item.Size
	if size < 0 {
		size = 0
	}
	entry := client.NewEntry(dir, item.Name, item.IsDir, size)
	entry.ModTime = item.ModTime
	if !item.IsDir && item.MimeType != "" {
		entry.MimeType = item.MimeType
	}
	entry.Key = item.ID
	return entry
}

// List lists the visible members of a folder.
func (c *Client) List(ctx context.Context, p string) ([]*client.FileEntry, error) {
	if !c.IsConnected() {
		return nil, remoteerr.NotConnected("list")
	}
	p = client.CleanPath(p)
	out, err := c.run(ctx, "list", p, nil, "lsjson", "--max-depth", "1", c.remote(p))
	if err != nil {
		return nil, err
	}
	var items []lsjsonItem
	if err := json.Unmarshal(out, &items); err != nil {
		return nil, remoteerr.Wrap(remoteerr.KindUnknown, "list", p, fmt.Errorf("failed to parse rclone listing: %w", err))
	}
	entries := make([]*client.FileEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, toEntry(p, item))
	}
	return client.Normalize(entries), nil
}

// GetFileInfo gets information about a file or folder.
func (c *Client) GetFileInfo(ctx context.Context, p string) (*client.FileEntry, error) {
	if !c.IsConnected() {
		return nil, remoteerr.NotConnected("stat")
	}
	p = client.CleanPath(p)
	out, err := c.run(ctx, "stat", p, nil, "lsjson", "--stat", c.remote(p))
	if err != nil {
		return nil, err
	}
	var item lsjsonItem
	if err := json.Unmarshal(out, &item); err != nil {
		return nil, remoteerr.Wrap(remoteerr.KindUnknown, "stat", p, fmt.Errorf("failed to parse rclone stat: %w", err))
	}
	dir, name := client.SplitPath(p)
	item.Name = name
	return toEntry(dir, item), nil
}

// FileExists checks if a file or folder exists.
func (c *Client) FileExists(ctx context.Context, p string) (bool, error) {
	_, err := c.GetFileInfo(ctx, p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, remoteerr.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// ReadFile streams a file through `rclone cat`.
func (c *Client) ReadFile(ctx context.Context, p string) (io.ReadCloser, int64, error) {
	info, err := c.GetFileInfo(ctx, p)
	if err != nil {
		if errors.Is(err, remoteerr.ErrNotConnected) {
			return nil, -1, remoteerr.NotConnected("download")
		}
		return nil, -1, remoteerr.WithContext("download", p, err)
	}
	if info.IsDir() {
		return nil, -1, remoteerr.Wrap(remoteerr.KindUnsupportedOperation, "download", p, errors.New("is a directory"))
	}

	cmd := c.command(ctx, "cat", c.remote(p))
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, -1, fmt.Errorf("failed to open rclone output: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, -1, mapError(ctx, "download", p, err, "")
	}
	return &catReader{ctx: ctx, p: p, cmd: cmd, stdout: stdout, stderr: stderr}, info.Size, nil
}

// catReader reads the output of a running `rclone cat`. The exit status is
// checked when the stream ends so a failed download never looks like a short file.
type catReader struct {
	ctx    context.Context
	p      string
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *bytes.Buffer

	once sync.Once
	eof  bool
	err  error
}

func (r *catReader) wait() error {
	r.once.Do(func() {
		if err := r.cmd.Wait(); err != nil {
			r.err = mapError(r.ctx, "download", r.p, err, r.stderr.String())
		}
	})
	return r.err
}

func (r *catReader) Read(b []byte) (int, error) {
	n, err := r.stdout.Read(b)
	if err == io.EOF {
		r.eof = true
		if werr := r.wait(); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (r *catReader) Close() error {
	if !r.eof && r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
	_ = r.wait()
	return nil
}

// WriteFile uploads a stream with `rclone rcat`. A failed upload removes the
// partial target.
func (c *Client) WriteFile(ctx context.Context, p string, data io.Reader, size int64) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("upload")
	}
	p = client.CleanPath(p)
	if _, err := c.run(ctx, "upload", p, data, "rcat", c.remote(p)); err != nil {
		c.removeQuietly(p)
		return err
	}
	return nil
}

func (c *Client) removeQuietly(p string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, _ = c.run(ctx, "delete", p, nil, "deletefile", c.remote(p))
}

// CreateDirectory creates a folder and its parents.
func (c *Client) CreateDirectory(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("mkdir")
	}
	p = client.CleanPath(p)
	_, err := c.run(ctx, "mkdir", p, nil, "mkdir", c.remote(p))
	return err
}

// DeleteDirectory removes a folder and everything below it.
func (c *Client) DeleteDirectory(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("delete")
	}
	p = client.CleanPath(p)
	if p == "/" {
		return remoteerr.Wrap(remoteerr.KindPermissionDenied, "delete", p, errors.New("refusing to purge the drive root"))
	}
	_, err := c.run(ctx, "delete", p, nil, "purge", c.remote(p))
	return err
}

// DeleteFile deletes a file.
func (c *Client) DeleteFile(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("delete")
	}
	p = client.CleanPath(p)
	_, err := c.run(ctx, "delete", p, nil, "deletefile", c.remote(p))
	return err
}

// Rename moves a file or folder with `rclone moveto`. rclone overwrites
// silently, so an occupied target is checked first.
func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("rename")
	}
	if err := c.ensureFree(ctx, "rename", newPath); err != nil {
		return err
	}
	_, err := c.run(ctx, "rename", oldPath, nil, "moveto", c.remote(oldPath), c.remote(newPath))
	return err
}

// CopyFile copies a file or folder server side with `rclone copyto`.
func (c *Client) CopyFile(ctx context.Context, srcPath, dstPath string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("copy")
	}
	if err := c.ensureFree(ctx, "copy", dstPath); err != nil {
		return err
	}
	_, err := c.run(ctx, "copy", srcPath, nil, "copyto", c.remote(srcPath), c.remote(dstPath))
	return err
}

func (c *Client) ensureFree(ctx context.Context, op, p string) error {
	exists, err := c.FileExists(ctx, p)
	if err != nil {
		return remoteerr.WithContext(op, p, err)
	}
	if exists {
		return remoteerr.Wrap(remoteerr.KindConflict, op, p, fmt.Errorf("target %s already exists", p))
	}
	return nil
}

// Kind returns the drive kind this client was configured for.
func (c *Client) Kind() client.Kind {
	if c.config.Kind == "" {
		return client.KindGDrive
	}
	return c.config.Kind
}

// GetConfig returns the cloud drive configuration.
func (c *Client) GetConfig() interface{} {
	return c.config
}

// mapError classifies a failed rclone run by exit code and stderr text.
func mapError(ctx context.Context, op, p string, err error, stderr string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return remoteerr.Classify(op, p, ctxErr)
	}
	msg := strings.TrimSpace(stderr)
	detail := err
	if msg != "" {
		detail = fmt.Errorf("%w: %s", err, lastLine(msg))
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case exitDirNotFound, exitFileNotFound:
			return remoteerr.Wrap(remoteerr.KindNotFound, op, p, detail)
		}
	}

	switch {
	case remoteerr.ContainsAny(detail, "section in config file"):
		// The remote was never registered for this account.
		return remoteerr.Wrap(remoteerr.KindAuthenticationFailed, op, p, detail)
	case remoteerr.ContainsAny(detail, "not found", "doesn't exist", "does not exist"):
		return remoteerr.Wrap(remoteerr.KindNotFound, op, p, detail)
	case remoteerr.ContainsAny(detail, "invalid_grant", "token expired", "unauthorized", "401", "unauthenticated"):
		return remoteerr.Wrap(remoteerr.KindAuthenticationFailed, op, p, detail)
	case remoteerr.ContainsAny(detail, "permission denied", "forbidden", "403", "insufficient"):
		return remoteerr.Wrap(remoteerr.KindPermissionDenied, op, p, detail)
	case remoteerr.ContainsAny(detail, "already exists"):
		return remoteerr.Wrap(remoteerr.KindConflict, op, p, detail)
	case remoteerr.ContainsAny(detail, "not supported", "doesn't support"):
		return remoteerr.Wrap(remoteerr.KindUnsupportedOperation, op, p, detail)
	case remoteerr.ContainsAny(detail, "no such host", "connection refused", "network is unreachable"):
		return remoteerr.Wrap(remoteerr.KindHostUnreachable, op, p, detail)
	case remoteerr.ContainsAny(detail, "timeout", "deadline exceeded"):
		return remoteerr.Wrap(remoteerr.KindTimeout, op, p, detail)
	}
	return remoteerr.Classify(op, p, detail)
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
