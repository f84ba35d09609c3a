// Package smb implements the storage adapter for SMB2/3 shares.
package smb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hirochachacha/go-smb2"

	"digital.vasic.nexuscloud/pkg/client"
	"digital.vasic.nexuscloud/pkg/remoteerr"
)

// DefaultTimeout bounds the TCP dial and session setup.
const DefaultTimeout = 15 * time.Second

// Config contains SMB connection configuration.
type Config struct {
	Host     string        `json:"host" validate:"required"`
	Port     int           `json:"port" validate:"min=0,max=65535"`
	Share    string        `json:"share" validate:"required"`
	Username string        `json:"username"`
	Password string        `json:"password"`
	Domain   string        `json:"domain"`
	Timeout  time.Duration `json:"timeout"`
}

// Client implements client.Client for SMB.
type Client struct {
	conn    net.Conn
	session *smb2.Session
	share   *smb2.Share
	config  *Config
}

// NewSMBClient creates a new SMB client.
func NewSMBClient(config *Config) *Client {
	return &Client{
		config: config,
	}
}

// Connect dials the server, authenticates with NTLM and mounts the share.
func (c *Client) Connect(ctx context.Context) error {
	port := c.config.Port
	if port == 0 {
		port = 445
	}
	addr := net.JoinHostPort(c.config.Host, strconv.Itoa(port))
	timeout := c.config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return mapError("connect", addr, fmt.Errorf("failed to connect to SMB server: %w", err))
	}

	setupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     c.config.Username,
			Password: c.config.Password,
			Domain:   c.config.Domain,
		},
	}
	session, err := d.DialContext(setupCtx, conn)
	if err != nil {
		conn.Close()
		return mapError("connect", addr, fmt.Errorf("failed to create SMB session: %w", err))
	}

	share, err := session.Mount(fmt.Sprintf(`\\%s\%s`, c.config.Host, strings.Trim(c.config.Share, `\/`)))
	if err != nil {
		session.Logoff()
		conn.Close()
		return mapError("connect", c.config.Share, fmt.Errorf("failed to mount SMB share: %w", err))
	}

	c.conn = conn
	c.session = session
	c.share = share
	return nil
}

// Disconnect unmounts the share, logs off and closes the connection.
func (c *Client) Disconnect(ctx context.Context) error {
	var errs []error

	if c.share != nil {
		if err := c.share.Umount(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unmount share: %w", err))
		}
		c.share = nil
	}

	if c.session != nil {
		if err := c.session.Logoff(); err != nil {
			errs = append(errs, fmt.Errorf("failed to logoff session: %w", err))
		}
		c.session = nil
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
		c.conn = nil
	}

	return errors.Join(errs...)
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.share != nil && c.session != nil && c.conn != nil
}

// TestConnection tests the SMB connection.
func (c *Client) TestConnection(ctx context.Context) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("test")
	}
	_, err := c.share.WithContext(ctx).Stat(".")
	return mapError("test", "/", err)
}

// sharePath converts a virtual path to the share-relative form go-smb2 expects:
// no leading separator, backslashes, "." for the root.
func sharePath(p string) string {
	rel := client.RelativePath(p)
	if rel == "" {
		return "."
	}
	return strings.ReplaceAll(rel, "/", `\`)
}

// ReadFile opens a file on the share for streaming.
func (c *Client) ReadFile(ctx context.Context, p string) (io.ReadCloser, int64, error) {
	if !c.IsConnected() {
		return nil, -1, remoteerr.NotConnected("download")
	}
	share := c.share.WithContext(ctx)
	info, err := share.Stat(sharePath(p))
	if err != nil {
		return nil, -1, mapError("download", p, err)
	}
	if info.IsDir() {
		return nil, -1, remoteerr.Wrap(remoteerr.KindUnsupportedOperation, "download", p, errors.New("is a directory"))
	}
	file, err := share.Open(sharePath(p))
	if err != nil {
		return nil, -1, mapError("download", p, fmt.Errorf("failed to open SMB file %s: %w", p, err))
	}
	return file, info.Size(), nil
}

// WriteFile streams data into a file on the share, creating missing parents.
// A failed upload removes the partial target.
func (c *Client) WriteFile(ctx context.Context, p string, data io.Reader, size int64) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("upload")
	}
	share := c.share.WithContext(ctx)
	dir, _ := client.SplitPath(p)
	if dir != "/" {
		if err := share.MkdirAll(sharePath(dir), 0755); err != nil {
			return mapError("upload", p, fmt.Errorf("failed to create SMB directory %s: %w", dir, err))
		}
	}
	if err := c.store(share, sharePath(p), data); err != nil {
		_ = c.share.Remove(sharePath(p))
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return mapError("upload", p, err)
	}
	return nil
}

func (c *Client) store(share *smb2.Share, name string, data io.Reader) error {
	file, err := share.Create(name)
	if err != nil {
		return fmt.Errorf("failed to create SMB file %s: %w", name, err)
	}
	if _, err := io.Copy(file, data); err != nil {
		file.Close()
		return fmt.Errorf("failed to write SMB file %s: %w", name, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close SMB file %s: %w", name, err)
	}
	return nil
}

// GetFileInfo gets information about a file or folder.
func (c *Client) GetFileInfo(ctx context.Context, p string) (*client.FileEntry, error) {
	if !c.IsConnected() {
		return nil, remoteerr.NotConnected("stat")
	}
	p = client.CleanPath(p)
	stat, err := c.share.WithContext(ctx).Stat(sharePath(p))
	if err != nil {
		return nil, mapError("stat", p, err)
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
	entries, err := c.share.WithContext(ctx).ReadDir(sharePath(p))
	if err != nil {
		return nil, mapError("list", p, fmt.Errorf("failed to list SMB directory %s: %w", p, err))
	}
	return convertInfos(p, entries), nil
}

func convertInfos(dir string, infos []os.FileInfo) []*client.FileEntry {
	files := make([]*client.FileEntry, 0, len(infos))
	for _, info := range infos {
		entry := client.NewEntry(dir, info.Name(), info.IsDir(), info.Size())
		entry.ModTime = info.ModTime()
		files = append(files, entry)
	}
	return client.Normalize(files)
}

// FileExists checks if a file or folder exists.
func (c *Client) FileExists(ctx context.Context, p string) (bool, error) {
	if !c.IsConnected() {
		return false, remoteerr.NotConnected("stat")
	}
	_, err := c.share.WithContext(ctx).Stat(sharePath(p))
	if err == nil {
		return true, nil
	}
	mapped := mapError("stat", p, err)
	if errors.Is(mapped, remoteerr.ErrNotFound) {
		return false, nil
	}
	return false, mapped
}

// CreateDirectory creates a directory. An existing entry is a conflict.
func (c *Client) CreateDirectory(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("mkdir")
	}
	share := c.share.WithContext(ctx)
	if _, err := share.Stat(sharePath(p)); err == nil {
		return remoteerr.New(remoteerr.KindConflict, "mkdir", client.CleanPath(p))
	}
	if err := share.MkdirAll(sharePath(p), 0755); err != nil {
		return mapError("mkdir", p, fmt.Errorf("failed to create SMB directory %s: %w", p, err))
	}
	return nil
}

// DeleteDirectory deletes a directory recursively.
func (c *Client) DeleteDirectory(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("delete")
	}
	if client.CleanPath(p) == "/" {
		return remoteerr.Wrap(remoteerr.KindPermissionDenied, "delete", "/", errors.New("refusing to delete the share root"))
	}
	share := c.share.WithContext(ctx)
	if _, err := share.Stat(sharePath(p)); err != nil {
		return mapError("delete", p, err)
	}
	if err := share.RemoveAll(sharePath(p)); err != nil {
		return mapError("delete", p, fmt.Errorf("failed to delete SMB directory %s: %w", p, err))
	}
	return nil
}

// DeleteFile deletes a file.
func (c *Client) DeleteFile(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("delete")
	}
	if err := c.share.WithContext(ctx).Remove(sharePath(p)); err != nil {
		return mapError("delete", p, fmt.Errorf("failed to delete SMB file %s: %w", p, err))
	}
	return nil
}

// Rename moves a file or folder within the share.
func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("rename")
	}
	share := c.share.WithContext(ctx)
	if _, err := share.Stat(sharePath(newPath)); err == nil {
		return remoteerr.New(remoteerr.KindConflict, "rename", client.CleanPath(newPath))
	}
	if err := share.Rename(sharePath(oldPath), sharePath(newPath)); err != nil {
		return mapError("rename", oldPath, fmt.Errorf("failed to rename SMB path %s to %s: %w", oldPath, newPath, err))
	}
	return nil
}

// CopyFile is not available: the server-side copy of SMB2 (FSCTL_SRV_COPYCHUNK)
// is not exposed by the protocol library, and copies are never streamed through
// the client.
func (c *Client) CopyFile(ctx context.Context, srcPath, dstPath string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("copy")
	}
	return remoteerr.Unsupported("copy", string(client.KindSMB))
}

// Kind returns the backend kind.
func (c *Client) Kind() client.Kind {
	return client.KindSMB
}

// GetConfig returns the SMB configuration.
func (c *Client) GetConfig() interface{} {
	return c.config
}

// mapError translates SMB status failures into the error taxonomy. go-smb2
// reports NT status codes only through their message text.
func mapError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, os.ErrNotExist),
		remoteerr.ContainsAny(err, "object name is not found", "object path component was not", "path not found",
			"share name cannot be found", "no such file", "file does not exist"):
		return remoteerr.Wrap(remoteerr.KindNotFound, op, p, err)
	case remoteerr.ContainsAny(err, "logon is invalid", "logon failure", "account is disabled",
		"password has expired", "account has been locked"):
		return remoteerr.Wrap(remoteerr.KindAuthenticationFailed, op, p, err)
	case errors.Is(err, os.ErrPermission), remoteerr.ContainsAny(err, "access denied", "sharing violation"):
		return remoteerr.Wrap(remoteerr.KindPermissionDenied, op, p, err)
	case errors.Is(err, os.ErrExist), remoteerr.ContainsAny(err, "name already exists", "directory is not empty"):
		return remoteerr.Wrap(remoteerr.KindConflict, op, p, err)
	case remoteerr.ContainsAny(err, "not supported"):
		return remoteerr.Wrap(remoteerr.KindUnsupportedOperation, op, p, err)
	}
	return remoteerr.Classify(op, p, err)
}
