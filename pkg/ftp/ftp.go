// Package ftp implements the storage adapter for FTP and explicit FTPS.
package ftp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	goftp "github.com/jlaffaye/ftp"

	"digital.vasic.nexuscloud/pkg/client"
	"digital.vasic.nexuscloud/pkg/remoteerr"
)

// DefaultTimeout bounds the control connection handshake.
const DefaultTimeout = 15 * time.Second

// Config contains FTP connection configuration.
type Config struct {
	Host     string        `json:"host" validate:"required"`
	Port     int           `json:"port" validate:"min=0,max=65535"`
	Username string        `json:"username"`
	Password string        `json:"password"`
	Path     string        `json:"path"`
	Secure   bool          `json:"secure"`
	Timeout  time.Duration `json:"timeout"`
}

// Client implements client.Client for FTP.
type Client struct {
	config    *Config
	client    *goftp.ServerConn
	conns     *sessionConns
	connected bool
}

// NewFTPClient creates a new FTP client.
func NewFTPClient(config *Config) *Client {
	return &Client{
		config:    config,
		connected: false,
	}
}

// Connect establishes the control connection and logs in.
func (c *Client) Connect(ctx context.Context) error {
	port := c.config.Port
	if port == 0 {
		port = 21
	}
	addr := net.JoinHostPort(c.config.Host, strconv.Itoa(port))
	timeout := c.config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var tlsConfig *tls.Config
	if c.config.Secure {
		tlsConfig = &tls.Config{ServerName: c.config.Host}
	}
	conns := newSessionConns(timeout, tlsConfig)
	stopCtx := context.AfterFunc(ctx, conns.abort)
	timer := time.AfterFunc(timeout, conns.abort)
	defer func() {
		stopCtx()
		timer.Stop()
	}()

	opts := []goftp.DialOption{
		goftp.DialWithDialFunc(conns.dial),
	}
	if tlsConfig != nil {
		opts = append(opts, goftp.DialWithExplicitTLS(tlsConfig))
	}

	ftpClient, err := goftp.Dial(addr, opts...)
	if err != nil {
		return mapError("connect", addr, interruption(ctx, conns,
			fmt.Errorf("failed to connect to FTP server: %w", err)))
	}

	user := c.config.Username
	if user == "" {
		user = "anonymous"
	}
	if err := ftpClient.Login(user, c.config.Password); err != nil {
		interrupted := ctx.Err() != nil || conns.isAborted()
		if !interrupted {
			_ = ftpClient.Quit()
		}
		conns.abort()
		if interrupted {
			return mapError("connect", addr, interruption(ctx, conns, err))
		}
		return remoteerr.Wrap(remoteerr.KindAuthenticationFailed, "connect", addr,
			fmt.Errorf("failed to login to FTP server: %w", err))
	}

	c.client = ftpClient
	c.conns = conns
	c.connected = true
	return nil
}

// interruption returns the reason a session was torn down in place of the
// transport error it caused.
func interruption(ctx context.Context, conns *sessionConns, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	if conns.isAborted() {
		return fmt.Errorf("%w: %v", os.ErrDeadlineExceeded, err)
	}
	return err
}

// Disconnect closes the FTP connection.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.client != nil {
		var err error
		if !c.conns.isAborted() {
			err = c.client.Quit()
		}
		c.conns.abort()
		c.client = nil
		c.connected = false
		return err
	}
	c.connected = false
	return nil
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.connected && c.client != nil && (c.conns == nil || !c.conns.isAborted())
}

// TestConnection tests the FTP connection.
func (c *Client) TestConnection(ctx context.Context) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("test")
	}
	_, err := c.client.CurrentDir()
	return mapError("test", "/", err)
}

// resolvePath maps a virtual path below the configured base directory.
func (c *Client) resolvePath(p string) string {
	p = client.CleanPath(p)
	if c.config.Path != "" {
		return path.Join(client.CleanPath(c.config.Path), p)
	}
	return p
}

// ReadFile retrieves a file. The size is -1 when the server does not support SIZE.
func (c *Client) ReadFile(ctx context.Context, p string) (io.ReadCloser, int64, error) {
	if !c.IsConnected() {
		return nil, -1, remoteerr.NotConnected("download")
	}
	fullPath := c.resolvePath(p)

	stop := context.AfterFunc(ctx, c.conns.abort)
	size, err := c.client.FileSize(fullPath)
	if err != nil {
		size = -1
	}
	resp, err := c.client.Retr(fullPath)
	if err != nil {
		stop()
		return nil, -1, mapError("download", p, interruption(ctx, c.conns,
			fmt.Errorf("failed to retrieve FTP file %s: %w", fullPath, err)))
	}
	return &response{Response: resp, stop: stop}, size, nil
}

// response releases the cancellation hook of a retrieval when it is closed.
type response struct {
	*goftp.Response
	stop func() bool
}

func (r *response) Close() error {
	r.stop()
	return r.Response.Close()
}

// WriteFile stores a file, creating missing parents. A failed upload removes the
// partial target.
func (c *Client) WriteFile(ctx context.Context, p string, data io.Reader, size int64) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("upload")
	}
	fullPath := c.resolvePath(p)
	c.ensureDir(path.Dir(fullPath))

	stop := context.AfterFunc(ctx, c.conns.abort)
	defer stop()
	if err := c.client.Stor(fullPath, data); err != nil {
		if !c.conns.isAborted() {
			_ = c.client.Delete(fullPath)
		}
		return mapError("upload", p, interruption(ctx, c.conns,
			fmt.Errorf("failed to store FTP file %s: %w", fullPath, err)))
	}
	return nil
}

// ensureDir creates dir and its parents, ignoring "already exists" replies.
func (c *Client) ensureDir(dir string) {
	if dir == "/" || dir == "." {
		return
	}
	current := ""
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		current += "/" + part
		_ = c.client.MakeDir(current)
	}
}

// GetFileInfo gets information about a file or folder by listing its parent.
func (c *Client) GetFileInfo(ctx context.Context, p string) (*client.FileEntry, error) {
	if !c.IsConnected() {
		return nil, remoteerr.NotConnected("stat")
	}
	p = client.CleanPath(p)
	dir, name := client.SplitPath(p)
	if p == "/" {
		return client.NewEntry("/", "/", true, 0), nil
	}

	entries, err := c.client.List(c.resolvePath(dir))
	if err != nil {
		return nil, mapError("stat", p, fmt.Errorf("failed to get FTP file info %s: %w", p, err))
	}
	for _, e := range entries {
		if e.Name == name {
			return convertEntry(dir, e), nil
		}
	}
	return nil, remoteerr.New(remoteerr.KindNotFound, "stat", p)
}

// List lists the visible entries of a directory.
func (c *Client) List(ctx context.Context, p string) ([]*client.FileEntry, error) {
	if !c.IsConnected() {
		return nil, remoteerr.NotConnected("list")
	}
	p = client.CleanPath(p)
	fullPath := c.resolvePath(p)

	entries, err := c.client.List(fullPath)
	if err != nil {
		return nil, mapError("list", p, fmt.Errorf("failed to list FTP directory %s: %w", fullPath, err))
	}

	files := make([]*client.FileEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Name == "." || entry.Name == ".." {
			continue
		}
		files = append(files, convertEntry(p, entry))
	}
	return client.Normalize(files), nil
}

func convertEntry(dir string, entry *goftp.Entry) *client.FileEntry {
	size := int64(entry.Size)
	if entry.Size > uint64(1<<63-1) {
		size = 1<<63 - 1
	}
	e := client.NewEntry(dir, entry.Name, entry.Type == goftp.EntryTypeFolder, size)
	e.ModTime = entry.Time
	return e
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

// CreateDirectory creates a directory. An existing directory is a conflict.
func (c *Client) CreateDirectory(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("mkdir")
	}
	fullPath := c.resolvePath(p)
	c.ensureDir(path.Dir(fullPath))
	if err := c.client.MakeDir(fullPath); err != nil {
		return mapError("mkdir", p, fmt.Errorf("failed to create FTP directory %s: %w", fullPath, err))
	}
	return nil
}

// DeleteDirectory deletes a directory and its contents.
func (c *Client) DeleteDirectory(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("delete")
	}
	fullPath := c.resolvePath(p)
	if err := c.client.RemoveDirRecur(fullPath); err != nil {
		return mapError("delete", p, fmt.Errorf("failed to delete FTP directory %s: %w", fullPath, err))
	}
	return nil
}

// DeleteFile deletes a file.
func (c *Client) DeleteFile(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("delete")
	}
	fullPath := c.resolvePath(p)
	if err := c.client.Delete(fullPath); err != nil {
		return mapError("delete", p, fmt.Errorf("failed to delete FTP file %s: %w", fullPath, err))
	}
	return nil
}

// Rename renames a file or folder with RNFR/RNTO.
func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("rename")
	}
	from, to := c.resolvePath(oldPath), c.resolvePath(newPath)
	if err := c.client.Rename(from, to); err != nil {
		return mapError("rename", oldPath, fmt.Errorf("failed to rename FTP path %s to %s: %w", from, to, err))
	}
	return nil
}

// CopyFile is not available: FTP has no server-side copy.
func (c *Client) CopyFile(ctx context.Context, srcPath, dstPath string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("copy")
	}
	return remoteerr.Unsupported("copy", string(client.KindFTP))
}

// Kind returns the backend kind.
func (c *Client) Kind() client.Kind {
	return client.KindFTP
}

// GetConfig returns the FTP configuration.
func (c *Client) GetConfig() interface{} {
	return c.config
}

// mapError translates FTP reply codes into the error taxonomy.
func mapError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var tpErr *textproto.Error
	if !errors.As(err, &tpErr) {
		return remoteerr.Classify(op, p, err)
	}

	kind := remoteerr.KindUnknown
	switch tpErr.Code {
	case goftp.StatusFileUnavailable:
		switch {
		case remoteerr.ContainsAny(err, "not exist", "no such", "not found"):
			kind = remoteerr.KindNotFound
		case remoteerr.ContainsAny(err, "exist"):
			kind = remoteerr.KindConflict
		case remoteerr.ContainsAny(err, "permission", "denied"):
			kind = remoteerr.KindPermissionDenied
		default:
			kind = remoteerr.KindNotFound
		}
	case goftp.StatusNotLoggedIn, goftp.StatusInvalidCredentials:
		kind = remoteerr.KindAuthenticationFailed
	case goftp.StatusFileActionIgnored, goftp.StatusBadFileName:
		kind = remoteerr.KindPermissionDenied
	case goftp.StatusNotAvailable, goftp.StatusHostUnavailable:
		kind = remoteerr.KindHostUnreachable
	case goftp.StatusBadCommand, goftp.StatusNotImplemented, goftp.StatusNotImplementedParameter:
		kind = remoteerr.KindUnsupportedOperation
	}
	return remoteerr.Wrap(kind, op, p, err)
}
