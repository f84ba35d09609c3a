// Package sftp implements the storage adapter for SFTP servers.
package sftp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"digital.vasic.nexuscloud/pkg/client"
	"digital.vasic.nexuscloud/pkg/remoteerr"
)

// DefaultTimeout bounds the TCP dial and the SSH handshake.
const DefaultTimeout = 15 * time.Second

// Config contains SFTP connection configuration.
type Config struct {
	Host       string        `json:"host" validate:"required"`
	Port       int           `json:"port" validate:"min=0,max=65535"`
	Username   string        `json:"username" validate:"required"`
	Password   string        `json:"password"`
	PrivateKey string        `json:"private_key"`
	HostKey    string        `json:"host_key"`
	Path       string        `json:"path"`
	Timeout    time.Duration `json:"timeout"`
}

// Client implements client.Client for SFTP.
type Client struct {
	config    *Config
	logger    *zap.Logger
	sshConn   *ssh.Client
	sftp      *sftp.Client
	connected bool
}

// NewSFTPClient creates a new SFTP client. It logs through the global zap
// logger; see SetLogger.
func NewSFTPClient(config *Config) *Client {
	return &Client{config: config, logger: zap.L().Named("sftp")}
}

// SetLogger replaces the client logger.
func (c *Client) SetLogger(logger *zap.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Connect dials the server, authenticates and opens the SFTP subsystem.
func (c *Client) Connect(ctx context.Context) error {
	port := c.config.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(c.config.Host, strconv.Itoa(port))
	timeout := c.config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	sshConfig, err := c.clientConfig(timeout)
	if err != nil {
		return remoteerr.Wrap(remoteerr.KindAuthenticationFailed, "connect", addr, err)
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return mapError("connect", addr, fmt.Errorf("failed to connect to SSH: %w", err))
	}
	deadline := time.Now().Add(timeout)
	_ = conn.SetDeadline(deadline)
	sshClientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		return mapError("connect", addr, fmt.Errorf("failed to connect to SSH: %w", err))
	}
	sshConn := ssh.NewClient(sshClientConn, chans, reqs)

	// The deadline stays armed until the SFTP subsystem is up.
	sftpClient, err := sftp.NewClient(sshConn)
	if err != nil {
		sshConn.Close()
		if !time.Now().Before(deadline) {
			err = fmt.Errorf("%w: %v", os.ErrDeadlineExceeded, err)
		}
		return mapError("connect", addr, fmt.Errorf("failed to create SFTP client: %w", err))
	}
	_ = conn.SetDeadline(time.Time{})

	c.sshConn = sshConn
	c.sftp = sftpClient
	c.connected = true
	return nil
}

func (c *Client) clientConfig(timeout time.Duration) (*ssh.ClientConfig, error) {
	sshConfig := &ssh.ClientConfig{
		User:            c.config.Username,
		HostKeyCallback: unverifiedHostKey(c.logger),
		Timeout:         timeout,
	}
	if c.config.HostKey != "" {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(c.config.HostKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		sshConfig.HostKeyCallback = ssh.FixedHostKey(key)
	}

	if c.config.PrivateKey != "" {
		var (
			signer ssh.Signer
			err    error
		)
		if c.config.Password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(c.config.PrivateKey), []byte(c.config.Password))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(c.config.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		sshConfig.Auth = append(sshConfig.Auth, ssh.PublicKeys(signer))
	}
	if c.config.Password != "" {
		sshConfig.Auth = append(sshConfig.Auth, ssh.Password(c.config.Password))
	}
	if len(sshConfig.Auth) == 0 {
		return nil, errors.New("no authentication method provided")
	}
	return sshConfig, nil
}

// unverifiedHostKey accepts any host key and logs its fingerprint. It is used
// when the connection has no pinned host_key.
func unverifiedHostKey(logger *zap.Logger) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		logger.Warn("accepting unverified SSH host key; set host_key to pin it",
			zap.String("host", hostname),
			zap.String("key_type", key.Type()),
			zap.String("fingerprint", ssh.FingerprintSHA256(key)))
		return nil
	}
}

// Disconnect closes the SFTP subsystem and the SSH connection.
func (c *Client) Disconnect(ctx context.Context) error {
	var errs []error
	if c.sftp != nil {
		if err := c.sftp.Close(); err != nil {
			errs = append(errs, err)
		}
		c.sftp = nil
	}
	if c.sshConn != nil {
		if err := c.sshConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		c.sshConn = nil
	}
	c.connected = false
	return errors.Join(errs...)
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.connected && c.sftp != nil
}

// TestConnection tests the SFTP connection.
func (c *Client) TestConnection(ctx context.Context) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("test")
	}
	_, err := c.sftp.Getwd()
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

// ReadFile opens a remote file for streaming.
func (c *Client) ReadFile(ctx context.Context, p string) (io.ReadCloser, int64, error) {
	if !c.IsConnected() {
		return nil, -1, remoteerr.NotConnected("download")
	}
	fullPath := c.resolvePath(p)
	info, err := c.sftp.Stat(fullPath)
	if err != nil {
		return nil, -1, mapError("download", p, err)
	}
	if info.IsDir() {
		return nil, -1, remoteerr.Wrap(remoteerr.KindUnsupportedOperation, "download", p, errors.New("is a directory"))
	}
	file, err := c.sftp.Open(fullPath)
	if err != nil {
		return nil, -1, mapError("download", p, fmt.Errorf("failed to open SFTP file %s: %w", fullPath, err))
	}
	return file, info.Size(), nil
}

// WriteFile streams data into a remote file, creating missing parents. A failed
// upload removes the partial target.
func (c *Client) WriteFile(ctx context.Context, p string, data io.Reader, size int64) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("upload")
	}
	fullPath := c.resolvePath(p)
	if err := c.sftp.MkdirAll(path.Dir(fullPath)); err != nil {
		return mapError("upload", p, fmt.Errorf("failed to create SFTP directory %s: %w", path.Dir(fullPath), err))
	}

	if err := c.store(fullPath, data); err != nil {
		_ = c.sftp.Remove(fullPath)
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return mapError("upload", p, err)
	}
	return nil
}

func (c *Client) store(fullPath string, data io.Reader) error {
	file, err := c.sftp.Create(fullPath)
	if err != nil {
		return fmt.Errorf("failed to create SFTP file %s: %w", fullPath, err)
	}
	if _, err := file.ReadFrom(data); err != nil {
		file.Close()
		return fmt.Errorf("failed to write SFTP file %s: %w", fullPath, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close SFTP file %s: %w", fullPath, err)
	}
	return nil
}

// GetFileInfo gets information about a file or folder.
func (c *Client) GetFileInfo(ctx context.Context, p string) (*client.FileEntry, error) {
	if !c.IsConnected() {
		return nil, remoteerr.NotConnected("stat")
	}
	p = client.CleanPath(p)
	info, err := c.sftp.Stat(c.resolvePath(p))
	if err != nil {
		return nil, mapError("stat", p, err)
	}
	dir, name := client.SplitPath(p)
	entry := client.NewEntry(dir, name, info.IsDir(), info.Size())
	entry.ModTime = info.ModTime()
	return entry, nil
}

// List lists the visible entries of a directory.
func (c *Client) List(ctx context.Context, p string) ([]*client.FileEntry, error) {
	if !c.IsConnected() {
		return nil, remoteerr.NotConnected("list")
	}
	p = client.CleanPath(p)
	infos, err := c.sftp.ReadDirContext(ctx, c.resolvePath(p))
	if err != nil {
		return nil, mapError("list", p, err)
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
	_, err := c.sftp.Stat(c.resolvePath(p))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, mapError("stat", p, err)
}

// CreateDirectory creates a directory and its parents. An existing entry is a conflict.
func (c *Client) CreateDirectory(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("mkdir")
	}
	fullPath := c.resolvePath(p)
	if _, err := c.sftp.Stat(fullPath); err == nil {
		return remoteerr.New(remoteerr.KindConflict, "mkdir", client.CleanPath(p))
	}
	if err := c.sftp.MkdirAll(fullPath); err != nil {
		return mapError("mkdir", p, fmt.Errorf("failed to create SFTP directory %s: %w", fullPath, err))
	}
	return nil
}

// DeleteDirectory deletes a directory recursively.
func (c *Client) DeleteDirectory(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("delete")
	}
	fullPath := c.resolvePath(p)
	if err := c.sftp.RemoveAll(fullPath); err != nil {
		return mapError("delete", p, err)
	}
	return nil
}

// DeleteFile deletes a file.
func (c *Client) DeleteFile(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("delete")
	}
	return mapError("delete", p, c.sftp.Remove(c.resolvePath(p)))
}

// Rename moves oldPath to newPath. An occupied target is a conflict.
func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("rename")
	}
	from, to := c.resolvePath(oldPath), c.resolvePath(newPath)
	if _, err := c.sftp.Stat(to); err == nil {
		return remoteerr.New(remoteerr.KindConflict, "rename", client.CleanPath(newPath))
	}
	if err := c.sftp.Rename(from, to); err != nil {
		return mapError("rename", oldPath, fmt.Errorf("failed to rename SFTP path %s to %s: %w", from, to, err))
	}
	return nil
}

// CopyFile copies a file or directory on the server with "cp -rp". Servers that
// refuse command execution have no server-side copy: UnsupportedOperation.
func (c *Client) CopyFile(ctx context.Context, srcPath, dstPath string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("copy")
	}
	src, dst := c.resolvePath(srcPath), c.resolvePath(dstPath)
	if _, err := c.sftp.Stat(src); err != nil {
		return mapError("copy", srcPath, err)
	}

	err := c.remoteCopy(src, dst)
	if errors.Is(err, errExecUnavailable) {
		return remoteerr.Unsupported("copy", string(client.KindSFTP))
	}
	return mapError("copy", srcPath, err)
}

var errExecUnavailable = errors.New("command execution unavailable")

func (c *Client) remoteCopy(src, dst string) error {
	if c.sshConn == nil {
		return errExecUnavailable
	}
	session, err := c.sshConn.NewSession()
	if err != nil {
		return errExecUnavailable
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stderr = &stderr
	cmd := fmt.Sprintf("cp -rp -- %s %s", shellQuote(src), shellQuote(dst))
	if err := session.Run(cmd); err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitStatus() == 127 {
			return errExecUnavailable
		}
		msg := strings.TrimSpace(stderr.String())
		switch {
		case strings.Contains(msg, "No such file"):
			return fmt.Errorf("%s: %w", msg, os.ErrNotExist)
		case strings.Contains(msg, "Permission denied"):
			return fmt.Errorf("%s: %w", msg, os.ErrPermission)
		}
		return fmt.Errorf("cp failed: %s: %w", msg, err)
	}
	return nil
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Kind returns the backend kind.
func (c *Client) Kind() client.Kind {
	return client.KindSFTP
}

// GetConfig returns the SFTP configuration.
func (c *Client) GetConfig() interface{} {
	return c.config
}

// SFTP status codes not exported by github.com/pkg/sftp.
const (
	fxNoSuchFile       = 2
	fxPermissionDenied = 3
	fxNoConnection     = 6
	fxConnectionLost   = 7
	fxOpUnsupported    = 8
	fxNoSuchPath       = 10
	fxFileExists       = 11
	fxWriteProtect     = 12
)

// mapError translates SSH and SFTP failures into the error taxonomy.
func mapError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var statusErr *sftp.StatusError
	if errors.As(err, &statusErr) {
		kind := remoteerr.KindUnknown
		switch statusErr.Code {
		case fxNoSuchFile, fxNoSuchPath:
			kind = remoteerr.KindNotFound
		case fxPermissionDenied, fxWriteProtect:
			kind = remoteerr.KindPermissionDenied
		case fxNoConnection, fxConnectionLost:
			kind = remoteerr.KindHostUnreachable
		case fxOpUnsupported:
			kind = remoteerr.KindUnsupportedOperation
		case fxFileExists:
			kind = remoteerr.KindConflict
		}
		return remoteerr.Wrap(kind, op, p, err)
	}
	if errors.Is(err, sftp.ErrSSHFxConnectionLost) {
		return remoteerr.Wrap(remoteerr.KindHostUnreachable, op, p, err)
	}
	if remoteerr.ContainsAny(err, "unable to authenticate", "no supported methods remain") {
		return remoteerr.Wrap(remoteerr.KindAuthenticationFailed, op, p, err)
	}
	return remoteerr.Classify(op, p, err)
}
