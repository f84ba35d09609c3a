package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/ssh"

	"digital.vasic.nexuscloud/pkg/client"
	"digital.vasic.nexuscloud/pkg/remoteerr"
)

var _ client.Client = (*Client)(nil)

// newPipeClient returns a connected client talking to an in-memory SFTP server.
// There is no SSH transport, so server-side copies are unavailable.
func newPipeClient(t *testing.T, config *Config) *Client {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	server := sftp.NewRequestServer(serverConn, sftp.InMemHandler())
	go server.Serve()

	sc, err := sftp.NewClientPipe(clientConn, clientConn)
	require.NoError(t, err)
	t.Cleanup(func() {
		sc.Close()
		server.Close()
	})

	c := NewSFTPClient(config)
	c.sftp = sc
	c.connected = true
	return c
}

func writeString(t *testing.T, c *Client, p, content string) {
	t.Helper()
	require.NoError(t, c.WriteFile(context.Background(), p, strings.NewReader(content), int64(len(content))))
}

func readString(t *testing.T, c *Client, p string) string {
	t.Helper()
	rc, _, err := c.ReadFile(context.Background(), p)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestNewSFTPClient(t *testing.T) {
	config := &Config{Host: "sftp.example.com", Port: 2222, Username: "deploy"}
	c := NewSFTPClient(config)
	assert.Equal(t, config, c.GetConfig())
	assert.Equal(t, client.KindSFTP, c.Kind())
	assert.False(t, c.IsConnected())
}

func TestSFTPClient_ClientConfig(t *testing.T) {
	c := NewSFTPClient(&Config{Username: "u", Password: "p"})
	cfg, err := c.clientConfig(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "u", cfg.User)
	assert.Len(t, cfg.Auth, 1)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
}

func TestSFTPClient_ClientConfig_NoAuth(t *testing.T) {
	c := NewSFTPClient(&Config{Username: "u"})
	_, err := c.clientConfig(time.Second)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no authentication method")
}

func TestSFTPClient_ClientConfig_BadKey(t *testing.T) {
	c := NewSFTPClient(&Config{Username: "u", PrivateKey: "not a key"})
	_, err := c.clientConfig(time.Second)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse private key")
}

func TestSFTPClient_Connect_BadKeyIsAuthFailure(t *testing.T) {
	c := NewSFTPClient(&Config{Host: "127.0.0.1", Username: "u", PrivateKey: "garbage"})
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, remoteerr.ErrAuthenticationFailed)
}

func TestSFTPClient_Connect_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	c := NewSFTPClient(&Config{Host: "127.0.0.1", Port: port, Username: "u", Password: "p", Timeout: time.Second})
	err = c.Connect(context.Background())
	assert.Equal(t, remoteerr.KindHostUnreachable, remoteerr.KindOf(err))
}

func TestSFTPClient_Connect_HandshakeTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		// Accept and stay silent so the SSH handshake never completes.
		conn, err := ln.Accept()
		if err == nil {
			time.Sleep(2 * time.Second)
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	c := NewSFTPClient(&Config{Host: "127.0.0.1", Port: port, Username: "u", Password: "p", Timeout: 200 * time.Millisecond})
	err = c.Connect(context.Background())
	assert.Equal(t, remoteerr.KindTimeout, remoteerr.KindOf(err))
}

func TestSFTPClient_NotConnected(t *testing.T) {
	c := NewSFTPClient(&Config{})
	ctx := context.Background()
	_, err := c.List(ctx, "/")
	assert.ErrorIs(t, err, remoteerr.ErrNotConnected)
	_, _, err = c.ReadFile(ctx, "/a")
	assert.ErrorIs(t, err, remoteerr.ErrNotConnected)
	assert.ErrorIs(t, c.WriteFile(ctx, "/a", strings.NewReader(""), 0), remoteerr.ErrNotConnected)
	assert.ErrorIs(t, c.CopyFile(ctx, "/a", "/b"), remoteerr.ErrNotConnected)
	assert.ErrorIs(t, c.TestConnection(ctx), remoteerr.ErrNotConnected)
}

func TestSFTPClient_WriteReadList(t *testing.T) {
	c := newPipeClient(t, &Config{})
	ctx := context.Background()

	writeString(t, c, "/docs/b.txt", "bravo")
	writeString(t, c, "/docs/A.txt", "alpha")
	writeString(t, c, "/docs/.hidden", "x")
	require.NoError(t, c.CreateDirectory(ctx, "/docs/zeta"))

	entries, err := c.List(ctx, "/docs")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "zeta", entries[0].Name)
	assert.True(t, entries[0].IsDir())
	assert.Equal(t, "A.txt", entries[1].Name)
	assert.Equal(t, "b.txt", entries[2].Name)
	assert.Equal(t, int64(5), entries[2].Size)
	assert.Equal(t, "/docs", entries[2].Path)

	assert.Equal(t, "bravo", readString(t, c, "/docs/b.txt"))
	_, size, err := c.ReadFile(ctx, "/docs/A.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
}

func TestSFTPClient_BasePath(t *testing.T) {
	c := newPipeClient(t, &Config{Path: "/home/deploy"})
	writeString(t, c, "/notes.txt", "hi")

	info, err := c.sftp.Stat("/home/deploy/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Size())
	assert.Equal(t, "/home/deploy/etc", c.resolvePath("../../etc"))
}

func TestSFTPClient_ReadFile_NotFound(t *testing.T) {
	c := newPipeClient(t, &Config{})
	_, _, err := c.ReadFile(context.Background(), "/missing.txt")
	assert.ErrorIs(t, err, remoteerr.ErrNotFound)
}

func TestSFTPClient_GetFileInfo(t *testing.T) {
	c := newPipeClient(t, &Config{})
	writeString(t, c, "/a/report.pdf", "12345678")

	info, err := c.GetFileInfo(context.Background(), "/a/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", info.Name)
	assert.Equal(t, "/a", info.Path)
	assert.Equal(t, int64(8), info.Size)
	assert.Equal(t, "application/pdf", info.MimeType)

	ok, err := c.FileExists(context.Background(), "/a/report.pdf")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.FileExists(context.Background(), "/a/none.pdf")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSFTPClient_CreateDirectory_Conflict(t *testing.T) {
	c := newPipeClient(t, &Config{})
	require.NoError(t, c.CreateDirectory(context.Background(), "/photos"))
	err := c.CreateDirectory(context.Background(), "/photos")
	assert.ErrorIs(t, err, remoteerr.ErrConflict)
}

func TestSFTPClient_Rename(t *testing.T) {
	c := newPipeClient(t, &Config{})
	ctx := context.Background()
	writeString(t, c, "/a.txt", "a")
	writeString(t, c, "/b.txt", "b")

	assert.ErrorIs(t, c.Rename(ctx, "/a.txt", "/b.txt"), remoteerr.ErrConflict)
	require.NoError(t, c.Rename(ctx, "/a.txt", "/c.txt"))
	assert.Equal(t, "a", readString(t, c, "/c.txt"))
	ok, _ := c.FileExists(ctx, "/a.txt")
	assert.False(t, ok)
}

func TestSFTPClient_DeleteDirectory(t *testing.T) {
	c := newPipeClient(t, &Config{})
	ctx := context.Background()
	writeString(t, c, "/tree/x/1.txt", "1")
	writeString(t, c, "/tree/2.txt", "2")

	require.NoError(t, c.DeleteDirectory(ctx, "/tree"))
	ok, err := c.FileExists(ctx, "/tree")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, c.DeleteDirectory(ctx, "/tree"), remoteerr.ErrNotFound)
}

func TestSFTPClient_DeleteFile(t *testing.T) {
	c := newPipeClient(t, &Config{})
	writeString(t, c, "/a.txt", "a")
	require.NoError(t, c.DeleteFile(context.Background(), "/a.txt"))
	assert.ErrorIs(t, c.DeleteFile(context.Background(), "/a.txt"), remoteerr.ErrNotFound)
}

func TestSFTPClient_CopyFile_WithoutExecIsUnsupported(t *testing.T) {
	c := newPipeClient(t, &Config{})
	ctx := context.Background()
	writeString(t, c, "/src/one.txt", "one")

	err := c.CopyFile(ctx, "/src/one.txt", "/copy.txt")
	assert.ErrorIs(t, err, remoteerr.ErrUnsupportedOperation)
	ok, err := c.FileExists(ctx, "/copy.txt")
	require.NoError(t, err)
	assert.False(t, ok, "no client-side copy is attempted")

	assert.ErrorIs(t, c.CopyFile(ctx, "/nope", "/x"), remoteerr.ErrNotFound)
}

type failingReader struct{ n int }

func (r *failingReader) Read(p []byte) (int, error) {
	if r.n > 0 {
		r.n--
		return copy(p, "data"), nil
	}
	return 0, errors.New("connection reset by peer")
}

func TestSFTPClient_WriteFile_FailureRemovesPartial(t *testing.T) {
	c := newPipeClient(t, &Config{})
	err := c.WriteFile(context.Background(), "/partial.bin", &failingReader{n: 2}, 100)
	require.Error(t, err)

	ok, err := c.FileExists(context.Background(), "/partial.bin")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'/a b/c'`, shellQuote("/a b/c"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want remoteerr.Kind
	}{
		{"not exist", fmt.Errorf("stat: %w", os.ErrNotExist), remoteerr.KindNotFound},
		{"permission", os.ErrPermission, remoteerr.KindPermissionDenied},
		{"auth", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"), remoteerr.KindAuthenticationFailed},
		{"lost", sftp.ErrSSHFxConnectionLost, remoteerr.KindHostUnreachable},
		{"other", errors.New("weird"), remoteerr.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, remoteerr.KindOf(mapError("op", "/p", tt.err)))
		})
	}
}

func TestSFTPClient_Connect_UnpinnedHostKeyIsLogged(t *testing.T) {
	srv := newSSHServer(t, false)
	core, logs := observer.New(zap.WarnLevel)

	c := NewSFTPClient(&Config{Host: "127.0.0.1", Port: srv.port(), Username: "u", Password: testPassword, Path: t.TempDir()})
	c.SetLogger(zap.New(core))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect(context.Background())

	assert.NoError(t, c.TestConnection(context.Background()))
	warnings := logs.FilterMessageSnippet("unverified SSH host key")
	require.Equal(t, 1, warnings.Len())
	assert.Equal(t, ssh.FingerprintSHA256(srv.hostKey), warnings.All()[0].ContextMap()["fingerprint"])
}

func TestSFTPClient_Connect_PinnedHostKey(t *testing.T) {
	srv := newSSHServer(t, false)
	core, logs := observer.New(zap.WarnLevel)

	c := NewSFTPClient(&Config{Host: "127.0.0.1", Port: srv.port(), Username: "u", Password: testPassword,
		HostKey: srv.authorizedHostKey(), Path: t.TempDir()})
	c.SetLogger(zap.New(core))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect(context.Background())
	assert.Zero(t, logs.Len())

	other := newSSHServer(t, false)
	c2 := NewSFTPClient(&Config{Host: "127.0.0.1", Port: other.port(), Username: "u", Password: testPassword,
		HostKey: srv.authorizedHostKey()})
	assert.Error(t, c2.Connect(context.Background()))
}

func TestSFTPClient_Connect_WrongPassword(t *testing.T) {
	srv := newSSHServer(t, false)
	c := NewSFTPClient(&Config{Host: "127.0.0.1", Port: srv.port(), Username: "u", Password: "wrong"})
	err := c.Connect(context.Background())
	assert.Equal(t, remoteerr.KindAuthenticationFailed, remoteerr.KindOf(err))
}

func TestSFTPClient_Connect_SubsystemStallIsTimeout(t *testing.T) {
	srv := newSSHServer(t, true)
	c := NewSFTPClient(&Config{Host: "127.0.0.1", Port: srv.port(), Username: "u", Password: testPassword,
		Timeout: 500 * time.Millisecond})

	start := time.Now()
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, remoteerr.KindTimeout, remoteerr.KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, c.IsConnected())
}

func TestSFTPClient_CopyFile_ExecRefusedIsUnsupported(t *testing.T) {
	srv := newSSHServer(t, false)
	root := t.TempDir()
	c := NewSFTPClient(&Config{Host: "127.0.0.1", Port: srv.port(), Username: "u", Password: testPassword, Path: root})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect(context.Background())

	writeString(t, c, "/a.txt", "alpha")
	err := c.CopyFile(context.Background(), "/a.txt", "/b.txt")
	assert.ErrorIs(t, err, remoteerr.ErrUnsupportedOperation)
	assert.NoFileExists(t, filepath.Join(root, "b.txt"))
	assert.FileExists(t, filepath.Join(root, "a.txt"))
}
