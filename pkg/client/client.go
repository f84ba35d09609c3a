// Package client defines the unified storage adapter interface and the data
// types shared by every backend (Local, SFTP, FTP, S3, SMB, NFS, WebDAV, cloud drives).
package client

import (
	"context"
	"io"
	"time"
)

// Kind identifies a storage backend type.
type Kind string

// Supported backend kinds.
const (
	KindLocal    Kind = "local"
	KindSFTP     Kind = "sftp"
	KindFTP      Kind = "ftp"
	KindS3       Kind = "s3"
	KindSMB      Kind = "smb"
	KindNFS      Kind = "nfs"
	KindWebDAV   Kind = "webdav"
	KindGDrive   Kind = "gdrive"
	KindDropbox  Kind = "dropbox"
	KindOneDrive Kind = "onedrive"
)

// IsCloudDrive reports whether the kind is an OAuth drive proxied through rclone.
func (k Kind) IsCloudDrive() bool {
	return k == KindGDrive || k == KindDropbox || k == KindOneDrive
}

// Operation names one operation of the uniform adapter operation set.
type Operation string

// Uniform operation set.
const (
	OpList     Operation = "list"
	OpDownload Operation = "download"
	OpUpload   Operation = "upload"
	OpMkdir    Operation = "mkdir"
	OpDelete   Operation = "delete"
	OpRename   Operation = "rename"
	OpCopy     Operation = "copy"
	OpCopyDir  Operation = "copy-directory"
	OpTest     Operation = "test"
)

// Connection describes one reachable storage endpoint. Fields that do not apply
// to Kind are ignored by the adapters.
type Connection struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Kind        Kind   `json:"kind" yaml:"kind"`
	Host        string `json:"host,omitempty" yaml:"host,omitempty"`
	Port        int    `json:"port,omitempty" yaml:"port,omitempty"`
	Share       string `json:"share,omitempty" yaml:"share,omitempty"`
	Bucket      string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	MountPoint  string `json:"mount_point,omitempty" yaml:"mount_point,omitempty"`
	Export      string `json:"export,omitempty" yaml:"export,omitempty"`
	Region      string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint    string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Secure      bool   `json:"secure,omitempty" yaml:"secure,omitempty"`
	Domain      string `json:"domain,omitempty" yaml:"domain,omitempty"`
	AccountName string `json:"account_name,omitempty" yaml:"account_name,omitempty"`
	DefaultPath string `json:"default_path,omitempty" yaml:"default_path,omitempty"`
}

// Credentials are the transport secrets for one connection and one user.
// For S3, Username is the access key and Password the secret key.
type Credentials struct {
	Username   string `json:"username,omitempty" yaml:"username,omitempty"`
	Password   string `json:"password,omitempty" yaml:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty" yaml:"private_key,omitempty"`
	Port       int    `json:"port,omitempty" yaml:"port,omitempty"`
	Secure     *bool  `json:"secure,omitempty" yaml:"secure,omitempty"`
}

// IsZero reports whether no field is set.
func (c Credentials) IsZero() bool {
	return c.Username == "" && c.Password == "" && c.PrivateKey == "" && c.Port == 0 && c.Secure == nil
}

// EffectivePort returns the credential port override, the connection port, or fallback.
func EffectivePort(conn Connection, creds Credentials, fallback int) int {
	if creds.Port > 0 {
		return creds.Port
	}
	if conn.Port > 0 {
		return conn.Port
	}
	return fallback
}

// EffectiveSecure returns the credential TLS override or the connection flag.
func EffectiveSecure(conn Connection, creds Credentials) bool {
	if creds.Secure != nil {
		return *creds.Secure
	}
	return conn.Secure
}

// EntryType distinguishes files from folders.
type EntryType string

// Entry types.
const (
	TypeFile   EntryType = "file"
	TypeFolder EntryType = "folder"
)

// FileEntry is one item listed by an adapter.
type FileEntry struct {
	Name     string    `json:"name"`
	Type     EntryType `json:"type"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"modified_at"`
	Path     string    `json:"path"`
	MimeType string    `json:"mime_type,omitempty"`
	Key      string    `json:"key,omitempty"`
}

// IsDir returns true for folders.
func (e *FileEntry) IsDir() bool {
	return e.Type == TypeFolder
}

// FullPath joins the parent path and the name.
func (e *FileEntry) FullPath() string {
	return JoinPath(e.Path, e.Name)
}

// Client is the uniform operation set every backend adapter implements.
// A Client is bound to one Connection and one set of Credentials; callers open a
// session with Connect, perform one logical operation and close it with Disconnect.
type Client interface {
	// Session management
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	TestConnection(ctx context.Context) error

	// File operations
	ReadFile(ctx context.Context, path string) (io.ReadCloser, int64, error)
	WriteFile(ctx context.Context, path string, data io.Reader, size int64) error
	GetFileInfo(ctx context.Context, path string) (*FileEntry, error)
	FileExists(ctx context.Context, path string) (bool, error)
	DeleteFile(ctx context.Context, path string) error
	CopyFile(ctx context.Context, srcPath, dstPath string) error
	Rename(ctx context.Context, oldPath, newPath string) error

	// Directory operations
	List(ctx context.Context, path string) ([]*FileEntry, error)
	CreateDirectory(ctx context.Context, path string) error
	DeleteDirectory(ctx context.Context, path string) error

	// Metadata
	Kind() Kind
	GetConfig() interface{}
}

// Constructor builds an unconnected Client for a connection and its credentials.
type Constructor func(conn Connection, creds Credentials) (Client, error)

// Factory creates clients based on the connection kind.
type Factory interface {
	CreateClient(conn Connection, creds Credentials) (Client, error)
	SupportedKinds() []Kind
}
