package factory

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"digital.vasic.nexuscloud/pkg/client"
	"digital.vasic.nexuscloud/pkg/clouddrive"
	"digital.vasic.nexuscloud/pkg/ftp"
	"digital.vasic.nexuscloud/pkg/local"
	"digital.vasic.nexuscloud/pkg/nfs"
	"digital.vasic.nexuscloud/pkg/s3"
	"digital.vasic.nexuscloud/pkg/sftp"
	"digital.vasic.nexuscloud/pkg/smb"
	"digital.vasic.nexuscloud/pkg/webdav"
)

// Default ports per protocol.
const (
	DefaultSFTPPort = 22
	DefaultFTPPort  = 21
	DefaultSMBPort  = 445
)

// AllOperations is the full uniform operation set.
var AllOperations = []client.Operation{
	client.OpList, client.OpDownload, client.OpUpload, client.OpMkdir,
	client.OpDelete, client.OpRename, client.OpCopy, client.OpCopyDir, client.OpTest,
}

// noCopyOperations is the operation set of backends without a server-side
// copy: plain FTP has no copy command and the SMB library exposes none.
var noCopyOperations = []client.Operation{
	client.OpList, client.OpDownload, client.OpUpload, client.OpMkdir,
	client.OpDelete, client.OpRename, client.OpTest,
}

// NewDefaultRegistry creates a registry with every built-in backend kind.
func NewDefaultRegistry(opts Options) *Registry {
	r := NewRegistry(opts)
	entries := []Entry{
		{Kind: client.KindLocal, Capabilities: AllOperations, Credentials: CredentialsNone, Translate: translateLocal, Build: buildLocal},
		{Kind: client.KindNFS, Capabilities: AllOperations, Credentials: CredentialsNone, Translate: translateNFS, Build: buildNFS},
		{Kind: client.KindSFTP, Capabilities: AllOperations, Credentials: CredentialsRequired, Translate: translateSFTP, Build: buildSFTP},
		{Kind: client.KindFTP, Capabilities: noCopyOperations, Credentials: CredentialsOptional, Translate: translateFTP, Build: buildFTP},
		{Kind: client.KindS3, Capabilities: AllOperations, Credentials: CredentialsOptional, Translate: translateS3, Build: buildS3},
		{Kind: client.KindSMB, Capabilities: noCopyOperations, Credentials: CredentialsRequired, Translate: translateSMB, Build: buildSMB},
		{Kind: client.KindWebDAV, Capabilities: AllOperations, Credentials: CredentialsOptional, Translate: translateWebDAV, Build: buildWebDAV},
	}
	for _, kind := range []client.Kind{client.KindGDrive, client.KindDropbox, client.KindOneDrive} {
		entries = append(entries, Entry{
			Kind: kind, Capabilities: AllOperations, Credentials: CredentialsNone,
			Translate: translateCloudDrive, Build: buildCloudDrive,
		})
	}
	for _, e := range entries {
		_ = r.Register(e)
	}
	return r
}

func configError(want string, got interface{}) error {
	return fmt.Errorf("expected %s configuration, got %T", want, got)
}

func translateLocal(conn client.Connection, _ client.Credentials, _ Options) (interface{}, error) {
	base := conn.MountPoint
	if base == "" {
		base = "/"
	}
	return &local.Config{BasePath: base}, nil
}

func buildLocal(config interface{}, opts Options) (client.Client, error) {
	cfg, ok := config.(*local.Config)
	if !ok {
		return nil, configError("local", config)
	}
	if opts.LocalFs != nil {
		return local.NewLocalClientWithFs(cfg, opts.LocalFs), nil
	}
	return local.NewLocalClient(cfg), nil
}

func translateNFS(conn client.Connection, _ client.Credentials, _ Options) (interface{}, error) {
	return &nfs.Config{
		Host:       conn.Host,
		Export:     conn.Export,
		MountPoint: conn.MountPoint,
	}, nil
}

func buildNFS(config interface{}, _ Options) (client.Client, error) {
	cfg, ok := config.(*nfs.Config)
	if !ok {
		return nil, configError("nfs", config)
	}
	return nfs.NewNFSClient(*cfg)
}

func translateSFTP(conn client.Connection, creds client.Credentials, opts Options) (interface{}, error) {
	return &sftp.Config{
		Host:       conn.Host,
		Port:       client.EffectivePort(conn, creds, DefaultSFTPPort),
		Username:   creds.Username,
		Password:   creds.Password,
		PrivateKey: creds.PrivateKey,
		Timeout:    opts.ConnectTimeout,
	}, nil
}

func buildSFTP(config interface{}, _ Options) (client.Client, error) {
	cfg, ok := config.(*sftp.Config)
	if !ok {
		return nil, configError("sftp", config)
	}
	return sftp.NewSFTPClient(cfg), nil
}

func translateFTP(conn client.Connection, creds client.Credentials, opts Options) (interface{}, error) {
	return &ftp.Config{
		Host:     conn.Host,
		Port:     client.EffectivePort(conn, creds, DefaultFTPPort),
		Username: creds.Username,
		Password: creds.Password,
		Secure:   client.EffectiveSecure(conn, creds),
		Timeout:  opts.ConnectTimeout,
	}, nil
}

func buildFTP(config interface{}, _ Options) (client.Client, error) {
	cfg, ok := config.(*ftp.Config)
	if !ok {
		return nil, configError("ftp", config)
	}
	return ftp.NewFTPClient(cfg), nil
}

// translateS3 maps the descriptor onto the S3 configuration. A descriptor
// without an endpoint but with a host addresses an S3-compatible server at
// host[:port]; the bucket/key split of virtual paths happens in the adapter.
func translateS3(conn client.Connection, creds client.Credentials, opts Options) (interface{}, error) {
	endpoint := conn.Endpoint
	if endpoint == "" && conn.Host != "" {
		endpoint = conn.Host
		if port := client.EffectivePort(conn, creds, 0); port > 0 {
			endpoint = net.JoinHostPort(conn.Host, strconv.Itoa(port))
		}
	}
	return &s3.Config{
		Bucket:    strings.Trim(conn.Bucket, "/"),
		Region:    conn.Region,
		Endpoint:  endpoint,
		AccessKey: creds.Username,
		SecretKey: creds.Password,
		Secure:    client.EffectiveSecure(conn, creds),
		Timeout:   opts.ConnectTimeout,
	}, nil
}

func buildS3(config interface{}, _ Options) (client.Client, error) {
	cfg, ok := config.(*s3.Config)
	if !ok {
		return nil, configError("s3", config)
	}
	return s3.NewS3Client(cfg), nil
}

// SplitShare separates a compound SMB address such as "nas/media" or
// `\\nas\media` into host and share. An explicit share wins.
func SplitShare(host, share string) (string, string) {
	h := strings.Trim(strings.ReplaceAll(host, `\`, "/"), "/")
	if i := strings.Index(h, "/"); i >= 0 {
		if share == "" {
			share = h[i+1:]
		}
		h = h[:i]
	}
	return h, strings.Trim(share, `/\`)
}

func translateSMB(conn client.Connection, creds client.Credentials, opts Options) (interface{}, error) {
	host, share := SplitShare(conn.Host, conn.Share)
	domain := conn.Domain
	if domain == "" {
		domain = "WORKGROUP"
	}
	return &smb.Config{
		Host:     host,
		Port:     client.EffectivePort(conn, creds, DefaultSMBPort),
		Share:    share,
		Username: creds.Username,
		Password: creds.Password,
		Domain:   domain,
		Timeout:  opts.ConnectTimeout,
	}, nil
}

func buildSMB(config interface{}, _ Options) (client.Client, error) {
	cfg, ok := config.(*smb.Config)
	if !ok {
		return nil, configError("smb", config)
	}
	return smb.NewSMBClient(cfg), nil
}

func translateWebDAV(conn client.Connection, creds client.Credentials, opts Options) (interface{}, error) {
	url := conn.Endpoint
	if url == "" && conn.Host != "" {
		scheme := "http"
		if client.EffectiveSecure(conn, creds) {
			scheme = "https"
		}
		host := conn.Host
		if port := client.EffectivePort(conn, creds, 0); port > 0 {
			host = net.JoinHostPort(conn.Host, strconv.Itoa(port))
		}
		url = scheme + "://" + host
	}
	return &webdav.Config{
		URL:      url,
		Username: creds.Username,
		Password: creds.Password,
		Timeout:  opts.ConnectTimeout,
	}, nil
}

func buildWebDAV(config interface{}, _ Options) (client.Client, error) {
	cfg, ok := config.(*webdav.Config)
	if !ok {
		return nil, configError("webdav", config)
	}
	return webdav.NewWebDAVClient(cfg), nil
}

func translateCloudDrive(conn client.Connection, _ client.Credentials, opts Options) (interface{}, error) {
	return &clouddrive.Config{
		Kind:        conn.Kind,
		AccountName: conn.AccountName,
		Binary:      opts.RcloneBinary,
		ConfigFile:  opts.RcloneConfig,
		Timeout:     opts.ConnectTimeout,
	}, nil
}

func buildCloudDrive(config interface{}, _ Options) (client.Client, error) {
	cfg, ok := config.(*clouddrive.Config)
	if !ok {
		return nil, configError("cloud drive", config)
	}
	return clouddrive.NewCloudDriveClient(cfg), nil
}
