// Package webdav implements the storage adapter for WebDAV servers.
package webdav

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"digital.vasic.nexuscloud/pkg/client"
	"digital.vasic.nexuscloud/pkg/remoteerr"
)

// DefaultTimeout bounds dialing and the TLS handshake.
const DefaultTimeout = 15 * time.Second

const propfindBody = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
	<D:prop>
		<D:displayname/>
		<D:getcontentlength/>
		<D:getlastmodified/>
		<D:resourcetype/>
	</D:prop>
</D:propfind>`

// Config contains WebDAV connection configuration.
type Config struct {
	URL      string        `json:"url" validate:"required,url"`
	Username string        `json:"username"`
	Password string        `json:"password"`
	Path     string        `json:"path"`
	Timeout  time.Duration `json:"timeout"`
}

// Client implements client.Client for WebDAV.
type Client struct {
	config    *Config
	client    *http.Client
	baseURL   *url.URL
	connected bool
}

// NewWebDAVClient creates a new WebDAV client.
func NewWebDAVClient(config *Config) *Client {
	baseURL, err := url.Parse(config.URL)
	if err != nil {
		baseURL = &url.URL{}
	}
	if config.Path != "" && config.Path != "/" {
		baseURL.Path = config.Path
	}
	baseURL.Path = strings.TrimSuffix(baseURL.Path, "/")

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: timeout}).DialContext,
		TLSHandshakeTimeout: timeout,
	}

	return &Client{
		config:  config,
		client:  &http.Client{Transport: transport},
		baseURL: baseURL,
	}
}

// Connect probes the base collection with a Depth 0 PROPFIND.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.probe(ctx); err != nil {
		return remoteerr.WithContext("connect", c.config.URL, err)
	}
	c.connected = true
	return nil
}

func (c *Client) probe(ctx context.Context) error {
	resp, err := c.do(ctx, "PROPFIND", "/", strings.NewReader(propfindBody), map[string]string{
		"Depth":        "0",
		"Content-Type": "application/xml",
	})
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return statusError("connect", "/", resp)
	}
	return nil
}

// Disconnect closes the WebDAV session and idle connections.
func (c *Client) Disconnect(ctx context.Context) error {
	c.client.CloseIdleConnections()
	c.connected = false
	return nil
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.connected
}

// TestConnection tests the WebDAV connection.
func (c *Client) TestConnection(ctx context.Context) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("test")
	}
	return c.probe(ctx)
}

// resolveURL resolves a virtual path to a full WebDAV URL.
func (c *Client) resolveURL(p string) string {
	u := *c.baseURL
	u.Path = c.basePath() + client.CleanPath(p)
	return u.String()
}

func (c *Client) basePath() string {
	return strings.TrimSuffix(c.baseURL.Path, "/")
}

func (c *Client) do(ctx context.Context, method, p string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.resolveURL(p), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	if c.config.Username != "" {
		req.SetBasicAuth(c.config.Username, c.config.Password)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, remoteerr.Classify(strings.ToLower(method), p, err)
	}
	return resp, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// statusError maps an unexpected HTTP status to the error taxonomy.
func statusError(op, p string, resp *http.Response) error {
	err := fmt.Errorf("WebDAV server returned status %d for %s", resp.StatusCode, p)
	kind := remoteerr.KindUnknown
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		kind = remoteerr.KindAuthenticationFailed
	case http.StatusForbidden, http.StatusInsufficientStorage, http.StatusLocked:
		kind = remoteerr.KindPermissionDenied
	case http.StatusNotFound, http.StatusGone:
		kind = remoteerr.KindNotFound
	case http.StatusConflict:
		// A missing intermediate collection.
		kind = remoteerr.KindNotFound
	case http.StatusPreconditionFailed:
		kind = remoteerr.KindConflict
	case http.StatusMethodNotAllowed:
		if op == "mkdir" {
			kind = remoteerr.KindConflict
		} else {
			kind = remoteerr.KindUnsupportedOperation
		}
	case http.StatusNotImplemented:
		kind = remoteerr.KindUnsupportedOperation
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		kind = remoteerr.KindHostUnreachable
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		kind = remoteerr.KindTimeout
	}
	return remoteerr.Wrap(kind, op, p, err)
}

func ok(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// ReadFile streams a file with GET.
func (c *Client) ReadFile(ctx context.Context, p string) (io.ReadCloser, int64, error) {
	if !c.IsConnected() {
		return nil, -1, remoteerr.NotConnected("download")
	}
	resp, err := c.do(ctx, http.MethodGet, p, nil, nil)
	if err != nil {
		return nil, -1, err
	}
	if resp.StatusCode != http.StatusOK {
		defer drain(resp)
		return nil, -1, statusError("download", p, resp)
	}
	return resp.Body, resp.ContentLength, nil
}

// WriteFile uploads a file with PUT, creating missing parent collections. A failed
// upload removes the partial target.
func (c *Client) WriteFile(ctx context.Context, p string, data io.Reader, size int64) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("upload")
	}
	dir, _ := client.SplitPath(p)
	if err := c.ensureCollection(ctx, dir); err != nil {
		return remoteerr.WithContext("upload", p, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.resolveURL(p), data)
	if err != nil {
		return fmt.Errorf("failed to create PUT request: %w", err)
	}
	if size >= 0 {
		req.ContentLength = size
	}
	if c.config.Username != "" {
		req.SetBasicAuth(c.config.Username, c.config.Password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.removeQuietly(p)
		return remoteerr.Classify("upload", p, fmt.Errorf("failed to upload WebDAV file %s: %w", p, err))
	}
	defer drain(resp)
	if !ok(resp) {
		return statusError("upload", p, resp)
	}
	return nil
}

func (c *Client) removeQuietly(p string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if resp, err := c.do(ctx, http.MethodDelete, p, nil, nil); err == nil {
		drain(resp)
	}
}

// ensureCollection creates every missing collection on the way to dir.
func (c *Client) ensureCollection(ctx context.Context, dir string) error {
	dir = client.CleanPath(dir)
	if dir == "/" {
		return nil
	}
	current := ""
	for _, part := range strings.Split(strings.TrimPrefix(dir, "/"), "/") {
		current += "/" + part
		resp, err := c.do(ctx, "MKCOL", current, nil, nil)
		if err != nil {
			return err
		}
		drain(resp)
		if !ok(resp) && resp.StatusCode != http.StatusMethodNotAllowed {
			return statusError("mkdir", current, resp)
		}
	}
	return nil
}

type multistatus struct {
	Responses []davResponse `xml:"DAV: response"`
}

type davResponse struct {
	Href      string        `xml:"DAV: href"`
	Propstats []davPropstat `xml:"DAV: propstat"`
}

type davPropstat struct {
	Prop   davProp `xml:"DAV: prop"`
	Status string  `xml:"DAV: status"`
}

type davProp struct {
	DisplayName   string `xml:"DAV: displayname"`
	ContentLength string `xml:"DAV: getcontentlength"`
	LastModified  string `xml:"DAV: getlastmodified"`
	ResourceType  struct {
		Collection *struct{} `xml:"DAV: collection"`
	} `xml:"DAV: resourcetype"`
}

// davEntry is one resource of a multistatus answer.
type davEntry struct {
	path    string
	isDir   bool
	size    int64
	modTime time.Time
}

func (c *Client) propfind(ctx context.Context, op, p, depth string) ([]davEntry, error) {
	resp, err := c.do(ctx, "PROPFIND", p, strings.NewReader(propfindBody), map[string]string{
		"Depth":        depth,
		"Content-Type": "application/xml",
	})
	if err != nil {
		return nil, err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusMultiStatus {
		return nil, statusError(op, p, resp)
	}

	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, remoteerr.Wrap(remoteerr.KindUnknown, op, p, fmt.Errorf("failed to parse WebDAV response: %w", err))
	}
	return c.parseResponses(ms.Responses), nil
}

// parseResponses converts hrefs back to virtual paths and merges the
// successful propstats of each response.
func (c *Client) parseResponses(responses []davResponse) []davEntry {
	base := c.basePath()
	entries := make([]davEntry, 0, len(responses))
	for _, r := range responses {
		href := r.Href
		if u, err := url.Parse(href); err == nil {
			href = u.Path
		}
		isDir := strings.HasSuffix(href, "/")
		rel := strings.TrimPrefix(strings.TrimSuffix(href, "/"), base)
		e := davEntry{path: client.CleanPath(rel), isDir: isDir}

		for _, ps := range r.Propstats {
			if ps.Status != "" && !strings.Contains(ps.Status, " 200") {
				continue
			}
			if ps.Prop.ResourceType.Collection != nil {
				e.isDir = true
			}
			if n, err := strconv.ParseInt(strings.TrimSpace(ps.Prop.ContentLength), 10, 64); err == nil {
				e.size = n
			}
			if t, err := http.ParseTime(strings.TrimSpace(ps.Prop.LastModified)); err == nil {
				e.modTime = t
			}
		}
		entries = append(entries, e)
	}
	return entries
}

func toEntry(e davEntry) *client.FileEntry {
	dir, name := client.SplitPath(e.path)
	entry := client.NewEntry(dir, name, e.isDir, e.size)
	entry.ModTime = e.modTime
	return entry
}

// GetFileInfo gets information about a file or collection.
func (c *Client) GetFileInfo(ctx context.Context, p string) (*client.FileEntry, error) {
	if !c.IsConnected() {
		return nil, remoteerr.NotConnected("stat")
	}
	p = client.CleanPath(p)
	entries, err := c.propfind(ctx, "stat", p, "0")
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, remoteerr.New(remoteerr.KindNotFound, "stat", p)
	}
	e := entries[0]
	e.path = p
	return toEntry(e), nil
}

// List lists the visible members of a collection.
func (c *Client) List(ctx context.Context, p string) ([]*client.FileEntry, error) {
	if !c.IsConnected() {
		return nil, remoteerr.NotConnected("list")
	}
	p = client.CleanPath(p)
	entries, err := c.propfind(ctx, "list", p, "1")
	if err != nil {
		return nil, err
	}

	files := make([]*client.FileEntry, 0, len(entries))
	for _, e := range entries {
		if e.path == p {
			continue
		}
		files = append(files, toEntry(e))
	}
	return client.Normalize(files), nil
}

// FileExists checks if a file or collection exists.
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

// CreateDirectory creates a collection and its parents. An existing collection
// is a conflict.
func (c *Client) CreateDirectory(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("mkdir")
	}
	dir, _ := client.SplitPath(p)
	if err := c.ensureCollection(ctx, dir); err != nil {
		return err
	}
	resp, err := c.do(ctx, "MKCOL", p, nil, nil)
	if err != nil {
		return err
	}
	defer drain(resp)
	if !ok(resp) {
		return statusError("mkdir", p, resp)
	}
	return nil
}

func (c *Client) delete(ctx context.Context, p string) error {
	if client.CleanPath(p) == "/" {
		return remoteerr.Wrap(remoteerr.KindPermissionDenied, "delete", "/", errors.New("refusing to delete the root collection"))
	}
	resp, err := c.do(ctx, http.MethodDelete, p, nil, nil)
	if err != nil {
		return err
	}
	defer drain(resp)
	if !ok(resp) {
		return statusError("delete", p, resp)
	}
	return nil
}

// DeleteDirectory deletes a collection and its members.
func (c *Client) DeleteDirectory(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("delete")
	}
	return c.delete(ctx, p)
}

// DeleteFile deletes a file.
func (c *Client) DeleteFile(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("delete")
	}
	return c.delete(ctx, p)
}

// transfer issues MOVE or COPY without overwriting an existing destination.
func (c *Client) transfer(ctx context.Context, method, op, srcPath, dstPath string) error {
	dir, _ := client.SplitPath(dstPath)
	if err := c.ensureCollection(ctx, dir); err != nil {
		return remoteerr.WithContext(op, dstPath, err)
	}
	resp, err := c.do(ctx, method, srcPath, nil, map[string]string{
		"Destination": c.resolveURL(dstPath),
		"Overwrite":   "F",
		"Depth":       "infinity",
	})
	if err != nil {
		return err
	}
	defer drain(resp)
	if !ok(resp) {
		return statusError(op, srcPath, resp)
	}
	return nil
}

// Rename moves a resource with MOVE. An occupied target is a conflict.
func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("rename")
	}
	return c.transfer(ctx, "MOVE", "rename", oldPath, newPath)
}

// CopyFile copies a resource, recursively for collections, with COPY.
func (c *Client) CopyFile(ctx context.Context, srcPath, dstPath string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("copy")
	}
	return c.transfer(ctx, "COPY", "copy", srcPath, dstPath)
}

// Kind returns the backend kind.
func (c *Client) Kind() client.Kind {
	return client.KindWebDAV
}

// GetConfig returns the WebDAV configuration.
func (c *Client) GetConfig() interface{} {
	return c.config
}
