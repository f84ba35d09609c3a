// Package s3 implements the storage adapter for S3-compatible object storage.
//
// Folders are key prefixes ending in "/". When no bucket is configured the first
// path segment names the bucket and the root lists all buckets.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"

	"digital.vasic.nexuscloud/pkg/client"
	"digital.vasic.nexuscloud/pkg/remoteerr"
)

// DefaultTimeout bounds dialing and the TLS handshake.
const DefaultTimeout = 15 * time.Second

// deleteBatchSize is the DeleteObjects limit per request.
const deleteBatchSize = 1000

// DefaultPartSize is the multipart chunk for uploads of unknown length. Such
// an upload holds at most one part in memory. S3 requires at least 5 MiB for
// every part but the last.
const DefaultPartSize = 8 << 20

// Config contains S3 connection configuration.
type Config struct {
	Bucket    string        `json:"bucket"`
	Region    string        `json:"region"`
	Endpoint  string        `json:"endpoint" validate:"omitempty"`
	AccessKey string        `json:"access_key"`
	SecretKey string        `json:"secret_key"`
	Secure    bool          `json:"secure"`
	Timeout   time.Duration `json:"timeout"`
}

// Client implements client.Client for S3.
type Client struct {
	config    *Config
	s3        *s3.Client
	partSize  int
	connected bool
}

// NewS3Client creates a new S3 client.
func NewS3Client(config *Config) *Client {
	return &Client{config: config, partSize: DefaultPartSize}
}

// Connect builds the API client. No request is sent until the first operation.
func (c *Client) Connect(ctx context.Context) error {
	timeout := c.config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	region := c.config.Region
	if region == "" {
		region = "us-east-1"
	}

	httpClient := awshttp.NewBuildableClient().
		WithDialerOptions(func(d *net.Dialer) { d.Timeout = timeout }).
		WithTransportOptions(func(tr *http.Transport) { tr.TLSHandshakeTimeout = timeout })

	var creds aws.CredentialsProvider = aws.AnonymousCredentials{}
	if c.config.AccessKey != "" {
		creds = credentials.NewStaticCredentialsProvider(c.config.AccessKey, c.config.SecretKey, "")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(creds),
		config.WithHTTPClient(httpClient),
		config.WithRetryMaxAttempts(1),
		config.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
		config.WithResponseChecksumValidation(aws.ResponseChecksumValidationWhenRequired),
	)
	if err != nil {
		return remoteerr.Classify("connect", c.config.Endpoint, fmt.Errorf("failed to load aws config: %w", err))
	}

	endpoint := c.endpoint()
	c.s3 = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	c.connected = true
	return nil
}

// endpoint returns the configured endpoint with a scheme.
func (c *Client) endpoint() string {
	e := strings.TrimRight(c.config.Endpoint, "/")
	if e == "" || strings.Contains(e, "://") {
		return e
	}
	if c.config.Secure {
		return "https://" + e
	}
	return "http://" + e
}

// Disconnect releases the API client.
func (c *Client) Disconnect(ctx context.Context) error {
	c.s3 = nil
	c.connected = false
	return nil
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.connected && c.s3 != nil
}

// TestConnection checks the bucket, or lists buckets when none is configured.
func (c *Client) TestConnection(ctx context.Context) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("test")
	}
	if c.config.Bucket != "" {
		_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.config.Bucket)})
		return mapError("test", "/", err)
	}
	_, err := c.s3.ListBuckets(ctx, &s3.ListBucketsInput{})
	return mapError("test", "/", err)
}

// locate splits a virtual path into bucket and object key.
func (c *Client) locate(p string) (bucket, key string) {
	rel := client.RelativePath(p)
	if c.config.Bucket != "" {
		return c.config.Bucket, rel
	}
	bucket, key, _ = strings.Cut(rel, "/")
	return bucket, key
}

func dirPrefix(key string) string {
	if key == "" {
		return ""
	}
	return strings.TrimSuffix(key, "/") + "/"
}

// copySource builds the x-amz-copy-source value, escaping each key segment.
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

// ReadFile streams an object.
func (c *Client) ReadFile(ctx context.Context, p string) (io.ReadCloser, int64, error) {
	if !c.IsConnected() {
		return nil, -1, remoteerr.NotConnected("download")
	}
	bucket, key := c.locate(p)
	if bucket == "" || key == "" {
		return nil, -1, remoteerr.Wrap(remoteerr.KindUnsupportedOperation, "download", p, errors.New("is a directory"))
	}
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, -1, mapError("download", p, fmt.Errorf("get object %s: %w", key, err))
	}
	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

// WriteFile uploads an object. Streams of unknown size go through a multipart
// upload one part at a time.
func (c *Client) WriteFile(ctx context.Context, p string, data io.Reader, size int64) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("upload")
	}
	bucket, key := c.locate(p)
	if bucket == "" || key == "" {
		return remoteerr.Wrap(remoteerr.KindPermissionDenied, "upload", p, errors.New("cannot write outside a bucket"))
	}
	if size < 0 {
		return c.writeStream(ctx, p, bucket, key, data)
	}
	return c.putObject(ctx, p, bucket, key, data, size)
}

func (c *Client) putObject(ctx context.Context, p, bucket, key string, data io.Reader, size int64) error {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          data,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(client.MimeTypeFor(key)),
	}, unsignedPayload)
	if err != nil {
		return mapError("upload", p, fmt.Errorf("put object %s: %w", key, err))
	}
	return nil
}

// writeStream uploads a stream of unknown length. A stream that fits in one
// part is sent with a single PutObject; a failed multipart upload is aborted.
func (c *Client) writeStream(ctx context.Context, p, bucket, key string, data io.Reader) error {
	buf := make([]byte, c.partSize)
	n, err := io.ReadFull(data, buf)
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		return c.putObject(ctx, p, bucket, key, bytes.NewReader(buf[:n]), int64(n))
	case err != nil:
		return mapError("upload", p, err)
	}

	created, err := c.s3.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String(client.MimeTypeFor(key)),
	})
	if err != nil {
		return mapError("upload", p, fmt.Errorf("create multipart upload %s: %w", key, err))
	}
	uploadID := created.UploadId

	var parts []types.CompletedPart
	for number := int32(1); ; number++ {
		out, err := c.s3.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(number),
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(int64(n)),
		}, unsignedPayload)
		if err != nil {
			c.abortUpload(bucket, key, uploadID)
			return mapError("upload", p, fmt.Errorf("upload part %d of %s: %w", number, key, err))
		}
		parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(number)})

		n, err = io.ReadFull(data, buf)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			c.abortUpload(bucket, key, uploadID)
			return mapError("upload", p, err)
		}
	}

	_, err = c.s3.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		c.abortUpload(bucket, key, uploadID)
		return mapError("upload", p, fmt.Errorf("complete multipart upload %s: %w", key, err))
	}
	return nil
}

func (c *Client) abortUpload(bucket, key string, uploadID *string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, _ = c.s3.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	})
}

// unsignedPayload lets non-seekable bodies be sent over plain HTTP endpoints.
func unsignedPayload(o *s3.Options) {
	o.APIOptions = append(o.APIOptions, v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware)
}

// GetFileInfo returns an object entry, or a folder entry when the path is a prefix.
func (c *Client) GetFileInfo(ctx context.Context, p string) (*client.FileEntry, error) {
	if !c.IsConnected() {
		return nil, remoteerr.NotConnected("stat")
	}
	p = client.CleanPath(p)
	dir, name := client.SplitPath(p)
	bucket, key := c.locate(p)
	if bucket == "" {
		return client.NewEntry("/", "/", true, 0), nil
	}
	if key == "" {
		if _, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
			return nil, mapError("stat", p, err)
		}
		return client.NewEntry(dir, name, true, 0), nil
	}

	head, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		entry := client.NewEntry(dir, name, false, aws.ToInt64(head.ContentLength))
		entry.ModTime = aws.ToTime(head.LastModified)
		entry.Key = key
		return entry, nil
	}
	if mapped := mapError("stat", p, err); !errors.Is(mapped, remoteerr.ErrNotFound) {
		return nil, mapped
	}

	isDir, err := c.prefixExists(ctx, bucket, dirPrefix(key))
	if err != nil {
		return nil, mapError("stat", p, err)
	}
	if !isDir {
		return nil, remoteerr.New(remoteerr.KindNotFound, "stat", p)
	}
	entry := client.NewEntry(dir, name, true, 0)
	entry.Key = dirPrefix(key)
	return entry, nil
}

func (c *Client) prefixExists(ctx context.Context, bucket, prefix string) (bool, error) {
	out, err := c.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, err
	}
	return len(out.Contents) > 0 || len(out.CommonPrefixes) > 0, nil
}

// List lists one level below a prefix, or the buckets at the root.
func (c *Client) List(ctx context.Context, p string) ([]*client.FileEntry, error) {
	if !c.IsConnected() {
		return nil, remoteerr.NotConnected("list")
	}
	p = client.CleanPath(p)
	bucket, key := c.locate(p)
	if bucket == "" {
		return c.listBuckets(ctx)
	}

	prefix := dirPrefix(key)
	var files []*client.FileEntry
	paginator := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapError("list", p, fmt.Errorf("list objects %s: %w", prefix, err))
		}
		for _, cp := range page.CommonPrefixes {
			full := aws.ToString(cp.Prefix)
			name := strings.TrimSuffix(strings.TrimPrefix(full, prefix), "/")
			entry := client.NewEntry(p, name, true, 0)
			entry.Key = full
			files = append(files, entry)
		}
		for _, obj := range page.Contents {
			full := aws.ToString(obj.Key)
			name := strings.TrimPrefix(full, prefix)
			if name == "" || strings.HasSuffix(name, "/") {
				continue
			}
			entry := client.NewEntry(p, name, false, aws.ToInt64(obj.Size))
			entry.ModTime = aws.ToTime(obj.LastModified)
			entry.Key = full
			files = append(files, entry)
		}
	}
	return client.Normalize(files), nil
}

func (c *Client) listBuckets(ctx context.Context) ([]*client.FileEntry, error) {
	out, err := c.s3.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, mapError("list", "/", fmt.Errorf("list buckets: %w", err))
	}
	files := make([]*client.FileEntry, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		entry := client.NewEntry("/", aws.ToString(b.Name), true, 0)
		entry.ModTime = aws.ToTime(b.CreationDate)
		files = append(files, entry)
	}
	return client.Normalize(files), nil
}

// FileExists checks if an object or prefix exists.
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

// CreateDirectory writes an empty "prefix/" marker object. At the root of a
// bucket-less connection it creates a bucket.
func (c *Client) CreateDirectory(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("mkdir")
	}
	bucket, key := c.locate(p)
	switch {
	case bucket == "":
		return remoteerr.New(remoteerr.KindConflict, "mkdir", "/")
	case key == "" && c.config.Bucket == "":
		_, err := c.s3.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
		return mapError("mkdir", p, err)
	case key == "":
		return nil
	}
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(dirPrefix(key)),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	return mapError("mkdir", p, err)
}

// DeleteFile deletes an object.
func (c *Client) DeleteFile(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("delete")
	}
	bucket, key := c.locate(p)
	if key == "" {
		return remoteerr.Wrap(remoteerr.KindUnsupportedOperation, "delete", p, errors.New("not an object"))
	}
	if _, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}); err != nil {
		return mapError("delete", p, err)
	}
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return mapError("delete", p, err)
}

// DeleteDirectory deletes every object below the prefix in batches.
func (c *Client) DeleteDirectory(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("delete")
	}
	bucket, key := c.locate(p)
	if bucket == "" || key == "" {
		return remoteerr.Wrap(remoteerr.KindPermissionDenied, "delete", p, errors.New("refusing to delete a bucket root"))
	}
	keys, err := c.allKeys(ctx, bucket, dirPrefix(key))
	if err != nil {
		return mapError("delete", p, err)
	}
	if len(keys) == 0 {
		return remoteerr.New(remoteerr.KindNotFound, "delete", client.CleanPath(p))
	}
	return mapError("delete", p, c.deleteKeys(ctx, bucket, keys))
}

func (c *Client) allKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (c *Client) deleteKeys(ctx context.Context, bucket string, keys []string) error {
	for _, batch := range lo.Chunk(keys, deleteBatchSize) {
		ids := lo.Map(batch, func(k string, _ int) types.ObjectIdentifier {
			return types.ObjectIdentifier{Key: aws.String(k)}
		})
		out, err := c.s3.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete objects: %w", err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return &smithy.GenericAPIError{
				Code:    aws.ToString(first.Code),
				Message: fmt.Sprintf("failed to delete %d objects, first %s: %s", len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message)),
			}
		}
	}
	return nil
}

// Rename copies the object (or every object below a prefix) to the new key and
// deletes the original only after the copy succeeded. If that delete fails both
// copies remain and the error wraps remoteerr.ErrLeftDuplicate.
func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("rename")
	}
	info, err := c.GetFileInfo(ctx, oldPath)
	if err != nil {
		return remoteerr.WithContext("rename", oldPath, err)
	}
	if exists, err := c.FileExists(ctx, newPath); err != nil {
		return remoteerr.WithContext("rename", newPath, err)
	} else if exists {
		return remoteerr.New(remoteerr.KindConflict, "rename", client.CleanPath(newPath))
	}

	srcBucket, srcKey := c.locate(oldPath)
	dstBucket, dstKey := c.locate(newPath)
	if srcKey == "" || dstKey == "" {
		return remoteerr.Wrap(remoteerr.KindUnsupportedOperation, "rename", oldPath, errors.New("buckets cannot be renamed"))
	}

	pairs := map[string]string{srcKey: dstKey}
	if info.IsDir() {
		if pairs, err = c.prefixPairs(ctx, srcBucket, srcKey, dstKey); err != nil {
			return mapError("rename", oldPath, err)
		}
	}
	for src, dst := range pairs {
		if err := c.copyObject(ctx, srcBucket, src, dstBucket, dst); err != nil {
			return mapError("rename", oldPath, err)
		}
	}

	var deleteErr error
	if info.IsDir() {
		deleteErr = c.deleteKeys(ctx, srcBucket, lo.Keys(pairs))
	} else {
		_, deleteErr = c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(srcBucket),
			Key:    aws.String(srcKey),
		})
	}
	if deleteErr != nil {
		mapped := mapError("rename", oldPath, deleteErr)
		return remoteerr.Wrap(remoteerr.KindOf(mapped), "rename", client.CleanPath(oldPath),
			fmt.Errorf("%w: %w", remoteerr.ErrLeftDuplicate, deleteErr))
	}
	return nil
}

// prefixPairs maps every key below srcKey/ to the same relative key below dstKey/.
func (c *Client) prefixPairs(ctx context.Context, bucket, srcKey, dstKey string) (map[string]string, error) {
	srcPrefix, dstPrefix := dirPrefix(srcKey), dirPrefix(dstKey)
	keys, err := c.allKeys(ctx, bucket, srcPrefix)
	if err != nil {
		return nil, err
	}
	pairs := make(map[string]string, len(keys))
	for _, k := range keys {
		pairs[k] = dstPrefix + strings.TrimPrefix(k, srcPrefix)
	}
	return pairs, nil
}

func (c *Client) copyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := c.s3.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource(srcBucket, srcKey)),
	})
	if err != nil {
		return fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	return nil
}

// CopyFile copies an object, or every object below a prefix, server side.
func (c *Client) CopyFile(ctx context.Context, srcPath, dstPath string) error {
	if !c.IsConnected() {
		return remoteerr.NotConnected("copy")
	}
	info, err := c.GetFileInfo(ctx, srcPath)
	if err != nil {
		return remoteerr.WithContext("copy", srcPath, err)
	}
	srcBucket, srcKey := c.locate(srcPath)
	dstBucket, dstKey := c.locate(dstPath)
	if srcKey == "" || dstKey == "" {
		return remoteerr.Wrap(remoteerr.KindUnsupportedOperation, "copy", srcPath, errors.New("buckets cannot be copied"))
	}

	pairs := map[string]string{srcKey: dstKey}
	if info.IsDir() {
		if pairs, err = c.prefixPairs(ctx, srcBucket, srcKey, dstKey); err != nil {
			return mapError("copy", srcPath, err)
		}
	}
	for src, dst := range pairs {
		if err := c.copyObject(ctx, srcBucket, src, dstBucket, dst); err != nil {
			return mapError("copy", srcPath, err)
		}
	}
	return nil
}

// Kind returns the backend kind.
func (c *Client) Kind() client.Kind {
	return client.KindS3
}

// GetConfig returns the S3 configuration.
func (c *Client) GetConfig() interface{} {
	return c.config
}

// mapError translates S3 API errors into the error taxonomy.
func mapError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return remoteerr.Wrap(remoteerr.KindNotFound, op, p, err)
		case "AccessDenied", "AllAccessDisabled", "Forbidden":
			return remoteerr.Wrap(remoteerr.KindPermissionDenied, op, p, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken", "InvalidSecurity":
			return remoteerr.Wrap(remoteerr.KindAuthenticationFailed, op, p, err)
		case "NotImplemented", "MethodNotAllowed", "XNotImplemented":
			return remoteerr.Wrap(remoteerr.KindUnsupportedOperation, op, p, err)
		case "BucketAlreadyExists", "BucketAlreadyOwnedByYou":
			return remoteerr.Wrap(remoteerr.KindConflict, op, p, err)
		}
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		switch statusErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return remoteerr.Wrap(remoteerr.KindNotFound, op, p, err)
		case http.StatusForbidden:
			return remoteerr.Wrap(remoteerr.KindPermissionDenied, op, p, err)
		case http.StatusUnauthorized:
			return remoteerr.Wrap(remoteerr.KindAuthenticationFailed, op, p, err)
		case http.StatusConflict:
			return remoteerr.Wrap(remoteerr.KindConflict, op, p, err)
		}
	}
	return remoteerr.Classify(op, p, err)
}
