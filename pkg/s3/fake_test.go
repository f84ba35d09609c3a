package s3

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeS3 is a minimal path-style S3 server holding objects in memory.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte
	// denyDelete makes DeleteObject/DeleteObjects fail for the listed keys.
	denyDelete map[string]bool
	// denyWrite makes PutObject/CopyObject fail for every key.
	denyWrite bool
	requests  []string

	// multipart uploads in flight, by upload id, and the ids of those aborted
	uploads  map[string]*fakeUpload
	aborted  []string
	uploadID int
}

type fakeUpload struct {
	bucket, key string
	parts       map[int][]byte
}

type initiateResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

type completeResult struct {
	XMLName xml.Name `xml:"CompleteMultipartUploadResult"`
	Bucket  string   `xml:"Bucket"`
	Key     string   `xml:"Key"`
	ETag    string   `xml:"ETag"`
}

type xmlObject struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
}

type xmlPrefix struct {
	Prefix string `xml:"Prefix"`
}

type listBucketResult struct {
	XMLName        xml.Name    `xml:"ListBucketResult"`
	Name           string      `xml:"Name"`
	Prefix         string      `xml:"Prefix"`
	Delimiter      string      `xml:"Delimiter,omitempty"`
	KeyCount       int         `xml:"KeyCount"`
	MaxKeys        int         `xml:"MaxKeys"`
	IsTruncated    bool        `xml:"IsTruncated"`
	Contents       []xmlObject `xml:"Contents"`
	CommonPrefixes []xmlPrefix `xml:"CommonPrefixes"`
}

type xmlBucket struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

type listAllMyBucketsResult struct {
	XMLName xml.Name    `xml:"ListAllMyBucketsResult"`
	Buckets []xmlBucket `xml:"Buckets>Bucket"`
}

type deleteRequest struct {
	Objects []struct {
		Key string `xml:"Key"`
	} `xml:"Object"`
}

type deleteError struct {
	Key     string `xml:"Key"`
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

type deleteResult struct {
	XMLName xml.Name      `xml:"DeleteResult"`
	Errors  []deleteError `xml:"Error"`
}

const fakeTime = "2024-05-01T10:00:00.000Z"

func newFakeS3(t *testing.T, buckets ...string) (*fakeS3, *httptest.Server) {
	t.Helper()
	f := &fakeS3{
		buckets:    make(map[string]map[string][]byte),
		denyDelete: make(map[string]bool),
		uploads:    make(map[string]*fakeUpload),
	}
	for _, b := range buckets {
		f.buckets[b] = make(map[string][]byte)
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeS3) put(bucket, key, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[bucket][key] = []byte(content)
}

func (f *fakeS3) get(bucket, key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.buckets[bucket][key]
	return string(data), ok
}

func (f *fakeS3) requestLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
}

func writeXML(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/xml")
	data, _ := xml.Marshal(v)
	w.Write([]byte(xml.Header))
	w.Write(data)
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path+multipartMarker(r.URL.Query()))

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	q := r.URL.Query()

	if bucket == "" {
		var res listAllMyBucketsResult
		for name := range f.buckets {
			res.Buckets = append(res.Buckets, xmlBucket{Name: name, CreationDate: fakeTime})
		}
		sort.Slice(res.Buckets, func(i, j int) bool { return res.Buckets[i].Name < res.Buckets[j].Name })
		writeXML(w, res)
		return
	}

	objects, ok := f.buckets[bucket]
	if !ok && !(r.Method == http.MethodPut && key == "") {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeError(w, http.StatusNotFound, "NoSuchBucket")
		return
	}

	switch {
	case key == "" && r.Method == http.MethodPut:
		if ok {
			writeError(w, http.StatusConflict, "BucketAlreadyOwnedByYou")
			return
		}
		f.buckets[bucket] = make(map[string][]byte)
	case key == "" && r.Method == http.MethodHead:
	case key == "" && r.Method == http.MethodGet:
		f.list(w, bucket, objects, q)
	case key == "" && r.Method == http.MethodPost && q.Has("delete"):
		var req deleteRequest
		body, _ := io.ReadAll(r.Body)
		_ = xml.Unmarshal(body, &req)
		var res deleteResult
		for _, o := range req.Objects {
			if f.denyDelete[o.Key] {
				res.Errors = append(res.Errors, deleteError{Key: o.Key, Code: "AccessDenied", Message: "Access Denied"})
				continue
			}
			delete(objects, o.Key)
		}
		writeXML(w, res)
	case r.Method == http.MethodPost && q.Has("uploads"):
		f.uploadID++
		id := fmt.Sprintf("upload-%d", f.uploadID)
		f.uploads[id] = &fakeUpload{bucket: bucket, key: key, parts: make(map[int][]byte)}
		writeXML(w, initiateResult{Bucket: bucket, Key: key, UploadID: id})
	case r.Method == http.MethodPut && q.Has("uploadId"):
		up, ok := f.uploads[q.Get("uploadId")]
		if !ok {
			writeError(w, http.StatusNotFound, "NoSuchUpload")
			return
		}
		if f.denyWrite {
			writeError(w, http.StatusForbidden, "AccessDenied")
			return
		}
		n, _ := strconv.Atoi(q.Get("partNumber"))
		data, _ := io.ReadAll(r.Body)
		up.parts[n] = data
		w.Header().Set("ETag", fmt.Sprintf(`"part-%d"`, n))
	case r.Method == http.MethodPost && q.Has("uploadId"):
		id := q.Get("uploadId")
		up, ok := f.uploads[id]
		if !ok {
			writeError(w, http.StatusNotFound, "NoSuchUpload")
			return
		}
		numbers := make([]int, 0, len(up.parts))
		for n := range up.parts {
			numbers = append(numbers, n)
		}
		sort.Ints(numbers)
		var data []byte
		for _, n := range numbers {
			data = append(data, up.parts[n]...)
		}
		objects[key] = data
		delete(f.uploads, id)
		writeXML(w, completeResult{Bucket: bucket, Key: key, ETag: `"etag-multipart"`})
	case r.Method == http.MethodDelete && q.Has("uploadId"):
		id := q.Get("uploadId")
		delete(f.uploads, id)
		f.aborted = append(f.aborted, id)
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet || r.Method == http.MethodHead:
		data, ok := objects[key]
		if !ok {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeError(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Last-Modified", time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC).Format(http.TimeFormat))
		w.Header().Set("ETag", `"etag"`)
		if r.Method == http.MethodGet {
			w.Write(data)
		}
	case r.Method == http.MethodPut:
		if f.denyWrite {
			writeError(w, http.StatusForbidden, "AccessDenied")
			return
		}
		if src := r.Header.Get("X-Amz-Copy-Source"); src != "" {
			src, _ = url.PathUnescape(strings.TrimPrefix(src, "/"))
			srcBucket, srcKey, _ := strings.Cut(src, "/")
			data, ok := f.buckets[srcBucket][srcKey]
			if !ok {
				writeError(w, http.StatusNotFound, "NoSuchKey")
				return
			}
			objects[key] = append([]byte(nil), data...)
			fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><CopyObjectResult><ETag>"etag"</ETag><LastModified>%s</LastModified></CopyObjectResult>`, fakeTime)
			return
		}
		data, _ := io.ReadAll(r.Body)
		objects[key] = data
		w.Header().Set("ETag", `"etag"`)
	case r.Method == http.MethodDelete:
		if f.denyDelete[key] {
			writeError(w, http.StatusForbidden, "AccessDenied")
			return
		}
		delete(objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusNotImplemented, "NotImplemented")
	}
}

func (f *fakeS3) list(w http.ResponseWriter, bucket string, objects map[string][]byte, q url.Values) {
	prefix, delimiter := q.Get("prefix"), q.Get("delimiter")
	maxKeys := 1000
	if v, err := strconv.Atoi(q.Get("max-keys")); err == nil && v > 0 {
		maxKeys = v
	}

	keys := make([]string, 0, len(objects))
	for k := range objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	res := listBucketResult{Name: bucket, Prefix: prefix, Delimiter: delimiter, MaxKeys: maxKeys}
	seen := map[string]bool{}
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if res.KeyCount >= maxKeys {
			break
		}
		rest := strings.TrimPrefix(k, prefix)
		if delimiter != "" {
			if i := strings.Index(rest, delimiter); i >= 0 {
				cp := prefix + rest[:i+1]
				if !seen[cp] {
					seen[cp] = true
					res.CommonPrefixes = append(res.CommonPrefixes, xmlPrefix{Prefix: cp})
					res.KeyCount++
				}
				continue
			}
		}
		res.Contents = append(res.Contents, xmlObject{
			Key: k, LastModified: fakeTime, ETag: `"etag"`, Size: int64(len(objects[k])), StorageClass: "STANDARD",
		})
		res.KeyCount++
	}
	writeXML(w, res)
}

// multipartMarker tags recorded requests that belong to a multipart upload.
func multipartMarker(q url.Values) string {
	switch {
	case q.Has("uploads"):
		return " uploads"
	case q.Has("partNumber"):
		return " part"
	case q.Has("uploadId"):
		return " upload"
	}
	return ""
}
