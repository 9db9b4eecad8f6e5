package miniostore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/DataBiosphere/ssds/checksum"
	"github.com/DataBiosphere/ssds/objstore"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/tags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	data []byte
	etag string
	tags map[string]string
}

type fakeCore struct {
	mu      sync.Mutex
	objects map[string]*fakeObject
	uploads map[string]map[int][]byte
	nextID  int
	md5s    []string
	failGet error
}

func newFakeCore() *fakeCore {
	return &fakeCore{objects: map[string]*fakeObject{}, uploads: map[string]map[int][]byte{}}
}

func noSuchKey() error {
	return minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound, Message: "The specified key does not exist."}
}

func (f *fakeCore) PutObject(_ context.Context, _, object string, data io.Reader, _ int64, md5Base64, _ string, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := io.ReadAll(data)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.md5s = append(f.md5s, md5Base64)
	etag := checksum.MD5Hex(b)
	f.objects[object] = &fakeObject{data: b, etag: etag, tags: map[string]string{}}
	return minio.UploadInfo{Key: object, ETag: etag, Size: int64(len(b))}, nil
}

func (f *fakeCore) NewMultipartUpload(_ context.Context, _, _ string, _ minio.PutObjectOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = map[int][]byte{}
	return id, nil
}

func (f *fakeCore) PutObjectPart(_ context.Context, _, _, uploadID string, partID int, data io.Reader, _ int64, opts minio.PutObjectPartOptions) (minio.ObjectPart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts, ok := f.uploads[uploadID]
	if !ok {
		return minio.ObjectPart{}, minio.ErrorResponse{Code: "NoSuchUpload", StatusCode: http.StatusNotFound}
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return minio.ObjectPart{}, err
	}
	f.md5s = append(f.md5s, opts.Md5Base64)
	parts[partID] = b
	return minio.ObjectPart{PartNumber: partID, ETag: `"` + checksum.MD5Hex(b) + `"`, Size: int64(len(b))}, nil
}

func (f *fakeCore) CompleteMultipartUpload(_ context.Context, _, object, uploadID string, parts []minio.CompletePart, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uploaded, ok := f.uploads[uploadID]
	if !ok {
		return minio.UploadInfo{}, minio.ErrorResponse{Code: "NoSuchUpload", StatusCode: http.StatusNotFound}
	}
	var data []byte
	var digests []string
	for i, p := range parts {
		if p.PartNumber != i+1 {
			return minio.UploadInfo{}, minio.ErrorResponse{Code: "InvalidPartOrder", StatusCode: http.StatusBadRequest}
		}
		data = append(data, uploaded[p.PartNumber]...)
		digests = append(digests, p.ETag)
	}
	etag, err := checksum.CompositeETagFromHex(digests)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	delete(f.uploads, uploadID)
	f.objects[object] = &fakeObject{data: data, etag: etag, tags: map[string]string{}}
	return minio.UploadInfo{Key: object, ETag: etag}, nil
}

func (f *fakeCore) AbortMultipartUpload(_ context.Context, _, _, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.uploads[uploadID]; !ok {
		return minio.ErrorResponse{Code: "NoSuchUpload", StatusCode: http.StatusNotFound}
	}
	delete(f.uploads, uploadID)
	return nil
}

func (f *fakeCore) StatObject(_ context.Context, _, object string, _ minio.StatObjectOptions) (minio.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[object]
	if !ok {
		return minio.ObjectInfo{}, noSuchKey()
	}
	return minio.ObjectInfo{Key: object, Size: int64(len(obj.data)), ETag: obj.etag}, nil
}

func (f *fakeCore) GetObjectTagging(_ context.Context, _, object string, _ minio.GetObjectTaggingOptions) (*tags.Tags, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[object]
	if !ok {
		return nil, noSuchKey()
	}
	return tags.NewTags(obj.tags, true)
}

func (f *fakeCore) PutObjectTagging(_ context.Context, _, object string, otags *tags.Tags, _ minio.PutObjectTaggingOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[object]
	if !ok {
		return noSuchKey()
	}
	obj.tags = otags.ToMap()
	return nil
}

func (f *fakeCore) ListObjects(_ context.Context, _ string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	f.mu.Lock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, opts.Prefix) && k > opts.StartAfter {
			keys = append(keys, k)
		}
	}
	f.mu.Unlock()
	sort.Strings(keys)

	ch := make(chan minio.ObjectInfo, len(keys))
	for _, k := range keys {
		ch <- minio.ObjectInfo{Key: k}
	}
	close(ch)
	return ch
}

func (f *fakeCore) GetObject(_ context.Context, _, object string, _ minio.GetObjectOptions) (io.ReadCloser, minio.ObjectInfo, http.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet != nil {
		return nil, minio.ObjectInfo{}, nil, f.failGet
	}
	obj, ok := f.objects[object]
	if !ok {
		return nil, minio.ObjectInfo{}, nil, noSuchKey()
	}
	return io.NopCloser(bytes.NewReader(obj.data)), minio.ObjectInfo{Key: object, Size: int64(len(obj.data))}, http.Header{}, nil
}

func newTestStore() (*Store, *fakeCore) {
	fake := newFakeCore()
	return NewWithClient(fake, "bucket", log.NewLogger()), fake
}

func TestStore_PutObjectAndMetadata(t *testing.T) {
	store, fake := newTestStore()
	ctx := context.Background()

	tag, err := store.PutObject(ctx, "k", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", tag)
	assert.Equal(t, []string{"XUFAKrxLKna5cZ2REBfFkg=="}, fake.md5s)

	require.NoError(t, store.PutTags(ctx, "k", map[string]string{checksum.TagMD5: tag}))
	require.NoError(t, store.PutTags(ctx, "k", map[string]string{"other": "x"}))

	md, err := store.GetMetadata(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(5), md.Size)
	assert.Equal(t, tag, md.IdentityTag)
	assert.Equal(t, map[string]string{checksum.TagMD5: tag, "other": "x"}, md.Tags)
}

func TestStore_GetMetadata_NotFound(t *testing.T) {
	store, _ := newTestStore()

	_, err := store.GetMetadata(context.Background(), "missing")
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestStore_Multipart(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	sess, err := store.InitiateMultipart(ctx, "big")
	require.NoError(t, err)

	chunks := [][]byte{[]byte("aaaa"), []byte("bbbb")}
	var parts []objstore.Part
	for i := len(chunks) - 1; i >= 0; i-- {
		digest, err := store.UploadPart(ctx, sess, i, chunks[i])
		require.NoError(t, err)
		assert.Equal(t, checksum.MD5Hex(chunks[i]), digest)
		parts = append(parts, objstore.Part{Index: i, Digest: digest})
	}

	tag, err := store.CompleteMultipart(ctx, sess, parts)
	require.NoError(t, err)
	want, err := checksum.CompositeETagFromHex([]string{checksum.MD5Hex(chunks[0]), checksum.MD5Hex(chunks[1])})
	require.NoError(t, err)
	assert.Equal(t, want, tag)

	// The session is gone, aborting again is a no-op.
	require.NoError(t, store.AbortMultipart(ctx, sess))
}

func TestStore_ListAndDownload(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	for _, key := range []string{"p/a", "p/b", "p/c", "q/d"} {
		_, err := store.PutObject(ctx, key, []byte("content of "+key))
		require.NoError(t, err)
	}

	var keys []string
	for key, err := range store.List(ctx, "p/", "p/a") {
		require.NoError(t, err)
		keys = append(keys, key)
	}
	assert.Equal(t, []string{"p/b", "p/c"}, keys)

	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer f.Close()

	n, err := store.Download(ctx, "p/b", f)
	require.NoError(t, err)
	assert.Equal(t, int64(len("content of p/b")), n)
	got, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "content of p/b", string(got))
}

func TestStore_Download_Transient(t *testing.T) {
	store, fake := newTestStore()
	fake.failGet = minio.ErrorResponse{Code: "SlowDown", StatusCode: http.StatusServiceUnavailable}

	_, err := store.Download(context.Background(), "k", nil)
	assert.True(t, objstore.IsTransient(err))
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		endpoint   string
		insecure   bool
		wantHost   string
		wantSecure bool
		wantErr    bool
	}{
		{endpoint: "localhost:9000", insecure: true, wantHost: "localhost:9000"},
		{endpoint: "minio.example.org", wantHost: "minio.example.org", wantSecure: true},
		{endpoint: "http://localhost:9000", wantHost: "localhost:9000"},
		{endpoint: "https://minio.example.org:443", wantHost: "minio.example.org:443", wantSecure: true},
		{endpoint: "ftp://minio.example.org", wantErr: true},
		{endpoint: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			host, secure, err := parseEndpoint(tt.endpoint, tt.insecure)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantSecure, secure)
		})
	}
}

func listPage(truncated bool, token string, keys ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Name>staging</Name>`)
	fmt.Fprintf(&b, "<KeyCount>%d</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>%t</IsTruncated>", len(keys), truncated)
	if token != "" {
		fmt.Fprintf(&b, "<NextContinuationToken>%s</NextContinuationToken>", token)
	}
	for _, key := range keys {
		fmt.Fprintf(&b, `<Contents><Key>%s</Key><Size>1</Size><ETag>"etag"</ETag></Contents>`, key)
	}
	b.WriteString("</ListBucketResult>")
	return b.String()
}

func TestNew_ListObjectsPages(t *testing.T) {
	var mu sync.Mutex
	var requests []*url.URL
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests = append(requests, r.URL)
		mu.Unlock()

		q := r.URL.Query()
		if r.Method != http.MethodGet || q.Get("list-type") != "2" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		if q.Get("continuation-token") == "" {
			_, _ = io.WriteString(w, listPage(true, "page-2", "p/a", "p/b"))
			return
		}
		_, _ = io.WriteString(w, listPage(false, "", "p/c"))
	}))
	defer srv.Close()

	store, err := New(Params{Endpoint: srv.URL, Bucket: "staging", Region: "us-east-1", AccessKeyID: "key", SecretAccessKey: "secret"}, log.NewLogger())
	require.NoError(t, err)

	var keys []string
	for key, err := range store.List(context.Background(), "p/", "p/0") {
		require.NoError(t, err)
		keys = append(keys, key)
	}
	assert.Equal(t, []string{"p/a", "p/b", "p/c"}, keys)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, requests, 2)
	assert.Equal(t, "/staging/", requests[0].Path)
	assert.Equal(t, "p/", requests[0].Query().Get("prefix"))
	assert.Equal(t, "p/0", requests[0].Query().Get("start-after"))
	assert.Equal(t, "page-2", requests[1].Query().Get("continuation-token"))
}
