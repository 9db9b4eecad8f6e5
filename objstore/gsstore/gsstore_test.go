package gsstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/DataBiosphere/ssds/checksum"
	"github.com/DataBiosphere/ssds/objstore"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

type fakeBucket struct {
	mu       sync.Mutex
	objects  map[string]*storage.ObjectAttrs
	data     map[string][]byte
	composes int
	writeErr error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string]*storage.ObjectAttrs{}, data: map[string][]byte{}}
}

func (b *fakeBucket) Objects(_ context.Context, q *storage.Query) objectIterator {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for name := range b.objects {
		if strings.HasPrefix(name, q.Prefix) && name >= q.StartOffset {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	it := &fakeIterator{}
	for _, name := range names {
		it.attrs = append(it.attrs, &storage.ObjectAttrs{Name: name})
	}
	return it
}

func (b *fakeBucket) Object(name string) objectHandle {
	return &fakeObject{bucket: b, name: name}
}

func (b *fakeBucket) store(name string, data []byte) *storage.ObjectAttrs {
	attrs := &storage.ObjectAttrs{Name: name, Size: int64(len(data)), CRC32C: checksum.CRC32C(data)}
	b.objects[name] = attrs
	b.data[name] = data
	return attrs
}

type fakeIterator struct {
	attrs []*storage.ObjectAttrs
}

func (it *fakeIterator) Next() (*storage.ObjectAttrs, error) {
	if len(it.attrs) == 0 {
		return nil, iterator.Done
	}
	next := it.attrs[0]
	it.attrs = it.attrs[1:]
	return next, nil
}

type fakeObject struct {
	bucket *fakeBucket
	name   string
}

func (o *fakeObject) NewReader(_ context.Context) (io.ReadCloser, error) {
	o.bucket.mu.Lock()
	defer o.bucket.mu.Unlock()
	data, ok := o.bucket.data[o.name]
	if !ok {
		return nil, storage.ErrObjectNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (o *fakeObject) Write(_ context.Context, data []byte) (*storage.ObjectAttrs, error) {
	o.bucket.mu.Lock()
	defer o.bucket.mu.Unlock()
	if o.bucket.writeErr != nil {
		return nil, o.bucket.writeErr
	}
	return o.bucket.store(o.name, append([]byte(nil), data...)), nil
}

func (o *fakeObject) ComposeFrom(_ context.Context, srcs []string) (*storage.ObjectAttrs, error) {
	o.bucket.mu.Lock()
	defer o.bucket.mu.Unlock()
	if len(srcs) > MaxComposeSources {
		return nil, &googleapi.Error{Code: http.StatusBadRequest, Message: "too many sources"}
	}
	var data []byte
	for _, src := range srcs {
		part, ok := o.bucket.data[src]
		if !ok {
			return nil, storage.ErrObjectNotExist
		}
		data = append(data, part...)
	}
	o.bucket.composes++
	return o.bucket.store(o.name, data), nil
}

func (o *fakeObject) Delete(_ context.Context) error {
	o.bucket.mu.Lock()
	defer o.bucket.mu.Unlock()
	if _, ok := o.bucket.objects[o.name]; !ok {
		return storage.ErrObjectNotExist
	}
	delete(o.bucket.objects, o.name)
	delete(o.bucket.data, o.name)
	return nil
}

func (o *fakeObject) Attrs(_ context.Context) (*storage.ObjectAttrs, error) {
	o.bucket.mu.Lock()
	defer o.bucket.mu.Unlock()
	attrs, ok := o.bucket.objects[o.name]
	if !ok {
		return nil, storage.ErrObjectNotExist
	}
	cp := *attrs
	return &cp, nil
}

func (o *fakeObject) Update(_ context.Context, uattrs storage.ObjectAttrsToUpdate) (*storage.ObjectAttrs, error) {
	o.bucket.mu.Lock()
	defer o.bucket.mu.Unlock()
	attrs, ok := o.bucket.objects[o.name]
	if !ok {
		return nil, storage.ErrObjectNotExist
	}
	attrs.Metadata = uattrs.Metadata
	return attrs, nil
}

func newTestStore() (*Store, *fakeBucket) {
	bucket := newFakeBucket()
	return newStore(bucket, "test-bucket", log.NewLogger()), bucket
}

func TestStore_PutObject(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	tag, err := store.PutObject(ctx, "k", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, checksum.EncodeCRC32C(checksum.CRC32C([]byte("hello"))), tag)

	md, err := store.GetMetadata(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, tag, md.IdentityTag)
	assert.Equal(t, int64(5), md.Size)
}

func TestStore_Multipart(t *testing.T) {
	for _, numParts := range []int{1, 3, MaxComposeSources, MaxComposeSources + 1, 3*MaxComposeSources*MaxComposeSources + 5} {
		t.Run(fmt.Sprint(numParts), func(t *testing.T) {
			store, bucket := newTestStore()
			ctx := context.Background()

			sess, err := store.InitiateMultipart(ctx, "big")
			require.NoError(t, err)

			var all []byte
			var parts []objstore.Part
			for i := 0; i < numParts; i++ {
				data := []byte(fmt.Sprintf("part-%d;", i))
				all = append(all, data...)
				digest, err := store.UploadPart(ctx, sess, i, data)
				require.NoError(t, err)
				assert.Equal(t, store.Convention().PartDigestOf(data), digest)
				parts = append(parts, objstore.Part{Index: i, Digest: digest})
			}

			tag, err := store.CompleteMultipart(ctx, sess, parts)
			require.NoError(t, err)
			assert.Equal(t, checksum.EncodeCRC32C(checksum.CRC32C(all)), tag)
			assert.Equal(t, all, bucket.data["big"])

			// Only the composed object is left.
			assert.Len(t, bucket.objects, 1)
		})
	}
}

func TestStore_CompleteMultipart_RejectsUnknownPart(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	sess, err := store.InitiateMultipart(ctx, "big")
	require.NoError(t, err)
	_, err = store.UploadPart(ctx, sess, 0, []byte("a"))
	require.NoError(t, err)

	_, err = store.CompleteMultipart(ctx, sess, []objstore.Part{{Index: 0}, {Index: 0}})
	require.EqualError(t, err, "complete big: unexpected part 1")
}

func TestStore_AbortMultipart(t *testing.T) {
	store, bucket := newTestStore()
	ctx := context.Background()

	_, err := store.PutObject(ctx, "keep", []byte("x"))
	require.NoError(t, err)

	sess, err := store.InitiateMultipart(ctx, "big")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := store.UploadPart(ctx, sess, i, []byte("data"))
		require.NoError(t, err)
	}

	require.NoError(t, store.AbortMultipart(ctx, sess))
	assert.Len(t, bucket.objects, 1)
	assert.Contains(t, bucket.objects, "keep")
}

func TestStore_PutTags(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	_, err := store.PutObject(ctx, "k", []byte("data"))
	require.NoError(t, err)
	require.NoError(t, store.PutTags(ctx, "k", map[string]string{checksum.TagCRC32C: "a"}))
	require.NoError(t, store.PutTags(ctx, "k", map[string]string{checksum.TagMD5: "b"}))

	md, err := store.GetMetadata(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{checksum.TagCRC32C: "a", checksum.TagMD5: "b"}, md.Tags)

	err = store.PutTags(ctx, "missing", map[string]string{"a": "b"})
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestStore_List(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	for _, key := range []string{"submissions/1--a/x", "submissions/1--a/y", "submissions/2--b/z"} {
		_, err := store.PutObject(ctx, key, []byte(key))
		require.NoError(t, err)
	}

	var keys []string
	for key, err := range store.List(ctx, "submissions/", "submissions/1--a/x") {
		require.NoError(t, err)
		keys = append(keys, key)
	}
	assert.Equal(t, []string{"submissions/1--a/y", "submissions/2--b/z"}, keys)
}

func TestStore_Download(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	_, err := store.PutObject(ctx, "k", []byte("payload"))
	require.NoError(t, err)

	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer f.Close()

	n, err := store.Download(ctx, "k", f)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	_, err = store.Download(ctx, "missing", f)
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify("op", storage.ErrObjectNotExist), objstore.ErrNotFound)
	assert.ErrorIs(t, classify("op", &googleapi.Error{Code: http.StatusNotFound}), objstore.ErrNotFound)
	assert.True(t, objstore.IsTransient(classify("op", &googleapi.Error{Code: http.StatusTooManyRequests})))
	assert.True(t, objstore.IsTransient(classify("op", &googleapi.Error{Code: http.StatusBadGateway})))
	assert.False(t, objstore.IsTransient(classify("op", &googleapi.Error{Code: http.StatusForbidden})))
	assert.False(t, objstore.IsTransient(classify("op", errors.New("boom"))))
}

func TestStore_PutObject_Transient(t *testing.T) {
	store, bucket := newTestStore()
	bucket.writeErr = &googleapi.Error{Code: http.StatusServiceUnavailable}

	_, err := store.PutObject(context.Background(), "k", []byte("x"))
	assert.True(t, objstore.IsTransient(err))
}
