package gsstore

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
	"github.com/DataBiosphere/ssds/checksum"
)

// bucketHandle abstracts a GCS bucket handle for testability.
type bucketHandle interface {
	Objects(ctx context.Context, q *storage.Query) objectIterator
	Object(name string) objectHandle
}

// objectIterator abstracts a GCS object iterator.
type objectIterator interface {
	Next() (*storage.ObjectAttrs, error)
}

// objectHandle abstracts a GCS object handle.
type objectHandle interface {
	NewReader(ctx context.Context) (io.ReadCloser, error)
	// Write stores data, asking the server to check its CRC32C.
	Write(ctx context.Context, data []byte) (*storage.ObjectAttrs, error)
	// ComposeFrom replaces the object with the concatenation of srcs.
	ComposeFrom(ctx context.Context, srcs []string) (*storage.ObjectAttrs, error)
	Delete(ctx context.Context) error
	Attrs(ctx context.Context) (*storage.ObjectAttrs, error)
	Update(ctx context.Context, uattrs storage.ObjectAttrsToUpdate) (*storage.ObjectAttrs, error)
}

// realBucketHandle wraps *storage.BucketHandle to satisfy bucketHandle.
type realBucketHandle struct{ bh *storage.BucketHandle }

func (r *realBucketHandle) Objects(ctx context.Context, q *storage.Query) objectIterator {
	return r.bh.Objects(ctx, q)
}

func (r *realBucketHandle) Object(name string) objectHandle {
	return &realObjectHandle{bh: r.bh, oh: r.bh.Object(name)}
}

// realObjectHandle wraps *storage.ObjectHandle to satisfy objectHandle.
type realObjectHandle struct {
	bh *storage.BucketHandle
	oh *storage.ObjectHandle
}

func (r *realObjectHandle) NewReader(ctx context.Context) (io.ReadCloser, error) {
	return r.oh.NewReader(ctx)
}

func (r *realObjectHandle) Write(ctx context.Context, data []byte) (*storage.ObjectAttrs, error) {
	w := r.oh.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.CRC32C = checksum.CRC32C(data)
	w.SendCRC32C = true

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return w.Attrs(), nil
}

func (r *realObjectHandle) ComposeFrom(ctx context.Context, srcs []string) (*storage.ObjectAttrs, error) {
	handles := make([]*storage.ObjectHandle, len(srcs))
	for i, name := range srcs {
		handles[i] = r.bh.Object(name)
	}
	composer := r.oh.ComposerFrom(handles...)
	composer.ContentType = "application/octet-stream"
	return composer.Run(ctx)
}

func (r *realObjectHandle) Delete(ctx context.Context) error { return r.oh.Delete(ctx) }

func (r *realObjectHandle) Attrs(ctx context.Context) (*storage.ObjectAttrs, error) {
	return r.oh.Attrs(ctx)
}

func (r *realObjectHandle) Update(ctx context.Context, uattrs storage.ObjectAttrsToUpdate) (*storage.ObjectAttrs, error) {
	return r.oh.Update(ctx, uattrs)
}
