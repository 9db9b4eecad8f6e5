// Package objstore defines the object store capability the uploader and the
// sync engine work against. Provider backends live in subpackages.
package objstore

import (
	"context"
	"io"
	"iter"
	"time"

	"github.com/DataBiosphere/ssds/checksum"
)

// Session is an open multipart upload.
type Session struct {
	Key string
	ID  string
}

// Part is an acknowledged multipart part. Index is the zero based chunk
// index; backends translate it to provider part numbers.
type Part struct {
	Index  int
	Digest string
}

// Metadata describes a stored object.
type Metadata struct {
	Key  string
	Size int64
	// IdentityTag is the digest the provider reports for the object, formatted
	// according to the store's checksum convention.
	IdentityTag  string
	Tags         map[string]string
	LastModified time.Time
}

// Store is an object store bucket.
type Store interface {
	Convention() checksum.Convention

	PutObject(ctx context.Context, key string, data []byte) (identityTag string, err error)

	InitiateMultipart(ctx context.Context, key string) (Session, error)
	UploadPart(ctx context.Context, s Session, index int, data []byte) (digest string, err error)
	CompleteMultipart(ctx context.Context, s Session, parts []Part) (identityTag string, err error)
	AbortMultipart(ctx context.Context, s Session) error

	// GetMetadata returns ErrNotFound if no object exists at key.
	GetMetadata(ctx context.Context, key string) (Metadata, error)
	PutTags(ctx context.Context, key string, tags map[string]string) error

	// List yields keys with the given prefix in lexical order, starting after
	// startAfter. Iteration stops at the first error.
	List(ctx context.Context, prefix, startAfter string) iter.Seq2[string, error]

	// Download writes the object's content to w and returns its size.
	Download(ctx context.Context, key string, w io.WriterAt) (int64, error)
}
