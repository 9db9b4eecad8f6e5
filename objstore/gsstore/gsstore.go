// Package gsstore implements objstore.Store on Google Cloud Storage.
//
// GCS has no multipart session API. Parts are written as temporary objects
// under a session prefix and composed into the destination on completion.
package gsstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"maps"
	"net/http"
	"path"

	"cloud.google.com/go/storage"
	"github.com/DataBiosphere/ssds/checksum"
	"github.com/DataBiosphere/ssds/objstore"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const (
	// MaxComposeSources is the number of source objects a single compose request accepts.
	MaxComposeSources = 32
	// SessionPrefix holds the temporary part objects of open sessions.
	SessionPrefix = ".ssds-multipart/"
)

// Params ...
type Params struct {
	Bucket string
	// Project is billed for requests, which requester pays buckets need.
	Project         string
	CredentialsFile string
}

// Store is a GCS bucket.
type Store struct {
	client *storage.Client
	bucket bucketHandle
	name   string
	logger log.Logger
}

var _ objstore.Store = (*Store)(nil)

// New creates a storage client for params.Bucket.
func New(ctx context.Context, params Params, logger log.Logger) (*Store, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	var opts []option.ClientOption
	if params.CredentialsFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, params.CredentialsFile))
	}
	if params.Project != "" {
		opts = append(opts, option.WithQuotaProject(params.Project))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}

	bh := client.Bucket(params.Bucket)
	if params.Project != "" {
		bh = bh.UserProject(params.Project)
	}

	s := newStore(&realBucketHandle{bh: bh}, params.Bucket, logger)
	s.client = client
	return s, nil
}

func newStore(bucket bucketHandle, name string, logger log.Logger) *Store {
	return &Store{bucket: bucket, name: name, logger: logger}
}

// Close releases the storage client.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) Convention() checksum.Convention {
	return checksum.GSCRC32C{}
}

func identityOf(attrs *storage.ObjectAttrs) string {
	return checksum.EncodeCRC32C(attrs.CRC32C)
}

func (s *Store) PutObject(ctx context.Context, key string, data []byte) (string, error) {
	attrs, err := s.bucket.Object(key).Write(ctx, data)
	if err != nil {
		return "", classify("write "+key, err)
	}
	return identityOf(attrs), nil
}

func sessionDir(id string) string {
	return SessionPrefix + id + "/"
}

func partName(id string, index int) string {
	return fmt.Sprintf("%s%06d", sessionDir(id), index)
}

func (s *Store) InitiateMultipart(_ context.Context, key string) (objstore.Session, error) {
	return objstore.Session{Key: key, ID: uuid.NewString()}, nil
}

func (s *Store) UploadPart(ctx context.Context, sess objstore.Session, index int, data []byte) (string, error) {
	name := partName(sess.ID, index)
	attrs, err := s.bucket.Object(name).Write(ctx, data)
	if err != nil {
		return "", classify(fmt.Sprintf("write part %d of %s", index+1, sess.Key), err)
	}
	return identityOf(attrs), nil
}

// CompleteMultipart composes the parts into the destination, at most
// MaxComposeSources at a time, then removes the session's temporary objects.
func (s *Store) CompleteMultipart(ctx context.Context, sess objstore.Session, parts []objstore.Part) (string, error) {
	if len(parts) == 0 {
		return "", fmt.Errorf("complete %s: no parts", sess.Key)
	}

	names := make([]string, len(parts))
	for _, p := range parts {
		if p.Index < 0 || p.Index >= len(parts) || names[p.Index] != "" {
			return "", fmt.Errorf("complete %s: unexpected part %d", sess.Key, p.Index+1)
		}
		names[p.Index] = partName(sess.ID, p.Index)
	}

	for level := 0; len(names) > MaxComposeSources; level++ {
		var next []string
		for i := 0; i < len(names); i += MaxComposeSources {
			batch := names[i:min(i+MaxComposeSources, len(names))]
			dst := fmt.Sprintf("%scompose-%d-%06d", sessionDir(sess.ID), level, i/MaxComposeSources)
			if _, err := s.bucket.Object(dst).ComposeFrom(ctx, batch); err != nil {
				return "", classify("compose "+dst, err)
			}
			next = append(next, dst)
		}
		names = next
	}

	attrs, err := s.bucket.Object(sess.Key).ComposeFrom(ctx, names)
	if err != nil {
		return "", classify("compose "+sess.Key, err)
	}

	if err := s.removeSession(ctx, sess); err != nil {
		s.logger.Warnf("Failed to remove temporary parts of %s: %s", sess.Key, err)
	}

	return identityOf(attrs), nil
}

func (s *Store) AbortMultipart(ctx context.Context, sess objstore.Session) error {
	return s.removeSession(ctx, sess)
}

func (s *Store) removeSession(ctx context.Context, sess objstore.Session) error {
	var errs []error
	for name, err := range s.List(ctx, sessionDir(sess.ID), "") {
		if err != nil {
			return err
		}
		if err := s.bucket.Object(name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			errs = append(errs, classify("delete "+name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Store) GetMetadata(ctx context.Context, key string) (objstore.Metadata, error) {
	attrs, err := s.bucket.Object(key).Attrs(ctx)
	if err != nil {
		return objstore.Metadata{}, classify("attrs of "+key, err)
	}

	tags := make(map[string]string, len(attrs.Metadata))
	maps.Copy(tags, attrs.Metadata)

	return objstore.Metadata{
		Key:          key,
		Size:         attrs.Size,
		IdentityTag:  identityOf(attrs),
		Tags:         tags,
		LastModified: attrs.Updated,
	}, nil
}

func (s *Store) PutTags(ctx context.Context, key string, tags map[string]string) error {
	obj := s.bucket.Object(key)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return classify("attrs of "+key, err)
	}

	merged := make(map[string]string, len(attrs.Metadata)+len(tags))
	maps.Copy(merged, attrs.Metadata)
	maps.Copy(merged, tags)

	if _, err := obj.Update(ctx, storage.ObjectAttrsToUpdate{Metadata: merged}); err != nil {
		return classify("update metadata of "+key, err)
	}
	return nil
}

// List uses the query start offset, which is inclusive, and skips startAfter itself.
func (s *Store) List(ctx context.Context, prefix, startAfter string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		q := &storage.Query{Prefix: prefix, StartOffset: startAfter}
		if err := q.SetAttrSelection([]string{"Name"}); err != nil {
			yield("", err)
			return
		}

		it := s.bucket.Objects(ctx, q)
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				yield("", classify("list "+path.Join(s.name, prefix), err))
				return
			}
			if attrs.Name == startAfter {
				continue
			}
			if !yield(attrs.Name, nil) {
				return
			}
		}
	}
}

func (s *Store) Download(ctx context.Context, key string, w io.WriterAt) (int64, error) {
	r, err := s.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return 0, classify("read "+key, err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			s.logger.Warnf("close %s: %s", key, err)
		}
	}()

	n, err := io.Copy(io.NewOffsetWriter(w, 0), r)
	if err != nil {
		return n, classify("download "+key, err)
	}
	return n, nil
}

// classify maps GCS errors onto objstore.ErrNotFound and objstore.TransientError.
func classify(op string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%s: %w", op, objstore.ErrNotFound)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusNotFound:
			return fmt.Errorf("%s: %w", op, objstore.ErrNotFound)
		case objstore.IsStatusTransient(apiErr.Code):
			return objstore.NewTransient(op, err)
		}
	}

	if objstore.IsTransient(err) || errors.Is(err, io.ErrUnexpectedEOF) {
		return objstore.NewTransient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
