// Package miniostore implements objstore.Store on S3 compatible endpoints
// through the MinIO client.
package miniostore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"iter"
	"maps"
	"net/http"
	"net/url"
	"sort"

	"github.com/DataBiosphere/ssds/checksum"
	"github.com/DataBiosphere/ssds/objstore"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/tags"
)

// API is the subset of minio.Core the store uses, with the channel based
// listing of minio.Client.
type API interface {
	PutObject(ctx context.Context, bucket, object string, data io.Reader, size int64, md5Base64, sha256Hex string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	NewMultipartUpload(ctx context.Context, bucket, object string, opts minio.PutObjectOptions) (string, error)
	PutObjectPart(ctx context.Context, bucket, object, uploadID string, partID int, data io.Reader, size int64, opts minio.PutObjectPartOptions) (minio.ObjectPart, error)
	CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []minio.CompletePart, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error
	StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	GetObjectTagging(ctx context.Context, bucket, object string, opts minio.GetObjectTaggingOptions) (*tags.Tags, error)
	PutObjectTagging(ctx context.Context, bucket, object string, otags *tags.Tags, opts minio.PutObjectTaggingOptions) error
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	GetObject(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (io.ReadCloser, minio.ObjectInfo, http.Header, error)
}

// core lists through minio.Client; minio.Core shadows ListObjects with
// the single page V1 call.
type core struct {
	*minio.Core
}

func (c core) ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	return c.Client.ListObjects(ctx, bucket, opts)
}

var _ API = core{}

// Params ...
type Params struct {
	// Endpoint is host:port, or a URL whose scheme selects TLS.
	Endpoint        string
	Bucket          string
	Region          string
	Insecure        bool
	AccessKeyID     string
	SecretAccessKey string
}

// Store is a bucket on an S3 compatible server.
type Store struct {
	client API
	bucket string
	logger log.Logger
}

var _ objstore.Store = (*Store)(nil)

// New connects to params.Endpoint. HTTP requests go through a retrying transport.
func New(params Params, logger log.Logger) (*Store, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	host, secure, err := parseEndpoint(params.Endpoint, params.Insecure)
	if err != nil {
		return nil, err
	}

	c, err := minio.NewCore(host, &minio.Options{
		Creds:        credentials.NewStaticV4(params.AccessKeyID, params.SecretAccessKey, ""),
		Secure:       secure,
		Region:       params.Region,
		BucketLookup: minio.BucketLookupPath,
		Transport:    &retryablehttp.RoundTripper{Client: retryhttp.NewClient(logger)},
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client for %s: %w", params.Endpoint, err)
	}

	return NewWithClient(core{Core: c}, params.Bucket, logger), nil
}

// NewWithClient creates a Store on an existing client.
func NewWithClient(client API, bucket string, logger log.Logger) *Store {
	return &Store{client: client, bucket: bucket, logger: logger}
}

func parseEndpoint(endpoint string, insecure bool) (string, bool, error) {
	if endpoint == "" {
		return "", false, fmt.Errorf("endpoint must not be empty")
	}

	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		// Plain host:port.
		return endpoint, !insecure, nil
	}

	switch u.Scheme {
	case "http":
		return u.Host, false, nil
	case "https":
		return u.Host, true, nil
	default:
		return "", false, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
}

func (s *Store) Convention() checksum.Convention {
	return checksum.S3ETag{}
}

func md5Base64(data []byte) string {
	sum := md5.Sum(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func (s *Store) PutObject(ctx context.Context, key string, data []byte) (string, error) {
	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), md5Base64(data), "",
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return "", classify("put object "+key, err)
	}
	return checksum.NormalizeETag(info.ETag), nil
}

func (s *Store) InitiateMultipart(ctx context.Context, key string) (objstore.Session, error) {
	id, err := s.client.NewMultipartUpload(ctx, s.bucket, key, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return objstore.Session{}, classify("initiate multipart upload "+key, err)
	}
	return objstore.Session{Key: key, ID: id}, nil
}

func (s *Store) UploadPart(ctx context.Context, sess objstore.Session, index int, data []byte) (string, error) {
	part, err := s.client.PutObjectPart(ctx, s.bucket, sess.Key, sess.ID, index+1, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectPartOptions{Md5Base64: md5Base64(data)})
	if err != nil {
		return "", classify(fmt.Sprintf("upload part %d of %s", index+1, sess.Key), err)
	}
	return checksum.NormalizeETag(part.ETag), nil
}

func (s *Store) CompleteMultipart(ctx context.Context, sess objstore.Session, parts []objstore.Part) (string, error) {
	completed := make([]minio.CompletePart, len(parts))
	for i, p := range parts {
		completed[i] = minio.CompletePart{PartNumber: p.Index + 1, ETag: p.Digest}
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].PartNumber < completed[j].PartNumber })

	info, err := s.client.CompleteMultipartUpload(ctx, s.bucket, sess.Key, sess.ID, completed, minio.PutObjectOptions{})
	if err != nil {
		return "", classify("complete multipart upload "+sess.Key, err)
	}
	return checksum.NormalizeETag(info.ETag), nil
}

func (s *Store) AbortMultipart(ctx context.Context, sess objstore.Session) error {
	err := s.client.AbortMultipartUpload(ctx, s.bucket, sess.Key, sess.ID)
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchUpload" {
		return classify("abort multipart upload "+sess.Key, err)
	}
	return nil
}

func (s *Store) GetMetadata(ctx context.Context, key string) (objstore.Metadata, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return objstore.Metadata{}, classify("stat object "+key, err)
	}

	objectTags, err := s.getTags(ctx, key)
	if err != nil {
		return objstore.Metadata{}, err
	}

	return objstore.Metadata{
		Key:          key,
		Size:         info.Size,
		IdentityTag:  checksum.NormalizeETag(info.ETag),
		Tags:         objectTags,
		LastModified: info.LastModified,
	}, nil
}

func (s *Store) getTags(ctx context.Context, key string) (map[string]string, error) {
	t, err := s.client.GetObjectTagging(ctx, s.bucket, key, minio.GetObjectTaggingOptions{})
	if err != nil {
		return nil, classify("get object tagging "+key, err)
	}
	if t == nil {
		return map[string]string{}, nil
	}
	return t.ToMap(), nil
}

func (s *Store) PutTags(ctx context.Context, key string, newTags map[string]string) error {
	merged, err := s.getTags(ctx, key)
	if err != nil {
		return err
	}
	maps.Copy(merged, newTags)

	t, err := tags.NewTags(merged, true)
	if err != nil {
		return fmt.Errorf("tags of %s: %w", key, err)
	}

	if err := s.client.PutObjectTagging(ctx, s.bucket, key, t, minio.PutObjectTaggingOptions{}); err != nil {
		return classify("put object tagging "+key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix, startAfter string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
			Prefix:     prefix,
			StartAfter: startAfter,
			Recursive:  true,
		})
		for obj := range objects {
			if obj.Err != nil {
				yield("", classify("list objects "+prefix, obj.Err))
				return
			}
			if !yield(obj.Key, nil) {
				return
			}
		}
	}
}

func (s *Store) Download(ctx context.Context, key string, w io.WriterAt) (int64, error) {
	body, _, _, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return 0, classify("get object "+key, err)
	}
	defer func() {
		if err := body.Close(); err != nil {
			s.logger.Warnf("close %s: %s", key, err)
		}
	}()

	n, err := io.Copy(io.NewOffsetWriter(w, 0), body)
	if err != nil {
		return n, classify("download "+key, err)
	}
	return n, nil
}

// classify maps MinIO errors onto objstore.ErrNotFound and objstore.TransientError.
func classify(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, objstore.ErrNotFound)
	case resp.Code == "SlowDown" || resp.Code == "RequestTimeout" || objstore.IsStatusTransient(resp.StatusCode):
		return objstore.NewTransient(op, err)
	case objstore.IsTransient(err), errors.Is(err, io.ErrUnexpectedEOF):
		return objstore.NewTransient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
