// Package s3store implements objstore.Store on AWS S3.
package s3store

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
	"sort"
	"time"

	"github.com/DataBiosphere/ssds/checksum"
	"github.com/DataBiosphere/ssds/objstore"
	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	numTaggingRetries = 3
	taggingRetryWait  = time.Second
	downloadPartSize  = 64 * 1024 * 1024
)

// API is the subset of the S3 client the store uses.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	GetObjectTagging(ctx context.Context, params *s3.GetObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.GetObjectTaggingOutput, error)
	PutObjectTagging(ctx context.Context, params *s3.PutObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.PutObjectTaggingOutput, error)
}

var _ API = (*s3.Client)(nil)

// Store is a bucket on S3.
type Store struct {
	client     API
	bucket     string
	downloader *manager.Downloader
	logger     log.Logger
}

var _ objstore.Store = (*Store)(nil)

// New loads AWS credentials and opens params.Bucket.
func New(ctx context.Context, params Params, logger log.Logger) (*Store, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSConfig(ctx, params, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return NewWithClient(s3.NewFromConfig(*cfg), params.Bucket, logger), nil
}

// NewWithClient creates a Store on an existing client.
func NewWithClient(client API, bucket string, logger log.Logger) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			d.PartSize = downloadPartSize
		}),
		logger: logger,
	}
}

func (s *Store) Convention() checksum.Convention {
	return checksum.S3ETag{}
}

func contentMD5(data []byte) *string {
	sum := md5.Sum(data)
	return aws.String(base64.StdEncoding.EncodeToString(sum[:]))
}

func (s *Store) PutObject(ctx context.Context, key string, data []byte) (string, error) {
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentMD5:    contentMD5(data),
	})
	if err != nil {
		return "", classify("put object "+key, err)
	}
	return checksum.NormalizeETag(aws.ToString(out.ETag)), nil
}

func (s *Store) InitiateMultipart(ctx context.Context, key string) (objstore.Session, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return objstore.Session{}, classify("create multipart upload "+key, err)
	}
	return objstore.Session{Key: key, ID: aws.ToString(out.UploadId)}, nil
}

func (s *Store) UploadPart(ctx context.Context, sess objstore.Session, index int, data []byte) (string, error) {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(sess.Key),
		UploadId:      aws.String(sess.ID),
		PartNumber:    aws.Int32(int32(index + 1)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentMD5:    contentMD5(data),
	})
	if err != nil {
		return "", classify(fmt.Sprintf("upload part %d of %s", index+1, sess.Key), err)
	}
	return checksum.NormalizeETag(aws.ToString(out.ETag)), nil
}

func (s *Store) CompleteMultipart(ctx context.Context, sess objstore.Session, parts []objstore.Part) (string, error) {
	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(p.Digest),
			PartNumber: aws.Int32(int32(p.Index + 1)),
		}
	}
	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})

	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(sess.Key),
		UploadId:        aws.String(sess.ID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return "", classify("complete multipart upload "+sess.Key, err)
	}
	return checksum.NormalizeETag(aws.ToString(out.ETag)), nil
}

func (s *Store) AbortMultipart(ctx context.Context, sess objstore.Session) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(sess.Key),
		UploadId: aws.String(sess.ID),
	})
	if err != nil {
		var noSuchUpload *types.NoSuchUpload
		if errors.As(err, &noSuchUpload) {
			return nil
		}
		return classify("abort multipart upload "+sess.Key, err)
	}
	return nil
}

func (s *Store) GetMetadata(ctx context.Context, key string) (objstore.Metadata, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return objstore.Metadata{}, classify("head object "+key, err)
	}

	tags, err := s.getTags(ctx, key)
	if err != nil {
		return objstore.Metadata{}, err
	}

	return objstore.Metadata{
		Key:          key,
		Size:         aws.ToInt64(head.ContentLength),
		IdentityTag:  checksum.NormalizeETag(aws.ToString(head.ETag)),
		Tags:         tags,
		LastModified: aws.ToTime(head.LastModified),
	}, nil
}

func (s *Store) getTags(ctx context.Context, key string) (map[string]string, error) {
	out, err := s.client.GetObjectTagging(ctx, &s3.GetObjectTaggingInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify("get object tagging "+key, err)
	}

	tags := make(map[string]string, len(out.TagSet))
	for _, t := range out.TagSet {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return tags, nil
}

// PutTags merges tags into the object's tag set. A freshly written object
// may not be visible to the tagging API right away, so NotFound is retried.
func (s *Store) PutTags(ctx context.Context, key string, tags map[string]string) error {
	return retry.Times(numTaggingRetries).Wait(taggingRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		existing, err := s.getTags(ctx, key)
		if err != nil {
			if errors.Is(err, objstore.ErrNotFound) && ctx.Err() == nil {
				s.logger.Debugf("%s not visible to tagging yet (attempt %d)", key, attempt+1)
				return err, false
			}
			return err, true
		}
		maps.Copy(existing, tags)

		tagSet := make([]types.Tag, 0, len(existing))
		for k, v := range existing {
			tagSet = append(tagSet, types.Tag{Key: aws.String(k), Value: aws.String(v)})
		}
		sort.Slice(tagSet, func(i, j int) bool { return aws.ToString(tagSet[i].Key) < aws.ToString(tagSet[j].Key) })

		_, err = s.client.PutObjectTagging(ctx, &s3.PutObjectTaggingInput{
			Bucket:  aws.String(s.bucket),
			Key:     aws.String(key),
			Tagging: &types.Tagging{TagSet: tagSet},
		})
		if err != nil {
			return classify("put object tagging "+key, err), true
		}
		return nil, true
	})
}

func (s *Store) List(ctx context.Context, prefix, startAfter string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		input := &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(prefix),
		}
		if startAfter != "" {
			input.StartAfter = aws.String(startAfter)
		}

		paginator := s3.NewListObjectsV2Paginator(s.client, input)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield("", classify("list objects "+prefix, err))
				return
			}
			for _, obj := range page.Contents {
				if !yield(aws.ToString(obj.Key), nil) {
					return
				}
			}
		}
	}
}

func (s *Store) Download(ctx context.Context, key string, w io.WriterAt) (int64, error) {
	n, err := s.downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return n, classify("download "+key, err)
	}
	return n, nil
}

// classify maps S3 errors onto objstore.ErrNotFound and objstore.TransientError.
func classify(op string, err error) error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return fmt.Errorf("%s: %w", op, objstore.ErrNotFound)
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch status := respErr.HTTPStatusCode(); {
		case status == 404:
			return fmt.Errorf("%s: %w", op, objstore.ErrNotFound)
		case objstore.IsStatusTransient(status):
			return objstore.NewTransient(op, err)
		}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return objstore.NewTransient(op, err)
		}
	}

	if objstore.IsTransient(err) {
		return objstore.NewTransient(op, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}
