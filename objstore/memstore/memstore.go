// Package memstore is an in-memory object store that reports digests the
// way a real provider of the configured convention would.
package memstore

import (
	"context"
	"fmt"
	"io"
	"iter"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataBiosphere/ssds/checksum"
	"github.com/DataBiosphere/ssds/objstore"
	"github.com/google/uuid"
)

// Op names a store operation, for hooks.
type Op string

const (
	OpPut      Op = "put"
	OpInitiate Op = "initiate"
	OpPart     Op = "part"
	OpComplete Op = "complete"
	OpAbort    Op = "abort"
	OpMetadata Op = "metadata"
	OpTags     Op = "tags"
	OpList     Op = "list"
	OpDownload Op = "download"
)

// FaultFunc is called before every operation. A non-nil error fails it.
// index is the part index for OpPart and -1 otherwise.
type FaultFunc func(op Op, key string, index int) error

// TransformFunc rewrites the payload received by OpPut and OpPart,
// simulating corruption in transit.
type TransformFunc func(op Op, key string, index int, data []byte) []byte

type object struct {
	data     []byte
	identity string
	tags     map[string]string
	modified time.Time
}

type session struct {
	key   string
	parts map[int][]byte
}

// Store is a thread-safe in-memory objstore.Store.
type Store struct {
	conv checksum.Convention

	mu       sync.Mutex
	objects  map[string]*object
	sessions map[string]*session

	fault     FaultFunc
	transform TransformFunc

	bytesReceived atomic.Int64
	puts          atomic.Int64
	parts         atomic.Int64
	aborts        atomic.Int64
}

var _ objstore.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithFault installs a fault injection hook.
func WithFault(f FaultFunc) Option {
	return func(s *Store) { s.fault = f }
}

// WithTransform installs a payload transform hook.
func WithTransform(f TransformFunc) Option {
	return func(s *Store) { s.transform = f }
}

// New creates an empty store following conv.
func New(conv checksum.Convention, opts ...Option) *Store {
	s := &Store{
		conv:     conv,
		objects:  map[string]*object{},
		sessions: map[string]*session{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Convention() checksum.Convention {
	return s.conv
}

func (s *Store) check(ctx context.Context, op Op, key string, index int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.fault != nil {
		return s.fault(op, key, index)
	}
	return nil
}

func (s *Store) receive(op Op, key string, index int, data []byte) []byte {
	buf := slices.Clone(data)
	if s.transform != nil {
		buf = s.transform(op, key, index, buf)
	}
	s.bytesReceived.Add(int64(len(buf)))
	return buf
}

func (s *Store) PutObject(ctx context.Context, key string, data []byte) (string, error) {
	if err := s.check(ctx, OpPut, key, -1); err != nil {
		return "", err
	}
	buf := s.receive(OpPut, key, -1, data)
	identity := s.conv.ObjectIdentityOf(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = &object{data: buf, identity: identity, tags: map[string]string{}, modified: time.Now()}
	s.puts.Add(1)

	return identity, nil
}

func (s *Store) InitiateMultipart(ctx context.Context, key string) (objstore.Session, error) {
	if err := s.check(ctx, OpInitiate, key, -1); err != nil {
		return objstore.Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.sessions[id] = &session{key: key, parts: map[int][]byte{}}

	return objstore.Session{Key: key, ID: id}, nil
}

func (s *Store) UploadPart(ctx context.Context, sess objstore.Session, index int, data []byte) (string, error) {
	if err := s.check(ctx, OpPart, sess.Key, index); err != nil {
		return "", err
	}
	buf := s.receive(OpPart, sess.Key, index, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.sessions[sess.ID]
	if !ok {
		return "", fmt.Errorf("upload part %d of %s: no such upload %s", index+1, sess.Key, sess.ID)
	}
	up.parts[index] = buf
	s.parts.Add(1)

	return s.conv.PartDigestOf(buf), nil
}

func (s *Store) CompleteMultipart(ctx context.Context, sess objstore.Session, parts []objstore.Part) (string, error) {
	if err := s.check(ctx, OpComplete, sess.Key, -1); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.sessions[sess.ID]
	if !ok {
		return "", fmt.Errorf("complete %s: no such upload %s", sess.Key, sess.ID)
	}

	var assembled []byte
	digests := make([]string, len(parts))
	for i, p := range parts {
		data, ok := up.parts[p.Index]
		if !ok {
			return "", fmt.Errorf("complete %s: part %d was not uploaded", sess.Key, p.Index+1)
		}
		if got := s.conv.PartDigestOf(data); got != p.Digest {
			return "", fmt.Errorf("complete %s: part %d digest %s does not match %s", sess.Key, p.Index+1, p.Digest, got)
		}
		assembled = append(assembled, data...)
		digests[i] = p.Digest
	}

	identity, err := s.conv.CompositeIdentityOf(digests, assembled)
	if err != nil {
		return "", err
	}

	s.objects[sess.Key] = &object{data: assembled, identity: identity, tags: map[string]string{}, modified: time.Now()}
	delete(s.sessions, sess.ID)

	return identity, nil
}

func (s *Store) AbortMultipart(ctx context.Context, sess objstore.Session) error {
	if err := s.check(ctx, OpAbort, sess.Key, -1); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.ID)
	s.aborts.Add(1)

	return nil
}

func (s *Store) GetMetadata(ctx context.Context, key string) (objstore.Metadata, error) {
	if err := s.check(ctx, OpMetadata, key, -1); err != nil {
		return objstore.Metadata{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return objstore.Metadata{}, fmt.Errorf("%s: %w", key, objstore.ErrNotFound)
	}

	return objstore.Metadata{
		Key:          key,
		Size:         int64(len(obj.data)),
		IdentityTag:  obj.identity,
		Tags:         maps.Clone(obj.tags),
		LastModified: obj.modified,
	}, nil
}

func (s *Store) PutTags(ctx context.Context, key string, tags map[string]string) error {
	if err := s.check(ctx, OpTags, key, -1); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return fmt.Errorf("%s: %w", key, objstore.ErrNotFound)
	}
	maps.Copy(obj.tags, tags)

	return nil
}

func (s *Store) List(ctx context.Context, prefix, startAfter string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := s.check(ctx, OpList, prefix, -1); err != nil {
			yield("", err)
			return
		}

		s.mu.Lock()
		var keys []string
		for k := range s.objects {
			if strings.HasPrefix(k, prefix) && k > startAfter {
				keys = append(keys, k)
			}
		}
		s.mu.Unlock()
		slices.Sort(keys)

		for _, k := range keys {
			if !yield(k, nil) {
				return
			}
		}
	}
}

func (s *Store) Download(ctx context.Context, key string, w io.WriterAt) (int64, error) {
	if err := s.check(ctx, OpDownload, key, -1); err != nil {
		return 0, err
	}

	s.mu.Lock()
	obj, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%s: %w", key, objstore.ErrNotFound)
	}

	n, err := w.WriteAt(obj.data, 0)
	return int64(n), err
}

// Object returns a copy of the content stored at key.
func (s *Store) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, false
	}
	return slices.Clone(obj.data), true
}

// OpenSessions returns the number of multipart uploads neither completed nor aborted.
func (s *Store) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// BytesReceived returns the number of payload bytes received by puts and parts.
func (s *Store) BytesReceived() int64 {
	return s.bytesReceived.Load()
}

// Aborts returns the number of aborted multipart uploads.
func (s *Store) Aborts() int64 {
	return s.aborts.Load()
}

// PartUploads returns the number of accepted part uploads.
func (s *Store) PartUploads() int64 {
	return s.parts.Load()
}

// Puts returns the number of single part uploads.
func (s *Store) Puts() int64 {
	return s.puts.Load()
}
