// Package localstore implements objstore.Store on a local directory.
// Payloads are content addressed files; keys, digests, tags and open
// multipart sessions live in a sqlite database next to them.
package localstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/DataBiosphere/ssds/checksum"
	"github.com/DataBiosphere/ssds/objstore"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

var listPageSize = 1000

//go:embed migrations
var migrationsFS embed.FS

// ErrNoSuchUpload is returned for part operations on an unknown session.
var ErrNoSuchUpload = errors.New("no such upload")

// Store is a directory backed object store.
type Store struct {
	dir    string
	db     *sql.DB
	logger log.Logger

	// payloadMu guards publishing payload files together with the rows
	// referencing them, and removing payloads nothing references.
	payloadMu sync.Mutex
}

var _ objstore.Store = (*Store)(nil)

// initSchema applies the embedded migrations in lexicographical order.
func initSchema(ctx context.Context, db *sql.DB, logger log.Logger) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", path, err)
		}

		logger.Debugf("Running migration %s", path)
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("run migration %s: %w", path, err)
		}
		return nil
	})
}

// Open opens or creates a store rooted at dir.
func Open(ctx context.Context, dir string, logger log.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("dir must not be empty")
	}

	for _, sub := range []string{"objects", "parts", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", filepath.Join(dir, "metadata.sqlite"))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serializes writers.
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{dir: dir, db: db, logger: logger}, nil
}

// Close closes the metadata database.
func (s *Store) Close() error {
	return s.db.Close()
}

func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) Convention() checksum.Convention {
	return checksum.S3ETag{}
}

func (s *Store) objectPath(hashHex string) string {
	return filepath.Join(s.dir, "objects", hashHex[:2], hashHex)
}

func (s *Store) sessionDir(id string) string {
	return filepath.Join(s.dir, "parts", id)
}

func (s *Store) partPath(id string, index int) string {
	return filepath.Join(s.sessionDir(id), fmt.Sprintf("%06d", index))
}

// writeFile writes data through a temp file and renames it into place.
func (s *Store) writeFile(dst string, write func(w io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Join(s.dir, "tmp"), "write-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// payload is content staged in the tmp area, not yet visible under objects/.
type payload struct {
	tmp     string
	hashHex string
	size    int64
}

// stagePayload writes the content produced by write into a temp file and
// hashes it. The caller publishes or discards the result.
func (s *Store) stagePayload(write func(w io.Writer) error) (payload, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.dir, "tmp"), "payload-*")
	if err != nil {
		return payload{}, err
	}

	hash := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(tmp, hash)}
	if err := write(counter); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return payload{}, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return payload{}, err
	}
	return payload{tmp: tmp.Name(), hashHex: hex.EncodeToString(hash.Sum(nil)), size: counter.n}, nil
}

func (p payload) discard() {
	_ = os.Remove(p.tmp)
}

// publish moves p into the content addressed area and points key at it.
// The previous payload of key is removed once nothing references it.
func (s *Store) publish(ctx context.Context, key, etag string, p payload) error {
	defer p.discard()

	s.payloadMu.Lock()
	defer s.payloadMu.Unlock()

	dst := s.objectPath(p.hashHex)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	if err := os.Rename(p.tmp, dst); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}

	previous, err := s.putRecord(ctx, key, p.size, etag, p.hashHex)
	if err != nil {
		s.removeUnreferenced(ctx, p.hashHex)
		return err
	}
	if previous != "" && previous != p.hashHex {
		s.removeUnreferenced(ctx, previous)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// putRecord replaces the object row for key, dropping its tags, and returns
// the payload hash the row pointed at before.
func (s *Store) putRecord(ctx context.Context, key string, size int64, etag, hashHex string) (string, error) {
	var previous sql.NullString
	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT sha256 FROM objects WHERE key = ?`, key).Scan(&previous)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE key = ?`, key); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO objects(key, size, etag, sha256, modified_at) VALUES(?, ?, ?, ?, ?)`,
			key, size, etag, hashHex, time.Now().UTC())
		return err
	})
	if err != nil {
		return "", classify("record "+key, err)
	}
	return previous.String, nil
}

// removeUnreferenced deletes the payload hashHex if no row references it.
// Callers hold payloadMu.
func (s *Store) removeUnreferenced(ctx context.Context, hashHex string) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE sha256 = ?`, hashHex).Scan(&count); err != nil {
		s.logger.Warnf("Failed to count references to %s: %s", hashHex, err)
		return
	}
	if count > 0 {
		return
	}
	if err := os.Remove(s.objectPath(hashHex)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warnf("Failed to remove payload %s: %s", hashHex, err)
	}
}

func (s *Store) PutObject(ctx context.Context, key string, data []byte) (string, error) {
	p, err := s.stagePayload(func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("store %s: %w", key, err)
	}

	etag := checksum.MD5Hex(data)
	if err := s.publish(ctx, key, etag, p); err != nil {
		return "", err
	}
	return etag, nil
}

func (s *Store) InitiateMultipart(ctx context.Context, key string) (objstore.Session, error) {
	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `INSERT INTO uploads(id, key, created_at) VALUES(?, ?, ?)`, id, key, time.Now().UTC()); err != nil {
		return objstore.Session{}, classify("initiate "+key, err)
	}
	return objstore.Session{Key: key, ID: id}, nil
}

func (s *Store) uploadExists(ctx context.Context, sess objstore.Session) error {
	var key string
	err := s.db.QueryRowContext(ctx, `SELECT key FROM uploads WHERE id = ?`, sess.ID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && key != sess.Key) {
		return fmt.Errorf("%s: %w", sess.ID, ErrNoSuchUpload)
	}
	return err
}

func (s *Store) UploadPart(ctx context.Context, sess objstore.Session, index int, data []byte) (string, error) {
	op := fmt.Sprintf("upload part %d of %s", index+1, sess.Key)
	if err := s.uploadExists(ctx, sess); err != nil {
		return "", classify(op, err)
	}

	if err := s.writeFile(s.partPath(sess.ID, index), func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	etag := checksum.MD5Hex(data)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upload_parts(upload_id, part_index, etag, size) VALUES(?, ?, ?, ?)
		 ON CONFLICT(upload_id, part_index) DO UPDATE SET etag = excluded.etag, size = excluded.size`,
		sess.ID, index, etag, len(data))
	if err != nil {
		return "", classify(op, err)
	}
	return etag, nil
}

func (s *Store) CompleteMultipart(ctx context.Context, sess objstore.Session, parts []objstore.Part) (string, error) {
	op := "complete " + sess.Key
	if err := s.uploadExists(ctx, sess); err != nil {
		return "", classify(op, err)
	}

	stored := map[int]string{}
	rows, err := s.db.QueryContext(ctx, `SELECT part_index, etag FROM upload_parts WHERE upload_id = ?`, sess.ID)
	if err != nil {
		return "", classify(op, err)
	}
	for rows.Next() {
		var index int
		var etag string
		if err := rows.Scan(&index, &etag); err != nil {
			_ = rows.Close()
			return "", classify(op, err)
		}
		stored[index] = etag
	}
	if err := rows.Close(); err != nil {
		return "", classify(op, err)
	}

	digests := make([]string, len(parts))
	for i, p := range parts {
		if p.Index != i {
			return "", fmt.Errorf("%s: parts out of order at part %d", op, i+1)
		}
		if etag, ok := stored[p.Index]; !ok || etag != p.Digest {
			return "", fmt.Errorf("%s: part %d does not match the uploaded part", op, p.Index+1)
		}
		digests[i] = p.Digest
	}

	etag, err := checksum.CompositeETagFromHex(digests)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	staged, err := s.stagePayload(func(w io.Writer) error {
		for _, p := range parts {
			if err := appendFile(w, s.partPath(sess.ID, p.Index)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if err := s.publish(ctx, sess.Key, etag, staged); err != nil {
		return "", err
	}

	if err := s.AbortMultipart(ctx, sess); err != nil {
		s.logger.Warnf("Failed to clean up session %s: %s", sess.ID, err)
	}
	return etag, nil
}

func appendFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	_, err = io.Copy(w, f)
	return err
}

func (s *Store) AbortMultipart(ctx context.Context, sess objstore.Session) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, sess.ID); err != nil {
		return classify("abort "+sess.Key, err)
	}
	if err := os.RemoveAll(s.sessionDir(sess.ID)); err != nil {
		return fmt.Errorf("abort %s: %w", sess.Key, err)
	}
	return nil
}

type record struct {
	size     int64
	etag     string
	hashHex  string
	modified time.Time
}

func (s *Store) lookup(ctx context.Context, key string) (record, error) {
	var r record
	err := s.db.QueryRowContext(ctx,
		`SELECT size, etag, sha256, modified_at FROM objects WHERE key = ?`, key).
		Scan(&r.size, &r.etag, &r.hashHex, &r.modified)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%s: %w", key, objstore.ErrNotFound)
	}
	if err != nil {
		return r, classify("lookup "+key, err)
	}
	return r, nil
}

func (s *Store) GetMetadata(ctx context.Context, key string) (objstore.Metadata, error) {
	r, err := s.lookup(ctx, key)
	if err != nil {
		return objstore.Metadata{}, err
	}

	tags := map[string]string{}
	rows, err := s.db.QueryContext(ctx, `SELECT tag_key, tag_value FROM object_tags WHERE key = ? ORDER BY tag_key`, key)
	if err != nil {
		return objstore.Metadata{}, classify("tags of "+key, err)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return objstore.Metadata{}, classify("tags of "+key, err)
		}
		tags[k] = v
	}
	if err := rows.Err(); err != nil {
		return objstore.Metadata{}, classify("tags of "+key, err)
	}

	return objstore.Metadata{
		Key:          key,
		Size:         r.size,
		IdentityTag:  r.etag,
		Tags:         tags,
		LastModified: r.modified,
	}, nil
}

func (s *Store) PutTags(ctx context.Context, key string, tags map[string]string) error {
	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM objects WHERE key = ?`, key).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return objstore.ErrNotFound
			}
			return err
		}

		for k, v := range tags {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO object_tags(key, tag_key, tag_value) VALUES(?, ?, ?)
				 ON CONFLICT(key, tag_key) DO UPDATE SET tag_value = excluded.tag_value`,
				key, k, v)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return classify("tag "+key, err)
	}
	return nil
}

// List reads keys a page at a time so no cursor stays open while the caller
// runs other operations on the single connection.
func (s *Store) List(ctx context.Context, prefix, startAfter string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		after := startAfter
		for {
			keys, err := s.listPage(ctx, prefix, after)
			if err != nil {
				yield("", classify("list "+prefix, err))
				return
			}
			for _, key := range keys {
				if !yield(key, nil) {
					return
				}
			}
			if len(keys) < listPageSize {
				return
			}
			after = keys[len(keys)-1]
		}
	}
}

func (s *Store) listPage(ctx context.Context, prefix, after string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM objects WHERE substr(key, 1, length(?)) = ? AND key > ? ORDER BY key LIMIT ?`,
		prefix, prefix, after, listPageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *Store) Download(ctx context.Context, key string, w io.WriterAt) (int64, error) {
	r, err := s.lookup(ctx, key)
	if err != nil {
		return 0, err
	}

	f, err := os.Open(s.objectPath(r.hashHex))
	if err != nil {
		return 0, fmt.Errorf("open payload of %s: %w", key, err)
	}
	defer f.Close() //nolint:errcheck

	return io.Copy(io.NewOffsetWriter(w, 0), f)
}

// classify maps database errors onto objstore.ErrNotFound and
// objstore.TransientError. Busy and locked databases are worth retrying.
func classify(op string, err error) error {
	if errors.Is(err, objstore.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, objstore.ErrNotFound)
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return objstore.NewTransient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
