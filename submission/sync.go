package submission

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/DataBiosphere/ssds/checksum"
	"github.com/DataBiosphere/ssds/objstore"
	"github.com/DataBiosphere/ssds/transfer"
	"golang.org/x/sync/errgroup"
)

// Sync copies every object of submission id from src to dst, skipping
// objects whose destination checksums already match. Objects are downloaded
// and re-uploaded through the regular upload path, so the destination gets
// a chunk plan and digests of its own. Sync is not atomic; re-running it
// only transfers what is still missing or different.
func (c *Client) Sync(ctx context.Context, src, dst Target, id string) (*Report, error) {
	if err := src.validate(); err != nil {
		return nil, err
	}
	if err := dst.validate(); err != nil {
		return nil, err
	}

	name, err := LookupName(ctx, src.Store, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src.Deployment.Name, err)
	}
	addr, err := ResolveName(ctx, dst.Store, id, name)
	if err != nil {
		return nil, err
	}

	spoolDir, err := c.pathProvider.CreateTempDir("ssds-sync")
	if err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(spoolDir); err != nil {
			c.logger.Warnf("Failed to remove %s: %v", spoolDir, err)
		}
	}()

	c.logger.Infof("Syncing %s from %s to %s", addr, src.Deployment.URL(), dst.Deployment.URL())

	report := &Report{}
	g := errgroup.Group{}
	g.SetLimit(c.config.ObjectConcurrency)

	var listErr error
	for key, err := range src.Store.List(ctx, addr.Prefix(), "") {
		if err != nil {
			listErr = fmt.Errorf("list %s in %s: %w", addr.Prefix(), src.Deployment.Name, err)
			break
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			report.add(c.syncObject(ctx, src, dst, key, spoolDir))
			return nil
		})
	}
	_ = g.Wait()

	c.logSummary("Sync", report)
	return report, errors.Join(listErr, ctx.Err(), report.Err())
}

func (c *Client) syncObject(ctx context.Context, src, dst Target, key, spoolDir string) Outcome {
	_, rel, _ := ParseKey(key)
	outcome := Outcome{Key: key, RelPath: rel, Status: StatusFailed}

	srcMD, err := c.metadata(ctx, src.Store, key)
	if err != nil {
		outcome.Err = fmt.Errorf("%s in %s: %w", key, src.Deployment.Name, err)
		return outcome
	}
	outcome.Size = srcMD.Size

	dstMD, err := c.metadata(ctx, dst.Store, key)
	switch {
	case err == nil:
		if Matches(src.Store.Convention(), dst.Store.Convention(), srcMD, dstMD) {
			c.logger.Debugf("%s: checksums match in %s, skipping", key, dst.Deployment.Name)
			c.uploader.Progress().ObjectsSkipped.Add(1)
			outcome.Status = StatusSkipped
			return outcome
		}
	case !errors.Is(err, objstore.ErrNotFound):
		outcome.Err = fmt.Errorf("%s in %s: %w", key, dst.Deployment.Name, err)
		return outcome
	}

	var opts []transfer.UploadOption
	if crc := portableCRC32C(src.Store.Convention(), srcMD); crc != "" {
		opts = append(opts, transfer.WithExpectedCRC32C(crc))
	} else if c.config.RequireSourceChecksums {
		outcome.Err = fmt.Errorf("%s in %s: missing %s tag", key, src.Deployment.Name, checksum.TagCRC32C)
		return outcome
	} else {
		c.logger.Warnf("%s has no %s tag in %s, checksums are computed from the downloaded bytes", key, checksum.TagCRC32C, src.Deployment.Name)
	}

	spooled, err := c.spool(ctx, src, key, srcMD.Size, spoolDir)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	defer os.Remove(spooled) //nolint:errcheck

	uploaded, _ := c.uploadFile(ctx, dst, File{Path: spooled, RelPath: rel, Size: srcMD.Size}, key, opts...)
	return uploaded
}

// spool downloads key into a file under dir and returns its path.
func (c *Client) spool(ctx context.Context, src Target, key string, size int64, dir string) (string, error) {
	f, err := os.CreateTemp(dir, "object-*")
	if err != nil {
		return "", &transfer.LocalIOError{Key: key, Err: err}
	}
	defer f.Close() //nolint:errcheck

	var n int64
	attempts, err := c.config.Transfer.Retry.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		n, err = src.Store.Download(ctx, key, f)
		return err
	}, func(attempt int, err error, wait time.Duration) {
		c.logger.Warnf("%s: download attempt %d failed, retrying in %v: %v", key, attempt, wait.Round(time.Millisecond), err)
	})
	if err != nil {
		_ = os.Remove(f.Name())
		return "", &transfer.PermanentUploadError{Key: key, Op: "download from " + src.Deployment.Name, Attempts: attempts, Err: err}
	}
	if n != size {
		_ = os.Remove(f.Name())
		return "", &transfer.IntegrityError{Key: key, Part: -1, Expected: fmt.Sprintf("%d bytes", size), Actual: fmt.Sprintf("%d bytes", n)}
	}

	return f.Name(), nil
}

func (c *Client) metadata(ctx context.Context, store objstore.Store, key string) (objstore.Metadata, error) {
	var md objstore.Metadata
	_, err := c.config.Transfer.Retry.Do(ctx, func(ctx context.Context, _ int) error {
		m, err := store.GetMetadata(ctx, key)
		md = m
		return err
	}, nil)
	return md, err
}

// Matches reports whether the destination object already holds the source
// object's content. The CRC32C is compared when both sides have one: unlike
// composite ETags it doesn't depend on the chunk size. Without it, identity
// tags are only comparable between stores of the same convention.
func Matches(srcConv, dstConv checksum.Convention, src, dst objstore.Metadata) bool {
	if src.Size != dst.Size {
		return false
	}

	// Tags left over from an earlier version of the object don't count.
	if tag, ok := dst.Tags[dstConv.TagKey()]; ok && tag != checksum.NormalizeETag(dst.IdentityTag) {
		return false
	}

	srcCRC, dstCRC := portableCRC32C(srcConv, src), portableCRC32C(dstConv, dst)
	if srcCRC != "" && dstCRC != "" {
		return srcCRC == dstCRC
	}

	return srcConv.Kind() == dstConv.Kind() &&
		checksum.NormalizeETag(src.IdentityTag) != "" &&
		checksum.NormalizeETag(src.IdentityTag) == checksum.NormalizeETag(dst.IdentityTag)
}

func portableCRC32C(conv checksum.Convention, md objstore.Metadata) string {
	if crc := md.Tags[checksum.TagCRC32C]; crc != "" {
		return crc
	}
	if conv.TagKey() == checksum.TagCRC32C {
		return checksum.NormalizeETag(md.IdentityTag)
	}
	return ""
}
