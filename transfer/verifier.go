package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/DataBiosphere/ssds/checksum"
	"github.com/DataBiosphere/ssds/objstore"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Verifier checks uploaded objects against their expected digests.
type Verifier struct {
	retry  RetryPolicy
	logger log.Logger
}

// NewVerifier ...
func NewVerifier(retry RetryPolicy, logger log.Logger) *Verifier {
	return &Verifier{retry: retry, logger: logger}
}

// Verify reads back the metadata of key and compares the provider's
// identity tag with the one expected for d. reported is the identity tag the
// upload call returned; it's checked too unless empty.
// A mismatch is an IntegrityError.
func (v *Verifier) Verify(ctx context.Context, store objstore.Store, key string, d checksum.Digests, reported string) (objstore.Metadata, error) {
	expected := store.Convention().ExpectedIdentity(d)

	if reported != "" && checksum.NormalizeETag(reported) != expected {
		return objstore.Metadata{}, &IntegrityError{Key: key, Part: -1, Expected: expected, Actual: reported}
	}

	var md objstore.Metadata
	attempts, err := v.retry.Do(ctx, func(ctx context.Context, _ int) error {
		m, err := store.GetMetadata(ctx, key)
		md = m
		return err
	}, func(attempt int, err error, wait time.Duration) {
		v.logger.Warnf("%s: read back attempt %d failed, retrying in %v: %v", key, attempt, wait.Round(time.Millisecond), err)
	})
	if err != nil {
		return objstore.Metadata{}, classify(ctx, key, "read back metadata", attempts, err)
	}

	if actual := checksum.NormalizeETag(md.IdentityTag); actual != expected {
		return md, &IntegrityError{Key: key, Part: -1, Expected: expected, Actual: actual}
	}
	if md.Size != d.Plan.Size {
		return md, &IntegrityError{Key: key, Part: -1, Expected: fmt.Sprintf("%d bytes", d.Plan.Size), Actual: fmt.Sprintf("%d bytes", md.Size)}
	}

	v.logger.Debugf("%s: verified %s %s", key, store.Convention().Kind(), expected)
	return md, nil
}
