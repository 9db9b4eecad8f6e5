// Package transfer uploads objects through an objstore.Store as a state
// machine: plan, parallel chunk uploads with retry and hung detection,
// completion and read-back verification.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/DataBiosphere/ssds/checksum"
	"github.com/DataBiosphere/ssds/chunk"
	"github.com/DataBiosphere/ssds/objstore"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Uploader runs object uploads. Chunk uploads of all objects share one
// concurrency limit.
type Uploader struct {
	config    Config
	logger    log.Logger
	stats     *Stats
	progress  *Progress
	verifier  *Verifier
	semaphore chan struct{}
}

// New creates a new Uploader with the given configuration.
func New(config Config, logger log.Logger) *Uploader {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.AbortTimeout <= 0 {
		config.AbortTimeout = 30 * time.Second
	}

	return &Uploader{
		config:    config,
		logger:    logger,
		stats:     NewStats(),
		progress:  &Progress{},
		verifier:  NewVerifier(config.Retry, logger),
		semaphore: make(chan struct{}, config.Concurrency),
	}
}

// Stats returns the chunk upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// Progress returns the aggregate progress counters.
func (u *Uploader) Progress() *Progress {
	return u.progress
}

// Result is the outcome of a single object upload.
type Result struct {
	Key   string
	State State
	// History lists every state the object went through, in order.
	History     []State
	Plan        chunk.Plan
	Digests     checksum.Digests
	IdentityTag string
	Parts       []objstore.Part
	Metadata    objstore.Metadata
}

type uploadOptions struct {
	tags           map[string]string
	expectedCRC32C string
}

// UploadOption customizes a single upload.
type UploadOption func(*uploadOptions)

// WithTags adds tags to the object next to the checksum tags.
func WithTags(tags map[string]string) UploadOption {
	return func(o *uploadOptions) { o.tags = tags }
}

// WithExpectedCRC32C makes the upload fail with an IntegrityError before any
// network call if the source doesn't have the given base64 CRC32C.
func WithExpectedCRC32C(crc string) UploadOption {
	return func(o *uploadOptions) { o.expectedCRC32C = crc }
}

// Upload uploads the provider's chunks to key. The returned Result is never
// nil and reflects the state the object reached, also on error.
func (u *Uploader) Upload(ctx context.Context, store objstore.Store, key string, provider chunk.Provider, opts ...UploadOption) (*Result, error) {
	o := uploadOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	run := &objectUpload{
		u:        u,
		store:    store,
		conv:     store.Convention(),
		key:      key,
		provider: provider,
		opts:     o,
		result:   &Result{Key: key, State: StatePending, History: []State{StatePending}},
	}

	start := time.Now()
	if err := run.execute(ctx); err != nil {
		u.progress.ObjectsFailed.Add(1)
		u.logger.Errorf("Upload of %s failed in state %s: %v", key, run.result.State, err)
		return run.result, err
	}

	u.progress.ObjectsDone.Add(1)
	u.logger.Infof("Uploaded %s (%s, %d part(s)) in %v", key, units.HumanSize(float64(run.result.Plan.Size)),
		run.result.Plan.NumChunks(), time.Since(start).Round(time.Millisecond))
	return run.result, nil
}

type objectUpload struct {
	u        *Uploader
	store    objstore.Store
	conv     checksum.Convention
	key      string
	provider chunk.Provider
	opts     uploadOptions
	result   *Result
}

func (r *objectUpload) transition(to State) {
	from := r.result.State
	if !CanTransition(from, to) {
		panic(fmt.Sprintf("transfer: invalid state transition %s -> %s for %s", from, to, r.key))
	}
	r.result.State = to
	r.result.History = append(r.result.History, to)
	r.u.logger.Debugf("%s: %s -> %s", r.key, from, to)
}

func (r *objectUpload) fail() {
	if CanTransition(r.result.State, StateFailed) {
		r.transition(StateFailed)
	}
}

func (r *objectUpload) execute(ctx context.Context) error {
	digests, err := checksum.Compute(ctx, r.provider)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", r.key, ctx.Err())
		}
		return &LocalIOError{Key: r.key, Err: err}
	}
	r.result.Plan = digests.Plan
	r.result.Digests = digests
	r.transition(StatePlanned)

	if r.opts.expectedCRC32C != "" {
		if got := checksum.EncodeCRC32C(digests.CRC32C); got != r.opts.expectedCRC32C {
			return &IntegrityError{Key: r.key, Part: -1, Expected: r.opts.expectedCRC32C, Actual: got}
		}
	}

	r.transition(StateUploading)
	var identity string
	if digests.Plan.IsMultipart() {
		identity, err = r.uploadMultipart(ctx, digests)
	} else {
		identity, err = r.uploadSingle(ctx)
	}
	if err != nil {
		r.fail()
		return err
	}
	r.result.IdentityTag = identity

	r.transition(StateVerifying)
	md, err := r.u.verifier.Verify(ctx, r.store, r.key, digests, identity)
	if err != nil {
		r.fail()
		return err
	}
	r.result.Metadata = md

	tags := digests.Tags()
	maps.Copy(tags, r.opts.tags)
	if err := r.call(ctx, "put tags", func(ctx context.Context) error {
		return r.store.PutTags(ctx, r.key, tags)
	}); err != nil {
		r.fail()
		return err
	}
	r.result.Metadata.Tags = tags

	r.transition(StateDone)
	return nil
}

func (r *objectUpload) uploadSingle(ctx context.Context) (string, error) {
	data, err := r.provider.GetChunk(0)
	if err != nil {
		return "", &LocalIOError{Key: r.key, Err: err}
	}

	var identity string
	err = r.call(ctx, "put object", func(ctx context.Context) error {
		tag, err := r.store.PutObject(ctx, r.key, data)
		identity = checksum.NormalizeETag(tag)
		return err
	})
	if err != nil {
		return "", err
	}

	r.u.progress.BytesSent.Add(int64(len(data)))
	r.u.progress.ChunksSent.Add(1)
	return identity, nil
}

func (r *objectUpload) uploadMultipart(ctx context.Context, digests checksum.Digests) (string, error) {
	var sess objstore.Session
	if err := r.call(ctx, "initiate multipart upload", func(ctx context.Context) error {
		s, err := r.store.InitiateMultipart(ctx, r.key)
		sess = s
		return err
	}); err != nil {
		return "", err
	}
	r.u.logger.Debugf("%s: started multipart upload %s with %d parts of %s", r.key, sess.ID,
		digests.Plan.NumChunks(), units.BytesSize(float64(digests.Plan.ChunkSize)))

	parts, err := r.uploadParts(ctx, sess, digests)
	if err != nil {
		r.abort(ctx, sess)
		return "", err
	}
	r.result.Parts = parts

	r.transition(StateCompleting)
	var identity string
	if err := r.call(ctx, "complete multipart upload", func(ctx context.Context) error {
		tag, err := r.store.CompleteMultipart(ctx, sess, parts)
		identity = checksum.NormalizeETag(tag)
		return err
	}); err != nil {
		r.abort(ctx, sess)
		return "", err
	}

	return identity, nil
}

type partResult struct {
	Index  int
	Digest string
	Err    error
}

// uploadParts uploads every chunk in parallel and returns the acknowledged
// parts indexed by chunk. The first failure cancels the remaining chunks.
func (r *objectUpload) uploadParts(ctx context.Context, sess objstore.Session, digests checksum.Digests) ([]objstore.Part, error) {
	numChunks := digests.Plan.NumChunks()
	partsCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultChan := make(chan partResult, numChunks)

	for i := 0; i < numChunks; i++ {
		go func(index int) {
			select {
			case r.u.semaphore <- struct{}{}:
			case <-partsCtx.Done():
				resultChan <- partResult{Index: index, Err: fmt.Errorf("%s: part %d not started: %w", r.key, index+1, partsCtx.Err())}
				return
			}
			defer func() { <-r.u.semaphore }()

			digest, err := r.uploadPart(partsCtx, sess, digests, index)
			resultChan <- partResult{Index: index, Digest: digest, Err: err}
		}(i)
	}

	// Collect every result, also after a failure, so the abort runs once
	// no part upload is in flight.
	parts := make([]objstore.Part, numChunks)
	acked := make([]bool, numChunks)
	var firstErr error
	for received := 0; received < numChunks; received++ {
		result := <-resultChan
		if result.Err != nil {
			if firstErr == nil {
				firstErr = result.Err
				cancel()
			}
			continue
		}
		parts[result.Index] = objstore.Part{Index: result.Index, Digest: result.Digest}
		acked[result.Index] = true
	}

	if firstErr != nil {
		return nil, firstErr
	}
	for i, ok := range acked {
		if !ok {
			return nil, fmt.Errorf("%s: part %d was not acknowledged", r.key, i+1)
		}
	}

	return parts, nil
}

func (r *objectUpload) uploadPart(ctx context.Context, sess objstore.Session, digests checksum.Digests, index int) (string, error) {
	total := digests.Plan.NumChunks()
	expected := r.conv.ExpectedPart(digests, index)
	maxAttempts := r.u.config.Retry.MaxAttempts

	var digest string
	attempts, err := r.u.config.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		r.u.logger.Debugf("Uploading %s chunk %d/%d (attempt %d/%d) [finished=%d] [avg=%v]",
			r.key, index+1, total, attempt, maxAttempts,
			r.u.stats.FinishedCount(), r.u.stats.Average().Round(time.Millisecond))

		data, err := r.provider.GetChunk(index)
		if err != nil {
			return &LocalIOError{Key: r.key, Err: err}
		}

		start := time.Now()
		chunkCtx, cancelChunk := context.WithCancel(ctx)

		// No hung detection on the last attempt.
		if attempt < maxAttempts && r.u.config.HungThreshold > 0 {
			go r.u.detectHungUpload(chunkCtx, cancelChunk, start, r.key, index)
		}

		got, err := r.store.UploadPart(chunkCtx, sess, index, data)
		hung := chunkCtx.Err() != nil && ctx.Err() == nil
		cancelChunk()

		if err != nil {
			if hung {
				return objstore.NewTransient("upload part", fmt.Errorf("cancelled hung request: %w", err))
			}
			return err
		}

		got = checksum.NormalizeETag(got)
		if got != expected {
			return &IntegrityError{Key: r.key, Part: index, Expected: expected, Actual: got}
		}

		took := time.Since(start)
		r.u.stats.Update(took)
		r.u.progress.BytesSent.Add(int64(len(data)))
		r.u.progress.ChunksSent.Add(1)
		r.u.logger.Debugf("%s chunk %d/%d uploaded in %v, digest: %s", r.key, index+1, total, took.Round(time.Millisecond), got)

		digest = got
		return nil
	}, r.onRetry(fmt.Sprintf("chunk %d", index+1)))

	return digest, classify(ctx, r.key, fmt.Sprintf("upload part %d", index+1), attempts, err)
}

// abort makes a best-effort attempt to drop the multipart upload, also when
// ctx is already cancelled.
func (r *objectUpload) abort(ctx context.Context, sess objstore.Session) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.u.config.AbortTimeout)
	defer cancel()

	_, err := r.u.config.Retry.Do(abortCtx, func(ctx context.Context, _ int) error {
		return r.store.AbortMultipart(ctx, sess)
	}, r.onRetry("abort"))
	if err != nil {
		r.u.logger.Warnf("Failed to abort multipart upload %s of %s: %v", sess.ID, r.key, err)
		return
	}
	r.u.logger.Debugf("%s: aborted multipart upload %s", r.key, sess.ID)
}

func (r *objectUpload) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts, err := r.u.config.Retry.Do(ctx, func(ctx context.Context, _ int) error {
		return fn(ctx)
	}, r.onRetry(op))
	return classify(ctx, r.key, op, attempts, err)
}

func (r *objectUpload) onRetry(op string) func(int, error, time.Duration) {
	return func(attempt int, err error, wait time.Duration) {
		r.u.logger.Warnf("%s: %s attempt %d failed, retrying in %v: %v", r.key, op, attempt, wait.Round(time.Millisecond), err)
	}
}

func (u *Uploader) detectHungUpload(ctx context.Context, cancel context.CancelFunc, start time.Time, key string, index int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if u.stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := u.stats.Average()
				if elapsed-avg > u.config.HungThreshold {
					u.logger.Warnf("Found hung chunk upload (%s chunk %d); canceling request after %s (avg: %s)",
						key, index+1, elapsed.Round(time.Second), avg.Round(time.Second))
					cancel()
					return
				}
			}
		}
	}
}

// classify turns the final error of a retried store call into the error
// taxonomy callers match on.
func classify(ctx context.Context, key, op string, attempts int, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrIntegrity), errors.Is(err, ErrLocalIO), errors.Is(err, ErrPermanentUpload):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %s: %w", key, op, ctx.Err())
	default:
		return &PermanentUploadError{Key: key, Op: op, Attempts: attempts, Err: err}
	}
}
