package submission

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/DataBiosphere/ssds/chunk"
	"github.com/DataBiosphere/ssds/deployment"
	"github.com/DataBiosphere/ssds/objstore"
	"github.com/DataBiosphere/ssds/transfer"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"golang.org/x/sync/errgroup"
)

// Config holds configuration for submission uploads and syncs.
type Config struct {
	// ObjectConcurrency is the maximum number of objects transferred at once.
	// Default: 4
	ObjectConcurrency int

	// Excludes are doublestar patterns of relative paths not to upload.
	Excludes []string

	// RequireSourceChecksums fails syncing source objects without checksum tags
	// instead of trusting the downloaded bytes.
	RequireSourceChecksums bool

	Transfer transfer.Config
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ObjectConcurrency: 4,
		Excludes:          []string{"**/.DS_Store"},
		Transfer:          transfer.DefaultConfig(),
	}
}

// Target is a resolved deployment and the store opened for it.
type Target struct {
	Deployment deployment.Deployment
	Store      objstore.Store
}

func (t Target) validate() error {
	if t.Store == nil {
		return &deployment.ConfigurationError{Deployment: t.Deployment.Name, Reason: "no object store"}
	}
	return t.Deployment.Validate()
}

// Client uploads and syncs submissions.
type Client struct {
	config       Config
	logger       log.Logger
	uploader     *transfer.Uploader
	walker       *Walker
	pathProvider pathutil.PathProvider
}

// NewClient ...
func NewClient(config Config, logger log.Logger) (*Client, error) {
	if config.ObjectConcurrency < 1 {
		config.ObjectConcurrency = 1
	}

	walker, err := NewWalker(config.Excludes)
	if err != nil {
		return nil, err
	}

	return &Client{
		config:       config,
		logger:       logger,
		uploader:     transfer.New(config.Transfer, logger),
		walker:       walker,
		pathProvider: pathutil.NewPathProvider(),
	}, nil
}

// Progress returns the aggregate transfer counters of the client.
func (c *Client) Progress() transfer.ProgressSnapshot {
	return c.uploader.Progress().Snapshot()
}

// UploadInput describes a local tree upload.
type UploadInput struct {
	// Root is a directory, or a single file.
	Root string
	ID   string
	// Name binds the submission's name. It may be empty for an existing submission.
	Name string
	// Subdir places the tree under this path inside the submission.
	Subdir string
}

// Upload uploads every file under input.Root into the submission. Name and
// key validation happen before the first byte is sent; after that, failed
// objects don't stop the others and are reported in the returned Report.
func (c *Client) Upload(ctx context.Context, t Target, input UploadInput) (*Report, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}

	subdir, err := CleanPath(input.Subdir)
	if err != nil {
		return nil, err
	}

	addr, err := ResolveName(ctx, t.Store, input.ID, input.Name)
	if err != nil {
		return nil, err
	}

	files, err := c.walker.Walk(input.Root)
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(files))
	for i, f := range files {
		rel := f.RelPath
		if subdir != "" {
			rel = subdir + "/" + rel
		}
		if keys[i], err = addr.Key(rel); err != nil {
			return nil, err
		}
	}

	c.logger.Infof("Uploading %d file(s) from %s to %s/%s", len(files), input.Root, t.Deployment.URL(), addr.Prefix())

	report := &Report{}
	g := errgroup.Group{}
	g.SetLimit(c.config.ObjectConcurrency)

	for i, f := range files {
		if ctx.Err() != nil {
			break
		}
		key := keys[i]
		g.Go(func() error {
			outcome, _ := c.uploadFile(ctx, t, f, key)
			report.add(outcome)
			return nil
		})
	}
	_ = g.Wait()

	c.logSummary("Upload", report)
	return report, errors.Join(ctx.Err(), report.Err())
}

// UploadFile uploads a single local file to relPath inside the submission.
func (c *Client) UploadFile(ctx context.Context, t Target, localPath, id, name, relPath string) (*transfer.Result, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}

	addr, err := ResolveName(ctx, t.Store, id, name)
	if err != nil {
		return nil, err
	}
	key, err := addr.Key(relPath)
	if err != nil {
		return nil, err
	}

	absPath, err := c.walker.pathModifier.AbsPath(localPath)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", localPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, &transfer.LocalIOError{Key: key, Err: err}
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", localPath)
	}

	outcome, result := c.uploadFile(ctx, t, File{Path: absPath, RelPath: relPath, Size: info.Size()}, key)
	return result, outcome.Err
}

func (c *Client) uploadFile(ctx context.Context, t Target, f File, key string, opts ...transfer.UploadOption) (Outcome, *transfer.Result) {
	outcome := Outcome{Key: key, RelPath: f.RelPath, Size: f.Size, Status: StatusFailed}

	provider, err := chunk.NewFileProvider(f.Path, chunk.SizeFor(f.Size, t.Deployment.MinChunkSize()))
	if err != nil {
		outcome.Err = &transfer.LocalIOError{Key: key, Err: err}
		return outcome, nil
	}
	defer provider.Close() //nolint:errcheck

	result, err := c.uploader.Upload(ctx, t.Store, key, provider, opts...)
	outcome.State = result.State
	if err != nil {
		outcome.Err = err
		return outcome, result
	}

	outcome.Status = StatusUploaded
	return outcome, result
}

func (c *Client) logSummary(op string, report *Report) {
	var size int64
	for _, o := range report.Outcomes() {
		if o.Status == StatusUploaded {
			size += o.Size
		}
	}

	uploaded, skipped, failed := report.Count(StatusUploaded), report.Count(StatusSkipped), report.Count(StatusFailed)
	if failed > 0 {
		c.logger.Errorf("%s finished with %d failure(s): %d uploaded (%s), %d skipped", op, failed, uploaded, units.HumanSize(float64(size)), skipped)
		return
	}
	c.logger.Donef("%s finished: %d uploaded (%s), %d skipped", op, uploaded, units.HumanSize(float64(size)), skipped)
}
