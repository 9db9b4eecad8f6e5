package deployment

import (
	"context"
	"io"

	"github.com/DataBiosphere/ssds/objstore"
	"github.com/DataBiosphere/ssds/objstore/gsstore"
	"github.com/DataBiosphere/ssds/objstore/localstore"
	"github.com/DataBiosphere/ssds/objstore/miniostore"
	"github.com/DataBiosphere/ssds/objstore/s3store"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

const (
	// S3AccessKeyIDEnvKey and S3SecretAccessKeyEnvKey hold credentials for S3
	// compatible endpoints.
	S3AccessKeyIDEnvKey     = "SSDS_S3_ACCESS_KEY_ID"
	S3SecretAccessKeyEnvKey = "SSDS_S3_SECRET_ACCESS_KEY"
)

// Open creates the object store client for d.
func Open(ctx context.Context, d Deployment, envRepo env.Repository, logger log.Logger) (objstore.Store, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	store, err := open(ctx, d, envRepo, logger)
	if err != nil {
		return nil, &ConfigurationError{Deployment: d.Name, Reason: "cannot open " + d.URL(), Err: err}
	}

	logger.Debugf("Opened deployment %s at %s", d.Name, d.URL())
	return store, nil
}

func open(ctx context.Context, d Deployment, envRepo env.Repository, logger log.Logger) (objstore.Store, error) {
	switch d.Provider {
	case ProviderS3:
		if d.Endpoint != "" {
			return miniostore.New(miniostore.Params{
				Endpoint:        d.Endpoint,
				Bucket:          d.Bucket,
				Region:          d.Region,
				Insecure:        d.Insecure,
				AccessKeyID:     envRepo.Get(S3AccessKeyIDEnvKey),
				SecretAccessKey: envRepo.Get(S3SecretAccessKeyEnvKey),
			}, logger)
		}
		return s3store.New(ctx, s3store.Params{
			Region:          d.Region,
			Bucket:          d.Bucket,
			Profile:         d.Credentials,
			AccessKeyID:     envRepo.Get(S3AccessKeyIDEnvKey),
			SecretAccessKey: envRepo.Get(S3SecretAccessKeyEnvKey),
		}, logger)
	case ProviderGS:
		credentialsFile := d.Credentials
		if credentialsFile != "" {
			absPath, err := pathutil.NewPathModifier().AbsPath(credentialsFile)
			if err != nil {
				return nil, err
			}
			credentialsFile = absPath
		}
		return gsstore.New(ctx, gsstore.Params{
			Bucket:          d.Bucket,
			Project:         d.Project,
			CredentialsFile: credentialsFile,
		}, logger)
	default:
		dir, err := pathutil.NewPathModifier().AbsPath(d.Bucket)
		if err != nil {
			return nil, err
		}
		return localstore.Open(ctx, dir, logger)
	}
}

// Close releases resources held by a store returned by Open.
func Close(store objstore.Store) error {
	if c, ok := store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
