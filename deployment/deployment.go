// Package deployment describes storage targets and opens object stores for them.
package deployment

import (
	"errors"
	"fmt"

	"github.com/DataBiosphere/ssds/chunk"
)

// Provider is the kind of object store a deployment lives on.
type Provider string

const (
	// ProviderS3 is AWS S3, or any S3 compatible endpoint when Endpoint is set.
	ProviderS3 Provider = "s3"
	// ProviderGS is Google Cloud Storage.
	ProviderGS Provider = "gs"
	// ProviderLocal is a directory on the local filesystem.
	ProviderLocal Provider = "local"
)

// ErrInvalidConfiguration matches every ConfigurationError.
var ErrInvalidConfiguration = errors.New("invalid deployment configuration")

// ConfigurationError is an invalid or unreachable deployment.
type ConfigurationError struct {
	Deployment string
	Reason     string
	Err        error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("deployment %q: %s", e.Deployment, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

// Deployment is a named bucket on a provider. Values are immutable once
// resolved and passed explicitly to every operation.
type Deployment struct {
	Name     string
	Provider Provider
	// Bucket is the bucket name, or the root directory for local deployments.
	Bucket string
	Region string
	// Project is the Google Cloud project billed for requests.
	Project string
	// Endpoint selects an S3 compatible service instead of AWS.
	Endpoint string
	Insecure bool
	// Credentials references the credentials to use: an AWS shared config
	// profile for S3, a service account key file for GS.
	Credentials string
	// ChunkSize is the multipart threshold and minimum part size.
	ChunkSize int64
}

// Validate checks the fields the provider needs.
func (d Deployment) Validate() error {
	invalid := func(reason string) error {
		return &ConfigurationError{Deployment: d.Name, Reason: reason}
	}

	if d.Name == "" {
		return invalid("name must not be empty")
	}
	if d.Bucket == "" {
		return invalid("bucket must not be empty")
	}
	if d.ChunkSize < 0 {
		return invalid(fmt.Sprintf("chunk size must not be negative: %d", d.ChunkSize))
	}

	switch d.Provider {
	case ProviderS3:
		if d.Region == "" && d.Endpoint == "" {
			return invalid("region must not be empty")
		}
	case ProviderGS, ProviderLocal:
	default:
		return invalid(fmt.Sprintf("unsupported provider %q", d.Provider))
	}

	return nil
}

// MinChunkSize returns the configured chunk size, or the default.
func (d Deployment) MinChunkSize() int64 {
	if d.ChunkSize > 0 {
		return d.ChunkSize
	}
	return chunk.DefaultChunkSize
}

// URL returns a human readable location of the deployment's bucket.
func (d Deployment) URL() string {
	switch d.Provider {
	case ProviderLocal:
		return "file://" + d.Bucket
	case ProviderS3:
		if d.Endpoint != "" {
			return fmt.Sprintf("s3://%s/%s", d.Endpoint, d.Bucket)
		}
	}
	return fmt.Sprintf("%s://%s", d.Provider, d.Bucket)
}
