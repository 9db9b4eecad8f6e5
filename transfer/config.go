package transfer

import (
	"runtime"
	"time"
)

// Config holds configuration for the uploader.
type Config struct {
	// Concurrency is the maximum number of parallel chunk uploads, shared by
	// every object going through the same Uploader.
	// Default: min(NumCPU * 3, 20), minimum 2
	Concurrency int

	// Retry governs retries of every store call.
	Retry RetryPolicy

	// HungThreshold is the duration after which a chunk upload is considered hung
	// if it exceeds the average upload time by this amount. Zero disables detection.
	// Default: 30 seconds
	HungThreshold time.Duration

	// AbortTimeout bounds the best-effort abort of a failed multipart upload.
	// Default: 30 seconds
	AbortTimeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:   DefaultConcurrency(),
		Retry:         DefaultRetryPolicy(),
		HungThreshold: 30 * time.Second,
		AbortTimeout:  30 * time.Second,
	}
}

// DefaultConcurrency calculates the default concurrency based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}
