// Package chunk partitions objects into deterministic upload chunks and
// provides the bytes of each chunk to the uploader.
package chunk

import (
	"errors"
	"fmt"
)

const (
	// MiB is one mebibyte.
	MiB int64 = 1024 * 1024

	// DefaultChunkSize is the multipart threshold and part size used when a
	// deployment doesn't override it.
	DefaultChunkSize = 64 * MiB

	// MaxPartCount is the largest number of parts a multipart upload may have.
	MaxPartCount = 10000
)

// ErrInvalidChunkSize is returned when a plan is requested with a non-positive chunk size.
var ErrInvalidChunkSize = errors.New("chunk size must be positive")

// Chunk is a contiguous byte range of an object.
type Chunk struct {
	Index  int
	Offset int64
	Length int64
}

// End returns the offset one past the last byte of the chunk.
func (c Chunk) End() int64 {
	return c.Offset + c.Length
}

// Plan is an ordered, gapless sequence of chunks covering [0, Size).
type Plan struct {
	Size      int64
	ChunkSize int64
	Chunks    []Chunk
}

// NewPlan partitions size bytes into chunks of chunkSize. Objects no larger
// than chunkSize get a single chunk spanning the whole object. Larger objects
// get ceil(size/chunkSize) chunks, the last one holding the remainder.
func NewPlan(size, chunkSize int64) (Plan, error) {
	if chunkSize <= 0 {
		return Plan{}, ErrInvalidChunkSize
	}
	if size < 0 {
		return Plan{}, fmt.Errorf("negative object size: %d", size)
	}

	if size <= chunkSize {
		return Plan{
			Size:      size,
			ChunkSize: chunkSize,
			Chunks:    []Chunk{{Index: 0, Offset: 0, Length: size}},
		}, nil
	}

	n := int((size + chunkSize - 1) / chunkSize)
	chunks := make([]Chunk, n)
	for i := 0; i < n; i++ {
		offset := int64(i) * chunkSize
		length := chunkSize
		if i == n-1 {
			length = size - offset
		}
		chunks[i] = Chunk{Index: i, Offset: offset, Length: length}
	}

	return Plan{Size: size, ChunkSize: chunkSize, Chunks: chunks}, nil
}

// PlanFor plans size bytes with the chunk size chosen by SizeFor.
func PlanFor(size, minChunkSize int64) (Plan, error) {
	return NewPlan(size, SizeFor(size, minChunkSize))
}

// SizeFor returns the chunk size to use for an object of the given size:
// minChunkSize, unless that would need more than MaxPartCount parts, in which
// case the smallest whole number of MiB that fits the object into MaxPartCount parts.
func SizeFor(size, minChunkSize int64) int64 {
	if minChunkSize <= 0 {
		minChunkSize = DefaultChunkSize
	}
	if size <= MaxPartCount*minChunkSize {
		return minChunkSize
	}

	cs := (size + MaxPartCount - 1) / MaxPartCount
	if rem := cs % MiB; rem != 0 {
		cs += MiB - rem
	}
	return cs
}

// NumChunks returns the number of chunks in the plan.
func (p Plan) NumChunks() int {
	return len(p.Chunks)
}

// IsMultipart reports whether the plan needs a multipart upload session.
func (p Plan) IsMultipart() bool {
	return len(p.Chunks) > 1
}
