package chunk

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Provider provides chunk data for upload.
// GetChunk may be called multiple times for the same index, once per attempt,
// and concurrently for different indices.
type Provider interface {
	Plan() Plan
	GetChunk(index int) ([]byte, error)
}

// ReaderAtProvider reads chunks from an io.ReaderAt.
// Safe for parallel chunk reads as long as the ReaderAt is.
type ReaderAtProvider struct {
	r    io.ReaderAt
	plan Plan
}

// NewReaderAtProvider creates a Provider serving the chunks of plan from r.
func NewReaderAtProvider(r io.ReaderAt, plan Plan) *ReaderAtProvider {
	return &ReaderAtProvider{r: r, plan: plan}
}

// Plan returns the chunk plan.
func (p *ReaderAtProvider) Plan() Plan {
	return p.plan
}

// GetChunk reads the chunk at the given index into memory.
func (p *ReaderAtProvider) GetChunk(index int) ([]byte, error) {
	if index < 0 || index >= len(p.plan.Chunks) {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, len(p.plan.Chunks))
	}

	c := p.plan.Chunks[index]
	data := make([]byte, c.Length)
	n, err := p.r.ReadAt(data, c.Offset)
	if err != nil && !(err == io.EOF && int64(n) == c.Length) {
		return nil, fmt.Errorf("read chunk %d at offset %d: %w", index+1, c.Offset, err)
	}

	return data, nil
}

// FileProvider reads chunks from a file on disk.
type FileProvider struct {
	*ReaderAtProvider
	file *os.File
}

// NewFileProvider opens path and plans its current size with chunkSize.
func NewFileProvider(path string, chunkSize int64) (*FileProvider, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	plan, err := NewPlan(info.Size(), chunkSize)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	return &FileProvider{
		ReaderAtProvider: NewReaderAtProvider(file, plan),
		file:             file,
	}, nil
}

// Close closes the underlying file.
func (p *FileProvider) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}

// NewBytesProvider creates a Provider serving data in chunks of chunkSize.
func NewBytesProvider(data []byte, chunkSize int64) (*ReaderAtProvider, error) {
	plan, err := NewPlan(int64(len(data)), chunkSize)
	if err != nil {
		return nil, err
	}
	return NewReaderAtProvider(bytes.NewReader(data), plan), nil
}
