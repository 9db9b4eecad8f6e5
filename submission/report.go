package submission

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/DataBiosphere/ssds/transfer"
)

// Status is the outcome of one object in a batch.
type Status int

const (
	StatusUploaded Status = iota
	StatusSkipped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusUploaded:
		return "uploaded"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Outcome is what happened to one object.
type Outcome struct {
	Key     string
	RelPath string
	Size    int64
	Status  Status
	// State is the last upload state the object reached. Zero for skipped objects.
	State transfer.State
	Err   error
}

// Report collects the outcomes of a batch. Safe for concurrent use.
type Report struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *Report) add(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

// Outcomes returns the outcomes sorted by key.
func (r *Report) Outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := slices.Clone(r.outcomes)
	slices.SortFunc(out, func(a, b Outcome) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// Keys returns the sorted keys with the given status.
func (r *Report) Keys(status Status) []string {
	var keys []string
	for _, o := range r.Outcomes() {
		if o.Status == status {
			keys = append(keys, o.Key)
		}
	}
	return keys
}

// Count returns the number of objects with the given status.
func (r *Report) Count(status Status) int {
	return len(r.Keys(status))
}

// Err joins the errors of every failed object, or returns nil.
func (r *Report) Err() error {
	var errs []error
	for _, o := range r.Outcomes() {
		if o.Status == StatusFailed && o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}
