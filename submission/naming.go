package submission

import (
	"context"
	"errors"
	"fmt"

	"github.com/DataBiosphere/ssds/objstore"
)

var (
	// ErrImmutableNameConflict matches every NameConflictError.
	ErrImmutableNameConflict = errors.New("submission name is immutable")
	// ErrNameRequired is returned when a new submission is uploaded without a name.
	ErrNameRequired = errors.New("a name is required for a new submission")
)

// NameConflictError is an upload to an existing submission id with a different name.
type NameConflictError struct {
	ID       string
	Existing string
	Given    string
}

func (e *NameConflictError) Error() string {
	return fmt.Sprintf("submission %s is named %q, cannot use name %q", e.ID, e.Existing, e.Given)
}

func (e *NameConflictError) Is(target error) bool {
	return target == ErrImmutableNameConflict
}

// LookupName returns the name bound to id in store, or objstore.ErrNotFound
// if the submission has no objects there.
func LookupName(ctx context.Context, store objstore.Store, id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}

	for key, err := range store.List(ctx, idPrefix(id), "") {
		if err != nil {
			return "", fmt.Errorf("list submission %s: %w", id, err)
		}
		addr, _, err := ParseKey(key)
		if err != nil || addr.ID != id {
			continue
		}
		return addr.Name, nil
	}

	return "", fmt.Errorf("submission %s: %w", id, objstore.ErrNotFound)
}

// ResolveName returns the address to upload id to. name may be empty for
// an existing submission; it must match the bound name if given.
func ResolveName(ctx context.Context, store objstore.Store, id, name string) (Address, error) {
	existing, err := LookupName(ctx, store, id)
	switch {
	case errors.Is(err, objstore.ErrNotFound):
		if name == "" {
			return Address{}, fmt.Errorf("submission %s: %w", id, ErrNameRequired)
		}
		return NewAddress(id, name)
	case err != nil:
		return Address{}, err
	}

	if name != "" && name != existing {
		return Address{}, &NameConflictError{ID: id, Existing: existing, Given: name}
	}
	return NewAddress(id, existing)
}
