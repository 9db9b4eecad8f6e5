// Package submission uploads local trees into a deployment as submissions
// and synchronizes submissions between deployments.
package submission

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode"
)

const (
	// Prefix is the top level key prefix all submissions live under.
	Prefix = "submissions"
	// Delimiter separates a submission's id from its name.
	Delimiter = "--"
	// MaxKeyLength is the longest object key a submission may produce.
	MaxKeyLength = 1024
)

// ErrInvalidAddress matches invalid ids, names, paths and keys.
var ErrInvalidAddress = errors.New("invalid submission address")

// Address identifies a submission.
type Address struct {
	ID   string
	Name string
}

// NewAddress validates id and name.
func NewAddress(id, name string) (Address, error) {
	if err := validateID(id); err != nil {
		return Address{}, err
	}
	if err := validateName(name); err != nil {
		return Address{}, err
	}

	a := Address{ID: id, Name: name}
	if len(a.Prefix()) >= MaxKeyLength {
		return Address{}, fmt.Errorf("%w: submission prefix exceeds %d bytes", ErrInvalidAddress, MaxKeyLength)
	}
	return a, nil
}

// validateID rejects a trailing '-' so the first "--" in a prefix always
// ends the id.
func validateID(id string) error {
	if err := validateComponent("id", id); err != nil {
		return err
	}
	if strings.HasSuffix(id, "-") {
		return fmt.Errorf("%w: id %q must not end with '-'", ErrInvalidAddress, id)
	}
	return nil
}

// validateName rejects a leading '-' so the first "--" in a prefix always
// starts the name.
func validateName(name string) error {
	if err := validateComponent("name", name); err != nil {
		return err
	}
	if strings.HasPrefix(name, "-") {
		return fmt.Errorf("%w: name %q must not start with '-'", ErrInvalidAddress, name)
	}
	return nil
}

func validateComponent(what, s string) error {
	if s == "" {
		return fmt.Errorf("%w: %s must not be empty", ErrInvalidAddress, what)
	}
	if strings.Contains(s, Delimiter) {
		return fmt.Errorf("%w: %s %q must not contain %q", ErrInvalidAddress, what, s, Delimiter)
	}
	if strings.Contains(s, "/") {
		return fmt.Errorf("%w: %s %q must not contain '/'", ErrInvalidAddress, what, s)
	}
	if strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %s %q must not contain whitespace", ErrInvalidAddress, what, s)
	}
	return nil
}

// Prefix returns "submissions/{id}--{name}/".
func (a Address) Prefix() string {
	return fmt.Sprintf("%s/%s%s%s/", Prefix, a.ID, Delimiter, a.Name)
}

func (a Address) String() string {
	return a.ID + Delimiter + a.Name
}

// Key returns the object key of relPath inside the submission.
func (a Address) Key(relPath string) (string, error) {
	rel, err := CleanPath(relPath)
	if err != nil {
		return "", err
	}
	if rel == "" {
		return "", fmt.Errorf("%w: empty relative path", ErrInvalidAddress)
	}

	key := a.Prefix() + rel
	if len(key) > MaxKeyLength {
		return "", fmt.Errorf("%w: key %q exceeds %d bytes", ErrInvalidAddress, key, MaxKeyLength)
	}
	return key, nil
}

// idPrefix returns the prefix shared by every key of submission id, whatever its name.
func idPrefix(id string) string {
	return fmt.Sprintf("%s/%s%s", Prefix, id, Delimiter)
}

// ParseKey splits an object key into its submission address and relative path.
func ParseKey(key string) (Address, string, error) {
	rest, ok := strings.CutPrefix(key, Prefix+"/")
	if !ok {
		return Address{}, "", fmt.Errorf("%w: key %q is not under %s/", ErrInvalidAddress, key, Prefix)
	}

	dir, rel, ok := strings.Cut(rest, "/")
	if !ok || rel == "" {
		return Address{}, "", fmt.Errorf("%w: key %q has no relative path", ErrInvalidAddress, key)
	}

	id, name, ok := strings.Cut(dir, Delimiter)
	if !ok || id == "" || name == "" {
		return Address{}, "", fmt.Errorf("%w: key %q has no %s-delimited id and name", ErrInvalidAddress, key, Delimiter)
	}
	if validateID(id) != nil || validateName(name) != nil {
		return Address{}, "", fmt.Errorf("%w: key %q has an ambiguous id and name", ErrInvalidAddress, key)
	}

	return Address{ID: id, Name: name}, rel, nil
}

// CleanPath normalizes a slash separated relative path: repeated, leading
// and trailing separators are dropped. Paths escaping the submission are rejected.
func CleanPath(p string) (string, error) {
	var parts []string
	for _, part := range strings.Split(p, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("%w: path %q must not contain '..'", ErrInvalidAddress, p)
		}
		parts = append(parts, part)
	}
	return path.Join(parts...), nil
}
