package submission

import (
	"context"
	"fmt"
	"strings"

	"github.com/DataBiosphere/ssds/objstore"
)

// List returns every submission in store, in key order.
func List(ctx context.Context, store objstore.Store) ([]Address, error) {
	var addrs []Address
	startAfter := ""

	for {
		next, found, err := firstSubmissionAfter(ctx, store, startAfter)
		if err != nil {
			return nil, err
		}
		if !found {
			return addrs, nil
		}
		addrs = append(addrs, next)
		// Every key of the submission sorts below its prefix with the
		// trailing '/' replaced by the next byte, '0'.
		startAfter = strings.TrimSuffix(next.Prefix(), "/") + "0"
	}
}

func firstSubmissionAfter(ctx context.Context, store objstore.Store, startAfter string) (Address, bool, error) {
	for key, err := range store.List(ctx, Prefix+"/", startAfter) {
		if err != nil {
			return Address{}, false, fmt.Errorf("list submissions: %w", err)
		}
		addr, _, err := ParseKey(key)
		if err != nil {
			continue
		}
		return addr, true, nil
	}
	return Address{}, false, nil
}

// ListObjects returns the relative paths of every object in submission id.
func ListObjects(ctx context.Context, store objstore.Store, id string) (Address, []string, error) {
	name, err := LookupName(ctx, store, id)
	if err != nil {
		return Address{}, nil, err
	}
	addr, err := NewAddress(id, name)
	if err != nil {
		return Address{}, nil, err
	}

	var paths []string
	for key, err := range store.List(ctx, addr.Prefix(), "") {
		if err != nil {
			return Address{}, nil, fmt.Errorf("list %s: %w", addr, err)
		}
		paths = append(paths, strings.TrimPrefix(key, addr.Prefix()))
	}
	return addr, paths, nil
}
