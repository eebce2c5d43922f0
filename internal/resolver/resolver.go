package resolver

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Resolver maps names and unique ids onto each other.
//
// A definitive miss is reported as found == false with a nil error. Any
// failure to reach an answer (I/O, timeout, throttling, cancelled wait) is
// returned as an error satisfying domain.IsTransient and must not be taken as
// a miss.
type Resolver interface {
	ResolveUUID(ctx context.Context, name string) (id uuid.UUID, found bool, err error)
	ResolveName(ctx context.Context, id uuid.UUID) (name string, found bool, err error)
}

// Chain asks each resolver in order and returns the first hit. A transient
// error from one link does not stop the chain, but it is returned if no later
// link produces a hit, so a miss is only reported when every link agreed.
type Chain []Resolver

// ResolveUUID implements Resolver
func (c Chain) ResolveUUID(ctx context.Context, name string) (uuid.UUID, bool, error) {
	var errs []error
	for _, r := range c {
		id, found, err := r.ResolveUUID(ctx, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if found {
			return id, true, nil
		}
	}
	return uuid.Nil, false, errors.Join(errs...)
}

// ResolveName implements Resolver
func (c Chain) ResolveName(ctx context.Context, id uuid.UUID) (string, bool, error) {
	var errs []error
	for _, r := range c {
		name, found, err := r.ResolveName(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if found {
			return name, true, nil
		}
	}
	return "", false, errors.Join(errs...)
}
