// Package lease elects a single holder for periodic work that several
// campaign replicas share, such as sweeping a Redis claim document.
package lease

import (
	"context"
	"errors"
	"strings"
	"time"
)

// DefaultTTL applies when a caller passes a non-positive ttl.
const DefaultTTL = 90 * time.Second

var ErrInvalidLease = errors.New("invalid lease request")

// Lease is a held claim on a resource. Token increases with every grant, so a
// stale holder can be told apart from the current one.
type Lease struct {
	Resource  string
	Owner     string
	Token     uint64
	ExpiresAt time.Time
}

type Manager interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, held Lease, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, held Lease) error
}

func normalize(resource, owner string, ttl time.Duration) (string, string, time.Duration, error) {
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" {
		return "", "", 0, errors.Join(ErrInvalidLease, errors.New("resource is required"))
	}
	if owner == "" {
		return "", "", 0, errors.Join(ErrInvalidLease, errors.New("owner is required"))
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return resource, owner, ttl, nil
}

func checkHeld(held Lease) (Lease, error) {
	resource, owner, _, err := normalize(held.Resource, held.Owner, 0)
	if err != nil {
		return Lease{}, err
	}
	if held.Token == 0 {
		return Lease{}, errors.Join(ErrInvalidLease, errors.New("token is required"))
	}
	held.Resource, held.Owner = resource, owner
	return held, nil
}
