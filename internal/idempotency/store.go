// Package idempotency remembers the response of a request carrying an
// Idempotency-Key so a retried submission returns the original outcome
// instead of storing a second record.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	DefaultReserveTTL = 30 * time.Second
	DefaultResultTTL  = 24 * time.Hour
	maxKeyLength      = 200
)

var ErrInvalidKey = errors.New("invalid idempotency key")

// Result is a finished response kept for replay.
type Result struct {
	Status  int             `json:"status"`
	Body    json.RawMessage `json:"body"`
	SavedAt time.Time       `json:"saved_at"`
}

// Store holds reservations for requests in flight and the results of
// completed ones. Reserve succeeds for exactly one caller per key until that
// caller completes, abandons, or the reservation expires.
type Store interface {
	Lookup(ctx context.Context, scope, key string) (Result, bool, error)
	Reserve(ctx context.Context, scope, key, owner string, ttl time.Duration) (bool, error)
	Complete(ctx context.Context, scope, key string, result Result, ttl time.Duration) error
	Abandon(ctx context.Context, scope, key, owner string) error
}

// compoundKey scopes and hashes a client supplied key so arbitrary header
// values map to fixed length storage keys.
func compoundKey(scope, key string) (string, error) {
	scope = strings.TrimSpace(scope)
	key = strings.TrimSpace(key)
	switch {
	case scope == "":
		return "", errors.New("idempotency scope is required")
	case key == "", len(key) > maxKeyLength:
		return "", ErrInvalidKey
	}
	sum := sha256.Sum256([]byte(scope + "|" + key))
	return scope + ":" + hex.EncodeToString(sum[:]), nil
}

func requireOwner(owner string) (string, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return "", errors.New("idempotency owner is required")
	}
	return owner, nil
}
