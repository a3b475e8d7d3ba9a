// Package idempotency replays the stored response of a request that was
// already served under the same Idempotency-Key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/cockroachdb/errors"
	redisadapter "github.com/robertarktes/tour-reservations/internal/adapters/redis"
)

const (
	MinKeyLength = 16
	MaxKeyLength = 255

	lockTTL = 30 * time.Second
)

var (
	ErrInvalidKey = errors.New("invalid Idempotency-Key")
	ErrInFlight   = errors.New("request with this Idempotency-Key is in progress")
	ErrKeyReused  = errors.New("Idempotency-Key reused with a different request")
)

type Store interface {
	Get(ctx context.Context, key string) (*redisadapter.IdempResponse, error)
	Set(ctx context.Context, key string, resp redisadapter.IdempResponse, ttl time.Duration) error
	Lock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

type Idempotency struct {
	store Store
	ttl   time.Duration
}

func NewIdempotency(store Store, ttl time.Duration) *Idempotency {
	return &Idempotency{store: store, ttl: ttl}
}

type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// ValidKey accepts an empty key, which opts the request out of replay.
func ValidKey(key string) error {
	if key == "" {
		return nil
	}
	if len(key) < MinKeyLength || len(key) > MaxKeyLength {
		return errors.Wrapf(ErrInvalidKey, "length must be between %d and %d", MinKeyLength, MaxKeyLength)
	}
	return nil
}

// Fingerprint identifies the request a key was first used with.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Begin returns the stored response for key, if any. Otherwise it claims the
// key and returns a release func the caller must run once the request is
// done.
func (i *Idempotency) Begin(ctx context.Context, key, fingerprint string) (*Response, func(), error) {
	stored, err := i.lookup(ctx, key, fingerprint)
	if err != nil || stored != nil {
		return stored, nil, err
	}

	ok, err := i.store.Lock(ctx, key, lockTTL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "lock idempotency key")
	}
	if !ok {
		return nil, nil, ErrInFlight
	}
	release := func() {
		_ = i.store.Unlock(context.WithoutCancel(ctx), key)
	}

	// The previous holder may have saved and unlocked between the first
	// lookup and the lock.
	stored, err = i.lookup(ctx, key, fingerprint)
	if err != nil || stored != nil {
		release()
		return stored, nil, err
	}
	return nil, release, nil
}

func (i *Idempotency) lookup(ctx context.Context, key, fingerprint string) (*Response, error) {
	stored, err := i.store.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, "read idempotency record")
	}
	if stored == nil {
		return nil, nil
	}
	if stored.Fingerprint != fingerprint {
		return nil, ErrKeyReused
	}
	return &Response{Status: stored.Status, ContentType: stored.ContentType, Body: stored.Body}, nil
}

func (i *Idempotency) Save(ctx context.Context, key, fingerprint string, resp Response) error {
	return i.store.Set(ctx, key, redisadapter.IdempResponse{
		Status:      resp.Status,
		ContentType: resp.ContentType,
		Fingerprint: fingerprint,
		Body:        resp.Body,
	}, i.ttl)
}
