// Package listing serves the reservation listing from a time-limited
// read-through cache.
//
// Snapshots are stored under a versioned key. Invalidate bumps the version,
// so a rebuild that started before an invalidation is written under a key no
// reader will look up again, and stale data is never served after a commit.
// The listing is a read model only; capacity decisions never consult it.
package listing

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/tour-reservations/internal/clock"
	"github.com/robertarktes/tour-reservations/internal/domain"
	"github.com/robertarktes/tour-reservations/internal/observability"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/singleflight"
)

const (
	Identity = "reservations:all"

	versionKey = Identity + ":version"
)

// Backend is the shared key-value store holding snapshots.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Version(ctx context.Context, key string) (int64, error)
	// Bump increments the version counter and deletes the given key.
	Bump(ctx context.Context, versionKey, staleKey string) (int64, error)
}

// Source is the authoritative store the listing is rebuilt from.
type Source interface {
	ListReservations(ctx context.Context) ([]domain.ListingEntry, error)
}

type Snapshot struct {
	Entries   []domain.ListingEntry `json:"entries"`
	BuiltAt   time.Time             `json:"built_at"`
	Version   int64                 `json:"version"`
	FromCache bool                  `json:"-"`
}

type Cache struct {
	backend Backend
	source  Source
	ttl     time.Duration
	clock   clock.Clock
	logger  observability.Logger
	group   singleflight.Group
}

func New(backend Backend, source Source, ttl time.Duration, clk clock.Clock, logger observability.Logger) *Cache {
	return &Cache{backend: backend, source: source, ttl: ttl, clock: clk, logger: logger}
}

func snapshotKey(version int64) string {
	return Identity + ":v" + strconv.FormatInt(version, 10)
}

// Read returns the cached snapshot for the current version, rebuilding it
// from the source on a miss. Concurrent misses share one rebuild. When the
// backend is unreachable the listing is read straight from the source.
func (c *Cache) Read(ctx context.Context) (snap Snapshot, err error) {
	ctx, span := otel.Tracer("listing").Start(ctx, "listing.Read")
	defer func() { observability.EndSpan(span, err) }()

	version, err := c.backend.Version(ctx, versionKey)
	if err != nil {
		observability.ListingCache.WithLabelValues("error").Inc()
		c.logger.WithError(err).Warn("listing cache unavailable, reading from store")
		return c.build(ctx, -1)
	}

	key := snapshotKey(version)
	data, ok, err := c.backend.Get(ctx, key)
	switch {
	case err != nil:
		observability.ListingCache.WithLabelValues("error").Inc()
		c.logger.WithError(err).Warn("listing cache read failed")
	case ok:
		if err := json.Unmarshal(data, &snap); err == nil {
			observability.ListingCache.WithLabelValues("hit").Inc()
			snap.FromCache = true
			return snap, nil
		}
		c.logger.WithField("key", key).Warn("discarding undecodable listing snapshot")
	}
	observability.ListingCache.WithLabelValues("miss").Inc()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		rctx := context.WithoutCancel(ctx)
		snap, err := c.build(rctx, version)
		if err != nil {
			return Snapshot{}, err
		}
		payload, err := json.Marshal(snap)
		if err != nil {
			return Snapshot{}, errors.Wrap(err, "encode listing snapshot")
		}
		if err := c.backend.Set(rctx, key, payload, c.ttl); err != nil {
			c.logger.WithError(err).Warn("listing cache write failed")
		}
		return snap, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

// Invalidate makes the next Read rebuild from the source. Callers invoke it
// after their transaction has committed.
func (c *Cache) Invalidate(ctx context.Context) error {
	version, err := c.backend.Version(ctx, versionKey)
	if err != nil {
		return errors.Wrap(err, "read listing version")
	}
	if _, err := c.backend.Bump(ctx, versionKey, snapshotKey(version)); err != nil {
		return errors.Wrap(err, "invalidate listing")
	}
	observability.ListingCache.WithLabelValues("invalidated").Inc()
	return nil
}

func (c *Cache) build(ctx context.Context, version int64) (Snapshot, error) {
	entries, err := c.source.ListReservations(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Entries: entries, BuiltAt: c.clock.Now(), Version: version}, nil
}
