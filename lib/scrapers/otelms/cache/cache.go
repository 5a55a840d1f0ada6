// Package cache memoizes fetched and parsed otelms pages per session epoch.
package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"otelms-scraper/internal/assert"
	"otelms-scraper/internal/components/chrono"
	"otelms-scraper/internal/components/telemetry"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("otelms-scraper/lib/scrapers/otelms/cache")

const (
	report_store_get        = "store.get"
	report_store_set        = "store.set"
	report_store_invalidate = "store.invalidate"
)

// Kind is the kind of value cached, every kind has its own TTL.
type Kind int

const (
	KindListing Kind = iota
	KindDetail
	KindCalendar
)

func (k Kind) String() string {
	switch k {
	case KindListing:
		return "listing"
	case KindDetail:
		return "detail"
	case KindCalendar:
		return "calendar"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

var kinds = []Kind{KindListing, KindDetail, KindCalendar}

const (
	DefaultListingTTL  = 2 * time.Minute
	DefaultDetailTTL   = 30 * time.Minute
	DefaultCalendarTTL = time.Minute
)

type Options struct {
	// Dir is where badger keeps its files, the store is in memory when empty.
	Dir         string
	ListingTTL  time.Duration
	DetailTTL   time.Duration
	CalendarTTL time.Duration
	Clock       chrono.API
	Tel         telemetry.API
}

// Store is the badger database shared by every Cache along with the current
// session epoch.
type Store struct {
	db    *badger.DB
	clock chrono.API
	tel   telemetry.API
	ttl   map[Kind]time.Duration
	epoch atomic.Uint64

	hits   atomic.Int64
	misses atomic.Int64
}

// Open opens the backing badger database. An on-disk database is emptied on
// open, entries are bound to session epochs which do not outlive a process.
func Open(opts Options) (*Store, error) {
	assert.NotNil(opts.Clock)
	assert.NotNil(opts.Tel)

	if opts.ListingTTL <= 0 {
		opts.ListingTTL = DefaultListingTTL
	}
	if opts.DetailTTL <= 0 {
		opts.DetailTTL = DefaultDetailTTL
	}
	if opts.CalendarTTL <= 0 {
		opts.CalendarTTL = DefaultCalendarTTL
	}

	tel := telemetry.NewScopedAPI("otelms_cache", opts.Tel)

	badgerOpts := badger.DefaultOptions(opts.Dir).
		WithLogger(badgerLogger{tel: tel})
	if opts.Dir == "" {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	if opts.Dir != "" {
		err = db.DropAll()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("clear cache: %w", err)
		}
	}

	return &Store{
		db:    db,
		clock: opts.Clock,
		tel:   tel,
		ttl: map[Kind]time.Duration{
			KindListing: opts.ListingTTL,
			KindDetail:   opts.DetailTTL,
			KindCalendar: opts.CalendarTTL,
		},
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Advance moves the store to a new session epoch, every entry stored under an
// older epoch becomes a miss. Nothing is swept.
func (s *Store) Advance(epoch uint64) {
	for {
		current := s.epoch.Load()
		if epoch <= current {
			return
		}
		if s.epoch.CompareAndSwap(current, epoch) {
			s.tel.ReportDebug("epoch advanced", epoch)
			return
		}
	}
}

func (s *Store) Epoch() uint64 {
	return s.epoch.Load()
}

// Stats returns the number of hits and misses so far.
func (s *Store) Stats() (hits, misses int64) {
	return s.hits.Load(), s.misses.Load()
}

// Invalidate evicts the entries of every kind stored under fingerprint.
func (s *Store) Invalidate(ctx context.Context, fingerprint string) error {
	_, span := tracer.Start(ctx, "Invalidate")
	defer span.End()
	span.SetAttributes(attribute.String("fingerprint", fingerprint))

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, kind := range kinds {
			err := txn.Delete(key(kind, fingerprint))
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete keys")
		s.tel.ReportBroken(report_store_invalidate, err, fingerprint)
		return err
	}
	return nil
}

func key(kind Kind, fingerprint string) []byte {
	return []byte(kind.String() + "|" + fingerprint)
}

type entry[V any] struct {
	Epoch     uint64
	ExpiresAt int64
	Value     V
}

var errMiss = errors.New("cache miss")

func get[V any](ctx context.Context, s *Store, kind Kind, fingerprint string) (V, error) {
	_, span := tracer.Start(ctx, "get")
	defer span.End()
	span.SetAttributes(
		attribute.String("kind", kind.String()),
		attribute.String("fingerprint", fingerprint),
	)

	var cached entry[V]
	var empty V

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(kind, fingerprint))
		if err != nil {
			return err
		}
		return item.Value(func(serialized []byte) error {
			return gob.NewDecoder(bytes.NewReader(serialized)).Decode(&cached)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return empty, errMiss
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read cached item")
		s.tel.ReportWarning(report_store_get, err, fingerprint)
		return empty, errMiss
	}

	if cached.Epoch != s.Epoch() {
		span.AddEvent("stale epoch", trace.WithAttributes(
			attribute.Int64("entry_epoch", int64(cached.Epoch)),
		))
		return empty, errMiss
	}
	if s.clock.Now().UnixNano() >= cached.ExpiresAt {
		span.AddEvent("expired")
		err = s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key(kind, fingerprint))
		})
		if err != nil {
			s.tel.ReportWarning(report_store_get, fmt.Errorf("delete expired: %w", err), fingerprint)
		}
		return empty, errMiss
	}

	span.SetStatus(codes.Ok, "CACHE HIT")
	return cached.Value, nil
}

// set stores value and returns it as a later get will, gob does not keep
// every distinction a value can make (an empty slice decodes to nil).
func set[V any](ctx context.Context, s *Store, kind Kind, fingerprint string, epoch uint64, value V) (V, error) {
	_, span := tracer.Start(ctx, "set")
	defer span.End()
	span.SetAttributes(
		attribute.String("kind", kind.String()),
		attribute.String("fingerprint", fingerprint),
	)

	ttl := s.ttl[kind]
	serialized := bytes.NewBuffer(nil)
	err := gob.NewEncoder(serialized).Encode(entry[V]{
		Epoch:     epoch,
		ExpiresAt: s.clock.Now().Add(ttl).UnixNano(),
		Value:     value,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to serialize value")
		return value, err
	}
	raw := serialized.Bytes()

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key(kind, fingerprint), raw).WithTTL(ttl))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to set badger item")
		return value, err
	}

	var stored entry[V]
	err = gob.NewDecoder(bytes.NewReader(raw)).Decode(&stored)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to deserialize value")
		return value, err
	}
	return stored.Value, nil
}

// Cache is a typed view over a Store for a single Kind.
type Cache[V any] struct {
	store *Store
	kind  Kind
	group singleflight.Group
}

func New[V any](store *Store, kind Kind) *Cache[V] {
	assert.NotNil(store)
	return &Cache[V]{store: store, kind: kind}
}

// GetOrFetch returns the value cached under fingerprint when it is present,
// unexpired and was stored under the current epoch. Otherwise it calls
// compute, stores its result and returns it.
//
// Concurrent callers for the same fingerprint share a single call to
// compute. Errors returned by compute are never cached.
func (c *Cache[V]) GetOrFetch(ctx context.Context, fingerprint string, compute func(ctx context.Context) (V, error)) (V, error) {
	ctx, span := tracer.Start(ctx, "GetOrFetch")
	defer span.End()

	value, err := get[V](ctx, c.store, c.kind, fingerprint)
	if err == nil {
		c.store.hits.Add(1)
		c.store.tel.ReportCount("cache.hits", c.store.hits.Load())
		return value, nil
	}

	res, err, shared := c.group.Do(fingerprint, func() (any, error) {
		// a flight that finished right before this one started may have
		// stored the value already
		value, err := get[V](ctx, c.store, c.kind, fingerprint)
		if err == nil {
			return value, nil
		}

		c.store.misses.Add(1)
		c.store.tel.ReportCount("cache.misses", c.store.misses.Load())

		epoch := c.store.Epoch()
		value, err = compute(ctx)
		if err != nil {
			return value, err
		}
		stored, err := set(ctx, c.store, c.kind, fingerprint, epoch, value)
		if err != nil {
			c.store.tel.ReportWarning(report_store_set, err, fingerprint)
			return value, nil
		}
		return stored, nil
	})
	span.SetAttributes(attribute.Bool("shared", shared))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compute failed")
		var empty V
		return empty, err
	}
	return res.(V), nil
}

func (c *Cache[V]) Invalidate(ctx context.Context, fingerprint string) error {
	return c.store.Invalidate(ctx, fingerprint)
}

type badgerLogger struct {
	tel telemetry.API
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.tel.ReportBroken("badger", fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.tel.ReportWarning("badger", fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.tel.ReportDebug("badger: " + fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...any) {}
