// Package resultcache keeps per-user filtered sample lists and derived metric
// tables between report requests.
package resultcache

import (
	"errors"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"titertrack/pkg/domain"
)

// DefaultTTL is how long a saved result stays readable.
const DefaultTTL = time.Hour

// RepeatFilterMessage is shown when a cached result set is missing or expired.
const RepeatFilterMessage = "No samples found. Return to home and repeat filter"

// ErrMissingCacheEntry is returned when a user has no live cached result set.
var ErrMissingCacheEntry = errors.New("no cached samples for user")

// Cache stores per-user report state. Entries of different users never mix.
type Cache interface {
	Save(user string, sampleIDs []string)
	LoadSampleIDs(user string) ([]string, bool)
	LoadSampleList(user string) (SampleList, bool)
	SaveMetrics(user string, generation uint64, table domain.MetricTable)
	LoadMetrics(user string) (domain.MetricTable, bool)
	Invalidate(user string)
}

// Clock supplies the current time for expiry decisions.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SampleList is a saved filter result. Generation changes on every Save, so
// metrics derived from an older list can be told apart from current ones.
type SampleList struct {
	IDs        []string
	Generation uint64
}

type metricsEntry struct {
	table      domain.MetricTable
	generation uint64
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Store is a process-local Cache backed by go-cache. Expiry is decided by the
// injected clock; the go-cache janitor only reclaims memory.
type Store struct {
	items *gocache.Cache
	ttl   time.Duration
	clock Clock
	gen   atomic.Uint64
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the clock used to stamp and expire entries.
func WithClock(clock Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New returns a store whose entries expire ttl after they are saved. A
// non-positive ttl uses DefaultTTL.
func New(ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		ttl:   ttl,
		clock: ClockFunc(time.Now),
	}
	for _, opt := range opts {
		opt(s)
	}
	// entries live in go-cache slightly past their logical expiry so the
	// clock, not the janitor, decides visibility
	s.items = gocache.New(ttl+time.Minute, ttl)
	return s
}

// SampleIDsKey is the cache key of a user's filtered sample list.
func SampleIDsKey(user string) string { return "filtered_samples_" + user }

// MetricsKey is the cache key of a user's derived metric table.
func MetricsKey(user string) string { return "titer_info_" + user }

func (s *Store) put(key string, value any) {
	s.items.Set(key, entry{value: value, expiresAt: s.clock.Now().Add(s.ttl)}, gocache.DefaultExpiration)
}

func (s *Store) get(key string) (any, bool) {
	raw, ok := s.items.Get(key)
	if !ok {
		return nil, false
	}
	e, ok := raw.(entry)
	if !ok {
		return nil, false
	}
	if !s.clock.Now().Before(e.expiresAt) {
		s.items.Delete(key)
		return nil, false
	}
	return e.value, true
}

// Save stores the user's filtered sample IDs, replacing any previous list.
func (s *Store) Save(user string, sampleIDs []string) {
	s.put(SampleIDsKey(user), SampleList{
		IDs:        append([]string(nil), sampleIDs...),
		Generation: s.gen.Add(1),
	})
}

// LoadSampleIDs returns a copy of the user's live sample list.
func (s *Store) LoadSampleIDs(user string) ([]string, bool) {
	list, ok := s.LoadSampleList(user)
	return list.IDs, ok
}

// LoadSampleList returns a copy of the user's live sample list together with
// its generation.
func (s *Store) LoadSampleList(user string) (SampleList, bool) {
	v, ok := s.get(SampleIDsKey(user))
	if !ok {
		return SampleList{}, false
	}
	list, _ := v.(SampleList)
	list.IDs = append([]string(nil), list.IDs...)
	return list, true
}

// SaveMetrics stores the user's metric table derived from the sample list of
// the given generation.
func (s *Store) SaveMetrics(user string, generation uint64, table domain.MetricTable) {
	s.put(MetricsKey(user), metricsEntry{table: table.Clone(), generation: generation})
}

// LoadMetrics returns a copy of the user's live metric table. A table is only
// live while the sample list it was derived from is.
func (s *Store) LoadMetrics(user string) (domain.MetricTable, bool) {
	list, ok := s.LoadSampleList(user)
	if !ok {
		return domain.MetricTable{}, false
	}
	v, ok := s.get(MetricsKey(user))
	if !ok {
		return domain.MetricTable{}, false
	}
	m, _ := v.(metricsEntry)
	if m.generation != list.Generation {
		s.items.Delete(MetricsKey(user))
		return domain.MetricTable{}, false
	}
	return m.table.Clone(), true
}

// Invalidate drops the user's cached metric table so it is derived again from
// the current sample list.
func (s *Store) Invalidate(user string) {
	s.items.Delete(MetricsKey(user))
}

// Len reports the number of entries currently held, expired or not.
func (s *Store) Len() int {
	return s.items.ItemCount()
}
