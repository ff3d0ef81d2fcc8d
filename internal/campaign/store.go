// Package campaign implements the versioned campaign context store.
//
// A Store sits on a durable store.Backend and keeps a bounded TTL cache of
// decoded contexts in front of it. Every committed mutation goes through a
// single write path that:
//
//  1. takes the campaign's lock (writers of the same campaign serialise,
//     different campaigns never contend),
//  2. checks the caller's expected version against the stored one,
//  3. bumps Version by exactly one and advances LastUpdated,
//  4. writes the encoded record atomically, then refreshes the cache.
//
// Readers therefore see either the previous or the complete new version.
package campaign

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/metrics"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/store"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/pkg/models"
)

const keyPrefix = "campaign/"

var tracer = otel.Tracer("campaign-substrate/campaign")

// Config tunes the in-memory cache and the Update retry loop.
type Config struct {
	CacheSize         int
	CacheTTL          time.Duration
	MaxUpdateAttempts int
}

// DefaultConfig returns 256 cached contexts for 30 minutes, 5 update attempts.
func DefaultConfig() Config {
	return Config{
		CacheSize:         256,
		CacheTTL:          30 * time.Minute,
		MaxUpdateAttempts: 5,
	}
}

// Store is the campaign context store.
type Store struct {
	backend store.Backend
	cache   *contextCache
	flight  singleflight.Group
	now     func() time.Time

	maxUpdateAttempts int

	locksMu sync.Mutex
	locks   map[string]*campaignLock
}

type campaignLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a store on backend. Zero config fields use DefaultConfig.
func New(backend store.Backend, cfg Config) *Store {
	def := DefaultConfig()
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.MaxUpdateAttempts <= 0 {
		cfg.MaxUpdateAttempts = def.MaxUpdateAttempts
	}
	s := &Store{
		backend:           backend,
		now:               func() time.Time { return time.Now().UTC() },
		maxUpdateAttempts: cfg.MaxUpdateAttempts,
		locks:             make(map[string]*campaignLock),
	}
	s.cache = newContextCache(cfg.CacheSize, cfg.CacheTTL, func() time.Time { return s.now() })
	return s
}

// SetClock replaces the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = func() time.Time { return now().UTC() }
}

// lock acquires the per-campaign mutex and returns its release func.
func (s *Store) lock(id string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &campaignLock{}
		s.locks[id] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.locksMu.Unlock()
	}
}

func validateID(id string) error {
	// leading dots are reserved for backend bookkeeping files
	if id == "" || strings.ContainsAny(id, "/\\") || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func storageKey(id string) string { return keyPrefix + id }

// Create persists a fresh context at version 1. Fails with ErrAlreadyExists
// if a durable record is present.
func (s *Store) Create(ctx context.Context, id string, metadata map[string]string) (*models.CampaignContext, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	unlock := s.lock(id)
	defer unlock()

	_, err := s.backend.Read(ctx, storageKey(id))
	if err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	if !store.IsNotFound(err) {
		return nil, fmt.Errorf("check campaign %s: %w", id, err)
	}

	cc := models.NewCampaignContext(id, metadata, s.now())
	cc.Version = 1
	if err := s.write(ctx, cc); err != nil {
		return nil, err
	}

	log.Info().Str("campaign_id", id).Msg("Campaign context created")
	return cc.Clone(), nil
}

// Get returns a private copy of the campaign's context, from the cache when
// fresh, otherwise from the backend. Concurrent misses for one id share a
// single backend read.
func (s *Store) Get(ctx context.Context, id string) (*models.CampaignContext, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if cc, ok := s.cache.get(id); ok {
		return cc, nil
	}

	v, err, _ := s.flight.Do(id, func() (interface{}, error) {
		unlock := s.lock(id)
		defer unlock()
		return s.loadLocked(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.CampaignContext).Clone(), nil
}

// loadLocked returns the current context. Caller holds the campaign lock,
// so no write can slip between the backend read and the cache fill.
func (s *Store) loadLocked(ctx context.Context, id string) (*models.CampaignContext, error) {
	if cc, ok := s.cache.get(id); ok {
		return cc, nil
	}
	data, err := s.backend.Read(ctx, storageKey(id))
	if err != nil {
		if store.IsNotFound(err) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("read campaign %s: %w", id, err)
	}
	cc, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("campaign %s: %w", id, err)
	}
	s.cache.put(cc)
	return cc, nil
}

// Save commits c if the stored version still equals expectedVersion.
// On success c.Version and c.LastUpdated are updated in place. A stale
// expectedVersion returns *VersionConflictError and nothing is written.
func (s *Store) Save(ctx context.Context, c *models.CampaignContext, expectedVersion int64) error {
	if c == nil {
		return fmt.Errorf("%w: nil context", ErrInvalidID)
	}
	if err := validateID(c.ID); err != nil {
		return err
	}
	unlock := s.lock(c.ID)
	defer unlock()

	current, err := s.loadLocked(ctx, c.ID)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		metrics.ContextSaves.WithLabelValues("conflict").Inc()
		return &VersionConflictError{CampaignID: c.ID, Expected: expectedVersion, Actual: current.Version}
	}
	return s.commitLocked(ctx, c, current)
}

// AddEvent appends event to the campaign's history, marks its stage
// complete when it succeeded, and commits once: the version moves by
// exactly one. ID and Timestamp are filled in when empty.
func (s *Store) AddEvent(ctx context.Context, id string, event models.GenerationEvent) (models.GenerationEvent, error) {
	if err := validateID(id); err != nil {
		return event, err
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	} else {
		event.Timestamp = event.Timestamp.UTC()
	}

	unlock := s.lock(id)
	defer unlock()

	current, err := s.loadLocked(ctx, id)
	if err != nil {
		return event, err
	}
	next := current.Clone()
	next.GenerationHistory = append(next.GenerationHistory, event.Clone())
	if event.Success {
		next.AddStage(event.Stage)
	}
	if err := s.commitLocked(ctx, next, current); err != nil {
		return event, err
	}

	log.Debug().
		Str("campaign_id", id).
		Str("stage", string(event.Stage)).
		Str("agent", event.Agent).
		Bool("success", event.Success).
		Int64("version", next.Version).
		Msg("Generation event recorded")
	return event, nil
}

// Update loads the context, applies fn and saves it, reloading and
// re-applying fn when another writer got there first. fn must be safe to
// run more than once.
func (s *Store) Update(ctx context.Context, id string, fn func(*models.CampaignContext) error) (*models.CampaignContext, error) {
	var lastErr error
	for attempt := 0; attempt < s.maxUpdateAttempts; attempt++ {
		cc, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		expected := cc.Version
		if err := fn(cc); err != nil {
			return nil, err
		}
		err = s.Save(ctx, cc, expected)
		if err == nil {
			return cc, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("update campaign %s after %d attempts: %w", id, s.maxUpdateAttempts, lastErr)
}

// commitLocked writes next as the successor of current. Caller holds the
// campaign lock.
func (s *Store) commitLocked(ctx context.Context, next, current *models.CampaignContext) (err error) {
	ctx, span := tracer.Start(ctx, "campaign.save")
	span.SetAttributes(
		attribute.String("campaign.id", next.ID),
		attribute.Int64("campaign.version", current.Version+1),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := checkAppendOnly(current.GenerationHistory, next.GenerationHistory); err != nil {
		return fmt.Errorf("campaign %s: %w", next.ID, err)
	}

	prevVersion, prevUpdated, prevCreated := next.Version, next.LastUpdated, next.CreatedAt

	now := s.now()
	if now.Before(current.LastUpdated) {
		now = current.LastUpdated
	}
	next.Version = current.Version + 1
	next.LastUpdated = now
	next.CreatedAt = current.CreatedAt
	next.NormalizeTimes()

	if err := s.write(ctx, next); err != nil {
		next.Version, next.LastUpdated, next.CreatedAt = prevVersion, prevUpdated, prevCreated
		return err
	}
	return nil
}

func checkAppendOnly(prev, next []models.GenerationEvent) error {
	if len(next) < len(prev) {
		return ErrHistoryRewritten
	}
	for i := range prev {
		if !prev[i].Equal(next[i]) {
			return fmt.Errorf("%w: event %s changed", ErrHistoryRewritten, prev[i].ID)
		}
	}
	return nil
}

// write encodes cc, stores it and refreshes the cache with the decoded
// record, so cached and cold reads see the same value.
func (s *Store) write(ctx context.Context, cc *models.CampaignContext) error {
	data, err := Encode(cc)
	if err != nil {
		metrics.ContextSaves.WithLabelValues("error").Inc()
		return fmt.Errorf("encode campaign %s: %w", cc.ID, err)
	}
	stored, err := Decode(data)
	if err != nil {
		metrics.ContextSaves.WithLabelValues("error").Inc()
		return fmt.Errorf("re-read campaign %s: %w", cc.ID, err)
	}
	if err := s.backend.Write(ctx, storageKey(cc.ID), data); err != nil {
		metrics.ContextSaves.WithLabelValues("error").Inc()
		return fmt.Errorf("write campaign %s: %w", cc.ID, err)
	}
	s.cache.put(stored)
	metrics.ContextSaves.WithLabelValues("ok").Inc()
	return nil
}

// Delete removes the durable record and the cache entry. Returns false,
// without error, when the campaign did not exist.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}
	unlock := s.lock(id)
	defer unlock()

	s.cache.remove(id)
	if err := s.backend.Delete(ctx, storageKey(id)); err != nil {
		if store.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("delete campaign %s: %w", id, err)
	}
	log.Info().Str("campaign_id", id).Msg("Campaign context deleted")
	return true, nil
}

// List returns the ids of all stored campaigns, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	keys, err := s.backend.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, keyPrefix))
	}
	sort.Strings(ids)
	return ids, nil
}

// SweepCache drops expired cache entries. Called by the retention janitor.
func (s *Store) SweepCache() int {
	return s.cache.sweep()
}

// CacheStats reports cache activity.
func (s *Store) CacheStats() CacheStats {
	return s.cache.stats()
}

// ── Encoding ────────────────────────────────────────────────

// Encode serialises a context in its durable form.
func Encode(cc *models.CampaignContext) ([]byte, error) {
	return json.Marshal(cc)
}

// Decode parses a durable record. Unknown fields are rejected so a record
// written by a newer schema is never silently truncated on rewrite.
func Decode(data []byte) (*models.CampaignContext, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cc models.CampaignContext
	if err := dec.Decode(&cc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &cc, nil
}
