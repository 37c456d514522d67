// Package location keeps the latest position of every captain on a ride.
package location

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/example/campus-transit/internal/cache"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/observability"
)

// DefaultTTL bounds how long a mirrored position survives in the cache.
const DefaultTTL = 5 * time.Minute

const shardCount = 32

type shard struct {
	mu      sync.RWMutex
	entries map[int64]models.CaptainLocation
}

// Store is the authoritative in-process location cache. Captains are spread
// over shards so updates for different captains rarely share a lock. The
// external cache is an optimization: its failures are logged, not returned.
type Store struct {
	shards [shardCount]*shard
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger

	// Shared marks the cache as also written by other processes, as when a
	// Kafka consumer applies updates the API serves. Reads then trust the
	// cache over memory.
	Shared bool
}

func NewStore(c cache.Cache, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{cache: c, ttl: ttl, logger: logger}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[int64]models.CaptainLocation)}
	}
	return s
}

func (s *Store) shardFor(captainID int64) *shard {
	idx := uint64(captainID) % shardCount
	return s.shards[idx]
}

func cacheKey(captainID int64) string {
	return "captain:location:" + strconv.FormatInt(captainID, 10)
}

func routeKey(routeName string) string {
	return "route:" + routeName + ":captains"
}

// Update stores loc unless a newer position for the same captain is already
// held. It reports whether loc became the live value. The mirror write
// happens under the shard lock so the cache never ends up behind memory.
func (s *Store) Update(ctx context.Context, loc models.CaptainLocation) bool {
	sh := s.shardFor(loc.CaptainID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	prev, ok := sh.entries[loc.CaptainID]
	if ok && prev.CapturedAt.After(loc.CapturedAt) {
		observability.LocationsStale.Inc()
		return false
	}
	sh.entries[loc.CaptainID] = loc
	if !ok {
		observability.LiveCaptains.Inc()
	}
	s.mirror(ctx, loc, prev.RouteName)
	return true
}

func (s *Store) mirror(ctx context.Context, loc models.CaptainLocation, prevRoute string) {
	if s.cache == nil {
		return
	}
	b, err := json.Marshal(loc)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(loc.CaptainID), b, s.ttl); err != nil {
		s.cacheFailed("location mirror failed", loc.CaptainID, err)
		return
	}
	idx, ok := s.cache.(cache.Sets)
	if !ok {
		return
	}
	id := strconv.FormatInt(loc.CaptainID, 10)
	if prevRoute != "" && prevRoute != loc.RouteName {
		if err := idx.SRem(ctx, routeKey(prevRoute), id); err != nil {
			s.cacheFailed("route index remove failed", loc.CaptainID, err)
		}
	}
	if err := idx.SAdd(ctx, routeKey(loc.RouteName), s.ttl, id); err != nil {
		s.cacheFailed("route index add failed", loc.CaptainID, err)
	}
}

func (s *Store) cacheFailed(msg string, captainID int64, err error) {
	observability.LocationCacheErrors.Inc()
	s.logger.Warn(msg, "captain_id", captainID, "error", err)
}

// cached reads the mirrored position. found is false on a miss; err is set
// only when the cache itself failed.
func (s *Store) cached(ctx context.Context, captainID int64) (loc models.CaptainLocation, found bool, err error) {
	b, err := s.cache.Get(ctx, cacheKey(captainID))
	if errors.Is(err, cache.ErrMiss) {
		return loc, false, nil
	}
	if err != nil {
		return loc, false, err
	}
	if err := json.Unmarshal(b, &loc); err != nil {
		s.logger.Warn("discarding corrupt cached location", "captain_id", captainID, "error", err)
		return loc, false, nil
	}
	return loc, true, nil
}

// Get returns the captain's live position. Memory answers first unless the
// store is Shared; the cache fills memory misses (e.g. after a restart).
func (s *Store) Get(ctx context.Context, captainID int64) (models.CaptainLocation, bool) {
	sh := s.shardFor(captainID)
	sh.mu.RLock()
	mem, inMem := sh.entries[captainID]
	sh.mu.RUnlock()
	if s.cache == nil || (inMem && !s.Shared) {
		return mem, inMem
	}

	loc, found, err := s.cached(ctx, captainID)
	if err != nil {
		s.cacheFailed("location cache read failed", captainID, err)
		return mem, inMem
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, exists := sh.entries[captainID]
	if !found {
		// cleared or expired elsewhere
		if exists && s.Shared {
			delete(sh.entries, captainID)
			observability.LiveCaptains.Dec()
			return models.CaptainLocation{}, false
		}
		return cur, exists
	}
	if exists && cur.CapturedAt.After(loc.CapturedAt) {
		return cur, true
	}
	if !exists {
		observability.LiveCaptains.Inc()
	}
	sh.entries[captainID] = loc
	return loc, true
}

// Clear forgets a captain, typically when the ride ends.
func (s *Store) Clear(ctx context.Context, captainID int64) {
	sh := s.shardFor(captainID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	prev, ok := sh.entries[captainID]
	if ok {
		delete(sh.entries, captainID)
		observability.LiveCaptains.Dec()
	}
	if s.cache == nil {
		return
	}
	route := prev.RouteName
	if route == "" {
		if loc, found, err := s.cached(ctx, captainID); err == nil && found {
			route = loc.RouteName
		}
	}
	if err := s.cache.Del(ctx, cacheKey(captainID)); err != nil {
		s.cacheFailed("location cache delete failed", captainID, err)
	}
	if idx, ok := s.cache.(cache.Sets); ok && route != "" {
		if err := idx.SRem(ctx, routeKey(route), strconv.FormatInt(captainID, 10)); err != nil {
			s.cacheFailed("route index remove failed", captainID, err)
		}
	}
}

// ByRoute snapshots the live captains on a route, ordered by captain id.
// With a set-capable cache the route index adds captains this process has
// not seen; a Shared store takes the index as the full list.
func (s *Store) ByRoute(ctx context.Context, routeName string) []models.CaptainLocation {
	byID := make(map[int64]models.CaptainLocation)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, loc := range sh.entries {
			if loc.RouteName == routeName {
				byID[loc.CaptainID] = loc
			}
		}
		sh.mu.RUnlock()
	}

	if idx, ok := s.cache.(cache.Sets); ok {
		members, err := idx.SMembers(ctx, routeKey(routeName))
		if err != nil {
			observability.LocationCacheErrors.Inc()
			s.logger.Warn("route index read failed", "route", routeName, "error", err)
		} else {
			s.mergeIndex(ctx, idx, routeName, members, byID)
		}
	}

	out := make([]models.CaptainLocation, 0, len(byID))
	for _, loc := range byID {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaptainID < out[j].CaptainID })
	return out
}

func (s *Store) mergeIndex(ctx context.Context, idx cache.Sets, routeName string, members []string, byID map[int64]models.CaptainLocation) {
	listed := make(map[int64]bool, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		listed[id] = true
		if _, ok := byID[id]; ok && !s.Shared {
			continue
		}
		loc, ok := s.Get(ctx, id)
		if !ok {
			// position expired; prune the stale member
			_ = idx.SRem(ctx, routeKey(routeName), m)
			delete(byID, id)
			continue
		}
		if loc.RouteName != routeName {
			delete(byID, id)
			continue
		}
		byID[id] = loc
	}
	if s.Shared {
		for id := range byID {
			if !listed[id] {
				delete(byID, id)
			}
		}
	}
}
