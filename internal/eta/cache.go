package eta

import (
	"math"
	"sync"
	"time"

	"github.com/example/campus-transit/internal/models"
)

// legKey is a captain-to-stop leg with both ends snapped to a ~10 m grid, so
// a bus idling at a light keeps hitting the same entry.
type legKey struct {
	fromLat, fromLon, toLat, toLon int32
}

func snap(deg float64) int32 { return int32(math.Round(deg * 1e4)) }

func keyFor(from, to models.Coord) legKey {
	return legKey{snap(from.Lat), snap(from.Lon), snap(to.Lat), snap(to.Lon)}
}

// Cache remembers road-time answers per leg for ttl. Expired legs are swept
// once the map grows past sweepAt entries.
type Cache struct {
	mu      sync.Mutex
	legs    map[legKey]leg
	ttl     time.Duration
	sweepAt int
	now     func() time.Time
}

type leg struct {
	seconds float64
	expires time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{legs: make(map[legKey]leg), ttl: ttl, sweepAt: 4096, now: time.Now}
}

func (c *Cache) Get(from, to models.Coord) (float64, bool) {
	k := keyFor(from, to)
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.legs[k]
	if !ok {
		return 0, false
	}
	if !c.now().Before(l.expires) {
		delete(c.legs, k)
		return 0, false
	}
	return l.seconds, true
}

func (c *Cache) Set(from, to models.Coord, seconds float64) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.legs) >= c.sweepAt {
		for k, l := range c.legs {
			if !now.Before(l.expires) {
				delete(c.legs, k)
			}
		}
	}
	c.legs[keyFor(from, to)] = leg{seconds: seconds, expires: now.Add(c.ttl)}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.legs)
}
