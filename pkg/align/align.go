// Package align holds the append-only set of recorded alignment points the
// rotation solver and tracker consume (spec §4.2). The store shape follows
// the teacher's pattern of a mutex-guarded in-memory slice standing in for
// what would otherwise be a small persistence layer (pkg/redis/client.go's
// guarded access to shared vehicle state, generalized from a Redis-backed
// key to an in-process list since alignment points never outlive a run).
package align

import (
	"fmt"
	"sync"
	"time"
)

// Point is one recorded correspondence between a catalog sky position and
// the mount's raw encoder reading at the moment it was captured.
type Point struct {
	RAHours    float64
	DecDeg     float64
	MountX     float64 // arcsec
	MountY     float64 // arcsec
	MountZ     float64 // arcsec
	CapturedAt time.Time
}

// Store is an ordered, append-only, concurrency-safe list of Points.
type Store struct {
	mu     sync.RWMutex
	points []Point
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{}
}

// Add appends p to the end of the store.
func (s *Store) Add(p Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, p)
}

// Len reports how many points are recorded.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

// All returns a copy of the recorded points in capture order. Callers may
// freely mutate the returned slice.
func (s *Store) All() []Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Point, len(s.points))
	copy(out, s.points)
	return out
}

// At returns the i'th recorded point in capture order.
func (s *Store) At(i int) (Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.points) {
		return Point{}, fmt.Errorf("align: index %d out of range (have %d points)", i, len(s.points))
	}
	return s.points[i], nil
}

// Clear discards every recorded point.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = nil
}
