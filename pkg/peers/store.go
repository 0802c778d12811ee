// Package peers keeps per-neighbor traffic statistics and the book of
// discovered neighbors that survives restarts.
package peers

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"relaygw/pkg/event"
	"relaygw/pkg/gateway"
	"relaygw/pkg/neighbor"
	"relaygw/pkg/packer"
)

// Stats is the traffic seen for one source or destination address.
type Stats struct {
	Address    string
	RecordsIn  uint64
	RecordsOut uint64
	BytesIn    uint64
	BytesOut   uint64
	LastSeen   time.Time
	Discovered bool
}

// Store holds Stats for the most recently active addresses. Entries expire
// ttl after their last update and the least recently used are evicted beyond
// size.
type Store struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, Stats]
	now   func() time.Time
}

func NewStore(size int, ttl time.Duration) *Store {
	if size <= 0 {
		size = 1024
	}
	s := &Store{now: time.Now}
	s.cache = expirable.NewLRU[string, Stats](size, func(addr string, _ Stats) {
		zap.L().Debug("peer stats evicted", zap.String("addr", addr))
	}, ttl)
	return s
}

func (s *Store) update(address string, fn func(*Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, _ := s.cache.Get(address)
	st.Address = address
	fn(&st)
	s.cache.Add(address, st)
}

// RecordIn counts one record received from address.
func (s *Store) RecordIn(address string) {
	now := s.now()
	s.update(address, func(st *Stats) {
		st.RecordsIn++
		st.BytesIn += packer.PacketSize
		st.LastSeen = now
	})
}

// RecordOut counts one record sent to address.
func (s *Store) RecordOut(address string) {
	s.update(address, func(st *Stats) {
		st.RecordsOut++
		st.BytesOut += packer.PacketSize
	})
}

func (s *Store) MarkDiscovered(address string) {
	now := s.now()
	s.update(address, func(st *Stats) {
		st.Discovered = true
		st.LastSeen = now
	})
}

func (s *Store) Get(address string) (Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Get(address)
}

func (s *Store) Remove(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(address)
}

func (s *Store) Len() int { return s.cache.Len() }

// List returns every live entry ordered by address.
func (s *Store) List() []Stats {
	s.mu.Lock()
	out := s.cache.Values()
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Observe feeds the store from gw's receive and neighbor events.
func (s *Store) Observe(gw *gateway.Gateway) event.Group {
	return event.Group{
		gw.SubscribeReceive(func(r gateway.Receive) { s.RecordIn(r.Address) }),
		gw.SubscribeNeighbor(func(n neighbor.Neighbor) { s.MarkDiscovered(n.Address()) }),
	}
}
