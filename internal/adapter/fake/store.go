// Package fake provides deterministic in-memory doubles for the daemon's
// ports. No goroutines beyond watch bookkeeping, no real time.
package fake

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/containerd/errdefs"

	"hyperfleet"
	"hyperfleet/internal/check"
)

// subscriptionBufCapacity is 256: sized to absorb a full-cluster burst of
// writes between reads in a slow test consumer.
const subscriptionBufCapacity = 256

// Store is the shared state of a fake membership store. The production
// store is linearizable, so one Store models the whole cluster; nodes get
// per-node views via Registry().
type Store struct {
	mu      sync.Mutex
	clock   hyperfleet.Clock
	rev     int64
	entries map[string]hyperfleet.Entry
	subs    map[int64]*subscription
	nextSub int64
	members map[string]hyperfleet.Member
	leader  string
	quorum  bool
}

type subscription struct {
	prefix string
	ch     chan hyperfleet.RegistryEvent
}

// NewStore creates a fake store with quorum and no leader. Tests elect a
// leader with SetLeader.
func NewStore(clock hyperfleet.Clock) *Store {
	check.Assert(clock != nil, "NewStore: clock must not be nil")
	return &Store{
		clock:   clock,
		entries: make(map[string]hyperfleet.Entry),
		subs:    make(map[int64]*subscription),
		members: make(map[string]hyperfleet.Member),
		quorum:  true,
	}
}

// Registry returns nodeID's view of the store.
func (s *Store) Registry(nodeID string) *Registry {
	check.Assert(nodeID != "", "Store.Registry: nodeID must not be empty")
	return &Registry{store: s, nodeID: nodeID}
}

// SetLeader elects a member. An empty id leaves the cluster leaderless.
func (s *Store) SetLeader(id string) {
	s.mu.Lock()
	s.leader = id
	s.mu.Unlock()
}

// SetQuorum flips quorum availability for all views.
func (s *Store) SetQuorum(ok bool) {
	s.mu.Lock()
	s.quorum = ok
	s.mu.Unlock()
}

// Revision returns the store's latest write revision.
func (s *Store) Revision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rev
}

func (s *Store) get(key string) (hyperfleet.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return hyperfleet.Entry{}, fmt.Errorf("key %s: %w", key, errdefs.ErrNotFound)
	}
	return e, nil
}

func (s *Store) list(prefix string) []hyperfleet.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []hyperfleet.Entry
	for key, e := range s.entries {
		if strings.HasPrefix(key, prefix) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

func (s *Store) put(key string, value []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(key, value)
}

func (s *Store) update(key string, value []byte, prev int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.entries[key]
	if prev == 0 && ok {
		return 0, hyperfleet.ErrRevisionMismatch
	}
	if prev != 0 && (!ok || existing.Revision != prev) {
		return 0, hyperfleet.ErrRevisionMismatch
	}
	return s.write(key, value), nil
}

func (s *Store) delete(key string, prev int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.entries[key]
	if !ok {
		return fmt.Errorf("key %s: %w", key, errdefs.ErrNotFound)
	}
	if prev != 0 && existing.Revision != prev {
		return hyperfleet.ErrRevisionMismatch
	}
	delete(s.entries, key)
	s.rev++
	s.notify(hyperfleet.RegistryEvent{
		Kind:  hyperfleet.EntryDeleted,
		Entry: hyperfleet.Entry{Key: key, Revision: s.rev},
	})
	return nil
}

// write stores the entry and notifies watchers. Must be called with s.mu
// held.
func (s *Store) write(key string, value []byte) int64 {
	s.rev++
	e := hyperfleet.Entry{Key: key, Value: append([]byte(nil), value...), Revision: s.rev}
	s.entries[key] = e
	s.notify(hyperfleet.RegistryEvent{Kind: hyperfleet.EntryPut, Entry: e})
	return s.rev
}

// notify fans an event out to matching watchers, dropping it when a
// channel's buffer is full. Must be called with s.mu held.
func (s *Store) notify(ev hyperfleet.RegistryEvent) {
	for _, sub := range s.subs {
		if !strings.HasPrefix(ev.Entry.Key, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func (s *Store) watch(ctx context.Context, prefix string) <-chan hyperfleet.RegistryEvent {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	sub := &subscription{prefix: prefix, ch: make(chan hyperfleet.RegistryEvent, subscriptionBufCapacity)}
	s.subs[id] = sub
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(sub.ch)
		s.mu.Unlock()
	}()

	return sub.ch
}

func sortEntries(entries []hyperfleet.Entry) {
	slices.SortFunc(entries, func(a, b hyperfleet.Entry) int { return cmp.Compare(a.Key, b.Key) })
}
