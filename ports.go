package hyperfleet

import (
	"context"
	"net/netip"
	"time"
)

// Entry is one registry record and the revision that last wrote it.
type Entry struct {
	Key      string
	Value    []byte
	Revision int64
}

// RegistryEventKind describes a change under a watched prefix.
type RegistryEventKind uint8

const (
	EntryPut RegistryEventKind = iota + 1
	EntryDeleted
)

// RegistryEvent is a single change under a watched prefix.
type RegistryEvent struct {
	Kind  RegistryEventKind
	Entry Entry
}

// Member is one store cluster member (a machine running the daemon).
type Member struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Address netip.AddrPort `json:"address"`
}

// Registry is the membership store the control plane runs on: replicated
// KV with compare-and-swap revisions, prefix watches, and cluster
// metadata the router needs for forwarding decisions.
// Production: adapter/clusterd.Client over the local store agent.
// Testing: adapter/fake.Registry.
type Registry interface {
	// Get returns the record at key, or errdefs.ErrNotFound.
	Get(ctx context.Context, key string) (Entry, error)
	List(ctx context.Context, prefix string) ([]Entry, error)
	// Put writes unconditionally and returns the new revision.
	Put(ctx context.Context, key string, value []byte) (int64, error)
	// Update writes only if the record's revision still equals prev
	// (prev 0 requires the key to not exist). Returns the new revision
	// or ErrRevisionMismatch.
	Update(ctx context.Context, key string, value []byte, prev int64) (int64, error)
	// Delete removes the record. A nonzero prev makes it conditional.
	Delete(ctx context.Context, key string, prev int64) error
	// Watch streams changes under prefix until ctx is done. The channel
	// closes when the stream drops; callers resubscribe.
	Watch(ctx context.Context, prefix string) (<-chan RegistryEvent, error)

	Members(ctx context.Context) ([]Member, error)
	// Leader returns the current leader, or ErrNoQuorum while the
	// cluster cannot elect one.
	Leader(ctx context.Context) (Member, error)
	IsLeader(ctx context.Context) (bool, error)
	HasQuorum(ctx context.Context) (bool, error)
	AddMember(ctx context.Context, m Member) error
	RemoveMember(ctx context.Context, id string) error
}

// Runner executes rollout operations against the machine it runs on.
// Production: adapter/charmexec shelling out to the charm runtime.
// Testing: adapter/fake.Runner with scripted outcomes.
type Runner interface {
	Run(ctx context.Context, op Op) error
	// Observe reports the state currently applied to the machine.
	Observe(ctx context.Context) (Observed, error)
}

// Clock abstracts time.Now() for deterministic testing.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
