package fake

import (
	"cmp"
	"context"
	"slices"

	"hyperfleet"
	"hyperfleet/internal/check"
)

// Compile-time interface assertion.
var _ hyperfleet.Registry = (*Registry)(nil)

// Registry is one node's view of a fake Store. Error hooks let tests
// inject failures per method without touching shared state.
type Registry struct {
	CallRecorder
	store  *Store
	nodeID string

	GetErr          func(ctx context.Context, key string) error
	ListErr         func(ctx context.Context, prefix string) error
	PutErr          func(ctx context.Context, key string) error
	UpdateErr       func(ctx context.Context, key string) error
	DeleteErr       func(ctx context.Context, key string) error
	WatchErr        func(ctx context.Context, prefix string) error
	MembersErr      func(ctx context.Context) error
	LeaderErr       func(ctx context.Context) error
	AddMemberErr    func(ctx context.Context, m hyperfleet.Member) error
	RemoveMemberErr func(ctx context.Context, id string) error
}

// NewRegistry creates a detached view over its own single-node store.
// Multi-node tests should build a Store and call Store.Registry instead.
func NewRegistry(clock hyperfleet.Clock, nodeID string) *Registry {
	check.Assert(nodeID != "", "NewRegistry: nodeID must not be empty")
	return NewStore(clock).Registry(nodeID)
}

func (r *Registry) NodeID() string { return r.nodeID }

// Store returns the shared store backing this view.
func (r *Registry) Store() *Store { return r.store }

func (r *Registry) Get(ctx context.Context, key string) (hyperfleet.Entry, error) {
	r.record("Get", key)
	if r.GetErr != nil {
		if err := r.GetErr(ctx, key); err != nil {
			return hyperfleet.Entry{}, err
		}
	}
	return r.store.get(key)
}

func (r *Registry) List(ctx context.Context, prefix string) ([]hyperfleet.Entry, error) {
	r.record("List", prefix)
	if r.ListErr != nil {
		if err := r.ListErr(ctx, prefix); err != nil {
			return nil, err
		}
	}
	return r.store.list(prefix), nil
}

func (r *Registry) Put(ctx context.Context, key string, value []byte) (int64, error) {
	r.record("Put", key)
	if r.PutErr != nil {
		if err := r.PutErr(ctx, key); err != nil {
			return 0, err
		}
	}
	return r.store.put(key, value), nil
}

func (r *Registry) Update(ctx context.Context, key string, value []byte, prev int64) (int64, error) {
	r.record("Update", key, prev)
	if r.UpdateErr != nil {
		if err := r.UpdateErr(ctx, key); err != nil {
			return 0, err
		}
	}
	return r.store.update(key, value, prev)
}

func (r *Registry) Delete(ctx context.Context, key string, prev int64) error {
	r.record("Delete", key, prev)
	if r.DeleteErr != nil {
		if err := r.DeleteErr(ctx, key); err != nil {
			return err
		}
	}
	return r.store.delete(key, prev)
}

func (r *Registry) Watch(ctx context.Context, prefix string) (<-chan hyperfleet.RegistryEvent, error) {
	r.record("Watch", prefix)
	if r.WatchErr != nil {
		if err := r.WatchErr(ctx, prefix); err != nil {
			return nil, err
		}
	}
	return r.store.watch(ctx, prefix), nil
}

func (r *Registry) Members(ctx context.Context) ([]hyperfleet.Member, error) {
	r.record("Members")
	if r.MembersErr != nil {
		if err := r.MembersErr(ctx); err != nil {
			return nil, err
		}
	}
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]hyperfleet.Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b hyperfleet.Member) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (r *Registry) Leader(ctx context.Context) (hyperfleet.Member, error) {
	r.record("Leader")
	if r.LeaderErr != nil {
		if err := r.LeaderErr(ctx); err != nil {
			return hyperfleet.Member{}, err
		}
	}
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.quorum || s.leader == "" {
		return hyperfleet.Member{}, hyperfleet.ErrNoQuorum
	}
	if m, ok := s.members[s.leader]; ok {
		return m, nil
	}
	return hyperfleet.Member{ID: s.leader}, nil
}

func (r *Registry) IsLeader(ctx context.Context) (bool, error) {
	r.record("IsLeader")
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quorum && s.leader == r.nodeID, nil
}

func (r *Registry) HasQuorum(ctx context.Context) (bool, error) {
	r.record("HasQuorum")
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quorum, nil
}

func (r *Registry) AddMember(ctx context.Context, m hyperfleet.Member) error {
	r.record("AddMember", m.ID)
	if r.AddMemberErr != nil {
		if err := r.AddMemberErr(ctx, m); err != nil {
			return err
		}
	}
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.ID] = m
	return nil
}

func (r *Registry) RemoveMember(ctx context.Context, id string) error {
	r.record("RemoveMember", id)
	if r.RemoveMemberErr != nil {
		if err := r.RemoveMemberErr(ctx, id); err != nil {
			return err
		}
	}
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, id)
	if s.leader == id {
		s.leader = ""
	}
	return nil
}
