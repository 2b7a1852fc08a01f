package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"

	"hyperfleet"
	"hyperfleet/internal/check"
)

// leaseRecord is the stored form of a machine lease.
type leaseRecord struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Lease is a time-bounded exclusive claim on one machine, backed by a
// compare-and-swap guarded registry record. A crashed holder is never
// cleaned up explicitly; its record expires and the next AcquireLease
// takes over.
type Lease struct {
	registry hyperfleet.Registry
	clock    hyperfleet.Clock
	key      string
	holder   string
	ttl      time.Duration
	rev      int64
}

// AcquireLease claims machineID for holder. It returns ErrLeaseHeld
// while another holder's unexpired lease exists, including when two
// acquirers race on the same record.
func AcquireLease(ctx context.Context, reg hyperfleet.Registry, clock hyperfleet.Clock, machineID, holder string, ttl time.Duration) (*Lease, error) {
	check.Assert(ttl > 0, "AcquireLease: ttl must be positive")

	l := &Lease{registry: reg, clock: clock, key: hyperfleet.LeaseKey(machineID), holder: holder, ttl: ttl}

	entry, err := reg.Get(ctx, l.key)
	switch {
	case errdefs.IsNotFound(err):
		rev, err := l.write(ctx, 0)
		if err != nil {
			return nil, err
		}
		l.rev = rev
		return l, nil
	case err != nil:
		return nil, fmt.Errorf("read lease %s: %w", l.key, err)
	}

	var rec leaseRecord
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return nil, fmt.Errorf("decode lease %s: %w", l.key, err)
	}
	if rec.Holder != holder && clock.Now().Before(rec.ExpiresAt) {
		return nil, fmt.Errorf("machine %s leased by %s: %w", machineID, rec.Holder, hyperfleet.ErrLeaseHeld)
	}

	rev, err := l.write(ctx, entry.Revision)
	if err != nil {
		return nil, err
	}
	l.rev = rev
	return l, nil
}

// Refresh extends the lease by its TTL. ErrLeaseHeld means the record
// was revoked or taken over; the holder must stop work immediately.
func (l *Lease) Refresh(ctx context.Context) error {
	rev, err := l.write(ctx, l.rev)
	if err != nil {
		return err
	}
	l.rev = rev
	return nil
}

// Release drops the lease. Losing the record to another holder first is
// not an error.
func (l *Lease) Release(ctx context.Context) error {
	err := l.registry.Delete(ctx, l.key, l.rev)
	if errors.Is(err, hyperfleet.ErrRevisionMismatch) || errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

// Holder reports the identity the lease was acquired for.
func (l *Lease) Holder() string { return l.holder }

// write CAS-writes the lease record with a fresh expiry. A revision
// conflict means another holder won the race.
func (l *Lease) write(ctx context.Context, prev int64) (int64, error) {
	value, err := json.Marshal(leaseRecord{Holder: l.holder, ExpiresAt: l.clock.Now().Add(l.ttl)})
	if err != nil {
		return 0, fmt.Errorf("encode lease: %w", err)
	}
	rev, err := l.registry.Update(ctx, l.key, value, prev)
	if errors.Is(err, hyperfleet.ErrRevisionMismatch) {
		return 0, fmt.Errorf("lease %s: %w", l.key, hyperfleet.ErrLeaseHeld)
	}
	if err != nil {
		return 0, err
	}
	return rev, nil
}
