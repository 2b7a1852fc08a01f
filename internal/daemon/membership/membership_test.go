package membership

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/containerd/errdefs"

	"hyperfleet"
	"hyperfleet/internal/adapter/fake"
	"hyperfleet/internal/registry"
)

func newTestService(t *testing.T) (*Service, *fake.Store) {
	t.Helper()
	clock := fake.NewClock(time.Unix(1700000000, 0))
	store := fake.NewStore(clock)
	return &Service{Registry: store.Registry("n1"), Clock: clock}, store
}

func TestBootstrapEnrollsMachine(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	m, err := svc.Bootstrap(ctx, "n1", "10.0.0.1:7443", "")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if m.ID != "n1" || m.Role != DefaultRole {
		t.Fatalf("unexpected machine: %+v", m)
	}

	members, err := store.Registry("n1").Members(ctx)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 1 || members[0].ID != "n1" {
		t.Fatalf("expected member n1, got %+v", members)
	}
	st, _, err := registry.Status(ctx, svc.Registry, "n1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != hyperfleet.StatePending {
		t.Fatalf("expected pending status, got %s", st.State)
	}
}

func TestBootstrapRejectsDuplicateName(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Bootstrap(ctx, "n1", "10.0.0.1:7443", ""); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	_, err := svc.Bootstrap(ctx, "n1", "10.0.0.1:7443", "")
	if !errdefs.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestBootstrapRejectsBadAddress(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.Bootstrap(context.Background(), "n1", "not-an-addr", ""); err == nil {
		t.Fatal("expected address parse error")
	}
}

func TestJoinConsumesToken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	token, err := svc.GenerateToken(ctx, "n2")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if token.Secret == "" {
		t.Fatal("expected a secret")
	}

	m, err := svc.Join(ctx, "n2", "10.0.0.2:7443", "hypervisor", token.Secret)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if m.ID != "n2" {
		t.Fatalf("unexpected machine: %+v", m)
	}

	// The token is single-use.
	_, err = svc.Join(ctx, "n2", "10.0.0.2:7443", "hypervisor", token.Secret)
	if !errors.Is(err, hyperfleet.ErrNotMember) {
		t.Fatalf("expected ErrNotMember on reuse, got %v", err)
	}
}

func TestJoinRejectsWrongSecret(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.GenerateToken(ctx, "n2"); err != nil {
		t.Fatalf("generate token: %v", err)
	}
	_, err := svc.Join(ctx, "n2", "10.0.0.2:7443", "", "wrong-secret")
	if !errors.Is(err, hyperfleet.ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}

	// A rejected join must not consume the token.
	tokens, err := svc.ListTokens(ctx)
	if err != nil {
		t.Fatalf("list tokens: %v", err)
	}
	if len(tokens) != 1 {
		t.Fatalf("expected token to survive, got %+v", tokens)
	}
}

func TestGenerateTokenRejectsDuplicate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.GenerateToken(ctx, "n2"); err != nil {
		t.Fatalf("generate token: %v", err)
	}
	_, err := svc.GenerateToken(ctx, "n2")
	if !errdefs.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestListTokensOmitsSecrets(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.GenerateToken(ctx, "n2"); err != nil {
		t.Fatalf("generate token: %v", err)
	}
	tokens, err := svc.ListTokens(ctx)
	if err != nil {
		t.Fatalf("list tokens: %v", err)
	}
	if len(tokens) != 1 || tokens[0].Name != "n2" {
		t.Fatalf("unexpected tokens: %+v", tokens)
	}
	if tokens[0].Secret != "" {
		t.Fatal("secret must not be listed")
	}
}

func TestRemoveClearsRecords(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Bootstrap(ctx, "n1", "10.0.0.1:7443", ""); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := svc.Remove(ctx, "n1"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	reg := store.Registry("n1")
	if _, err := reg.Get(ctx, hyperfleet.MachineKey("n1")); !errdefs.IsNotFound(err) {
		t.Fatalf("expected machine record gone, got %v", err)
	}
	if _, err := reg.Get(ctx, hyperfleet.StatusKey("n1")); !errdefs.IsNotFound(err) {
		t.Fatalf("expected status record gone, got %v", err)
	}
	members, err := reg.Members(ctx)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected no members, got %+v", members)
	}
}

func TestRemoveRefusesWhileApplying(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Bootstrap(ctx, "n1", "10.0.0.1:7443", ""); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, err := registry.UpdateStatus(ctx, svc.Registry, "n1", func(st *hyperfleet.ConvergenceStatus) {
		st.State = hyperfleet.StateApplying
	}); err != nil {
		t.Fatalf("update status: %v", err)
	}

	err := svc.Remove(ctx, "n1")
	if !errdefs.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestRemoveUnknownMachine(t *testing.T) {
	svc, _ := newTestService(t)

	if err := svc.Remove(context.Background(), "ghost"); !errdefs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
