package clusterd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/containerd/errdefs"

	"hyperfleet"
)

// newTestClient points a Client at an httptest server.
func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(netip.MustParseAddrPort("127.0.0.1:1"), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	u := *c.baseURL
	c.baseURL = &u
	c.baseURL.Host = srv.Listener.Addr().String()
	return c
}

func TestClientGetRoundTrip(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /core/1.0/kv/machines/m1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(entryBody{Key: "machines/m1", Value: []byte(`{"id":"m1"}`), Revision: 7})
	})

	c := newTestClient(t, mux)
	entry, err := c.Get(context.Background(), "machines/m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Key != "machines/m1" || entry.Revision != 7 || string(entry.Value) != `{"id":"m1"}` {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestClientGetNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /core/1.0/kv/machines/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(errorBody{Error: "no such key"})
	})

	c := newTestClient(t, mux)
	if _, err := c.Get(context.Background(), "machines/missing"); !errdefs.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestClientUpdateConflict(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /core/1.0/kv/roles/hypervisor/target", func(w http.ResponseWriter, r *http.Request) {
		var body writeBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode write body: %v", err)
		}
		if !body.Guarded || body.PrevRevision != 3 {
			t.Errorf("expected guarded write with prev 3, got %+v", body)
		}
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(errorBody{Error: "revision changed"})
	})

	c := newTestClient(t, mux)
	_, err := c.Update(context.Background(), "roles/hypervisor/target", []byte("{}"), 3)
	if !errors.Is(err, hyperfleet.ErrRevisionMismatch) {
		t.Fatalf("expected ErrRevisionMismatch, got %v", err)
	}
}

func TestClientLeaderNoQuorum(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /core/1.0/cluster/leader", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(errorBody{Error: "no leader elected", Reason: "no_quorum"})
	})

	c := newTestClient(t, mux)
	if _, err := c.Leader(context.Background()); !errors.Is(err, hyperfleet.ErrNoQuorum) {
		t.Fatalf("expected ErrNoQuorum, got %v", err)
	}
}

func TestClientListUsesPrefix(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /core/1.0/kv", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("prefix"); got != "offers/" {
			t.Errorf("prefix = %q, want offers/", got)
		}
		json.NewEncoder(w).Encode([]entryBody{
			{Key: "offers/rabbitmq", Value: []byte(`{}`), Revision: 1},
			{Key: "offers/keystone", Value: []byte(`{}`), Revision: 2},
		})
	})

	c := newTestClient(t, mux)
	entries, err := c.List(context.Background(), "offers/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestClientWatchStreamsAndCloses(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /core/1.0/watch", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		enc := json.NewEncoder(w)
		enc.Encode(watchEvent{Kind: "put", Entry: entryBody{Key: "offers/rabbitmq", Revision: 1}})
		flusher.Flush()
		enc.Encode(watchEvent{Kind: "delete", Entry: entryBody{Key: "offers/rabbitmq", Revision: 2}})
		flusher.Flush()
	})

	c := newTestClient(t, mux)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := c.Watch(ctx, "offers/")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	first := <-events
	if first.Kind != hyperfleet.EntryPut || first.Entry.Key != "offers/rabbitmq" {
		t.Fatalf("unexpected first event: %+v", first)
	}
	second := <-events
	if second.Kind != hyperfleet.EntryDeleted || second.Entry.Revision != 2 {
		t.Fatalf("unexpected second event: %+v", second)
	}

	// The handler returned, so the stream must close rather than hang.
	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected the channel to close after the stream ended")
		}
	case <-ctx.Done():
		t.Fatal("watch channel never closed")
	}
}
