package journal

import (
	"path/filepath"
	"testing"
	"time"

	"hyperfleet/internal/adapter/fake"
)

func openTestJournal(t *testing.T) (*Journal, *fake.Clock) {
	t.Helper()
	clock := fake.NewClock(time.Unix(1700000000, 0))
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), clock)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j, clock
}

func TestJournalAppendAndRecent(t *testing.T) {
	j, clock := openTestJournal(t)

	if err := j.Append("pass.complete", "", "examined 2 machines"); err != nil {
		t.Fatalf("append: %v", err)
	}
	clock.Advance(time.Second)
	if err := j.Append("converge.success", "m1", "m1"); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := j.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	// Newest first.
	if events[0].Kind != "converge.success" || events[0].Machine != "m1" {
		t.Fatalf("unexpected newest event: %+v", events[0])
	}
	if !events[0].At.After(events[1].At) {
		t.Fatalf("expected descending timestamps, got %v then %v", events[0].At, events[1].At)
	}
}

func TestJournalRecentLimit(t *testing.T) {
	j, _ := openTestJournal(t)

	for range 5 {
		if err := j.Append("pass.complete", "", "pass"); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	events, err := j.Recent(3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
}

func TestJournalSurvivesReopen(t *testing.T) {
	clock := fake.NewClock(time.Unix(1700000000, 0))
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path, clock)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if err := j.Append("supervisor.ready", "", "member n1 watching fleet state"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path, clock)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer reopened.Close()

	events, err := reopened.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 1 || events[0].Kind != "supervisor.ready" {
		t.Fatalf("expected the persisted event, got %+v", events)
	}
}
