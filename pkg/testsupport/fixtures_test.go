package testsupport

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goliatone/go-query-cache/cache"
)

func TestLoadFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.txt")
	if err := os.WriteFile(path, []byte("fixture content"), 0o644); err != nil {
		t.Fatalf("failed to create fixture: %v", err)
	}

	if got := LoadFixture(t, path); string(got) != "fixture content" {
		t.Errorf("expected fixture content, got %q", got)
	}
}

func TestLoadFixtureJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.json")
	if err := os.WriteFile(path, []byte(`{"entity":"lead","page":2}`), 0o644); err != nil {
		t.Fatalf("failed to create fixture: %v", err)
	}

	var got struct {
		Entity string `json:"entity"`
		Page   int    `json:"page"`
	}
	LoadFixtureJSON(t, path, &got)

	if got.Entity != "lead" || got.Page != 2 {
		t.Errorf("unexpected fixture %+v", got)
	}
}

func TestCompareGoldenJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "golden", "out.json")
	value := map[string]int{"total": 3}

	// first run creates the file, second compares against it
	CompareGoldenJSON(t, path, value)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected golden file to be created: %v", err)
	}
	CompareGoldenJSON(t, path, value)
}

func TestPaths(t *testing.T) {
	if got := FixturePath("a.json"); got != filepath.Join("testdata", "a.json") {
		t.Errorf("unexpected fixture path %s", got)
	}
	if got := GoldenPath("b.json"); got != filepath.Join("testdata", "golden", "b.json") {
		t.Errorf("unexpected golden path %s", got)
	}
}

func TestManualClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)

	clock.Advance(time.Minute)
	if got := clock.Now(); !got.Equal(start.Add(time.Minute)) {
		t.Errorf("expected clock to advance, got %v", got)
	}

	clock.Set(start)
	if !clock.Now().Equal(start) {
		t.Errorf("expected clock to be reset")
	}
}

type note struct {
	ID     string
	Status string
}

func newNotes(items ...note) *MemoryRemote[note] {
	return NewMemoryRemote("note",
		func(n note) string { return n.ID },
		func(n note, id string) note { n.ID = id; return n },
		items...)
}

func TestMemoryRemote_QueryAndGet(t *testing.T) {
	remote := newNotes(note{ID: "1", Status: "open"}, note{ID: "2", Status: "closed"})
	ctx := context.Background()

	rows, err := remote.Query(ctx, cache.RemoteQuery{
		Predicates: []cache.Predicate{{Field: "status", Op: cache.OpEq, Values: []any{"open"}}},
		Limit:      10,
	})
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if rows.TotalCount != 1 || rows.Items[0].ID != "1" {
		t.Errorf("unexpected rows %+v", rows)
	}

	if _, err := remote.Get(ctx, "note", "9"); !cache.IsNotFound(err) {
		t.Errorf("expected not found but got %v", err)
	}
	if remote.Calls(OpQuery) != 1 || remote.Calls(OpGet) != 1 {
		t.Errorf("unexpected call counts")
	}
}

func TestMemoryRemote_Mutations(t *testing.T) {
	remote := newNotes(note{ID: "1", Status: "open"})
	ctx := context.Background()

	created, err := remote.Insert(ctx, "note", note{Status: "new"})
	if err != nil || created.ID != "note-1" {
		t.Fatalf("unexpected insert result %+v %v", created, err)
	}
	if items := remote.Items(); items[0].ID != "note-1" {
		t.Errorf("expected insert to prepend, got %+v", items)
	}

	if _, err := remote.Update(ctx, "note", "1", note{ID: "1", Status: "done"}); err != nil {
		t.Errorf("unexpected update error %v", err)
	}
	if err := remote.Delete(ctx, "note", "1"); err != nil {
		t.Errorf("unexpected delete error %v", err)
	}
	if len(remote.Items()) != 1 {
		t.Errorf("expected one item left, got %d", len(remote.Items()))
	}
}

func TestMemoryRemote_FailNextAndHold(t *testing.T) {
	remote := newNotes(note{ID: "1"})
	boom := errors.New("boom")
	remote.FailNext(OpQuery, boom)

	if _, err := remote.Query(context.Background(), cache.RemoteQuery{Limit: 1}); !errors.Is(err, boom) {
		t.Errorf("expected queued failure but got %v", err)
	}

	release := remote.Hold()
	done := make(chan error, 1)
	go func() {
		_, err := remote.Query(context.Background(), cache.RemoteQuery{Limit: 1})
		done <- err
	}()

	<-remote.Entered()
	select {
	case <-done:
		t.Fatal("expected query to be held")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	if err := <-done; err != nil {
		t.Errorf("unexpected error after release %v", err)
	}
}
