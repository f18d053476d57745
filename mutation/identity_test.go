package mutation

import (
	"testing"

	"github.com/google/uuid"
)

type stringID struct {
	ID   string
	Name string
}

type intID struct {
	Id   int64
	Name string
}

type taggedID struct {
	Key  string `json:"id,omitempty"`
	Name string `json:"name"`
}

type uuidID struct {
	ID uuid.UUID `bun:"id,pk,type:uuid"`
}

type noID struct {
	Name string
}

func TestReflectIdentity(t *testing.T) {
	t.Run("string field", func(t *testing.T) {
		ident := ReflectIdentity[stringID]()
		rec := ident.WithID(stringID{Name: "a"}, "42")
		if got := ident.ID(rec); got != "42" {
			t.Fatalf("expected 42, got %q", got)
		}
		if got := ident.ID(stringID{}); got != "" {
			t.Fatalf("zero id should read as empty, got %q", got)
		}
	})

	t.Run("int field", func(t *testing.T) {
		ident := ReflectIdentity[intID]()
		rec := ident.WithID(intID{}, "7")
		if rec.Id != 7 || ident.ID(rec) != "7" {
			t.Fatalf("unexpected record %+v", rec)
		}
		unchanged := ident.WithID(intID{Id: 3}, "tmp-x")
		if unchanged.Id != 3 {
			t.Fatalf("non numeric id must leave the record alone, got %+v", unchanged)
		}
	})

	t.Run("json tag", func(t *testing.T) {
		ident := ReflectIdentity[taggedID]()
		rec := ident.WithID(taggedID{Name: "n"}, "k1")
		if rec.Key != "k1" || ident.ID(rec) != "k1" {
			t.Fatalf("unexpected record %+v", rec)
		}
	})

	t.Run("uuid field", func(t *testing.T) {
		ident := ReflectIdentity[uuidID]()
		id := uuid.New()
		rec := ident.WithID(uuidID{}, id.String())
		if rec.ID != id || ident.ID(rec) != id.String() {
			t.Fatalf("unexpected record %+v", rec)
		}
		if got := ident.ID(uuidID{}); got != "" {
			t.Fatalf("nil uuid should read as empty, got %q", got)
		}
		temp := ident.WithID(uuidID{}, TempIDPrefix+id.String())
		if temp.ID != id {
			t.Fatalf("temporary id not applied: %+v", temp)
		}
	})

	t.Run("pointer records are copied", func(t *testing.T) {
		ident := ReflectIdentity[*stringID]()
		orig := &stringID{Name: "a"}
		rec := ident.WithID(orig, "1")
		if rec == orig {
			t.Fatal("expected a copy")
		}
		if orig.ID != "" || rec.ID != "1" {
			t.Fatalf("unexpected ids orig=%q rec=%q", orig.ID, rec.ID)
		}
		if got := ident.ID(nil); got != "" {
			t.Fatalf("nil pointer should read as empty, got %q", got)
		}
	})

	t.Run("pointer records are cloned", func(t *testing.T) {
		ident := ReflectIdentity[*stringID]()
		orig := &stringID{ID: "1", Name: "a"}
		cp := ident.Clone(orig)
		cp.Name = "b"
		if cp == orig || orig.Name != "a" {
			t.Fatalf("clone shares the record: %+v", orig)
		}
		if ident.Clone(nil) != nil {
			t.Fatal("nil pointer should clone to nil")
		}
	})

	t.Run("no id field", func(t *testing.T) {
		ident := ReflectIdentity[noID]()
		rec := ident.WithID(noID{Name: "x"}, "1")
		if rec.Name != "x" || ident.ID(rec) != "" {
			t.Fatalf("unexpected record %+v", rec)
		}
	})
}

func TestIdentityComplete(t *testing.T) {
	ident := Identity[stringID]{ID: func(s stringID) string { return "custom" }}.complete()
	if ident.ID(stringID{ID: "1"}) != "custom" {
		t.Fatal("explicit accessor must be kept")
	}
	if ident.WithID(stringID{}, "9").ID != "9" {
		t.Fatal("missing setter must fall back to reflection")
	}
}
