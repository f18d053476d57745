package cache_test

import (
	"strings"
	"testing"

	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/pkg/testsupport"
)

type fieldSpec struct {
	Name   string `json:"name"`
	Values []any  `json:"values"`
}

type descriptorSpec struct {
	Search string      `json:"search"`
	Fields []fieldSpec `json:"fields"`
	Page   int         `json:"page"`
	Limit  int         `json:"limit"`
	Sort   cache.Sort  `json:"sort"`
}

func (s descriptorSpec) build() cache.FilterDescriptor {
	d := cache.NewDescriptor(s.Page, s.Limit).WithSearch(s.Search)
	for _, f := range s.Fields {
		d = d.WithField(f.Name, f.Values...)
	}
	d.Sort = s.Sort
	return d
}

type keyScenario struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Entity      string         `json:"entity"`
	Left        descriptorSpec `json:"left"`
	Right       descriptorSpec `json:"right"`
	Equal       bool           `json:"equal"`
}

type keyFixtures struct {
	Scenarios []keyScenario `json:"scenarios"`
}

// TestBuildKey_Determinism loads descriptor pairs built in different orders and
// checks whether they map to the same key.
func TestBuildKey_Determinism(t *testing.T) {
	var fixtures keyFixtures
	testsupport.LoadFixtureJSON(t, testsupport.FixturePath("key_scenarios.json"), &fixtures)

	if len(fixtures.Scenarios) == 0 {
		t.Fatal("expected key scenarios in fixture")
	}

	for _, sc := range fixtures.Scenarios {
		t.Run(sc.Name, func(t *testing.T) {
			left := cache.BuildKey(sc.Entity, cache.ScopeList, sc.Left.build())
			right := cache.BuildKey(sc.Entity, cache.ScopeList, sc.Right.build())

			if got := left.Equal(right); got != sc.Equal {
				t.Errorf("%s: expected equal=%v but got %v\nleft:  %s\nright: %s",
					sc.Description, sc.Equal, got, left, right)
			}
			if sc.Equal && left.Hash() != right.Hash() {
				t.Errorf("expected equal keys to share a hash")
			}
		})
	}
}

func TestBuildKey_Qualifiers(t *testing.T) {
	d := cache.NewDescriptor(1, 10)

	a := cache.BuildKey("task", cache.ScopeList, d, "project-1", "mine")
	b := cache.BuildKey("task", cache.ScopeList, d, "mine", "project-1", "mine")
	if !a.Equal(b) {
		t.Errorf("expected qualifier order to be ignored, got %s and %s", a, b)
	}

	c := cache.BuildKey("task", cache.ScopeList, d)
	if a.Equal(c) {
		t.Errorf("expected qualified key to differ from unqualified key")
	}
}

func TestKeyPrefix_Matches(t *testing.T) {
	list := cache.BuildKey("lead", cache.ScopeList, cache.NewDescriptor(1, 50).WithField("status", "open"))
	detail := cache.DetailKey("lead", "42")
	leadership := cache.BuildKey("leadership", cache.ScopeList, cache.NewDescriptor(1, 50))

	tests := []struct {
		name   string
		prefix cache.KeyPrefix
		key    cache.QueryKey
		want   bool
	}{
		{name: "list prefix matches list key", prefix: cache.ListPrefix("lead"), key: list, want: true},
		{name: "list prefix skips detail key", prefix: cache.ListPrefix("lead"), key: detail, want: false},
		{name: "entity prefix matches detail", prefix: cache.EntityPrefix("lead"), key: detail, want: true},
		{name: "entity prefix matches list", prefix: cache.EntityPrefix("lead"), key: list, want: true},
		{name: "segment boundary respected", prefix: cache.EntityPrefix("lead"), key: leadership, want: false},
		{name: "detail key is its own prefix", prefix: detail.Prefix(len(detail.Segments())), key: detail, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.HasPrefix(tt.prefix); got != tt.want {
				t.Errorf("HasPrefix(%s, %s) = %v, want %v", tt.key, tt.prefix, got, tt.want)
			}
		})
	}
}

func TestQueryKey_Accessors(t *testing.T) {
	key := cache.DetailKey("task", "t:1")

	if key.Entity() != "task" {
		t.Errorf("expected entity task but got %s", key.Entity())
	}
	if key.Scope() != cache.ScopeDetail {
		t.Errorf("expected scope detail but got %s", key.Scope())
	}
	if strings.Count(key.String(), cache.KeySeparator) != 2 {
		t.Errorf("expected escaped id to keep three segments, got %s", key)
	}

	segments := key.Segments()
	segments[0] = "mutated"
	if key.Entity() != "task" {
		t.Errorf("expected Segments to return a copy")
	}

	var zero cache.QueryKey
	if !zero.IsZero() {
		t.Errorf("expected zero key to report IsZero")
	}
}
