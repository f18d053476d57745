package cache

import "testing"

func TestTotalPages(t *testing.T) {
	tests := []struct {
		total, limit, want int
	}{
		{125, 50, 3},
		{100, 50, 2},
		{0, 50, 0},
		{1, 50, 1},
		{10, 0, 0},
	}

	for _, tt := range tests {
		if got := TotalPages(tt.total, tt.limit); got != tt.want {
			t.Errorf("TotalPages(%d, %d) = %d, want %d", tt.total, tt.limit, got, tt.want)
		}
	}
}

func TestPageResult_Navigation(t *testing.T) {
	first := NewPageResult([]int{1, 2}, 125, 1, 50)
	if !first.HasNext() || first.HasPrevious() {
		t.Errorf("expected first page to have next only, got %+v", first)
	}

	last := NewPageResult([]int{1}, 125, 3, 50)
	if last.HasNext() || !last.HasPrevious() {
		t.Errorf("expected last page to have previous only, got %+v", last)
	}
}

func TestPageResult_WithItems(t *testing.T) {
	page := NewPageResult([]string{"a", "b"}, 50, 1, 50)
	grown := page.WithItems([]string{"n", "a", "b"}, 1)

	if grown.TotalCount != 51 || grown.TotalPages != 2 {
		t.Errorf("expected total 51 over 2 pages but got %d/%d", grown.TotalCount, grown.TotalPages)
	}
	if len(page.Items) != 2 {
		t.Errorf("expected original page to be untouched")
	}

	shrunk := NewPageResult([]string{}, 0, 1, 50).WithItems(nil, -1)
	if shrunk.TotalCount != 0 {
		t.Errorf("expected total to never go negative but got %d", shrunk.TotalCount)
	}
}
