package mutation

import (
	"github.com/goliatone/go-query-cache/cache"
)

// listEdit rewrites the items of one list entry. It returns the new items,
// the change to the total count and whether anything changed.
type listEdit[T any] func(items []T, page int) ([]T, int, bool)

// editList applies edit to list data held as cache.PageResult[T] or []T.
// Other shapes are left alone.
func editList[T any](data any, edit listEdit[T]) (any, bool) {
	switch list := data.(type) {
	case cache.PageResult[T]:
		items, delta, changed := edit(list.Items, list.Page)
		if !changed {
			return data, false
		}
		if list.Limit > 0 && len(items) > list.Limit {
			items = items[:list.Limit]
		}
		return list.WithItems(items, delta), true

	case []T:
		items, _, changed := edit(list, 1)
		if !changed {
			return data, false
		}
		return items, true
	}
	return data, false
}

func listItems[T any](data any) ([]T, bool) {
	switch list := data.(type) {
	case cache.PageResult[T]:
		return list.Items, true
	case []T:
		return list, true
	}
	return nil, false
}

func prepend[T any](items []T, item T) []T {
	out := make([]T, 0, len(items)+1)
	out = append(out, item)
	return append(out, items...)
}

func replaceItem[T any](items []T, idOf func(T) string, id string, item T) ([]T, int, bool) {
	for i := range items {
		if idOf(items[i]) != id {
			continue
		}
		out := append([]T(nil), items...)
		out[i] = item
		return out, 0, true
	}
	return items, 0, false
}

func removeItem[T any](items []T, idOf func(T) string, id string) ([]T, int, bool) {
	for i := range items {
		if idOf(items[i]) != id {
			continue
		}
		out := make([]T, 0, len(items)-1)
		out = append(out, items[:i]...)
		out = append(out, items[i+1:]...)
		return out, -1, true
	}
	return items, 0, false
}
