package cache

// PageResult is one page of a list query.
type PageResult[T any] struct {
	Items      []T `json:"items"`
	TotalCount int `json:"total_count"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"total_pages"`
}

// NewPageResult builds a page and computes TotalPages as ceil(total/limit).
func NewPageResult[T any](items []T, totalCount, page, limit int) PageResult[T] {
	if totalCount < 0 {
		totalCount = 0
	}
	return PageResult[T]{
		Items:      items,
		TotalCount: totalCount,
		Page:       page,
		Limit:      limit,
		TotalPages: TotalPages(totalCount, limit),
	}
}

// TotalPages returns ceil(totalCount / limit), zero when limit is not positive.
func TotalPages(totalCount, limit int) int {
	if limit <= 0 || totalCount <= 0 {
		return 0
	}
	return (totalCount + limit - 1) / limit
}

// HasNext reports whether a page follows this one.
func (p PageResult[T]) HasNext() bool { return p.Page < p.TotalPages }

// HasPrevious reports whether a page precedes this one.
func (p PageResult[T]) HasPrevious() bool { return p.Page > 1 }

// WithItems returns a copy of the page holding items and a total adjusted by
// delta. The item slice is not shared with the receiver.
func (p PageResult[T]) WithItems(items []T, delta int) PageResult[T] {
	return NewPageResult(items, p.TotalCount+delta, p.Page, p.Limit)
}
