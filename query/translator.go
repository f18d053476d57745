// Package query translates filter descriptors into remote queries and remote
// rows back into pages.
package query

import (
	"fmt"
	"sort"

	"github.com/goliatone/go-query-cache/cache"
)

// PolicySource resolves the per-entity translation policy.
type PolicySource interface {
	PolicyFor(entity string) cache.EntityPolicy
}

// Translator maps descriptors to RemoteQuery values using entity policies
// for the default sort, the date field and the search fields.
type Translator struct {
	policies PolicySource
}

// NewTranslator creates a translator backed by policies.
func NewTranslator(policies PolicySource) *Translator {
	return &Translator{policies: policies}
}

// ToRemote validates d and builds the remote query for entity. Field filters
// become equality or inclusion predicates, the date range becomes inclusive
// bounds on the policy date field, search becomes a case-insensitive substring
// match across the policy search fields and page/limit become an offset window.
func (t *Translator) ToRemote(entity string, d cache.FilterDescriptor) (cache.RemoteQuery, error) {
	d = d.Normalize()
	if err := d.Validate(); err != nil {
		return cache.RemoteQuery{}, err
	}

	policy := t.policies.PolicyFor(entity)

	preds, err := fieldPredicates(d.Fields)
	if err != nil {
		return cache.RemoteQuery{}, err
	}

	if d.DateRange != nil && (!d.DateRange.Start.IsZero() || !d.DateRange.End.IsZero()) {
		if policy.DateField == "" {
			return cache.RemoteQuery{}, cache.NewValidationError(
				"invalid filter descriptor", "date_range", fmt.Sprintf("entity %s has no date field", entity))
		}
		if !d.DateRange.Start.IsZero() {
			preds = append(preds, cache.Predicate{Field: policy.DateField, Op: cache.OpGte, Values: []any{d.DateRange.Start}})
		}
		if !d.DateRange.End.IsZero() {
			preds = append(preds, cache.Predicate{Field: policy.DateField, Op: cache.OpLte, Values: []any{d.DateRange.End}})
		}
	}

	if d.Search != "" {
		if len(policy.SearchFields) == 0 {
			return cache.RemoteQuery{}, cache.NewValidationError(
				"invalid filter descriptor", "search", fmt.Sprintf("entity %s has no search fields", entity))
		}
		preds = append(preds, cache.Predicate{
			Fields: append([]string(nil), policy.SearchFields...),
			Op:     cache.OpSearch,
			Values: []any{d.Search},
		})
	}

	sortPredicates(preds)

	sortSpec := d.Sort
	if sortSpec.IsZero() {
		sortSpec = policy.DefaultSort
	}
	if sortSpec.Key != "" && sortSpec.Direction == "" {
		sortSpec.Direction = cache.SortAsc
	}

	return cache.RemoteQuery{
		Entity:     entity,
		Predicates: preds,
		Sort:       sortSpec,
		Offset:     (d.Page - 1) * d.Limit,
		Limit:      d.Limit,
	}, nil
}

func fieldPredicates(fields map[string]cache.Filter) ([]cache.Predicate, error) {
	preds := make([]cache.Predicate, 0, len(fields))
	for field, f := range fields {
		switch tf := f.(type) {
		case cache.Equals:
			preds = append(preds, cache.Predicate{Field: field, Op: cache.OpEq, Values: []any{tf.Value}})
		case cache.In:
			preds = append(preds, cache.Predicate{Field: field, Op: cache.OpIn, Values: tf.DistinctValues()})
		case cache.Range:
			if tf.Min != nil {
				preds = append(preds, cache.Predicate{Field: field, Op: cache.OpGte, Values: []any{tf.Min}})
			}
			if tf.Max != nil {
				preds = append(preds, cache.Predicate{Field: field, Op: cache.OpLte, Values: []any{tf.Max}})
			}
		case cache.TextMatch:
			preds = append(preds, cache.Predicate{Field: field, Op: cache.OpContains, Values: []any{tf.Text}})
		default:
			return nil, cache.NewValidationError("invalid filter descriptor", field, fmt.Sprintf("unsupported filter %T", f))
		}
	}
	return preds, nil
}

var opOrder = map[cache.Operator]int{
	cache.OpEq:       0,
	cache.OpIn:       1,
	cache.OpGte:      2,
	cache.OpLte:      3,
	cache.OpContains: 4,
	cache.OpSearch:   5,
}

func sortPredicates(preds []cache.Predicate) {
	sort.SliceStable(preds, func(i, j int) bool {
		if preds[i].Field != preds[j].Field {
			return preds[i].Field < preds[j].Field
		}
		return opOrder[preds[i].Op] < opOrder[preds[j].Op]
	})
}

// ToPage shapes remote rows into the page the query asked for.
func ToPage[T any](rows cache.Rows[T], q cache.RemoteQuery) cache.PageResult[T] {
	page := 1
	if q.Limit > 0 {
		page = q.Offset/q.Limit + 1
	}
	items := rows.Items
	if items == nil {
		items = []T{}
	}
	return cache.NewPageResult(items, rows.TotalCount, page, q.Limit)
}
