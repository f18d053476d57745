package cache

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	goerrors "github.com/goliatone/go-errors"
)

// Default pagination values applied by Normalize.
const (
	DefaultPage  = 1
	DefaultLimit = 50
)

// SortDirection is either ascending or descending.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// Sort describes the ordering of a list request.
type Sort struct {
	Key       string        `json:"key" yaml:"key"`
	Direction SortDirection `json:"direction" yaml:"direction"`
}

// IsZero reports whether no sort was requested.
func (s Sort) IsZero() bool { return s.Key == "" }

// Validate implements validation.Validatable.
func (s Sort) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Direction, validation.In(SortAsc, SortDesc, SortDirection(""))),
		validation.Field(&s.Key, validation.Required.When(s.Direction != "")),
	)
}

// DateRange bounds a designated timestamp field, both ends inclusive.
// A zero Start or End leaves that side open.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate implements validation.Validatable.
func (r DateRange) Validate() error {
	if !r.Start.IsZero() && !r.End.IsZero() && r.End.Before(r.Start) {
		return validation.Errors{"end": validation.NewError("validation_date_range", "must not be before start")}
	}
	return nil
}

// Filter is a tagged variant describing the predicate applied to one field.
// The set of variants is closed: Equals, In, Range and TextMatch.
type Filter interface {
	filterTag() string
	canonical() string
}

// Equals matches records whose field equals Value.
type Equals struct {
	Value any
}

// In matches records whose field is any of Values. Values form a set, their
// order and duplicates do not matter.
type In struct {
	Values []any
}

// Range matches records whose field lies within [Min, Max]. A nil bound is open.
type Range struct {
	Min any
	Max any
}

// TextMatch is a case-insensitive substring match on the field.
type TextMatch struct {
	Text string
}

func (Equals) filterTag() string    { return "eq" }
func (In) filterTag() string        { return "in" }
func (Range) filterTag() string     { return "range" }
func (TextMatch) filterTag() string { return "text" }

func (f Equals) canonical() string { return "eq(" + EncodeValue(f.Value) + ")" }

func (f In) canonical() string {
	return "in(" + strings.Join(CanonicalSet(f.Values), ",") + ")"
}

func (f Range) canonical() string {
	return "range(" + EncodeValue(f.Min) + "," + EncodeValue(f.Max) + ")"
}

func (f TextMatch) canonical() string {
	return "text(" + strconv.Quote(strings.ToLower(f.Text)) + ")"
}

// CanonicalSet encodes values, removes duplicates and sorts the result.
func CanonicalSet(values []any) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		enc := EncodeValue(v)
		if _, ok := seen[enc]; ok {
			continue
		}
		seen[enc] = struct{}{}
		out = append(out, enc)
	}
	sort.Strings(out)
	return out
}

// DistinctValues returns the values of an In filter in canonical order with
// duplicates removed.
func (f In) DistinctValues() []any {
	type pair struct {
		enc string
		v   any
	}
	seen := make(map[string]struct{}, len(f.Values))
	pairs := make([]pair, 0, len(f.Values))
	for _, v := range f.Values {
		enc := EncodeValue(v)
		if _, ok := seen[enc]; ok {
			continue
		}
		seen[enc] = struct{}{}
		pairs = append(pairs, pair{enc, v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].enc < pairs[j].enc })
	out := make([]any, len(pairs))
	for i, p := range pairs {
		out[i] = p.v
	}
	return out
}

// FilterDescriptor is the abstract list request: search, per field filters,
// optional date range, pagination and sort.
type FilterDescriptor struct {
	Search    string            `json:"search,omitempty"`
	Fields    map[string]Filter `json:"-"`
	DateRange *DateRange        `json:"date_range,omitempty"`
	Page      int               `json:"page"`
	Limit     int               `json:"limit"`
	Sort      Sort              `json:"sort"`
}

// NewDescriptor returns a descriptor for page/limit with no filters.
func NewDescriptor(page, limit int) FilterDescriptor {
	return FilterDescriptor{Page: page, Limit: limit}
}

// WithField returns a copy of d with field constrained to values. One value
// produces an Equals filter, several produce an In filter.
func (d FilterDescriptor) WithField(field string, values ...any) FilterDescriptor {
	switch len(values) {
	case 0:
		return d.WithoutField(field)
	case 1:
		return d.WithFilter(field, Equals{Value: values[0]})
	default:
		return d.WithFilter(field, In{Values: append([]any(nil), values...)})
	}
}

// WithFilter returns a copy of d with an explicit filter variant on field.
func (d FilterDescriptor) WithFilter(field string, f Filter) FilterDescriptor {
	out := d.clone()
	if out.Fields == nil {
		out.Fields = make(map[string]Filter)
	}
	out.Fields[field] = f
	return out
}

// WithoutField returns a copy of d with any filter on field removed.
func (d FilterDescriptor) WithoutField(field string) FilterDescriptor {
	out := d.clone()
	delete(out.Fields, field)
	return out
}

// WithSearch returns a copy of d with the search text replaced.
func (d FilterDescriptor) WithSearch(search string) FilterDescriptor {
	out := d.clone()
	out.Search = search
	return out
}

// WithPage returns a copy of d pointing at page.
func (d FilterDescriptor) WithPage(page int) FilterDescriptor {
	out := d.clone()
	out.Page = page
	return out
}

func (d FilterDescriptor) clone() FilterDescriptor {
	out := d
	if d.Fields != nil {
		out.Fields = make(map[string]Filter, len(d.Fields))
		for k, v := range d.Fields {
			out.Fields[k] = v
		}
	}
	if d.DateRange != nil {
		dr := *d.DateRange
		out.DateRange = &dr
	}
	return out
}

// Normalize fills in default pagination and trims the search text.
func (d FilterDescriptor) Normalize() FilterDescriptor {
	out := d.clone()
	if out.Page == 0 {
		out.Page = DefaultPage
	}
	if out.Limit == 0 {
		out.Limit = DefaultLimit
	}
	out.Search = strings.TrimSpace(out.Search)
	if out.Sort.Key != "" && out.Sort.Direction == "" {
		out.Sort.Direction = SortAsc
	}
	return out
}

// Validate checks the descriptor before any network call is made. The
// returned error is a go-errors validation error.
func (d FilterDescriptor) Validate() error {
	err := validation.ValidateStruct(&d,
		validation.Field(&d.Page, validation.Required, validation.Min(1)),
		validation.Field(&d.Limit, validation.Required, validation.Min(1)),
		validation.Field(&d.Sort),
		validation.Field(&d.DateRange),
		validation.Field(&d.Fields, validation.By(validateFilters)),
	)
	if err != nil {
		return goerrors.FromOzzoValidation(err, "invalid filter descriptor")
	}
	return nil
}

func validateFilters(value any) error {
	fields, _ := value.(map[string]Filter)
	for name, f := range fields {
		if strings.TrimSpace(name) == "" {
			return validation.NewError("validation_field_name", "field name cannot be blank")
		}
		switch tf := f.(type) {
		case nil:
			return validation.NewError("validation_filter_nil", fmt.Sprintf("filter for %q is nil", name))
		case In:
			if len(tf.Values) == 0 {
				return validation.NewError("validation_in_empty", fmt.Sprintf("filter for %q has no values", name))
			}
		case Range:
			if tf.Min == nil && tf.Max == nil {
				return validation.NewError("validation_range_open", fmt.Sprintf("range for %q has no bounds", name))
			}
		case TextMatch:
			if strings.TrimSpace(tf.Text) == "" {
				return validation.NewError("validation_text_empty", fmt.Sprintf("text match for %q is blank", name))
			}
		}
	}
	return nil
}

// Canonical returns the deterministic encoding of the descriptor used as the
// final key segment.
func (d FilterDescriptor) Canonical() string {
	parts := make([]string, 0, 6)
	if s := strings.TrimSpace(d.Search); s != "" {
		parts = append(parts, "q="+strconv.Quote(strings.ToLower(s)))
	}

	if len(d.Fields) > 0 {
		names := make([]string, 0, len(d.Fields))
		for name := range d.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		filters := make([]string, 0, len(names))
		for _, name := range names {
			f := d.Fields[name]
			if f == nil {
				continue
			}
			filters = append(filters, strconv.Quote(name)+"="+f.canonical())
		}
		parts = append(parts, "f={"+strings.Join(filters, ",")+"}")
	}

	if d.DateRange != nil {
		parts = append(parts, "d="+EncodeValue(d.DateRange.Start)+".."+EncodeValue(d.DateRange.End))
	}

	parts = append(parts, fmt.Sprintf("p=%d", d.Page), fmt.Sprintf("l=%d", d.Limit))
	if d.Sort.Key != "" {
		dir := d.Sort.Direction
		if dir == "" {
			dir = SortAsc
		}
		parts = append(parts, "s="+strconv.Quote(d.Sort.Key)+":"+string(dir))
	}
	return strings.Join(parts, ";")
}
