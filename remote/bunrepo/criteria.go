package bunrepo

import (
	"fmt"
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-query-cache/cache"
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePattern(needle string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(needle)) + "%"
}

// criteria turns a remote query into go-repository-bun select criteria.
// Predicates are ANDed; search predicates OR their fields inside a group.
func (r *Remote[T]) criteria(q cache.RemoteQuery) ([]repository.SelectCriteria, error) {
	out := make([]repository.SelectCriteria, 0, len(q.Predicates)+2)

	for _, p := range q.Predicates {
		c, err := r.predicate(p)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}

	if q.Sort.Key != "" {
		dir := "ASC"
		if q.Sort.Direction == cache.SortDesc {
			dir = "DESC"
		}
		col := r.column(q.Sort.Key)
		idCol := r.idColumn
		out = append(out, func(sq *bun.SelectQuery) *bun.SelectQuery {
			sq = sq.OrderExpr("? "+dir, bun.Ident(col))
			if col != idCol {
				sq = sq.OrderExpr("? ASC", bun.Ident(idCol))
			}
			return sq
		})
	}

	if q.Limit > 0 {
		offset, limit := q.Offset, q.Limit
		out = append(out, func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.Offset(offset).Limit(limit)
		})
	}

	return out, nil
}

func (r *Remote[T]) predicate(p cache.Predicate) (repository.SelectCriteria, error) {
	col := r.column(p.Field)

	switch p.Op {
	case cache.OpEq:
		v := p.Value()
		return func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.Where("? = ?", bun.Ident(col), v)
		}, nil

	case cache.OpIn:
		values := append([]any(nil), p.Values...)
		return func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.Where("? IN (?)", bun.Ident(col), bun.In(values))
		}, nil

	case cache.OpGte:
		v := p.Value()
		return func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.Where("? >= ?", bun.Ident(col), v)
		}, nil

	case cache.OpLte:
		v := p.Value()
		return func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.Where("? <= ?", bun.Ident(col), v)
		}, nil

	case cache.OpContains, cache.OpSearch:
		fields := p.Fields
		if p.Op == cache.OpContains || len(fields) == 0 {
			fields = []string{p.Field}
		}
		cols := make([]string, len(fields))
		for i, f := range fields {
			cols[i] = r.column(f)
		}
		pattern := likePattern(fmt.Sprint(p.Value()))
		return func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.WhereGroup(" AND ", func(g *bun.SelectQuery) *bun.SelectQuery {
				for _, c := range cols {
					g = g.WhereOr(`LOWER(?) LIKE ? ESCAPE '\'`, bun.Ident(c), pattern)
				}
				return g
			})
		}, nil
	}

	return nil, cache.NewValidationError("unsupported predicate", p.Field, fmt.Sprintf("operator %q", p.Op))
}

func (r *Remote[T]) column(field string) string {
	if col, ok := r.columns[field]; ok {
		return col
	}
	return field
}
