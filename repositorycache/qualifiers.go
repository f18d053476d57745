package repositorycache

import (
	"context"
)

type qualifiersContextKey struct{}

// WithQualifiers attaches sub-resource qualifiers (tenant, parent record) to
// the context. Reads made with it are cached under keys carrying the
// qualifiers, so the same filter for two tenants never shares an entry.
func WithQualifiers(ctx context.Context, qualifiers ...string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(qualifiers) == 0 {
		return ctx
	}

	existing := qualifiersFromContext(ctx)
	combined := append(existing, qualifiers...)
	combined = dedupeStrings(combined)
	if len(combined) == 0 {
		return ctx
	}

	return context.WithValue(ctx, qualifiersContextKey{}, combined)
}

func qualifiersFromContext(ctx context.Context) []string {
	if ctx == nil {
		return nil
	}
	if qualifiers, ok := ctx.Value(qualifiersContextKey{}).([]string); ok {
		return append([]string(nil), qualifiers...)
	}
	return nil
}

func dedupeStrings(values []string) []string {
	out := values[:0]
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
