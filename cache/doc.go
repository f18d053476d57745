// Package cache holds the data model shared by the query cache packages.
//
// # Overview
//
// The package defines:
//
//   - QueryKey and KeyPrefix: deterministic, hierarchical keys built from an
//     entity, a scope and a FilterDescriptor (BuildKey, DetailKey, Prefix)
//   - FilterDescriptor: search, tagged per-field filters (Equals, In, Range,
//     TextMatch), an optional date range, pagination and sort
//   - PageResult: one page of a list query with its total and page count
//   - Entry and QueryState: what the store keeps and what views receive
//   - MutationIntent: a create, update or delete request with its scopes
//   - The remote contracts: QuerySource and MutationSink
//   - Config and EntityPolicy: stale and gc timing, retry and debounce settings
//   - The error taxonomy built on go-errors categories
//
// # Keys
//
// Keys are built from segments joined by KeySeparator. Segments are escaped so
// that a value containing the separator cannot collide with a different
// segment layout:
//
//	d := cache.NewDescriptor(1, 50).
//		WithField("status", "pending", "open").
//		WithSearch("acme")
//	key := cache.BuildKey("lead", cache.ScopeList, d)
//	// lead::list::q="acme";f={"status"=in("open","pending")};p=1;l=50
//
// Two descriptors with the same filters produce the same key regardless of the
// order filters were added or the order of values inside an In filter. Filter
// values are encoded with EncodeValue, which quotes strings so "1" and 1 do
// not collide and sorts map keys.
//
// Prefixes address a family of keys on whole segments:
//
//	cache.ListPrefix("lead")   // every lead list
//	cache.EntityPrefix("lead") // every lead list and detail
//
// # Errors
//
// Errors are *errors.Error values from github.com/goliatone/go-errors:
//
//   - CategoryTransientFetch: a read that still failed after its retries
//   - CategoryMutation: any failed write, surfaced after rollback
//   - errors.CategoryValidation: a malformed descriptor, intent or config
//   - errors.CategoryNotFound: a record missing on the remote side
//
// Use IsTransientFetch, IsMutation, IsValidation and IsNotFound to inspect
// them. StaleReadWarning is not an error; it travels on QueryState.
//
// # See Also
//
// The store package keeps entries, fetch schedules remote reads, mutation
// applies optimistic writes and repositorycache ties them together for views.
package cache
