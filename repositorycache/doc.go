// Package repositorycache is the surface views talk to: a cached repository
// per entity that reads through the query cache and writes through the
// optimistic mutation engine.
//
// # Overview
//
// CachedRepository[T] wraps a remote (anything implementing cache.Remote[T],
// such as remote/bunrepo) together with the shared fetch scheduler. Reads are
// keyed by entity, scope, normalized filter descriptor and the sub-resource
// qualifiers attached to the context, so two views asking for the same data
// share one cache entry and one in-flight request.
//
// # Reads
//
//	repo := repositorycache.New[Lead](remote, container.Scheduler(), cfg)
//
//	// Waits for the remote when the page is missing or stale.
//	page, err := repo.List(ctx, cache.NewDescriptor(1, 50).WithField("status", "open"))
//
//	// Returns cached data immediately. A stale page carries a
//	// StaleReadWarning while a background refetch runs.
//	state, err := repo.Query(ctx, descriptor)
//	if state.IsStale() {
//		// render a refreshing indicator next to state.Data
//	}
//
// Detail and QueryDetail do the same for single records. Descriptors are
// validated before any remote call; a malformed one yields an error for which
// cache.IsValidation reports true.
//
// # Writes
//
// Create, Update, Replace and Delete build a cache.MutationIntent and hand it
// to the mutation engine. The cached lists and detail entry are patched
// before the remote call starts; a failed call restores them and returns an
// error for which cache.IsMutation reports true. On success the affected
// list family is marked stale and subscribed pages are refetched.
//
// # Views
//
// Watch opens a View[T] that keeps its key subscribed, so invalidation from
// mutations or real-time events refetches it in the background. SetFilter is
// debounced (300ms by default): a burst of filter changes applies only the
// last descriptor, and applying it moves the subscription to the new key.
//
// # Qualifiers
//
// WithQualifiers scopes reads to a tenant or parent record:
//
//	ctx = repositorycache.WithQualifiers(ctx, "tenant-acme")
//	repo.List(ctx, d) // cached under lead::list::tenant-acme::<descriptor>
//
// Entity-wide invalidation (Invalidate, change events) matches every
// qualifier since it works on the entity prefix.
package repositorycache
