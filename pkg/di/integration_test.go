package di

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/realtime"
	"github.com/goliatone/go-query-cache/remote/bunrepo"
	"github.com/goliatone/go-query-cache/repositorycache"
)

type Lead struct {
	bun.BaseModel `bun:"table:leads,alias:l"`

	ID        uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	Name      string    `bun:"name,notnull" json:"name"`
	Email     string    `bun:"email" json:"email"`
	Phone     string    `bun:"phone" json:"phone"`
	Status    string    `bun:"status,notnull" json:"status"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
}

func leadHandlers() repository.ModelHandlers[*Lead] {
	return repository.ModelHandlers[*Lead]{
		NewRecord: func() *Lead { return &Lead{} },
		GetID: func(l *Lead) uuid.UUID {
			if l == nil {
				return uuid.Nil
			}
			return l.ID
		},
		SetID:         func(l *Lead, id uuid.UUID) { l.ID = id },
		GetIdentifier: func() string { return "email" },
	}
}

type countingRepository struct {
	repository.Repository[*Lead]

	mu    sync.Mutex
	lists int
}

func (r *countingRepository) List(ctx context.Context, criteria ...repository.SelectCriteria) ([]*Lead, int, error) {
	r.mu.Lock()
	r.lists++
	r.mu.Unlock()
	return r.Repository.List(ctx, criteria...)
}

func (r *countingRepository) Lists() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lists
}

type integration struct {
	container *Container
	db        *bun.DB
	sqlRepo   *countingRepository
	remote    *bunrepo.Remote[*Lead]
	leads     *repositorycache.CachedRepository[*Lead]
}

func newIntegration(t *testing.T) *integration {
	t.Helper()
	ctx := context.Background()

	sqldb, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.NewCreateTable().Model((*Lead)(nil)).Exec(ctx)
	require.NoError(t, err)

	now := time.Now().UTC()
	seed := []*Lead{
		{ID: uuid.New(), Name: "Ada Lovelace", Email: "ada@example.com", Status: "open", CreatedAt: now.Add(-time.Hour)},
		{ID: uuid.New(), Name: "Grace Hopper", Email: "grace@example.com", Status: "open", CreatedAt: now.Add(-2 * time.Hour)},
		{ID: uuid.New(), Name: "Linus", Email: "linus@example.com", Status: "won", CreatedAt: now.Add(-3 * time.Hour)},
	}
	_, err = db.NewInsert().Model(&seed).Exec(ctx)
	require.NoError(t, err)

	config := cache.DefaultConfig()
	config.GCInterval = 0
	container, err := NewContainer(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Close() })

	publisher, ok := container.Publisher()
	require.True(t, ok)

	sqlRepo := &countingRepository{Repository: repository.NewRepository[*Lead](db, leadHandlers())}
	remote := bunrepo.New[*Lead](sqlRepo, "lead", bunrepo.WithPublisher[*Lead](publisher))

	return &integration{
		container: container,
		db:        db,
		sqlRepo:   sqlRepo,
		remote:    remote,
		leads:     NewCachedRepository[*Lead](container, remote),
	}
}

func names(items []*Lead) []string {
	out := make([]string, len(items))
	for i, l := range items {
		out[i] = l.Name
	}
	return out
}

func TestIntegration_ListIsServedFromCache(t *testing.T) {
	it := newIntegration(t)
	ctx := context.Background()
	open := cache.NewDescriptor(1, 10).WithField("status", "open")

	for i := 0; i < 3; i++ {
		page, err := it.leads.List(ctx, open)
		require.NoError(t, err)
		assert.Equal(t, []string{"Ada Lovelace", "Grace Hopper"}, names(page.Items))
		assert.Equal(t, 2, page.TotalCount)
		assert.Equal(t, 1, page.TotalPages)
	}
	assert.Equal(t, 1, it.sqlRepo.Lists())

	_, err := it.leads.List(ctx, open.WithSearch("grace"))
	require.NoError(t, err)
	assert.Equal(t, 2, it.sqlRepo.Lists(), "a different descriptor is a different entry")
}

func TestIntegration_OptimisticCreateConfirmsAgainstTheDatabase(t *testing.T) {
	it := newIntegration(t)
	ctx := context.Background()
	open := cache.NewDescriptor(1, 10).WithField("status", "open")

	_, err := it.leads.List(ctx, open)
	require.NoError(t, err)

	created, err := it.leads.Create(ctx, &Lead{Name: "Margaret", Email: "margaret@example.com", Status: "open", CreatedAt: time.Now().UTC()})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, created.ID)

	var stored Lead
	require.NoError(t, it.db.NewSelect().Model(&stored).Where("id = ?", created.ID).Scan(ctx))
	assert.Equal(t, "Margaret", stored.Name)

	detail, err := it.leads.Detail(ctx, created.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "margaret@example.com", detail.Email)

	it.container.Scheduler().Wait()
	page, err := it.leads.List(ctx, open)
	require.NoError(t, err)
	assert.Contains(t, names(page.Items), "Margaret")
}

func TestIntegration_RemoteChangeRefetchesWatchedView(t *testing.T) {
	it := newIntegration(t)
	ctx := context.Background()

	handle, err := it.container.SubscribeEntity(ctx, "lead", realtime.OpInsert)
	require.NoError(t, err)
	defer handle.Close()

	var mu sync.Mutex
	var states []cache.QueryState[cache.PageResult[*Lead]]
	view, err := it.leads.Watch(ctx, cache.NewDescriptor(1, 10).WithField("status", "won"),
		func(s cache.QueryState[cache.PageResult[*Lead]]) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		})
	require.NoError(t, err)
	defer view.Close()

	initial := view.State()
	require.True(t, initial.HasData)
	assert.Equal(t, []string{"Linus"}, names(initial.Data.Items))
	assert.Equal(t, 1, it.sqlRepo.Lists())

	// another writer inserts straight into the database and announces it
	_, err = it.remote.Insert(ctx, "lead", &Lead{Name: "Barbara", Email: "barbara@example.com", Status: "won", CreatedAt: time.Now().UTC()})
	require.NoError(t, err)

	select {
	case ev := <-handle.Events():
		assert.Equal(t, realtime.OpInsert, ev.Operation)
		assert.Equal(t, "lead", ev.Entity)
	case <-time.After(2 * time.Second):
		t.Fatal("no change event delivered")
	}

	it.container.Scheduler().Wait()
	assert.Equal(t, 2, it.sqlRepo.Lists(), "the subscribed page is refetched once")

	refreshed := view.State()
	require.True(t, refreshed.HasData)
	assert.Nil(t, refreshed.Warning)
	assert.ElementsMatch(t, []string{"Linus", "Barbara"}, names(refreshed.Data.Items))

	mu.Lock()
	assert.Len(t, states, 1, "onChange fires for applied filters and refreshes only")
	mu.Unlock()
}

func TestIntegration_FilterChangeMovesTheSubscription(t *testing.T) {
	it := newIntegration(t)
	ctx := context.Background()
	st := it.container.Store()

	open := cache.NewDescriptor(1, 10).WithField("status", "open")
	view, err := it.leads.Watch(ctx, open, nil)
	require.NoError(t, err)
	openKey := view.Key()
	assert.Equal(t, 1, st.Subscribers(openKey))

	won := cache.NewDescriptor(1, 10).WithField("status", "won")
	view.SetFilter(won)
	require.True(t, view.Flush())

	wonKey := view.Key()
	assert.False(t, wonKey.Equal(openKey))
	assert.Equal(t, 0, st.Subscribers(openKey))
	assert.Equal(t, 1, st.Subscribers(wonKey))

	state := view.State()
	require.True(t, state.HasData)
	assert.Equal(t, []string{"Linus"}, names(state.Data.Items))

	view.Close()
	assert.Equal(t, 0, st.Subscribers(wonKey))
}
