package main

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	goerrors "github.com/goliatone/go-errors"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/goliatone/go-query-cache/pkg/di"
	"github.com/goliatone/go-query-cache/remote/bunrepo"
	"github.com/goliatone/go-query-cache/repositorycache"
)

// Lead is the record type served by the CLI.
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

// app holds everything a command needs. Close releases it in reverse order.
type app struct {
	settings  Settings
	logger    *slog.Logger
	db        *bun.DB
	redis     *redis.Client
	container *di.Container
	leads     *repositorycache.CachedRepository[*Lead]
}

func openDB(s DatabaseSettings) (*bun.DB, error) {
	switch s.Driver {
	case driverPostgres:
		sqldb, err := sql.Open("postgres", s.DSN)
		if err != nil {
			return nil, err
		}
		return bun.NewDB(sqldb, pgdialect.New()), nil
	default:
		sqldb, err := sql.Open("sqlite3", s.DSN)
		if err != nil {
			return nil, err
		}
		sqldb.SetMaxOpenConns(1)
		return bun.NewDB(sqldb, sqlitedialect.New()), nil
	}
}

func newApp(ctx context.Context, settings Settings, logger *slog.Logger) (*app, error) {
	db, err := openDB(settings.Database)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryExternal, "failed to open database").
			WithMetadata(map[string]any{"driver": settings.Database.Driver})
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, goerrors.Wrap(err, goerrors.CategoryExternal, "database unreachable").
			WithMetadata(map[string]any{"driver": settings.Database.Driver})
	}

	a := &app{settings: settings, logger: logger, db: db}

	opts := []di.Option{di.WithLogger(logger)}
	if settings.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     settings.Redis.Addr,
			Password: settings.Redis.Password,
			DB:       settings.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, goerrors.Wrap(err, goerrors.CategoryExternal, "redis unreachable").
				WithMetadata(map[string]any{"addr": settings.Redis.Addr})
		}
		opts = append(opts, di.WithRedis(a.redis, settings.Redis.ChannelPrefix))
	}

	a.container, err = di.NewContainer(settings.Cache, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}

	remoteOpts := []bunrepo.Option[*Lead]{bunrepo.WithLogger[*Lead](logger)}
	if publisher, ok := a.container.Publisher(); ok {
		remoteOpts = append(remoteOpts, bunrepo.WithPublisher[*Lead](publisher))
	}
	remote := bunrepo.New[*Lead](repository.NewRepository[*Lead](db, leadHandlers()), "lead", remoteOpts...)
	a.leads = di.NewCachedRepository[*Lead](a.container, remote, repositorycache.WithEntity[*Lead]("lead"))

	return a, nil
}

// Migrate creates the leads table when it is missing.
func (a *app) Migrate(ctx context.Context) error {
	_, err := a.db.NewCreateTable().Model((*Lead)(nil)).IfNotExists().Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryExternal, "failed to create leads table")
	}
	return nil
}

func (a *app) Close() {
	if a.container != nil {
		if err := a.container.Close(); err != nil {
			a.logger.Warn("failed to close container", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
