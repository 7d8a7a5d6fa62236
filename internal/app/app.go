// Package app assembles the service from configuration. It is shared by the
// server and the admin CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"shopfloor.dev/internal/auth"
	"shopfloor.dev/internal/bundle"
	"shopfloor.dev/internal/catalog"
	"shopfloor.dev/internal/config"
	"shopfloor.dev/internal/migrate"
	"shopfloor.dev/internal/obs"
	"shopfloor.dev/internal/store/memstore"
	"shopfloor.dev/internal/store/sqlstore"
	"shopfloor.dev/internal/stream"
	"shopfloor.dev/internal/workflow"
)

// Store is everything the service needs from persistence.
type Store interface {
	auth.Store
	workflow.Store
	Ping(ctx context.Context) error
	io.Closer
}

// ErrNoMigrations is returned for migration commands against the memory store.
var ErrNoMigrations = errors.New("app: the memory store has no migrations")

// OpenStore opens the configured store, migrating SQL stores when asked to.
func OpenStore(ctx context.Context, cfg config.Database) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return memstore.New(), nil
	case "sqlite", "postgres":
		dialect, err := sqlstore.ParseDialect(cfg.Driver)
		if err != nil {
			return nil, err
		}
		s, err := sqlstore.Open(dialect, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
		}
		if cfg.AutoMigrate {
			if err := s.Migrate(ctx); err != nil {
				_ = s.Close()
				return nil, err
			}
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// Migrator returns the migration manager of a SQL store.
func Migrator(s Store) (*migrate.Manager, error) {
	sq, ok := s.(*sqlstore.Store)
	if !ok {
		return nil, ErrNoMigrations
	}
	return sq.Migrator(), nil
}

// Services is the assembled domain layer.
type Services struct {
	Store     Store
	Auth      *auth.Service
	Templates *catalog.Catalog
	Registry  *bundle.Registry
	Engine    *workflow.Engine
	Events    *stream.Stream
}

// Build wires the domain services on top of store.
func Build(cfg *config.Config, store Store) (*Services, error) {
	authSvc, err := auth.NewService(store,
		auth.WithSigningKey(cfg.Auth.SigningKey),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL.Duration),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL.Duration),
		auth.WithRememberTTL(cfg.Auth.RememberTTL.Duration),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	templates, err := loadCatalog(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	policy, err := cfg.ShiftPolicy()
	if err != nil {
		return nil, err
	}
	registry := bundle.NewRegistry(store.Bundles(), bundle.WithShiftPolicy(policy))
	events := stream.New()
	engine := workflow.NewEngine(store, templates, registry, workflow.WithPublisher(events))
	return &Services{
		Store:     store,
		Auth:      authSvc,
		Templates: templates,
		Registry:  registry,
		Engine:    engine,
		Events:    events,
	}, nil
}

// loadCatalog reads the template file. An empty path yields an empty catalog,
// which rejects every mapping.
func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		obs.Logger().Warn().Msg("no template catalog configured; template mapping will fail")
		return catalog.New()
	}
	return catalog.Load(path)
}
