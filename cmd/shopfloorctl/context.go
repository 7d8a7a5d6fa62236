package main

import (
	"context"
	"strings"
	"sync"

	"shopfloor.dev/internal/app"
	"shopfloor.dev/internal/config"
)

type commandContext struct {
	configFlag *string
	jsonFlag   *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{configFlag: configFlag, jsonFlag: jsonFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		c.config, c.configErr = config.Load(path)
	})
	return c.config, c.configErr
}

// withStore opens the configured store without migrating it.
func (c *commandContext) withStore(ctx context.Context, fn func(*config.Config, app.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	dbCfg := cfg.Database
	dbCfg.AutoMigrate = false
	store, err := app.OpenStore(ctx, dbCfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store)
}

// withServices opens the store and builds the domain services on it.
func (c *commandContext) withServices(ctx context.Context, fn func(*app.Services) error) error {
	return c.withStore(ctx, func(cfg *config.Config, store app.Store) error {
		svc, err := app.Build(cfg, store)
		if err != nil {
			return err
		}
		return fn(svc)
	})
}

func (c *commandContext) forceJSON() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}
