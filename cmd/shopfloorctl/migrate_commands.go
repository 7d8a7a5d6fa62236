package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"shopfloor.dev/internal/app"
	"shopfloor.dev/internal/config"
	"shopfloor.dev/internal/migrate"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	var lockPath string
	var lockWait time.Duration

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect schema migrations",
	}
	migrateCmd.PersistentFlags().StringVar(&lockPath, "lock", filepath.Join(os.TempDir(), "shopfloor-migrate.lock"), "Lock file serialising migration runs on this host")
	migrateCmd.PersistentFlags().DurationVar(&lockWait, "lock-wait", 30*time.Second, "How long to wait for the migration lock")

	withMigrator := func(cmd *cobra.Command, locked bool, fn func(*migrate.Manager) error) error {
		if locked {
			unlock, err := acquireLock(cmd.Context(), lockPath, lockWait)
			if err != nil {
				return err
			}
			defer unlock()
		}
		return ctx.withStore(cmd.Context(), func(_ *config.Config, store app.Store) error {
			mgr, err := app.Migrator(store)
			if err != nil {
				return err
			}
			return fn(mgr)
		})
	}

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, true, func(mgr *migrate.Manager) error {
				applied, err := mgr.Up(cmd.Context())
				for _, name := range applied {
					fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
				}
				if err != nil {
					return err
				}
				if len(applied) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				}
				return nil
			})
		},
	})

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, true, func(mgr *migrate.Manager) error {
				name, err := mgr.Down(cmd.Context())
				if errors.Is(err, migrate.ErrNothingApplied) {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", name)
				return nil
			})
		},
	})

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, false, func(mgr *migrate.Manager) error {
				applied, err := mgr.Status(cmd.Context())
				if err != nil {
					return err
				}
				pending, err := mgr.Pending(cmd.Context())
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(applied)+len(pending))
				for _, name := range applied {
					rows = append(rows, []string{name, "applied"})
				}
				for _, name := range pending {
					rows = append(rows, []string{name, "pending"})
				}
				payload := map[string]any{"applied": nonNil(applied), "pending": nonNil(pending)}
				return emit(cmd, ctx, payload, []string{"Migration", "State"}, rows, nil)
			})
		},
	})

	return migrateCmd
}

// acquireLock takes an exclusive file lock so two operators cannot migrate the
// same host at once.
func acquireLock(ctx context.Context, path string, wait time.Duration) (func(), error) {
	lock := flock.New(path)
	lockCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ok, err := lock.TryLockContext(lockCtx, 250*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("acquire migration lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("another migration holds %s", path)
	}
	return func() { _ = lock.Unlock() }, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
