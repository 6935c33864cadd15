package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentsubstrate/internal/config"
	"github.com/nextlevelbuilder/agentsubstrate/internal/upgrade"
)

func upgradeCmd() *cobra.Command {
	var dryRun bool
	var status bool

	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade the Memory Store schema and run its data hooks",
		Long: "Applies pending SQL migrations to the managed-mode Memory Store\n" +
			"(internal/store/pg) and any Go-based data hooks that repair rows\n" +
			"written under an earlier invariant. Safe to run multiple times\n" +
			"(idempotent). Session, task, schedule, and event-bus state never\n" +
			"touch SQL, so standalone deployments have nothing to upgrade here.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status {
				return runUpgradeStatus()
			}
			return runUpgrade(dryRun)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without applying changes")
	cmd.Flags().BoolVar(&status, "status", false, "show current upgrade status")

	return cmd
}

func runUpgradeStatus() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Printf("  App version:     %s\n", Version)

	if !cfg.IsManagedMode() {
		fmt.Println("  Mode:            standalone (flat-file persistence)")
		fmt.Println("  Status:          N/A — Memory Store has no SQL schema to upgrade")
		reportComponentStorage(cfg)
		return nil
	}

	db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	s, err := upgrade.CheckSchema(db)
	if err != nil {
		return fmt.Errorf("check schema: %w", err)
	}

	fmt.Printf("  Memory Store schema current:  %d\n", s.CurrentVersion)
	fmt.Printf("  Memory Store schema required: %d\n", s.RequiredVersion)

	if s.Dirty {
		fmt.Println("  Status:          DIRTY (failed migration)")
		fmt.Println()
		fmt.Print(upgrade.FormatError(s))
		return nil
	}

	if s.Compatible {
		fmt.Println("  Status:          UP TO DATE")
		fmt.Printf("  Memory entries:  %d\n", s.MemoryEntryCount)
	} else if s.CurrentVersion > s.RequiredVersion {
		fmt.Println("  Status:          BINARY TOO OLD")
	} else {
		fmt.Printf("  Status:          UPGRADE NEEDED (%d -> %d)\n", s.CurrentVersion, s.RequiredVersion)
	}

	pending, err := upgrade.PendingHooks(context.Background(), db)
	if err != nil {
		slog.Debug("could not check pending memory store data hooks", "error", err)
	} else if len(pending) > 0 {
		fmt.Printf("\n  Pending data hooks: %d\n", len(pending))
		for _, name := range pending {
			fmt.Printf("    - %s\n", name)
		}
	}

	if s.NeedsMigration {
		fmt.Println()
		fmt.Println("  Run 'agentsubstrate upgrade' to apply all pending changes.")
	}

	reportComponentStorage(cfg)
	return nil
}

// reportComponentStorage prints per-component flat-file state for the five
// components that never go through SQL (session, task manager, scheduler,
// file tracker, event bus have nothing durable of their own beyond the
// paths below) so `upgrade --status` speaks to the whole substrate, not
// just whichever component happens to have a SQL schema this release.
func reportComponentStorage(cfg *config.Config) {
	root := config.ExpandHome(cfg.StorageRoot)

	fmt.Println()
	fmt.Println("  Component storage (flat-file, spec §6 layout):")
	reportDirEntryCount("sessions", filepath.Join(root, "sessions"))
	reportDirEntryCount("schedules", filepath.Join(root, "schedules"))
	reportDirEntryCount("tasks", filepath.Join(root, "tasks"))
	reportDirEntryCount("workspaces (file tracker roots)", filepath.Join(root, "workspaces"))
	if !cfg.IsManagedMode() {
		reportDirEntryCount("memory", filepath.Join(root, "memory"))
	}
}

func reportDirEntryCount(label, path string) {
	entries, err := os.ReadDir(path)
	if err != nil {
		fmt.Printf("    %-30s (not yet created)\n", label+":")
		return
	}
	fmt.Printf("    %-30s %d user director%s\n", label+":", len(entries), plural(len(entries)))
}

func plural(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

func runUpgrade(dryRun bool) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if !cfg.IsManagedMode() {
		fmt.Println("Standalone mode — the Memory Store has no SQL schema, nothing to upgrade.")
		fmt.Println("(Sessions, tasks, schedules, and memory all live under the flat-file layout.)")
		return nil
	}

	dsn := cfg.Database.PostgresDSN

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	s, err := upgrade.CheckSchema(db)
	if err != nil {
		return fmt.Errorf("check schema: %w", err)
	}

	fmt.Printf("  App version:                  %s\n", Version)
	fmt.Printf("  Memory Store schema current:  %d\n", s.CurrentVersion)
	fmt.Printf("  Memory Store schema required: %d\n", s.RequiredVersion)
	fmt.Println()

	if s.Dirty {
		fmt.Print(upgrade.FormatError(s))
		return ErrUpgradeFailed
	}
	if s.CurrentVersion > s.RequiredVersion {
		fmt.Print(upgrade.FormatError(s))
		return ErrUpgradeFailed
	}

	if dryRun {
		if s.NeedsMigration {
			fmt.Printf("  Would apply Memory Store SQL migrations: v%d -> v%d\n", s.CurrentVersion, s.RequiredVersion)
		} else {
			fmt.Println("  Memory Store SQL schema is up to date.")
		}

		pending, err := upgrade.PendingHooks(context.Background(), db)
		if err != nil {
			slog.Debug("could not check pending memory store data hooks", "error", err)
		} else if len(pending) > 0 {
			fmt.Printf("  Would run %d memory store data hook(s):\n", len(pending))
			for _, name := range pending {
				fmt.Printf("    - %s\n", name)
			}
		} else {
			fmt.Println("  No pending data hooks.")
		}
		return nil
	}

	if s.NeedsMigration {
		fmt.Print("  Applying Memory Store SQL migrations... ")
		m, err := newMigrator(dsn)
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
		defer m.Close()

		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			fmt.Println("FAILED")
			return fmt.Errorf("migrate up: %w", err)
		}
		v, _, _ := m.Version()
		fmt.Printf("OK (v%d -> v%d)\n", s.CurrentVersion, v)
	} else {
		fmt.Println("  Memory Store SQL schema is up to date.")
	}

	fmt.Print("  Running memory store data hooks... ")
	count, err := upgrade.RunPendingHooks(context.Background(), db)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("data hooks: %w", err)
	}
	if count > 0 {
		fmt.Printf("%d applied\n", count)
	} else {
		fmt.Println("none pending")
	}

	fmt.Println()
	fmt.Println("  Upgrade complete.")
	return nil
}

// ErrUpgradeFailed is returned when upgrade cannot proceed.
var ErrUpgradeFailed = fmt.Errorf("upgrade cannot proceed")

// checkSchemaOrAutoUpgrade is called from serve startup to gate on Memory
// Store schema compatibility before the host wires internal/store/pg in.
// If AGENTSUBSTRATE_AUTO_UPGRADE=true and the schema is outdated, it runs
// the upgrade inline rather than refusing to start.
func checkSchemaOrAutoUpgrade(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("memory store schema check: connect: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("memory store schema check: ping: %w", err)
	}

	s, err := upgrade.CheckSchema(db)
	if err != nil {
		return fmt.Errorf("memory store schema check: %w", err)
	}

	if s.Compatible {
		slog.Info("memory store schema check passed", "current", s.CurrentVersion, "required", s.RequiredVersion, "entries", s.MemoryEntryCount)
		return nil
	}

	if s.Dirty {
		return errors.New(upgrade.FormatError(s))
	}

	if s.CurrentVersion > s.RequiredVersion {
		return errors.New(upgrade.FormatError(s))
	}

	if os.Getenv("AGENTSUBSTRATE_AUTO_UPGRADE") == "true" {
		slog.Info("auto-upgrade: applying memory store migrations", "from", s.CurrentVersion, "to", s.RequiredVersion)

		m, mErr := newMigrator(dsn)
		if mErr != nil {
			return fmt.Errorf("auto-upgrade: create migrator: %w", mErr)
		}
		defer m.Close()

		if mErr := m.Up(); mErr != nil && mErr != migrate.ErrNoChange {
			return fmt.Errorf("auto-upgrade: migrate up: %w", mErr)
		}

		v, _, _ := m.Version()
		slog.Info("auto-upgrade: memory store SQL migrations applied", "version", v)

		count, hErr := upgrade.RunPendingHooks(context.Background(), db)
		if hErr != nil {
			return fmt.Errorf("auto-upgrade: data hooks: %w", hErr)
		}
		if count > 0 {
			slog.Info("auto-upgrade: memory store data hooks applied", "count", count)
		}

		slog.Info("auto-upgrade complete")
		return nil
	}

	return errors.New(upgrade.FormatError(s))
}
