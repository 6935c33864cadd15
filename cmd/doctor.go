package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentsubstrate/internal/config"
	"github.com/nextlevelbuilder/agentsubstrate/internal/upgrade"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("agentsubstrate doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — running on defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Storage:")
	ws := config.ExpandHome(cfg.StorageRoot)
	fmt.Printf("    %-12s %s", "Root:", ws)
	if _, err := os.Stat(ws); err != nil {
		fmt.Println(" (NOT FOUND — created on first write)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("  Components:")
	fmt.Printf("    %-26s %ds\n", "session_timeout:", cfg.Session.SessionTimeoutSeconds)
	fmt.Printf("    %-26s %d\n", "max_sub_agents:", cfg.TaskManager.MaxSubAgents)
	fmt.Printf("    %-26s %d\n", "max_retries:", cfg.TaskManager.MaxRetries)
	fmt.Printf("    %-26s %ds\n", "event_bus_ping_interval:", cfg.EventBus.PingIntervalSeconds)
	fmt.Printf("    %-26s %ds\n", "scheduler_tick_interval:", cfg.Scheduler.TickIntervalSeconds)

	fmt.Println()
	fmt.Println("  LLM backend:")
	if cfg.LLMBackend.Endpoint != "" {
		fmt.Printf("    %-12s %s\n", "Endpoint:", cfg.LLMBackend.Endpoint)
	} else {
		fmt.Println("    (not configured — the HTTP backend has no endpoint)")
	}
	checkProvider("API key", cfg.LLMBackend.APIKey)

	isManaged := cfg.IsManagedMode()
	fmt.Println()
	fmt.Println("  Database:")
	if !isManaged {
		fmt.Printf("    %-12s standalone (flat-file persistence)\n", "Mode:")
	} else {
		fmt.Printf("    %-12s managed\n", "Mode:")
		db, dbErr := sql.Open("pgx", cfg.Database.PostgresDSN)
		if dbErr != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", dbErr)
		} else if pingErr := db.Ping(); pingErr != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", pingErr)
			db.Close()
		} else {
			defer db.Close()
			s, schemaErr := upgrade.CheckSchema(db)
			if schemaErr != nil {
				fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", schemaErr)
			} else if s.Dirty {
				fmt.Printf("    %-12s v%d (DIRTY — run: agentsubstrate migrate force %d)\n", "Schema:", s.CurrentVersion, s.CurrentVersion-1)
			} else if s.Compatible {
				fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", s.CurrentVersion)
				fmt.Printf("    %-12s %d\n", "Memories:", s.MemoryEntryCount)
			} else if s.CurrentVersion > s.RequiredVersion {
				fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
			} else {
				fmt.Printf("    %-12s v%d (upgrade needed — run: agentsubstrate upgrade)\n", "Schema:", s.CurrentVersion)
			}

			pending, hookErr := upgrade.PendingHooks(context.Background(), db)
			if hookErr == nil && len(pending) > 0 {
				fmt.Printf("    %-12s %d pending\n", "Data hooks:", len(pending))
			} else if hookErr == nil {
				fmt.Printf("    %-12s all applied\n", "Data hooks:")
			}
		}
	}

	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("docker")
	checkBinary("git")

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkProvider(name, apiKey string) {
	if apiKey != "" {
		masked := "(set)"
		if len(apiKey) > 8 {
			masked = apiKey[:4] + "..." + apiKey[len(apiKey)-4:]
		}
		fmt.Printf("    %-12s %s\n", name+":", masked)
	} else {
		fmt.Printf("    %-12s (not configured)\n", name+":")
	}
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
