package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/recall/internal/config"
	"github.com/nextlevelbuilder/recall/internal/index/pg"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("recall doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	check := func(label string, ok bool, detail string) {
		mark := "OK"
		if !ok {
			mark = "MISSING"
		}
		fmt.Printf("  %-28s %s", label, mark)
		if detail != "" {
			fmt.Printf(" (%s)", detail)
		}
		fmt.Println()
	}

	check("RECALL_AUTH_TOKEN", cfg.Server.AuthToken != "", "required")
	check("RECALL_EMBEDDING_API_KEY", cfg.Embedding.APIKey != "", "required for search")
	check("RECALL_LLM_API_KEY", cfg.LLM.APIKey != "", "required for reflection")
	check("Webhook", cfg.Webhook.URL != "", "optional notifications")

	fmt.Println()
	fmt.Printf("  Store:    %s\n", cfg.Store.Backend)
	if cfg.Store.Backend == "local" {
		dir := config.ExpandHome(cfg.Store.DataDir)
		if _, err := os.Stat(dir); err != nil {
			fmt.Printf("    data dir %s does not exist yet (created on first run)\n", dir)
		} else {
			fmt.Printf("    data dir %s (OK)\n", dir)
		}
	}

	fmt.Printf("  Index:    %s (%d dimensions)\n", cfg.Index.Backend, cfg.Index.Dimensions)
	if cfg.Index.Backend == "postgres" {
		if cfg.Index.PostgresDSN == "" {
			fmt.Println("    RECALL_POSTGRES_DSN is not set")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store, err := pg.Open(ctx, cfg.Index.PostgresDSN)
		if err != nil {
			fmt.Printf("    connection failed: %s\n", err)
			return
		}
		defer store.Close()
		v, dirty, err := pg.MigrateVersion(cfg.Index.PostgresDSN)
		if err != nil {
			fmt.Printf("    schema version check failed: %s\n", err)
			return
		}
		fmt.Printf("    connected, schema version %d (dirty=%v)\n", v, dirty)
	}
}
