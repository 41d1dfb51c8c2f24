package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/recall/internal/config"
	"github.com/nextlevelbuilder/recall/internal/embedding"
	"github.com/nextlevelbuilder/recall/internal/index"
	"github.com/nextlevelbuilder/recall/internal/reflection"
)

func reflectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reflect",
		Short: "Run one reflection pass and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.LLM.APIKey == "" {
				return fmt.Errorf("RECALL_LLM_API_KEY is not set")
			}

			ctx := context.Background()
			store, err := buildStore(ctx, cfg.Store)
			if err != nil {
				return err
			}
			rows, err := buildEmbeddingStore(ctx, cfg.Index)
			if err != nil {
				return err
			}
			defer rows.Close()

			embedder := embedding.NewClient(cfg.Embedding.APIKey, cfg.Embedding.APIBase, cfg.Embedding.Model, cfg.Index.Dimensions)
			idx := index.NewService(embedder, rows)
			staging := reflection.NewStaging(store, idx)

			run := buildReflect(cfg, store, idx, staging)
			if run == nil {
				return fmt.Errorf("reflection is not configured")
			}
			result, err := run(ctx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
}
