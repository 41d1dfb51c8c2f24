package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/recall/internal/config"
	"github.com/nextlevelbuilder/recall/internal/conversations"
	"github.com/nextlevelbuilder/recall/internal/embedding"
	"github.com/nextlevelbuilder/recall/internal/index"
	"github.com/nextlevelbuilder/recall/internal/index/pg"
	"github.com/nextlevelbuilder/recall/internal/notify"
	"github.com/nextlevelbuilder/recall/internal/objstore"
	"github.com/nextlevelbuilder/recall/internal/providers"
	"github.com/nextlevelbuilder/recall/internal/reflection"
	"github.com/nextlevelbuilder/recall/internal/reminders"
	"github.com/nextlevelbuilder/recall/internal/sandbox"
	"github.com/nextlevelbuilder/recall/internal/scheduler"
	"github.com/nextlevelbuilder/recall/internal/server"
	"github.com/nextlevelbuilder/recall/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func runServe() error {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, "recall", Version)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	store, err := buildStore(ctx, cfg.Store)
	if err != nil {
		return err
	}

	embedder := embedding.NewClient(cfg.Embedding.APIKey, cfg.Embedding.APIBase, cfg.Embedding.Model, cfg.Index.Dimensions)
	rows, err := buildEmbeddingStore(ctx, cfg.Index)
	if err != nil {
		return err
	}
	defer rows.Close()

	idx := index.NewService(embedder, rows)
	staging := reflection.NewStaging(store, idx)

	deps := server.Deps{
		Store:         store,
		Index:         idx,
		Conversations: conversations.NewIndexer(store, idx),
		Reminders:     reminders.NewScheduler(store),
		Sandbox:       sandbox.NewRunner(store),
		Staging:       staging,
	}

	reflectFn := buildReflect(cfg, store, idx, staging)
	deps.Reflect = reflectFn

	srv := server.New(cfg.Server, Version, deps)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: srv.Handler()}

	slog.Info("recall starting",
		"version", Version,
		"addr", addr,
		"store", cfg.Store.Backend,
		"index", cfg.Index.Backend,
		"agentic_reflection", cfg.Reflection.Agentic && reflectFn != nil,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("graceful shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	var daily *scheduler.Daily
	if cfg.Reflection.Agentic && reflectFn != nil {
		daily = scheduler.NewDaily(cfg.Reflection.Cron, staging, reflectFn)
		g.Go(func() error {
			if err := daily.Run(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		watchConfig(ctx, cfgPath, srv, daily)
		return nil
	})

	return g.Wait()
}

func buildStore(ctx context.Context, cfg config.StoreConfig) (objstore.Store, error) {
	switch cfg.Backend {
	case "s3":
		return objstore.NewS3(ctx, objstore.S3Options{
			Bucket:   cfg.S3Bucket,
			Prefix:   cfg.S3Prefix,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
	default:
		return objstore.NewLocal(config.ExpandHome(cfg.DataDir))
	}
}

func buildEmbeddingStore(ctx context.Context, cfg config.IndexConfig) (index.EmbeddingStore, error) {
	switch cfg.Backend {
	case "postgres":
		if err := pg.Migrate(cfg.PostgresDSN); err != nil {
			return nil, err
		}
		return pg.Open(ctx, cfg.PostgresDSN)
	default:
		path := config.ExpandHome(cfg.SQLitePath)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
		return index.OpenSQLite(path)
	}
}

// buildReflect wires the agentic reflection controller. Returns nil when no
// LLM API key is configured; the service then runs without reflection.
func buildReflect(cfg *config.Config, store objstore.Store, idx *index.Service, staging *reflection.Staging) func(ctx context.Context) (*reflection.Result, error) {
	if cfg.LLM.APIKey == "" {
		slog.Warn("reflection disabled: RECALL_LLM_API_KEY not set")
		return nil
	}

	primary := buildProvider(cfg.LLM.Primary, cfg.LLM.APIKey)
	fast := buildProvider(cfg.LLM.Fast, cfg.LLM.APIKey)
	webhook := notify.NewWebhook(cfg.Webhook.URL, cfg.Webhook.AuthKey, cfg.Webhook.SpaceID)
	controller := reflection.NewController(primary, fast, store, idx, staging, webhook)
	return controller.Run
}

func buildProvider(m config.ModelConfig, apiKey string) providers.Provider {
	switch m.Provider {
	case "openai":
		model := m.Model
		if model == "" {
			model = "gpt-4o"
		}
		return providers.NewOpenAIProvider("openai", apiKey, m.APIBase, model)
	default:
		var opts []providers.AnthropicOption
		if m.Model != "" {
			opts = append(opts, providers.WithAnthropicModel(m.Model))
		}
		if m.APIBase != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(m.APIBase))
		}
		return providers.NewAnthropicProvider(apiKey, opts...)
	}
}

// watchConfig re-reads the config file when it changes on disk and applies
// the settings that are safe to swap live: the rate limit and the reflection
// cron expression. Everything else still needs a restart.
func watchConfig(ctx context.Context, path string, srv *server.Server, daily *scheduler.Daily) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		slog.Warn("config watcher unavailable", "dir", dir, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
				reloadConfig(path, srv, daily)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

func reloadConfig(path string, srv *server.Server, daily *scheduler.Daily) {
	cfg, err := config.Load(path)
	if err != nil {
		slog.Warn("config.reload_failed", "path", path, "error", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		slog.Warn("config.reload_failed", "path", path, "error", err)
		return
	}

	srv.UpdateRateLimit(cfg.Server.RateLimitRPM)
	if daily != nil {
		daily.SetExpression(cfg.Reflection.Cron)
	}
	slog.Info("config.reloaded", "path", path,
		"rate_limit_rpm", cfg.Server.RateLimitRPM,
		"reflection_cron", cfg.Reflection.Cron)
}
