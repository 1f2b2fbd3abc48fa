package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/issuedex/issuedex/internal/cache"
	"github.com/issuedex/issuedex/internal/config"
	"github.com/issuedex/issuedex/internal/embed"
	"github.com/issuedex/issuedex/internal/github"
	"github.com/issuedex/issuedex/internal/llm"
	"github.com/issuedex/issuedex/internal/llm/openai"
	"github.com/issuedex/issuedex/internal/observability"
	"github.com/issuedex/issuedex/internal/ratelimit"
	"github.com/issuedex/issuedex/internal/search"
	"github.com/issuedex/issuedex/internal/secrets"
	"github.com/issuedex/issuedex/internal/server"
	"github.com/issuedex/issuedex/internal/store"
	issuesync "github.com/issuedex/issuedex/internal/sync"
	"github.com/issuedex/issuedex/internal/vector"
)

var version = "0.1.0"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "issuedex",
		Short: "Semantic search over GitHub issues",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path")

	var repoFlag string
	subscribeCmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Subscribe a repository and run its initial index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubscribe(cmd.Context(), configPath, repoFlag)
		},
	}
	subscribeCmd.Flags().StringVar(&repoFlag, "repo", "", "Repository as owner/name")
	_ = subscribeCmd.MarkFlagRequired("repo")

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one incremental sync pass over all subscribed repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), configPath)
		},
	}

	embedCmd := &cobra.Command{
		Use:   "embed",
		Short: "Embed issues whose vectors are missing or stale",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEmbed(cmd.Context(), configPath)
		},
	}

	var (
		pageFlag     int
		pageSizeFlag int
		luckyFlag    bool
	)
	searchCmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search indexed issues",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), configPath, args[0], pageFlag, pageSizeFlag, luckyFlag)
		},
	}
	searchCmd.Flags().IntVar(&pageFlag, "page", 1, "Result page")
	searchCmd.Flags().IntVar(&pageSizeFlag, "page-size", 0, "Results per page")
	searchCmd.Flags().BoolVar(&luckyFlag, "lucky", false, "Return only the single best match")

	reposCmd := &cobra.Command{
		Use:   "repos",
		Short: "List subscribed repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepos(cmd.Context(), configPath)
		},
	}

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the indexing worker with scheduled sync and embed passes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), configPath)
		},
	}

	rootCmd.AddCommand(subscribeCmd, syncCmd, embedCmd, searchCmd, reposCmd, workerCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles the wired components shared by every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	index    vector.Index
	provider llm.Provider
	limiter  *ratelimit.Limiter
	fetcher  *github.Client
	syncer   *issuesync.Service
	embedder *embed.Pipeline
	engine   *search.Engine
	tracing  *observability.TracerProvider
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := observability.InitGlobalAuditLogger(observability.DefaultAuditConfig()); err != nil {
		return nil, fmt.Errorf("audit logger: %w", err)
	}

	tracing, err := observability.InitTracing(ctx, &observability.TracingConfig{
		ServiceName:    "issuedex",
		ServiceVersion: version,
		OTLPEndpoint:   tracingEndpoint(cfg.Tracing),
		SampleRate:     1.0,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	// Credentials left out of the config file resolve through the
	// secrets chain: env vars, then the optional file and Vault
	// sources from the secrets section.
	resolver, err := secrets.NewResolver(secretsConfig(cfg.Secrets), logger)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	if cfg.GitHub.Token == "" {
		cfg.GitHub.Token = resolver.ResolveOrDefault(ctx, secrets.KeyGitHubToken, "")
	}
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = resolver.ResolveOrDefault(ctx, secrets.KeyEmbeddingAPIKey, "")
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = resolver.ResolveOrDefault(ctx, secrets.KeyDatabaseURL, "")
	}

	st, err := store.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	index, err := vector.NewQdrant(ctx, cfg.Vector.Host, cfg.Vector.Port, cfg.Vector.Collection, uint64(cfg.Vector.Dimensions))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("vector index: %w", err)
	}

	var provider llm.Provider = openai.New(cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.BaseURL)
	retryCfg := llm.DefaultRetryConfig()
	retryCfg.MaxRetries = cfg.Embedding.MaxRetries
	if cfg.Embedding.Timeout > 0 {
		retryCfg.Timeout = cfg.Embedding.Timeout
	}
	provider = llm.NewRetryProvider(provider, retryCfg)

	limiter := ratelimit.New()
	fetcher := github.NewClient(cfg.GitHub.Token, logger)

	syncCfg := issuesync.DefaultConfig()
	syncCfg.Workers = cfg.Sync.Workers
	syncCfg.PageSize = cfg.GitHub.PageSize
	syncCfg.RequestsPerMinute = cfg.GitHub.RequestsPerMinute
	syncCfg.StaleAfter = cfg.Sync.StaleAfter
	syncCfg.UnstickAfter = cfg.Sync.UnstickAfter
	syncer := issuesync.New(st, fetcher, limiter, syncCfg, logger)

	embedCfg := embed.DefaultConfig()
	embedCfg.BatchSize = cfg.Embedding.BatchSize
	embedCfg.Concurrency = cfg.Embedding.Concurrency
	embedCfg.RequestsPerMinute = cfg.Embedding.RequestsPerMinute
	embedder := embed.New(st, index, provider, limiter, embedCfg, logger)

	var counts *cache.Cache
	if cfg.Search.CacheDir != "" {
		counts, err = cache.New(cfg.Search.CacheDir, cfg.Search.CountCacheTTL)
		if err != nil {
			logger.Warn("count cache disabled", "error", err)
			counts = nil
		}
	}
	engine := search.NewEngine(st, index, provider, counts, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		index:    index,
		provider: provider,
		limiter:  limiter,
		fetcher:  fetcher,
		syncer:   syncer,
		embedder: embedder,
		engine:   engine,
		tracing:  tracing,
	}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.index.Close(); err != nil {
		a.logger.Warn("closing vector index", "error", err)
	}
	a.store.Close()
	if err := a.tracing.Shutdown(ctx); err != nil {
		a.logger.Warn("shutting down tracing", "error", err)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func tracingEndpoint(cfg config.TracingConfig) string {
	if !cfg.Enabled {
		return ""
	}
	return cfg.Endpoint
}

func secretsConfig(cfg config.SecretsConfig) secrets.Config {
	sc := secrets.Config{File: cfg.File}
	if cfg.VaultAddr != "" {
		sc.Vault = &secrets.VaultConfig{
			Address: cfg.VaultAddr,
			Token:   cfg.VaultToken,
			Mount:   cfg.VaultMount,
			Path:    cfg.VaultPath,
		}
	}
	return sc
}

func runSubscribe(ctx context.Context, configPath, repoArg string) error {
	owner, name, err := splitRepo(repoArg)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	repo, err := a.store.SubscribeRepo(ctx, owner, name)
	if err != nil {
		return fmt.Errorf("subscribe %s/%s: %w", owner, name, err)
	}
	observability.Audit().LogRepoSubscribe(ctx, repo.FullName(), repo.InitStatus == store.InitPending)
	fmt.Printf("Subscribed %s\n", repo.FullName())

	if err := a.syncer.RunInitSync(ctx, repo.ID); err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}
	if err := a.embedder.RunInit(ctx, repo.ID); err != nil {
		return fmt.Errorf("initial embed: %w", err)
	}

	repo, err = a.store.GetRepo(ctx, repo.ID)
	if err != nil {
		return err
	}
	fmt.Printf("Initial index finished with status: %s\n", repo.InitStatus)
	return nil
}

func runSync(ctx context.Context, configPath string) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close(ctx)
	return a.syncer.RunCronSync(ctx)
}

func runEmbed(ctx context.Context, configPath string) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close(ctx)
	return a.embedder.RunCron(ctx)
}

func runSearch(ctx context.Context, configPath, query string, page, pageSize int, lucky bool) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	if pageSize == 0 {
		pageSize = a.cfg.Search.PageSize
	}
	res, err := a.engine.Search(ctx, search.Params{
		Query:    query,
		Page:     page,
		PageSize: pageSize,
		Lucky:    lucky,
	})
	if err != nil {
		return err
	}

	if res.TotalCount == 0 {
		fmt.Println("No matching issues.")
		return nil
	}
	fmt.Printf("%d matching issues\n\n", res.TotalCount)
	for _, hit := range res.Issues {
		state := strings.ToLower(hit.State)
		fmt.Printf("%.3f  %s/%s#%d [%s] %s\n", hit.Score, hit.RepoOwner, hit.RepoName, hit.Number, state, hit.Title)
	}
	return nil
}

func runRepos(ctx context.Context, configPath string) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	repos, err := a.store.ListRepos(ctx)
	if err != nil {
		return err
	}
	if len(repos) == 0 {
		fmt.Println("No subscribed repositories.")
		return nil
	}
	for _, r := range repos {
		last := "never"
		if r.LastSyncedAt != nil {
			last = r.LastSyncedAt.UTC().Format(time.RFC3339)
		}
		fmt.Printf("%-40s init=%-11s sync=%-11s last=%s\n", r.FullName(), r.InitStatus, r.SyncStatus, last)
	}
	return nil
}

func runWorker(ctx context.Context, configPath string) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}

	health := server.NewHealthServer(&server.HealthConfig{
		Version: version,
		Metrics: observability.Metrics().Handler(),
	})
	health.RegisterCheck("database", server.DatabaseHealthChecker(a.store.Ping))
	health.RegisterCheck("github", server.GitHubHealthChecker(func() bool {
		return a.cfg.GitHub.Token != ""
	}))

	scheduler := cron.New()
	syncSpec := fmt.Sprintf("@every %s", a.cfg.Sync.Interval)
	if _, err := scheduler.AddFunc(syncSpec, func() {
		if err := a.syncer.RunCronSync(ctx); err != nil {
			a.logger.Error("scheduled sync failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sync: %w", err)
	}
	if _, err := scheduler.AddFunc("@hourly", func() {
		if err := a.embedder.RunCron(ctx); err != nil {
			a.logger.Error("scheduled embed failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule embed: %w", err)
	}

	shutdown := server.NewShutdownHandler(nil)
	shutdown.RegisterHook("health-server", 5, func(ctx context.Context) error {
		health.Shutdown()
		return nil
	})
	cronHook := server.CronShutdownHook(scheduler.Stop)
	shutdown.RegisterHook(cronHook.Name, cronHook.Priority, cronHook.Fn)
	vecHook := server.VectorIndexShutdownHook(a.index.Close)
	shutdown.RegisterHook(vecHook.Name, vecHook.Priority, vecHook.Fn)
	dbHook := server.DatabaseShutdownHook(func() error {
		a.store.Close()
		return nil
	})
	shutdown.RegisterHook(dbHook.Name, dbHook.Priority, dbHook.Fn)
	traceHook := server.TracingShutdownHook(a.tracing.Shutdown)
	shutdown.RegisterHook(traceHook.Name, traceHook.Priority, traceHook.Fn)
	auditHook := server.AuditLoggerShutdownHook(observability.Audit().Close)
	shutdown.RegisterHook(auditHook.Name, auditHook.Priority, auditHook.Fn)
	shutdown.Start()

	go func() {
		if err := health.ListenAndServe(a.cfg.Server.Addr); err != nil {
			a.logger.Error("health server exited", "error", err)
		}
	}()
	health.SetReady(true)

	scheduler.Start()
	a.logger.Info("worker started",
		"sync_interval", a.cfg.Sync.Interval.String(),
		"addr", a.cfg.Server.Addr)

	shutdown.Wait()
	a.logger.Info("worker stopped")
	return nil
}

func splitRepo(arg string) (owner, name string, err error) {
	parts := strings.Split(arg, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository must be owner/name, got %q", arg)
	}
	return parts[0], parts[1], nil
}
