package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-access/internal/app"
	"github.com/odyssey-erp/odyssey-access/internal/auth"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/roles"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
	"github.com/odyssey-erp/odyssey-access/internal/users"
	"github.com/odyssey-erp/odyssey-access/internal/view"
	"github.com/odyssey-erp/odyssey-access/jobs"
)

func main() {
	os.Exit(run())
}

// run owns every resource so deferred cleanup finishes before the process exits.
func run() int {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		return 1
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PoolOptions("api"))
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	rbacStore := rbac.NewStore(dbpool)
	catalog := rbac.NewCatalog(rbacStore)
	epochs := cache.NewVersioned(redisClient, "rbac", cfg.SessionTTL)
	binder := rbac.NewBinder(rbacStore, epochs, logger, rbac.BinderConfig{
		MemoSize: cfg.RBACCacheSize,
		MemoTTL:  cfg.RBACCacheTTL,
	})

	jobClient, err := jobs.NewClient(cfg.RedisOptions().QueueOpt())
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	rolesService := roles.NewService(roles.NewRepository(dbpool), binder, jobClient, roles.BcryptHasher{}, logger)
	usersService := users.NewService(users.NewRepository(dbpool), logger)

	if len(os.Args) > 1 {
		return runCommand(ctx, cfg, os.Args[1:], dbpool, catalog, rolesService, binder)
	}

	routes := rbac.DefaultRouteTable()
	if cfg.RBACRouteTable != "" {
		override, err := rbac.LoadRouteTable(cfg.RBACRouteTable)
		if err != nil {
			logger.Error("load route table", slog.String("path", cfg.RBACRouteTable), slog.Any("error", err))
			return 1
		}
		routes = routes.Merge(override)
	}

	sessionManager := shared.NewSessionManager(redisClient, "odyssey_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	metrics := observability.NewMetrics()

	provider := auth.NewSessionProvider(auth.NewRepository(dbpool), binder, sessionManager, cfg.SessionTTL, logger)
	guard := &rbac.Guard{
		Routes:          routes,
		Identities:      provider,
		Engine:          rbac.NewEngine(),
		Logger:          logger,
		Observer:        metrics,
		LoginURL:        cfg.LoginURL,
		UnauthorizedURL: cfg.UnauthorizedURL,
	}

	go func() {
		if err := binder.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("rbac epoch listener stopped", slog.Any("error", err))
		}
	}()

	inspector := asynq.NewInspector(cfg.RedisOptions().QueueOpt())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	views, err := view.NewEngine()
	if err != nil {
		logger.Error("parse templates", slog.Any("error", err))
		return 1
	}

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		SessionManager:     sessionManager,
		CSRFManager:        csrfManager,
		AuthHandler:        auth.NewHandler(logger, provider, sessionManager, csrfManager, guard),
		RolesHandler:       roles.NewHandler(logger, rolesService, binder, catalog, guard),
		UsersHandler:       users.NewHandler(logger, usersService, guard),
		PermissionsHandler: rbac.NewPermissionsHandler(logger, catalog, guard),
		CheckHandler:       rbac.NewCheckHandler(guard),
		JobHandler:         jobs.NewHandler(inspector, logger, guard.Enforce),
		Metrics:            metrics,
		Views:              views,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.Int("routes", len(routes.Keys())))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return 0
}

func runCommand(ctx context.Context, cfg *app.Config, args []string, pool *pgxpool.Pool, catalog *rbac.Catalog, rolesService *roles.Service, binder *rbac.Binder) int {
	ops := cli.NewAccessOpsCLI(func(ctx context.Context) (int, error) {
		return rbac.Migrate(ctx, pool)
	}, catalog, rolesService, binder)

	switch args[0] {
	case "migrate":
		return ops.MigrateCommand(ctx, cli.MigrateOptions{})
	case "seed":
		fs := flag.NewFlagSet("seed", flag.ContinueOnError)
		source := fs.String("source", "", "YAML file with a permissions list (default: built-in catalog)")
		bootstrap := fs.String("bootstrap-role", "", "role to create if missing and bind to every permission")
		asJSON := fs.Bool("json", false, "print a JSON summary")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return ops.SeedCommand(ctx, cli.SeedOptions{Source: *source, BootstrapRole: *bootstrap, JSONOutput: *asJSON})
	case "jobs":
		return runJobs(ctx, cfg, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want migrate, seed or jobs)\n", args[0])
		return 2
	}
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) int {
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisOptions().QueueOpt())
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		return 1
	}
	defer jobsCLI.Close()

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "jobs: want trigger <name> [user ids], inspect or scheduled")
		return 2
	}
	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "jobs trigger: missing job name")
			return 2
		}
		ids, err := parseIDs(args[2:])
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs trigger: %v\n", err)
			return 2
		}
		info, err := jobsCLI.Trigger(ctx, args[1], ids)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs trigger: %v\n", err)
			return 1
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return 0
	case "inspect":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs inspect: %v\n", err)
			return 1
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n", stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		return 0
	case "scheduled":
		tasks, err := jobsCLI.ListScheduled(ctx, 20)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs scheduled: %v\n", err)
			return 1
		}
		for _, t := range tasks {
			fmt.Printf("%s id=%s next=%s\n", t.Type, t.ID, t.NextProcessAt.Format(time.RFC3339))
		}
		return 0
	default:
		fmt.Fprintf(os.Stderr, "jobs: unknown subcommand %q\n", args[0])
		return 2
	}
}

func parseIDs(raw []string) ([]int64, error) {
	ids := make([]int64, 0, len(raw))
	for _, r := range raw {
		for _, part := range strings.Split(r, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil || id <= 0 {
				return nil, fmt.Errorf("invalid user id %q", part)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}
