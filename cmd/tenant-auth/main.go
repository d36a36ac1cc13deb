package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"golang.org/x/sync/errgroup"

	auth "github.com/goliatone/go-auth-tenancy"
	"github.com/goliatone/go-auth-tenancy/activitymap"
	"github.com/goliatone/go-auth-tenancy/cache/lrublacklist"
	"github.com/goliatone/go-auth-tenancy/cache/redisblacklist"
	"github.com/goliatone/go-auth-tenancy/logging"
	"github.com/goliatone/go-auth-tenancy/middleware/bearer"
	"github.com/goliatone/go-auth-tenancy/observability"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the YAML config file")
	driver := flag.String("driver", "sqlite", "Database driver: sqlite or postgres")
	dsn := flag.String("dsn", "file:tenant-auth.db?cache=shared", "Database DSN")
	redisURL := flag.String("redis-url", "", "Optional redis:// URL for the revocation cache")
	addr := flag.String("addr", ":9090", "Listen address for /metrics and /v1/me")
	logLevel := flag.String("log-level", "info", "Log level")
	bootstrap := flag.Bool("bootstrap", false, "Create missing tables and seed the role catalog")
	runOnce := flag.Bool("run-once", false, "Run every maintenance job once and exit")
	flag.Parse()

	logger := logging.New(*logLevel, os.Stdout).WithField("service", "tenant-auth")

	if err := run(options{
		configPath: *configPath,
		driver:     *driver,
		dsn:        *dsn,
		redisURL:   *redisURL,
		addr:       *addr,
		bootstrap:  *bootstrap,
		runOnce:    *runOnce,
	}, logger); err != nil {
		logger.Error("tenant-auth stopped: %v", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	driver     string
	dsn        string
	redisURL   string
	addr       string
	bootstrap  bool
	runOnce    bool
}

func run(opts options, logger *logging.Logrus) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := auth.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}

	db, err := openDB(opts.driver, opts.dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	if opts.bootstrap {
		if err := auth.CreateSchema(ctx, db); err != nil {
			return err
		}
	}

	repo := auth.NewRepositoryManager(db)
	if err := repo.Validate(); err != nil {
		return err
	}

	if opts.bootstrap {
		if err := auth.SeedRoles(ctx, repo, auth.DefaultRoleCatalog()); err != nil {
			return err
		}
		logger.Info("schema and role catalog ready")
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	auditLog := logger.WithField("channel", "audit")
	sink := auth.MultiActivitySink{
		metrics.ActivitySink(),
		activitymap.Sink(func(_ context.Context, rec activitymap.Record) error {
			auditLog.WithFields(map[string]any{
				"tenant":       rec.Tenant,
				"actor":        rec.Actor,
				"domain":       rec.Domain,
				"subject_kind": rec.Subject.Kind,
				"subject_id":   rec.Subject.ID,
			}).Info("%s", rec.Action)
			return nil
		}, activitymap.WithRedactedAttributes("email", "ip_address")),
	}

	serviceOpts := []auth.ServiceOption{
		auth.WithLogger(logger),
		auth.WithActivitySink(sink),
	}

	var cache auth.RevocationCache
	if opts.redisURL != "" {
		rc, err := redisblacklist.Dial(ctx, opts.redisURL)
		if err != nil {
			return err
		}
		defer rc.Close()
		cache = rc
	} else {
		cache = lrublacklist.New(0, cfg.AccessTokenTTL)
	}

	tokens := auth.NewTokenServiceFromConfig(cfg, auth.WithTokenLogger(logger))
	lifecycle, err := auth.NewTokenLifecycle(repo, tokens, cfg, cache, serviceOpts...)
	if err != nil {
		return err
	}

	memberships := auth.NewMemberships(repo, cfg, nil, serviceOpts...)
	sweeper := auth.NewSweeper(memberships, lifecycle, cfg, logger.WithField("component", "sweeper")).
		WithObserver(metrics.SweepObserver())

	if opts.runOnce {
		removed, err := sweeper.RunOnce(ctx)
		for job, n := range removed {
			logger.Info("%s: %d", job, n)
		}
		return err
	}

	if err := sweeper.Schedule(); err != nil {
		return err
	}
	sweeper.Start()
	defer func() {
		<-sweeper.Stop().Done()
	}()

	auther := auth.NewAuthenticator(repo, lifecycle, cfg, serviceOpts...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(registry))
	mux.Handle("/v1/me", bearer.New(bearer.Config{
		Validator: auther,
		LoadUser:  auther.UserForClaims,
		Logger:    logger,
	})(http.HandlerFunc(me)))

	srv := &http.Server{
		Addr:              opts.addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening on %s", opts.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openDB(driver, dsn string) (*bun.DB, error) {
	switch driver {
	case "sqlite":
		sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
		if err != nil {
			return nil, err
		}
		sqldb.SetMaxOpenConns(1)
		return bun.NewDB(sqldb, sqlitedialect.New()), nil
	case "postgres":
		sqldb, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		sqldb.SetMaxOpenConns(10)
		sqldb.SetMaxIdleConns(10)
		sqldb.SetConnMaxLifetime(30 * time.Minute)
		return bun.NewDB(sqldb, pgdialect.New()), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", driver)
	}
}

func me(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetClaims(r.Context())
	if !ok {
		bearer.WriteError(w, bearer.ErrTokenMissingOrMalformed, time.Now().UTC())
		return
	}

	body := map[string]any{
		"user_id":         claims.UserID(),
		"organization_id": claims.OrganizationID(),
		"role":            claims.Role(),
		"roles":           claims.RoleNames(),
		"expires_at":      claims.Expires(),
	}
	if user, ok := auth.FromContext(r.Context()); ok {
		body["email"] = user.Email
		body["first_name"] = user.FirstName
		body["last_name"] = user.LastName
		body["is_verified"] = user.IsVerified
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
