package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"carbonledger/internal/assets"
	"carbonledger/internal/events"
	jwttoken "carbonledger/internal/jwt_token"
	"carbonledger/internal/marketplace"
	marketplacehandler "carbonledger/internal/marketplace/handler"
	"carbonledger/internal/platform/config"
	"carbonledger/internal/platform/httpserver"
	"carbonledger/internal/platform/logger"
	"carbonledger/internal/platform/metrics"
	"carbonledger/internal/platform/middleware"
	platformredis "carbonledger/internal/platform/redis"
	"carbonledger/internal/registry"
	registryhandler "carbonledger/internal/registry/handler"
	"carbonledger/internal/verification"
	verificationhandler "carbonledger/internal/verification/handler"
	id "carbonledger/pkg/domain"
)

// main wires the three subsystems and keeps the server lifecycle small.
// Every piece of infrastructure is optional: without a database, redis, or
// broker the process runs entirely on in-memory stores.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Server, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		for _, ensure := range []func(context.Context, *sql.DB) error{
			registry.EnsureSchema,
			verification.EnsureSchema,
			marketplace.EnsureSchema,
		} {
			if err := ensure(ctx, db); err != nil {
				return err
			}
		}
		log.Info("postgres connected")
	}

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		log.Info("redis connected")
	}

	var publisher events.Publisher = events.NewMemorySink()
	kafkaPub, err := events.NewKafkaPublisher(ctx, cfg.Kafka)
	if err != nil {
		return err
	}
	if kafkaPub != nil {
		defer kafkaPub.Close()
		publisher = kafkaPub
		log.Info("kafka publisher ready", "topic", cfg.Kafka.Topic)
	}
	emitter := events.NewEmitter(publisher, log, m)

	ledger := assets.NewMemoryLedger()

	var (
		registrySvc     *registry.Service
		verificationSvc *verification.Service
		marketplaceSvc  *marketplace.Service
	)
	if db != nil {
		registrySvc = registry.NewService(registry.NewPostgres(db), registry.NewPostgresTx(db), ledger, emitter, m, log)
		verificationSvc = verification.NewService(verification.NewPostgres(db), verification.NewPostgresTx(db), emitter, m, log)
	} else {
		registryStore := registry.NewInMemoryStore()
		registrySvc = registry.NewService(registryStore, registry.NewMemoryTx(registryStore), ledger, emitter, m, log)
		verifStore := verification.NewInMemoryStore()
		verificationSvc = verification.NewService(verifStore, verification.NewMemoryTx(verifStore), emitter, m, log)
	}

	var verifier marketplace.ProjectVerifier = verificationSvc
	if redisClient != nil {
		verifier = marketplace.NewCachedVerifier(verificationSvc, redisClient.Client, cfg.VerifiedCacheTTL, log)
	}

	var marketplaceOpts []marketplace.Option
	if cfg.BridgeRegistryID != "" {
		registryID, err := id.ParseRegistryID(cfg.BridgeRegistryID)
		if err != nil {
			return err
		}
		marketplaceOpts = append(marketplaceOpts,
			marketplace.WithRetirementBridge(registry.NewMarketplaceBridge(registrySvc, registryID)))
		log.Info("marketplace retirement bridge enabled", "registry_id", registryID)
	}
	if db != nil {
		marketplaceSvc = marketplace.NewService(marketplace.NewPostgres(db), marketplace.NewPostgresTx(db),
			ledger, verifier, emitter, m, log, marketplaceOpts...)
	} else {
		marketStore := marketplace.NewInMemoryStore()
		marketplaceSvc = marketplace.NewService(marketStore, marketplace.NewMemoryTx(marketStore),
			ledger, verifier, emitter, m, log, marketplaceOpts...)
	}

	jwtSvc := jwttoken.NewJWTService(cfg.JWTSigningKey, "carbonledger", "carbonledger-api")

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recovery(log))
	router.Use(middleware.Logger(log))
	router.Use(middleware.Timeout(30 * time.Second))
	router.Use(middleware.ContentTypeJSON)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	router.Group(func(r chi.Router) {
		r.Use(middleware.RequireActor(jwtSvc, log))
		registryhandler.New(registrySvc, log).Register(r)
		verificationhandler.New(verificationSvc, log).Register(r)
		marketplacehandler.New(marketplaceSvc, marketplacehandler.Defaults{
			FeeBps:          cfg.MarketplaceFeeBps,
			MinCreditAmount: cfg.MinCreditAmount,
		}, log).Register(r)
	})

	srv := httpserver.New(cfg.Addr, router)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting carbonledger", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
