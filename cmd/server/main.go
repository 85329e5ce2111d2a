package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/hybridcore/dispatchd/config"
	"github.com/hybridcore/dispatchd/internal/auth"
	"github.com/hybridcore/dispatchd/internal/handler"
	"github.com/hybridcore/dispatchd/internal/middleware"
	"github.com/hybridcore/dispatchd/internal/push"
	"github.com/hybridcore/dispatchd/internal/repository"
	"github.com/hybridcore/dispatchd/internal/service"
	"github.com/hybridcore/dispatchd/pkg/cache"
	"github.com/hybridcore/dispatchd/pkg/db"
)

func main() {
	// ── Load configuration ──────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	// ── Connect to PostgreSQL ───────────────────────────
	pgPool, err := db.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		log.Fatalf("failed to connect to PostgreSQL: %v", err)
	}
	defer pgPool.Close()
	log.Println("✓ PostgreSQL connected")

	if err := db.EnsureSchema(ctx, pgPool); err != nil {
		log.Fatalf("failed to ensure schema: %v", err)
	}

	// ── Connect to Redis ────────────────────────────────
	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("✓ Redis connected")

	// ── Repositories ────────────────────────────────────
	jobRepo := repository.NewJobRepository(pgPool)
	captainRepo := repository.NewCaptainRepository(pgPool)
	identityRepo := repository.NewIdentityRepository(pgPool)
	walletRepo := repository.NewWalletRepository(pgPool)
	matchLogRepo := repository.NewMatchLogRepository(pgPool)
	dispatchRepo := repository.NewDispatchRepository(redisClient)

	// ── Auth and push fanout ────────────────────────────
	authMgr := auth.NewManager(cfg.Auth)
	hub := push.NewHub(dispatchRepo)

	notifier := service.NewNotifier(dispatchRepo, hub, nil, cfg.Limits)
	notifier.Start()

	// ── Services ────────────────────────────────────────
	timers := service.NewTimerService()
	surgeSvc := service.NewSurgeService(jobRepo, captainRepo, dispatchRepo, matchLogRepo, cfg.Surge)

	var routeProvider service.RouteProvider
	if p := service.NewMapsProvider(cfg.Maps); p != nil {
		routeProvider = p
	}
	routeSvc := service.NewRouteService(routeProvider, dispatchRepo, cfg.Maps)

	walletSvc := service.NewWalletService(walletRepo, jobRepo, cfg.Payment)

	var gateway service.Gateway
	if g := service.NewHTTPGateway(cfg.Payment); g != nil {
		gateway = g
	}
	paymentSvc := service.NewPaymentService(jobRepo, walletSvc, gateway, cfg.Payment)

	cancelSvc := service.NewCancelService(jobRepo, captainRepo, walletSvc, paymentSvc, dispatchRepo, surgeSvc, timers, hub, notifier, cfg.Payment)
	lifecycleSvc := service.NewLifecycleService(jobRepo, walletSvc, timers, hub, notifier, cancelSvc, cfg.SLA, cfg.Payment)
	matchingSvc := service.NewMatchingService(
		jobRepo, captainRepo, identityRepo, dispatchRepo, matchLogRepo,
		surgeSvc, routeSvc, timers, hub, notifier, cancelSvc, cfg.Match,
	)

	captainSvc := service.NewCaptainService(captainRepo, jobRepo, surgeSvc, hub)
	hub.SetLocationSink(captainSvc)

	pricingSvc := service.NewPricingService(surgeSvc)
	jobSvc := service.NewJobService(
		jobRepo, identityRepo, matchLogRepo,
		surgeSvc, pricingSvc, paymentSvc, lifecycleSvc, matchingSvc, hub,
	)

	// ── Handlers ────────────────────────────────────────
	authHandler := handler.NewAuthHandler(authMgr, identityRepo, captainRepo)
	jobHandler := handler.NewJobHandler(jobSvc, matchingSvc, lifecycleSvc, cancelSvc)
	captainHandler := handler.NewCaptainHandler(captainSvc)
	walletHandler := handler.NewWalletHandler(walletSvc)
	pricingHandler := handler.NewPricingHandler(pricingSvc, routeSvc)
	wsHandler := handler.NewWSHandler(authMgr, hub)

	// ── Router ──────────────────────────────────────────
	router := mux.NewRouter()
	router.Use(middleware.Recoverer, middleware.RequestLogger, middleware.CORS)
	router.Use(middleware.RateLimit(dispatchRepo, cfg.Limits))

	health := healthHandler(pgPool, redisClient)
	router.HandleFunc("/health", health).Methods(http.MethodGet)
	router.HandleFunc("/healthz", health).Methods(http.MethodGet)
	router.HandleFunc("/readyz", health).Methods(http.MethodGet)

	// The websocket endpoint authenticates itself (token query param).
	router.HandleFunc("/ws", wsHandler.Connect).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()

	// Token exchange sits outside the authenticated subtree.
	api.HandleFunc("/auth/token", authHandler.Token).Methods(http.MethodPost)
	api.HandleFunc("/auth/refresh", authHandler.Refresh).Methods(http.MethodPost)

	authed := api.NewRoute().Subrouter()
	authed.Use(middleware.Authenticate(authMgr))
	authed.Use(middleware.Idempotency(dispatchRepo, cfg.Limits))

	// Job intake and checkout
	authed.HandleFunc("/orders", jobHandler.CreateOrder).Methods(http.MethodPost)
	authed.HandleFunc("/rides", jobHandler.CreateRide).Methods(http.MethodPost)
	authed.HandleFunc("/payments/verify", jobHandler.VerifyPayment).Methods(http.MethodPost)
	authed.HandleFunc("/payments/fail", jobHandler.FailPayment).Methods(http.MethodPost)

	// Job lifecycle
	authed.HandleFunc("/jobs/{id}", jobHandler.Get).Methods(http.MethodGet)
	authed.HandleFunc("/jobs/{id}/offer", jobHandler.Offer).Methods(http.MethodGet)
	authed.HandleFunc("/jobs/{id}/accept", jobHandler.Accept).Methods(http.MethodPost)
	authed.HandleFunc("/jobs/{id}/reject", jobHandler.Reject).Methods(http.MethodPost)
	authed.HandleFunc("/jobs/{id}/complete", jobHandler.Complete).Methods(http.MethodPost)
	authed.HandleFunc("/jobs/{id}/cancel", jobHandler.Cancel).Methods(http.MethodPost)
	authed.HandleFunc("/jobs/{id}/matching", jobHandler.MatchTrail).Methods(http.MethodGet)

	// Pricing and surge
	authed.HandleFunc("/pricing/estimate", pricingHandler.Estimate).Methods(http.MethodGet)
	authed.HandleFunc("/surge", jobHandler.Surge).Methods(http.MethodGet)

	// Captain state
	authed.HandleFunc("/captains/me", captainHandler.Me).Methods(http.MethodGet)
	authed.HandleFunc("/captains/online", captainHandler.Online).Methods(http.MethodPost)
	authed.HandleFunc("/captains/offline", captainHandler.Offline).Methods(http.MethodPost)
	authed.HandleFunc("/captains/location", captainHandler.Location).Methods(http.MethodPost)
	authed.HandleFunc("/captains/gohome", captainHandler.GoHome).Methods(http.MethodPost)

	// Wallet and payouts
	authed.HandleFunc("/wallet", walletHandler.Balance).Methods(http.MethodGet)
	authed.HandleFunc("/wallet/history", walletHandler.History).Methods(http.MethodGet)
	authed.HandleFunc("/wallet/topup", walletHandler.Topup).Methods(http.MethodPost)
	authed.HandleFunc("/payouts/withdraw", walletHandler.Withdraw).Methods(http.MethodPost)
	authed.HandleFunc("/payouts/bank-account", walletHandler.LinkBankAccount).Methods(http.MethodPost)

	// ── Start HTTP server ───────────────────────────────
	srv := &http.Server{
		Addr:         cfg.Server.ServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Printf("🚀 Server listening on %s", cfg.Server.ServerAddr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// ── Graceful shutdown ───────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("⏳ Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced to shutdown: %v", err)
	}

	// In-flight timer callbacks and queued notifications get a chance to
	// land before the pools close.
	timers.Drain()
	notifier.Stop()
	hub.Shutdown()

	log.Println("✅ Server gracefully stopped")
}

// HealthResponse represents the /healthz endpoint response.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// healthHandler returns an HTTP handler that checks PG and Redis connectivity.
func healthHandler(pgPool *pgxpool.Pool, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:   "ok",
			Services: make(map[string]string),
		}

		if err := db.HealthCheck(r.Context(), pgPool); err != nil {
			resp.Status = "degraded"
			resp.Services["postgres"] = "unhealthy: " + err.Error()
		} else {
			resp.Services["postgres"] = "healthy"
		}

		if err := cache.HealthCheck(r.Context(), redisClient); err != nil {
			resp.Status = "degraded"
			resp.Services["redis"] = "unhealthy: " + err.Error()
		} else {
			resp.Services["redis"] = "healthy"
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	}
}
