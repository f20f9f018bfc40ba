package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtrntr/market/internal/api"
	"github.com/xtrntr/market/internal/auth"
	"github.com/xtrntr/market/internal/config"
	"github.com/xtrntr/market/internal/db"
	"github.com/xtrntr/market/internal/history"
	"github.com/xtrntr/market/internal/inventory"
	"github.com/xtrntr/market/internal/ledger"
	"github.com/xtrntr/market/internal/market"
	"github.com/xtrntr/market/internal/moderation"
	"github.com/xtrntr/market/internal/notify"
	"github.com/xtrntr/market/internal/pricing"
	"github.com/xtrntr/market/internal/storage"
	"github.com/xtrntr/market/migrations"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"
)

// wallet is a ledger the engine can trade with and the API can read
type wallet interface {
	market.Ledger
	api.Wallet
}

// Main entry point: loads config, restores the market and serves HTTP
func main() {
	configPath := flag.String("config", envOr("MARKET_CONFIG", "market.yaml"), "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.JWTSecret == config.DevJWTSecret {
		log.Println("WARNING: using the development JWT secret, set JWT_SECRET")
	}
	logger := log.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage backend and user store
	var (
		backend storage.Backend
		users   auth.UserStore
	)
	switch cfg.Storage {
	case "postgres":
		database, err := db.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close(context.Background())
		if err := database.Migrate(ctx, migrations.Init); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		backend, users = database, database
	default:
		files, err := storage.NewFileBackend(cfg.DataDir)
		if err != nil {
			log.Fatalf("Failed to open data dir: %v", err)
		}
		backend, users = files, auth.NewMemoryUsers()
		log.Printf("Storing market data in %s; accounts are not persisted", cfg.DataDir)
	}
	writer := storage.NewWriter(backend, cfg.WriterSettings(logger))

	// Currency ledger
	var coins wallet
	if cfg.RedisAddr != "" {
		rl, err := ledger.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		if err != nil {
			log.Fatalf("Failed to connect to ledger: %v", err)
		}
		defer rl.Close()
		coins = rl
	} else {
		log.Println("REDIS_ADDR not set, balances are kept in memory")
		coins = ledger.NewMemory()
	}

	hist := history.NewLedger(writer, logger)
	if err := hist.Load(ctx, backend); err != nil {
		log.Fatalf("Failed to load history: %v", err)
	}
	timeouts := moderation.NewTimeoutLedger(writer, time.Now, logger)
	if err := timeouts.Load(ctx, backend); err != nil {
		log.Fatalf("Failed to load timeouts: %v", err)
	}

	// Notifications go to websocket clients; events also go to NATS when configured
	hub := notify.NewHub(logger)
	var events market.EventPublisher = hub
	if cfg.NATSURL != "" {
		nc, err := notify.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			log.Printf("Event stream disabled: %v", err)
		} else {
			defer nc.Close()
			events = notify.Fanout{hub, nc}
		}
	}

	inv := inventory.NewMemory(inventory.DefaultCapacity)
	engine, err := market.New(cfg.MarketRules(), market.Deps{
		Ledger:    coins,
		Delivery:  inv,
		History:   hist,
		Queue:     writer,
		Notifier:  hub,
		Events:    events,
		Pricer:    pricing.NewTierPricer(cfg.Tiers),
		Blacklist: market.NewBannedList(cfg.Banned...),
		Timeouts:  timeouts,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("Failed to create market: %v", err)
	}
	if err := engine.Load(ctx, backend); err != nil {
		log.Fatalf("Failed to load market: %v", err)
	}
	active, expired := engine.Store().Len()
	log.Printf("Market loaded: %d active, %d expired listings", active, expired)

	schedCtx, cancelSched := context.WithCancel(context.Background())
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		market.NewScheduler(engine, cfg.Scheduler.AuctionInterval.D(), cfg.Scheduler.ListingInterval.D()).Run(schedCtx)
	}()

	// Initialize API handlers
	handler := api.NewHandler(api.Options{
		Engine:      engine,
		History:     hist,
		Timeouts:    timeouts,
		AuthService: auth.NewAuthService(users, cfg.JWTSecret),
		Inventory:   inv,
		Wallet:      coins,
		Hub:         hub,
		BidRate:     rate.Limit(cfg.Bids.PerSecond),
		BidBurst:    cfg.Bids.Burst,
		Logger:      logger,
	})

	// Set up HTTP router
	r := chi.NewRouter()

	// Enable CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigin,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Mount("/", handler.Routes())

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.Printf("Starting server on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace.D())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	cancelSched()
	<-schedDone
	if err := writer.Close(shutdownCtx); err != nil {
		log.Printf("Writer shutdown: %v", err)
	}
	stats := writer.Stats()
	log.Printf("Writer stopped: %d applied, %d failed, %d dropped", stats.Applied, stats.Failed, stats.Dropped)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
