package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"valetdrive/internal/api"
	"valetdrive/internal/auth"
	"valetdrive/internal/booking"
	"valetdrive/internal/dispatch"
	"valetdrive/internal/jobcount"
	"valetdrive/internal/payments"
	"valetdrive/internal/realtime"
	"valetdrive/internal/refund"
	"valetdrive/internal/storage"
)

func main() {
	addr := envOrDefault("HTTP_ADDR", ":8080")

	deps := initDeps()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(api.JSONLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-CSRF-Token"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	api.AttachRoutes(r, deps)

	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		log.Printf("shutting down")
		deps.Hub.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Printf("ValetDrive API listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func initDeps() api.Deps {
	dbURL := os.Getenv("DATABASE_URL")
	redisURL := envOrDefault("REDIS_URL", "redis://redis:6379")
	authMode := envOrDefault("AUTH_MODE", "memory")
	authTTL := parseDuration(envOrDefault("AUTH_TTL", "720h")) // default 30 days
	heartbeat := parseDuration(envOrDefault("WS_HEARTBEAT", "30s"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		store     *booking.Store
		directory dispatch.DriverDirectory = dispatch.NewInMemoryDirectory()
		counter   jobcount.Counter
		authMem   *auth.InMemoryStore
		idDB      *storage.IdentityStore
		idemDB    *storage.IdempotencyStore
		dbPing    func(context.Context) error
		redisPing func(context.Context) error
	)

	if dbURL != "" {
		pool, err := storage.DefaultPool(ctx, dbURL)
		if err != nil {
			log.Printf("database connection failed, falling back to in-memory: %v", err)
		} else if err := storage.EnsureSchema(ctx, pool); err != nil {
			log.Printf("schema init failed, falling back to in-memory: %v", err)
		} else {
			log.Printf("using PostgreSQL persistence")
			pg := storage.NewPostgres(pool)
			store = booking.NewStoreWithPersistence(pg)
			directory = storage.NewDriverDirectory(pool)
			dbPing = pg.Ping
			idDB = storage.NewIdentityStore(pool)
			if err := idDB.EnsureSchema(ctx); err != nil {
				log.Printf("identity schema init failed: %v", err)
				idDB = nil
			}
			idemDB = storage.NewIdempotencyStore(pool, 30*time.Minute)
			if err := idemDB.EnsureSchema(ctx); err != nil {
				log.Printf("idempotency schema init failed: %v", err)
				idemDB = nil
			}
		}
	}
	if store == nil {
		store = booking.NewStore()
	}
	if idemDB != nil {
		store.AttachIdempotency(idemDB)
	}

	if redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err == nil {
			client := redis.NewClient(opt)
			if err := client.Ping(ctx).Err(); err != nil {
				log.Printf("redis unreachable, job counters fallback to in-memory: %v", err)
			} else {
				log.Printf("using Redis job counters")
				counter = jobcount.NewRedisCounter(client)
				redisPing = func(ctx context.Context) error { return client.Ping(ctx).Err() }
			}
		} else {
			log.Printf("redis URL parse error, job counters fallback to in-memory: %v", err)
		}
	}
	store.AttachHealth(dbPing, redisPing)

	if authMode == "memory" {
		authMem = auth.NewInMemoryStore()
		log.Printf("auth: in-memory token issuance enabled")
		if idDB != nil {
			seedIdentities(ctx, idDB, authMem)
		}
	}

	hub := realtime.NewHub(profileResolver(directory))
	stream := realtime.NewStreamServer(hub, store, heartbeat)
	coordinator := dispatch.NewCoordinator(store, directory, counter, hub)

	policy := refund.Policy{
		FullRefundHours: parseFloat(envOrDefault("REFUND_FULL_HOURS", "24")),
		PartialHours:    parseFloat(envOrDefault("REFUND_PARTIAL_HOURS", "3")),
		PartialPercent:  parseInt(envOrDefault("REFUND_PARTIAL_PERCENT", "50")),
	}
	var gateway payments.Gateway
	if base := os.Getenv("PAYMENT_GATEWAY_URL"); base != "" {
		gateway = payments.NewHTTPGateway(base, os.Getenv("PAYMENT_GATEWAY_KEY"))
		log.Printf("payments: using HTTP gateway at %s", base)
	} else {
		gateway = payments.LogGateway{}
		log.Printf("payments: using simulated refund gateway")
	}
	canceller := refund.NewCanceller(store, policy, gateway, hub)

	var tokens *api.StreamTokenIssuer
	if key := os.Getenv("STREAM_SIGNING_KEY"); key != "" {
		tokens = api.NewStreamTokenIssuer([]byte(key), parseDuration(envOrDefault("STREAM_TOKEN_TTL", "1h")))
	}

	var identityDB api.IdentityDB
	if idDB != nil {
		identityDB = idDB
	}
	return api.Deps{
		Store:       store,
		Coordinator: coordinator,
		Canceller:   canceller,
		Hub:         hub,
		Stream:      stream,
		AuthStore:   authMem,
		IdentityDB:  identityDB,
		TokenTTL:    authTTL,
		StreamToken: tokens,
		Metrics:     api.NewMetrics(),
	}
}

func profileResolver(directory dispatch.DriverDirectory) realtime.ProfileResolver {
	return func(ctx context.Context, driverID string) (realtime.Profile, bool) {
		drv, ok, err := directory.Get(ctx, driverID)
		if err != nil || !ok {
			return realtime.Profile{}, false
		}
		return realtime.Profile{ID: drv.ID, Name: drv.Name, Phone: drv.Phone}, true
	}
}

func seedIdentities(ctx context.Context, db *storage.IdentityStore, mem *auth.InMemoryStore) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	all, err := db.All(ctx)
	if err != nil {
		log.Printf("failed to preload identities: %v", err)
		return
	}
	for _, ident := range all {
		mem.Seed(ident)
	}
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func parseDuration(val string) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0
	}
	return d
}

func parseFloat(val string) float64 {
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseInt(val string) int {
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0
	}
	return n
}
