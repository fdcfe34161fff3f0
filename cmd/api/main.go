package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/checkout"
	"github.com/ariefcatur/go-storefront-settlement/internal/config"
	"github.com/ariefcatur/go-storefront-settlement/internal/discount"
	"github.com/ariefcatur/go-storefront-settlement/internal/gateway"
	"github.com/ariefcatur/go-storefront-settlement/internal/httpx"
	kafkax "github.com/ariefcatur/go-storefront-settlement/internal/kafka"
	"github.com/ariefcatur/go-storefront-settlement/internal/logging"
	"github.com/ariefcatur/go-storefront-settlement/internal/memory"
	"github.com/ariefcatur/go-storefront-settlement/internal/metrics"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/ariefcatur/go-storefront-settlement/internal/postgres"
	"github.com/ariefcatur/go-storefront-settlement/internal/pricing"
	"github.com/ariefcatur/go-storefront-settlement/internal/reconcile"
	"github.com/ariefcatur/go-storefront-settlement/internal/redisx"
	"github.com/ariefcatur/go-storefront-settlement/internal/settlement"
	"github.com/ariefcatur/go-storefront-settlement/internal/stage"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logging.MustNewLogger(cfg.ServiceName, cfg.Env)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New("api")

	// Store and stage
	var (
		store orders.Store
		stg   stage.Stage
		rdb   *redis.Client
	)
	switch cfg.StoreDriver {
	case config.StoreMemory:
		mem := memory.NewStore()
		seedDemo(mem)
		store = mem
		stg = stage.NewMemory(cfg.StageTTL, nil)
		log.Warn("using in-memory store; data is lost on restart", zap.String("demo_tenant", demoTenant))
	default:
		db, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal("db connect", zap.Error(err))
		}
		defer db.Close()
		if err := postgres.Migrate(ctx, db); err != nil {
			log.Fatal("db migrate", zap.Error(err))
		}
		store = &orders.Repo{DB: db}

		rdb = redisx.New(cfg.RedisAddr)
		defer rdb.Close()
		if err := redisx.Ping(ctx, rdb); err != nil {
			log.Warn("redis unavailable at startup, stage falls back to postgres", zap.Error(err))
		}
		stg = stage.NewFallback(stage.NewRedis(rdb, cfg.StageTTL), stage.NewPostgres(db, cfg.StageTTL), log)
	}

	// Gateways are resolved once; an unknown type stops the process.
	gcfgs, err := store.ListGateways(ctx)
	if err != nil {
		log.Fatal("load gateways", zap.Error(err))
	}
	gateways, err := gateway.NewRegistry().Build(gcfgs, gateway.Deps{
		Timeout: cfg.GatewayTimeout,
		Finder:  store,
		Log:     log,
		Observe: m.GatewayObserver(),
	})
	if err != nil {
		log.Fatal("build gateways", zap.Error(err))
	}
	log.Info("gateways loaded", zap.Int("count", len(gcfgs)))

	// Events: Kafka when configured, otherwise failures go straight to the queue.
	var (
		pub  settlement.Publisher
		prod *kafkax.Producer
	)
	if len(cfg.KafkaBrokers) > 0 {
		prod = kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
		prod.Start(ctx)
		pub = prod
	} else {
		pub = reconcile.Direct{Service: &reconcile.Service{Store: store, Redis: rdb, Log: log}}
		log.Warn("KAFKA_BROKERS empty, settlement failures are recorded in-process")
	}

	ledger := discount.NewLedger(nil)
	handler := &httpx.Handler{
		Checkout: checkout.NewService(store, stg, ledger, pricing.NewEngine(nil), cfg.DeliveryFees, log),
		Payments: settlement.New(settlement.Deps{
			Store:         store,
			Stage:         stg,
			Gateways:      gateways,
			Materializer:  settlement.NewMaterializer(stg, ledger, log, nil),
			Notifier:      settlement.NewNotifier(pub, cfg.ServiceName, log, m),
			Log:           log,
			Metrics:       m,
			PublicBaseURL: cfg.PublicBaseURL,
		}),
		Gateways: gateways,
		Store:    store,
		Log:      log,
	}
	router := httpx.NewRouter(httpx.RouterOptions{
		Log:     log,
		Metrics: m,
		Timeout: cfg.GatewayTimeout + 15*time.Second,
	})
	handler.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	if err := srv.Shutdown(ctx2); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if prod != nil {
		prod.Close()      // stop accepting, flush the buffer
		prod.WaitClosed() // drain
	}
	cancel()
}

const demoTenant = "demo"

// seedDemo gives a memory-backed instance something to sell and a way to pay.
func seedDemo(s *memory.Store) {
	s.AddProduct(orders.Product{TenantID: demoTenant, CategoryID: 1, Name: "Demo scarf", Price: 250000, Stock: 100, IsActive: true})
	s.AddGateway(gateway.Config{
		TenantID: demoTenant, Type: gateway.TypeCardTransfer, Name: "Card to card", IsActive: true,
		Settings: map[string]string{"card_number": "6037990000000000", "card_holder": "Demo Shop", "bank_name": "Melli"},
	})
}
