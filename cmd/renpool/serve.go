package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/irfndi/renpool/internal/api"
	"github.com/irfndi/renpool/internal/auth"
	"github.com/irfndi/renpool/internal/config"
	"github.com/irfndi/renpool/internal/darknode"
	"github.com/irfndi/renpool/internal/event"
	"github.com/irfndi/renpool/internal/factory"
	"github.com/irfndi/renpool/internal/ledger"
	"github.com/irfndi/renpool/internal/metrics"
	"github.com/irfndi/renpool/internal/pool"
	"github.com/irfndi/renpool/internal/repository"
	"github.com/irfndi/renpool/internal/service"
	"github.com/irfndi/renpool/internal/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// server holds every long-lived component of the serve command
type server struct {
	db      *gorm.DB
	redis   *redis.Client
	bus     *event.Bus
	ws      *websocket.Server
	factory *factory.Factory
	router  *gin.Engine
}

// newServer wires the ledger, the simulated darknode services, the factory
// and the event subscribers behind the HTTP router
func newServer(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*server, error) {
	s := &server{}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s.bus = event.NewBus(logger, reg)
	s.bus.Subscribe(&event.LogSubscriber{Logger: logger})

	var (
		pools  repository.PoolRepository
		events repository.EventRepository
	)
	if cfg.DBDriver != "" {
		db, err := repository.Open(cfg.DBDriver, cfg.DSN())
		if err != nil {
			s.close()
			return nil, err
		}
		s.db = db
		if err := repository.Migrate(db); err != nil {
			s.close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		pools = repository.NewPoolRepository(db)
		events = repository.NewEventRepository(db)
		journal, err := service.NewJournal(pools, events)
		if err != nil {
			s.close()
			return nil, err
		}
		s.bus.Subscribe(journal)
	} else {
		logger.Warn("No database configured, event journal disabled")
	}

	if cfg.RedisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := s.redis.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("Failed to connect to Redis")
		}
		s.bus.Subscribe(event.NewRedisSubscriber(s.redis, cfg.RedisChannel))
	}

	s.ws = websocket.NewServer(cfg.AllowedOrigins, logger)
	s.bus.Subscribe(s.ws.Hub)
	s.bus.Subscribe(metrics.NewCollector(reg, cfg.TokenDecimals))
	metrics.RegisterConnections(reg, s.ws.Hub.ClientCount)

	tokenLedger := ledger.NewMemory(cfg.TokenSymbol, cfg.TokenDecimals)
	registry := darknode.NewRegistry(cfg.MinimumBondAmount(), cfg.MinimumBondEpochs)
	rewards := darknode.NewRewards(tokenLedger, cfg.TreasuryAddr(), registry)

	f, err := factory.New(cfg.OwnerAddress(), cfg.FactoryAddr(), pool.Dependencies{
		Ledger:    tokenLedger,
		Registry:  registry,
		Claimer:   rewards,
		Publisher: s.bus,
		Logger:    logger,
	})
	if err != nil {
		s.close()
		return nil, err
	}
	s.factory = f
	if pools != nil {
		if err := resumeFactory(f, pools); err != nil {
			s.close()
			return nil, err
		}
	}

	svc, err := service.NewService(service.Options{
		Factory:      f,
		Ledger:       tokenLedger,
		Registry:     registry,
		Rewards:      rewards,
		Pools:        pools,
		Events:       events,
		FaucetAmount: cfg.FaucetAmountValue(),
		PoolDefaults: cfg.PoolDefaults(),
		Logger:       logger,
	})
	if err != nil {
		s.close()
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(auth.SecurityHeaders())
	router.Use(auth.SecureCORS(cfg.AllowedOrigins))

	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(metrics.Handler(reg)))
	s.ws.RegisterRoutes(router)

	authMiddleware := auth.NewAuthMiddleware()
	api.NewHandler(svc, authMiddleware.RequireAuth()).RegisterRoutes(router.Group("/api/v1"))
	s.router = router

	s.ws.Start()
	return s, nil
}

// resumeFactory continues the factory nonce after every journaled pool.
// Pool identities are derived from the nonce, so the next address must not
// already have a journal.
func resumeFactory(f *factory.Factory, pools repository.PoolRepository) error {
	count, err := pools.Count()
	if err != nil {
		return fmt.Errorf("count journaled pools: %w", err)
	}
	nonce := uint64(count)
	for {
		record, err := pools.GetByAddress(crypto.CreateAddress(f.Address(), nonce).Hex())
		if err != nil {
			return fmt.Errorf("look up journaled pool: %w", err)
		}
		if record == nil {
			break
		}
		nonce++
	}
	return f.Resume(nonce)
}

func (s *server) health(c *gin.Context) {
	status := gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"service":   "renpool-api",
		"pools":     s.factory.Count(),
		"journal":   s.db != nil,
	}
	if s.db != nil {
		if sqlDB, err := s.db.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			status["status"] = "degraded"
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
	}
	c.JSON(http.StatusOK, status)
}

// close stops the event stream and drains the bus before closing the
// stores its subscribers write to
func (s *server) close() {
	if s.ws != nil {
		s.ws.Stop()
	}
	if s.bus != nil {
		s.bus.Stop()
	}
	if s.db != nil {
		if sqlDB, err := s.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	if s.redis != nil {
		s.redis.Close()
	}
}

func serveRun(cmd *cobra.Command, _ []string) error {
	cfg := config.FromContext(cmd.Context())
	if cfg == nil {
		return errors.New("no config found in context")
	}
	logger := setupLogger(cfg)
	if cfg.Level() < logrus.DebugLevel && !globalFlags.debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s, err := newServer(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":    cfg.Port,
			"factory": s.factory.Address().Hex(),
			"owner":   s.factory.Owner().Hex(),
		}).Info("Starting RenPool API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	s.close()

	logger.Info("Server exited")
	return nil
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, event stream and metrics endpoint",
		RunE:  serveRun,
	}
}
