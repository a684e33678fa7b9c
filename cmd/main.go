package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fee-ledger/internal/clients"
	"fee-ledger/internal/config"
	"fee-ledger/internal/repository"
	"fee-ledger/internal/service"
	"fee-ledger/internal/transport/auth"
	"fee-ledger/internal/transport/rest"
	"fee-ledger/internal/transport/websocket"
	"fee-ledger/pkg/database/postgres"

	"github.com/go-chi/chi/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	if err := godotenv.Load(); err != nil {
		log.Info("no .env file found, using system env or defaults")
	}

	// top-level context which we can cancel on shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := config.Load()

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.WithField("level", cfg.LogLevel).Warn("unknown log level, using info")
	}
	if len(cfg.APITokens) == 0 {
		log.Warn("API_TOKENS is empty, every protected request will be rejected")
	}

	db := mustInitPostgres(ctx, cfg.Postgres, log)
	defer postgres.Close(db)

	redisClient := mustInitRedis(cfg.Redis, log)
	defer redisClient.Close()

	storageClient, err := clients.NewLocalStorage(cfg.ExportDir, cfg.FilesPublicPrefix, cfg.ExternalURL)
	if err != nil {
		log.WithError(err).Fatal("storage init error")
	}
	var store clients.StatementStore = storageClient
	if cfg.S3.Enabled {
		store = mustInitS3(ctx, cfg.S3, log)
	}

	locker := clients.NewLocker(redisClient, clients.LockOptions{
		Expiry:     cfg.Lock.Expiry,
		Tries:      cfg.Lock.Tries,
		RetryDelay: cfg.Lock.RetryDelay,
	}, log)

	wsHub := websocket.NewHub()
	wsHub.SetLogger(log)
	go wsHub.Run(ctx)
	wsClient := clients.NewWebSocketClient(wsHub)

	planRepo := repository.NewPlanRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)

	planSvc := service.NewPlanService(planRepo, redisClient, cfg.Ledger.PlanCacheTTL, log)
	paymentSvc := service.NewPaymentService(planSvc, paymentRepo, locker, wsClient, service.PaymentServiceConfig{
		Strict:          cfg.Ledger.StrictAmounts,
		RepairImbalance: cfg.Ledger.RepairImbalance,
	}, log)
	statementSvc := service.NewStatementService(planSvc, paymentRepo, redisClient, store, wsClient, log)

	sweeper := service.NewOverdueSweeper(planRepo, wsClient, log)
	if err := sweeper.Start(ctx, cfg.Scheduler.OverdueCron); err != nil {
		log.WithError(err).Fatal("overdue sweeper init error")
	}

	handler := rest.NewHandler(planSvc, paymentSvc, statementSvc, log)
	router := handler.InitRouterWithAuth(auth.TokenMiddleware(cfg.APITokens, log))

	// public root router; the protected router is mounted underneath so /files
	// and /health stay reachable without a token
	root := chi.NewRouter()

	root.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := redisClient.Ping(r.Context()); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	root.Get("/files/{file}", func(w http.ResponseWriter, r *http.Request) {
		file := chi.URLParam(r, "file")
		path, err := storageClient.Open(file)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				http.NotFound(w, r)
				return
			}
			http.Error(w, "failed to access file", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", clients.DownloadName(file)))
		http.ServeFile(w, r, path)
	})

	router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		operator, err := auth.GetOperator(r.Context())
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		log.WithField("operator", operator).Info("websocket connected")
		wsHub.HandleWebSocket(w, r, operator)
	})

	root.Mount("/", router)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      withCORS(root),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srvErr <- err
			return
		}
		srvErr <- nil
	}()

	// local statements outlive their export status by a few minutes, then go
	if !cfg.S3.Enabled {
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := storageClient.CleanupOlderThan(30 * time.Minute); err != nil {
						log.WithError(err).Warn("storage cleanup error")
					}
				}
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-srvErr:
		if err != nil {
			log.WithError(err).Fatal("HTTP server error")
		}
	case sig := <-stop:
		log.WithField("signal", sig.String()).Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("HTTP server shutdown error")
		}

		sweeper.Stop()
		cancel()

		postgres.Close(db)
		redisClient.Close()

		log.Info("shutdown complete")
	}
}

func mustInitPostgres(ctx context.Context, cfg config.PostgresConfig, log logrus.FieldLogger) *sql.DB {
	db, err := postgres.NewPostgresConnection(postgres.ConnectionInfo{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.User,
		DBName:   cfg.DBName,
		SSLMode:  cfg.SSLMode,
		Password: cfg.Password,
	})
	if err != nil {
		log.WithError(err).Fatal("postgres init error")
	}
	if cfg.Migrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			log.WithError(err).Fatal("postgres migration error")
		}
	}
	return db
}

func mustInitRedis(cfg config.RedisConfig, log logrus.FieldLogger) *clients.RedisClient {
	client, err := clients.NewRedisClient(clients.RedisConfig{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: time.Duration(cfg.DialTimeout) * time.Second,
		Timeout:     time.Duration(cfg.Timeout) * time.Second,
		PoolSize:    cfg.PoolSize,
		Prefix:      cfg.Prefix,
	})
	if err != nil {
		log.WithError(err).Fatal("redis init error")
	}
	return client
}

func mustInitS3(ctx context.Context, cfg config.S3Config, log logrus.FieldLogger) *clients.S3Client {
	client, err := clients.NewS3Client(ctx, clients.S3Config{
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		Bucket:          cfg.Bucket,
		UseSSL:          cfg.UseSSL,
		Region:          cfg.Region,
		Prefix:          cfg.Prefix,
		URLExpiry:       cfg.URLExpiry,
	})
	if err != nil {
		log.WithError(err).Fatal("s3 init error")
	}
	return client
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")

			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
