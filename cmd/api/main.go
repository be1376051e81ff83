package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tsgfulfillment/questionnaire-api/internal/application"
	appai "github.com/tsgfulfillment/questionnaire-api/internal/application/ai"
	appsubs "github.com/tsgfulfillment/questionnaire-api/internal/application/submissions"
	"github.com/tsgfulfillment/questionnaire-api/internal/config"
	notifydom "github.com/tsgfulfillment/questionnaire-api/internal/domain/notifyerrors"
	domain "github.com/tsgfulfillment/questionnaire-api/internal/domain/submissions"
	openaiCli "github.com/tsgfulfillment/questionnaire-api/internal/infra/ai/openai"
	mysqlp "github.com/tsgfulfillment/questionnaire-api/internal/infra/db/mysql"
	postgresp "github.com/tsgfulfillment/questionnaire-api/internal/infra/db/postgres"
	"github.com/tsgfulfillment/questionnaire-api/internal/infra/httpserver"
	"github.com/tsgfulfillment/questionnaire-api/internal/infra/mail"
	minioStore "github.com/tsgfulfillment/questionnaire-api/internal/infra/storage"
	"github.com/tsgfulfillment/questionnaire-api/internal/middleware"
)

func main() {
	// path config.yaml
	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger := newLogger()
	defer logger.Sync()

	ctx := context.Background()

	// connect database (mysql or postgres, per config)
	db, repo, notifyRepo, err := connectDatabase(ctx, cfg)
	if err != nil {
		logger.Fatalf("database connect error: %v", err)
	}
	defer db.Close()

	// init minio
	store, err := minioStore.New(ctx,
		cfg.Minio.Endpoint,
		cfg.Minio.Region,
		cfg.Minio.BucketName,
		cfg.Minio.AccessKey,
		cfg.Minio.SecretKey,
		cfg.Minio.UseSSL,
	)
	if err != nil {
		logger.Fatalf("minio init error: %v", err)
	}

	// init mailer
	mailer, err := mail.New(mail.Config{
		APIKey:    cfg.Mail.APIKey,
		BaseURL:   cfg.Mail.BaseURL,
		FromEmail: cfg.Mail.FromEmail,
		FromName:  cfg.Mail.FromName,
	})
	if err != nil {
		logger.Fatalf("mailer init error: %v", err)
	}
	if len(cfg.Mail.Recipients) == 0 {
		logger.Fatalf("mail.recipients must not be empty")
	}

	// init service
	svc := &appsubs.Service{
		Repo:             repo,
		Blobs:            store,
		Mailer:           mailer,
		NotifyLog:        notifyRepo,
		Clock:            application.SystemClock{},
		Log:              logger,
		Recipients:       cfg.Mail.Recipients,
		ReplyToSubmitter: cfg.Mail.ReplyToSubmitter,
		NotifyFailed:     middleware.IncrementNotifyFailed,
	}
	if cfg.AI.APIKey != "" {
		svc.Summarizer = appai.NewService(openaiCli.NewClient(cfg.AI.APIKey, cfg.AI.Model))
	}

	checkers := map[string]middleware.HealthChecker{
		"database": &middleware.DatabaseHealthChecker{DB: db},
		"blobstore": middleware.CheckerFunc(func(ctx context.Context) error {
			return store.Healthy(ctx)
		}),
	}

	// init router
	mux := chi.NewRouter()
	mux.Mount("/", httpserver.NewRouter(svc, logger, cfg.CORS.AllowedOrigins, cfg.Auth.APIKeys, checkers))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// run server
	go func() {
		logger.Infof("server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server error: %v", err)
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down server...")

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx2); err != nil {
		logger.Errorf("shutdown error: %v", err)
	}
}

func newLogger() *zap.SugaredLogger {
	zcfg := zap.NewProductionConfig()
	zcfg.EncoderConfig.TimeKey = "time"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := zcfg.Build()
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	return logger.Sugar()
}

func connectDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, domain.Repository, notifydom.Repository, error) {
	switch cfg.Database.Driver {
	case "postgres":
		db, err := postgresp.Connect(ctx, cfg.PostgresDSN())
		if err != nil {
			return nil, nil, nil, err
		}
		return db, postgresp.NewSubmissionRepository(db), postgresp.NewNotifyErrorRepository(db), nil
	case "mysql":
		db, err := mysqlp.Connect(ctx, cfg.MySQLDSN())
		if err != nil {
			return nil, nil, nil, err
		}
		return db, mysqlp.NewSubmissionRepository(db), mysqlp.NewNotifyErrorRepository(db), nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}
