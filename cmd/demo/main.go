// Command demo wires the transaction truth engine behind a minimal gin
// host, illustrating the one contract the core actually requires of its
// caller: capture the raw webhook body and forward
// (provider, body, headers) into pipeline.Process unchanged (spec §1, §6
// "Webhook endpoint"). Everything else here — routing, config loading,
// graceful shutdown — is host concern, not core concern; a real deployment
// would replace this file, not extend it.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"paytruth.engine/internal/config"
	"paytruth.engine/internal/dispatcher"
	"paytruth.engine/internal/domain/entities"
	"paytruth.engine/internal/infrastructure/blockchain"
	"paytruth.engine/internal/infrastructure/providers"
	"paytruth.engine/internal/infrastructure/repositories"
	"paytruth.engine/internal/pipeline"
	"paytruth.engine/internal/service"
	"paytruth.engine/internal/statemachine"
	"paytruth.engine/pkg/logger"
)

var (
	loadDotenv = godotenv.Load
	loadCfg    = config.Load
	initLog    = logger.Init
	openDB     = func(dsn string) (*gorm.DB, error) {
		return gorm.Open(postgres.New(postgres.Config{
			DSN:                  dsn,
			PreferSimpleProtocol: true,
		}), &gorm.Config{
			TranslateError: true,
		})
	}
	runServer = func(srv *http.Server) error { return srv.ListenAndServe() }
)

func main() {
	if err := runMainProcess(); err != nil {
		log.Fatal(err)
	}
}

func runMainProcess() error {
	if err := loadDotenv(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := loadCfg()

	initLog(cfg.Server.Env)
	logger.Info(context.Background(), "logger initialized", zap.String("env", cfg.Server.Env))

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := openDB(cfg.Database.URL())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.AutoMigrate(
		&entities.Transaction{},
		&entities.WebhookLog{},
		&entities.AuditLog{},
		&entities.DispatchLog{},
		&entities.OutboxEvent{},
	); err != nil {
		return fmt.Errorf("failed to migrate engine tables: %w", err)
	}

	storage := repositories.NewStorage(db)
	machine := statemachine.New()
	disp := dispatcher.New()
	registry := buildRegistry(cfg)

	hooks := pipeline.Hooks{
		OnWebhookFate: func(provider string, fate entities.ClaimFate, eventType entities.NormalizedEventType, latencyMs int64, transactionID *uuid.UUID) {
			logger.Info(context.Background(), "webhook fate",
				zap.String("provider", provider), zap.String("fate", string(fate)),
				zap.String("eventType", string(eventType)), zap.Int64("latencyMs", latencyMs))
		},
		OnTransition: func(provider string, transactionID uuid.UUID, from, to entities.TransactionStatus, trigger entities.TriggerType) {
			logger.Info(context.Background(), "transition",
				zap.String("provider", provider), zap.String("transactionId", transactionID.String()),
				zap.String("from", string(from)), zap.String("to", string(to)), zap.String("trigger", string(trigger)))
		},
		OnDispatchResult: func(eventType entities.NormalizedEventType, handlerName string, status entities.DispatchStatus, isReplay bool, errMsg string) {
			if status != entities.DispatchSuccess {
				logger.Warn(context.Background(), "dispatch failed",
					zap.String("eventType", string(eventType)), zap.String("handler", handlerName), zap.String("error", errMsg))
			}
		},
		OnReconciliation: func(provider, applicationRef, result string, latencyMs int64) {
			logger.Info(context.Background(), "reconciliation",
				zap.String("provider", provider), zap.String("applicationRef", applicationRef), zap.String("result", result))
		},
	}

	pipe := pipeline.New(registry, storage, machine, disp, nil, pipeline.Config{
		StoreRawPayload: cfg.Engine.StoreRawPayload,
		RedactKeys:      cfg.Engine.RedactKeys,
		OutboxEnabled:   cfg.Engine.OutboxEnabled,
	}, hooks)

	txService := service.New(storage, registry, machine, disp, pipe, hooks)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	registerWebhookRoute(r, pipe, cfg)
	registerQueryRoutes(r, txService)

	srv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: r}
	shutdownDone := make(chan struct{})

	go func() {
		defer close(shutdownDone)
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown: %v", err)
		}
	}()

	log.Printf("paytruth demo host starting on port %s", cfg.Server.Port)
	if err := runServer(srv); err != nil {
		if err == http.ErrServerClosed {
			<-shutdownDone
			return nil
		}
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// buildRegistry registers the built-in provider adapters. A real deployment
// would register only the providers it actually integrates with.
func buildRegistry(cfg *config.Config) *providers.Registry {
	registry := providers.NewRegistry()
	registry.Register(providers.NewMock())

	factory := blockchain.NewClientFactory()
	for name, rpcURL := range cfg.Blockchain.EVMRPCURLs {
		// Every EVM adapter registers under the name "evm" and Register
		// replaces by name, so with several configured chains only one of
		// them (the last in map iteration order) stays registered.
		_ = name
		registry.Register(providers.NewEVM(rpcURL, factory))
	}
	return registry
}

// registerWebhookRoute is the one piece of HTTP framing the core actually
// requires: capture the raw body as bytes, never re-serialize it, and
// forward (provider, body, headers) unchanged into Process (spec §6).
func registerWebhookRoute(r *gin.Engine, pipe *pipeline.Pipeline, cfg *config.Config) {
	r.POST("/webhooks/:provider", func(c *gin.Context) {
		provider := c.Param("provider")

		rawBody, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not read request body"})
			return
		}

		headers := make(map[string]string, len(c.Request.Header))
		for k := range c.Request.Header {
			headers[k] = c.Request.Header.Get(k)
		}

		secrets := cfg.Engine.ProviderSecrets[provider]
		ctx := pipeline.WithSecrets(c.Request.Context(), provider, secrets)

		result, err := pipe.Process(ctx, provider, rawBody, headers, time.Time{})
		if err != nil {
			// Only an unknown-provider error or a genuine storage outage during
			// the WebhookLog insert reach this branch (spec §7). The latter is
			// the one case where the provider should be asked to redeliver.
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}

		// Every other fate, including every protocol-kind failure, has already
		// been durably recorded: acknowledge with 200 regardless (spec §7
		// "User-visible behavior").
		c.JSON(http.StatusOK, gin.H{"fate": result.Fate})
	})
}

// registerQueryRoutes exposes a thin illustrative slice of the transaction
// service; a real host would expose whatever subset its own API needs.
func registerQueryRoutes(r *gin.Engine, txService *service.TransactionService) {
	r.GET("/transactions/:id/audit-trail", func(c *gin.Context) {
		id, err := uuidFromParam(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		trail, err := txService.GetAuditTrail(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, trail)
	})
}

func uuidFromParam(c *gin.Context, name string) (uuid.UUID, error) {
	return uuid.Parse(c.Param(name))
}
