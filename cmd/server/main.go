package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"promptrelay/internal/api"
	"promptrelay/internal/config"
	"promptrelay/internal/oracle"
	"promptrelay/internal/requester"
	"promptrelay/internal/storage"
	"promptrelay/internal/storage/pebbledb"
	"promptrelay/internal/storage/sqlite"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := config.BuildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	store, err := openStore(cfg.Storage)
	if err != nil {
		zlog.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	o := oracle.New(store, zlog.Named("oracle"), oracle.Config{
		OwnerKey:            cfg.OwnerKey,
		DeliveriesPerSecond: cfg.Oracle.DeliveriesPerSecond,
	})

	chat := requester.NewChat(store, o)
	agent := requester.NewAgent(store, o, cfg.Requesters.AgentSystemPrompt)
	minter := requester.NewMinter(store, o, cfg.Requesters.MinterBasePrompt)
	game := requester.NewGame(store, o, cfg.Requesters.GameSystemPrompt)
	o.Register(chat)
	o.Register(agent)
	o.Register(minter)
	o.Register(game)

	app := fiber.New(fiber.Config{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    10 * 1024 * 1024, // 10MB
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Owner-Key, X-Responder-Key, X-User",
	}))

	api.SetupRoutes(app, o, chat, agent, minter, game)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		zlog.Info("shutting down server")
		if err := app.Shutdown(); err != nil {
			zlog.Error("error during shutdown", zap.Error(err))
		}
	}()

	zlog.Info("starting promptrelay server",
		zap.String("port", cfg.Port),
		zap.String("backend", cfg.Storage.Backend))
	if err := app.Listen(cfg.Port); err != nil {
		zlog.Fatal("failed to start server", zap.Error(err))
	}
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case config.BackendPebble:
		return pebbledb.New(cfg.Path, cfg.Batch)
	default:
		return sqlite.New(cfg.Path)
	}
}
