package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/core"
	"github.com/engramlabs/engram/internal/providers/llm"
	"github.com/engramlabs/engram/internal/service/chat"
	"github.com/engramlabs/engram/internal/service/memory"
	"github.com/engramlabs/engram/internal/storage/sqlite"
	"github.com/engramlabs/engram/pkg/log"
	"github.com/engramlabs/engram/pkg/srv"
	"github.com/joho/godotenv"
)

// app is the fully wired engine plus everything the commands need to
// run and tear it down. Construction is Fatal on error: there is no
// useful degraded mode without storage or a provider.
type app struct {
	appCfg *config.AppConfig
	memCfg *config.MemoryConfig
	engine *chat.Engine
	turns  core.TurnRepository

	// cleanup services close the queue before the database, in order.
	cleanup []srv.Service
}

func newApp(ctx context.Context) *app {
	logger := log.FromCtx(ctx)

	if err := initEnv(ctx, config.GetRuntimePath()); err != nil {
		logger.Fatal().Err(err).Msg("failed to init env")
	}

	appCfg := config.NewAppConfig(ctx)
	memCfg := config.NewMemoryConfig(ctx)

	if err := os.MkdirAll(appCfg.GetRuntimePath(), 0755); err != nil {
		logger.Fatal().Err(err).Msg("failed to create runtime directory")
	}

	db, err := sqlite.NewDB(ctx, appCfg.GetDatabasePath())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize storage")
	}

	turnsRepo := sqlite.NewTurnsRepo(db)
	knowledgeRepo := sqlite.NewKnowledgeRepo(db)

	aiProvider, err := llm.NewProvider(ctx, appCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize LLM provider")
	}

	// Background jobs outlive the shutdown signal so the final flush
	// can still land a pending consolidation. Queue.Close cancels them.
	queue := memory.NewQueue(context.WithoutCancel(ctx))
	engine := chat.NewEngine(ctx, appCfg, memCfg, turnsRepo, knowledgeRepo, aiProvider, queue)

	return &app{
		appCfg: appCfg,
		memCfg: memCfg,
		engine: engine,
		turns:  turnsRepo,
		cleanup: []srv.Service{
			srv.NewCleanup(queue.Close),
			srv.NewCleanup(db.Close),
		},
	}
}

func initEnv(ctx context.Context, runtimePath string) error {
	logger := log.FromCtx(ctx)
	envFile := filepath.Join(runtimePath, ".env")

	if _, err := os.Stat(envFile); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := godotenv.Load(envFile); err != nil {
		logger.Warn().Err(err).Str("path", envFile).Msg("failed to load .env file")
		return err
	}

	logger.Debug().Str("path", envFile).Msg("loaded .env file")
	return nil
}
