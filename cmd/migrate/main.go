// cmd/migrate — 手动执行 SQL 迁移 (版本跟踪见 internal/database)。
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/studio-run/go-studio-v2/internal/config"
	"github.com/studio-run/go-studio-v2/internal/database"
	"github.com/studio-run/go-studio-v2/pkg/logger"
)

func main() {
	dir := flag.String("dir", "./migrations", "迁移文件目录")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger.Init(cfg.AppEnv)

	if cfg.PostgresConnStr == "" {
		logger.Fatal("POSTGRES_CONNECTION_STRING not set")
	}

	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("database init failed", logger.Any(logger.FieldError, err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, *dir); err != nil {
		logger.Fatal("migration failed", logger.Any(logger.FieldError, err))
	}
	logger.Info("migrations applied", logger.FieldPath, *dir)
}
