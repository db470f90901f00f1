// cmd/migrate — 独立执行数据库迁移。
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/kb-console/go-task-engine/internal/config"
	"github.com/kb-console/go-task-engine/internal/database"
	"github.com/kb-console/go-task-engine/pkg/logger"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.Env)

	if cfg.PostgresConnStr == "" {
		fmt.Fprintln(os.Stderr, "POSTGRES_CONNECTION_STRING not set")
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	dir := "./migrations"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}
	if err := database.Migrate(ctx, pool, dir); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("migration complete")
}
