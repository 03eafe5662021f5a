// Command contentseed validates a content directory and optionally syncs
// its reward inventory into the database. Operators run it before a deploy
// to catch document errors without bouncing the service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/fairyhunter13/prompt-gauntlet/internal/adapter/content"
	"github.com/fairyhunter13/prompt-gauntlet/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/prompt-gauntlet/internal/config"
	"github.com/fairyhunter13/prompt-gauntlet/internal/usecase"
)

func main() {
	dir := flag.String("dir", "./content", "content directory to validate")
	apply := flag.Bool("apply", false, "sync reward inventory into the database (DB_URL)")
	flag.Parse()

	if err := run(*dir, *apply); err != nil {
		fmt.Fprintln(os.Stderr, "contentseed:", err)
		os.Exit(1)
	}
}

func run(dir string, apply bool) error {
	ctx := context.Background()

	provider := content.New(dir)
	if err := provider.Reload(ctx); err != nil {
		return fmt.Errorf("validate %s: %w", dir, err)
	}

	activity := provider.Activity()
	fmt.Printf("activity %q: %s .. %s, %d level(s)\n",
		activity.ActivityID,
		activity.StartAt.Format("2006-01-02 15:04"),
		activity.EndAt.Format("2006-01-02 15:04"),
		len(provider.Levels()))

	seen := map[string]bool{}
	for _, level := range provider.Levels() {
		pool, ok := provider.Pool(level.RewardPoolID)
		if !ok || seen[pool.PoolID] {
			continue
		}
		seen[pool.PoolID] = true
		total := 0
		for _, item := range pool.Items {
			total += item.MaxClaimsPerItem
		}
		fmt.Printf("pool %q: %d item(s), %d claim(s) capacity\n", pool.PoolID, len(pool.Items), total)
	}

	if !apply {
		fmt.Println("documents valid (dry run, use -apply to sync inventory)")
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()

	stats, err := postgres.NewRewardRepo(pool).SyncItems(ctx, usecase.ItemsFromContent(provider))
	if err != nil {
		return fmt.Errorf("inventory sync: %w", err)
	}
	slog.Info("inventory synced",
		slog.Int("inserted", stats.Inserted),
		slog.Int("updated", stats.Updated),
		slog.Int("disabled", stats.Disabled))
	return nil
}
