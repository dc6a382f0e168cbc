package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"chatcore/internal/assetcache"
	"chatcore/internal/store"
)

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and trim the image cache and the metadata store",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show disk usage and stored metadata counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cache, err := assetcache.New(cacheConfig(cfg, nil))
			if err != nil {
				return fmt.Errorf("open cache: %w", err)
			}
			defer cache.Close()

			s := cache.Stats()
			fmt.Printf("Image cache   %s\n", cfg.Cache.Dir)
			fmt.Printf("  disk        %s of %d MB\n", formatBytes(s.DiskBytes), cfg.Cache.DiskBudgetMB)

			if !cfg.Store.Enabled {
				fmt.Println("Metadata store disabled")
				return nil
			}
			st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()
			ss, err := st.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Metadata store %s\n", cfg.Store.DBPath)
			fmt.Printf("  resolved ids %d\n  emote sets   %d\n  badge sets   %d\n", ss.ResolvedIDs, ss.EmoteSets, ss.BadgeSets)
			return nil
		},
	})

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Evict cached images over the disk budget and drop stale emote sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cache, err := assetcache.New(cacheConfig(cfg, nil))
			if err != nil {
				return fmt.Errorf("open cache: %w", err)
			}
			defer cache.Close()

			removed, err := cache.Prune()
			if err != nil {
				return fmt.Errorf("prune cache: %w", err)
			}
			fmt.Printf("Removed %d cached images, %s left on disk\n", removed, formatBytes(cache.Stats().DiskBytes))

			if !cfg.Store.Enabled {
				return nil
			}
			st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()
			n, err := st.Prune(context.Background(), olderThan)
			if err != nil {
				return fmt.Errorf("prune store: %w", err)
			}
			fmt.Printf("Dropped %d stored sets older than %s\n", n, olderThan)
			return nil
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "age after which stored emote and badge sets are dropped")
	cmd.AddCommand(prune)

	return cmd
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGT"[exp])
}
