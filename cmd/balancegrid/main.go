package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"balancegrid/engine/config"
	"balancegrid/engine/logger"
	"balancegrid/engine/storage"
)

// formatStartupConfig creates a formatted multi-line config summary
func formatStartupConfig(cfg *config.Config) string {
	return fmt.Sprintf(`
┌─────────────────────────────────────────────────────────────
│ BALANCE GRID CACHE MAINTENANCE
├─────────────────────────────────────────────────────────────
│ Storage
│   SQLite Path:      %s
├─────────────────────────────────────────────────────────────
│ Engine
│   Max Grid Periods: %d
│   Max Period Gap:   %d
│   Batch Debounce:   %s
│   Open Period TTL:  %s
├─────────────────────────────────────────────────────────────
│ Writer
│   Flush Interval:   %s
│   Max Pending:      %d
└─────────────────────────────────────────────────────────────`,
		cfg.Store.Path,
		cfg.Engine.MaxGridPeriods,
		cfg.Engine.MaxPeriodGap,
		cfg.Engine.BatchDebounce,
		cfg.Engine.OpenPeriodTTL,
		cfg.Writer.FlushInterval,
		cfg.Writer.MaxPending,
	)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: balancegrid <command>

commands:
  hints [limit]   print persisted prefetch hints in request order (default 50)
  clear-cache     drop every persisted cache entry
  clear-hints     drop the prefetch hint journal`)
	os.Exit(2)
}

func main() {
	config.MustLoad()
	logger.Init()

	cfg := config.Get()
	fmt.Println(formatStartupConfig(cfg))

	if len(os.Args) < 2 {
		usage()
	}

	store, err := storage.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		slog.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	switch os.Args[1] {
	case "hints":
		limit := 50
		if len(os.Args) > 2 {
			n, err := strconv.Atoi(os.Args[2])
			if err != nil || n < 1 {
				slog.Error("invalid limit", slog.String("arg", os.Args[2]))
				os.Exit(2)
			}
			limit = n
		}
		hints, err := store.PendingWrites(limit)
		if err != nil {
			slog.Error("failed to read hints", slog.Any("error", err))
			os.Exit(1)
		}
		for _, h := range hints {
			fmt.Printf("%s  %s  %s\n", h.ID, h.RequestedAt.Format("2006-01-02 15:04:05"), h.Key)
		}
		slog.Info("hints listed", slog.Int("count", len(hints)))

	case "clear-cache":
		if err := store.ClearEntries(); err != nil {
			slog.Error("failed to clear cache", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("persisted cache cleared")

	case "clear-hints":
		if err := store.ClearPendingWrites(); err != nil {
			slog.Error("failed to clear hints", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("prefetch hint journal cleared")

	default:
		usage()
	}
}
