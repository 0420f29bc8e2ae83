// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	sessionvault "github.com/poiesic/sessionvault"
	"github.com/poiesic/sessionvault/storage"
	"github.com/poiesic/sessionvault/storage/badgerkv"
	"github.com/poiesic/sessionvault/storage/fs"
)

func main() {
	app := &cli.App{
		Name:  "sessionvault",
		Usage: "Local session recording store maintenance",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "stats",
				Usage:  "Show store occupancy, cache, and queue counters",
				Action: statsCommand,
				Flags:  storeFlags(),
			},
			{
				Name:   "sessions",
				Usage:  "List sessions, newest first",
				Action: sessionsCommand,
				Flags:  storeFlags(),
			},
			{
				Name:   "gc",
				Usage:  "Reclaim attachments no session references anymore",
				Action: gcCommand,
				Flags:  storeFlags(),
			},
			{
				Name:   "rebuild-indexes",
				Usage:  "Rebuild every search index from the session documents",
				Action: rebuildCommand,
				Flags:  storeFlags(),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func storeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "root",
			Aliases:  []string{"r"},
			Usage:    "Path to the store's data directory",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "backend",
			Usage: "Storage backend (fs or badger)",
			Value: "fs",
		},
	}
}

func openEngine(c *cli.Context) (*sessionvault.Engine, error) {
	var (
		adapter storage.Adapter
		err     error
	)
	switch c.String("backend") {
	case "fs":
		adapter, err = fs.New(c.String("root"))
	case "badger":
		adapter, err = badgerkv.Open(c.String("root"))
	default:
		return nil, fmt.Errorf("unknown backend %q: must be fs or badger", c.String("backend"))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	engine, err := sessionvault.Open(context.Background(), adapter)
	if err != nil {
		adapter.Close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return engine, nil
}

func statsCommand(c *cli.Context) error {
	ctx := context.Background()

	engine, err := openEngine(c)
	if err != nil {
		return err
	}
	defer engine.Close(ctx)

	stats, err := engine.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read stats: %w", err)
	}

	fmt.Printf("Sessions:      %d\n", stats.Sessions)
	fmt.Printf("Pending jobs:  %d\n", stats.PendingJobs)
	fmt.Printf("Failed jobs:   %d\n", stats.FailedJobs)
	fmt.Printf("Storage used:  %s\n", humanize.IBytes(uint64(stats.Quota.Used)))
	if stats.Quota.Available < math.MaxInt64 {
		fmt.Printf("Storage free:  %s\n", humanize.IBytes(uint64(stats.Quota.Available)))
	}
	fmt.Printf("Cache:         %d entries, %s of %s (%.1f%% hit rate)\n",
		stats.Cache.Entries,
		humanize.IBytes(uint64(stats.Cache.SizeBytes)),
		humanize.IBytes(uint64(stats.Cache.MaxBytes)),
		stats.Cache.HitRate*100)
	return nil
}

func sessionsCommand(c *cli.Context) error {
	ctx := context.Background()

	engine, err := openEngine(c)
	if err != nil {
		return err
	}
	defer engine.Close(ctx)

	summaries := engine.ListSessions(ctx)
	if len(summaries) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	for _, s := range summaries {
		fmt.Printf("%s  %-12s %-24s shots=%d audio=%d video=%d\n",
			s.StartTime.Format("2006-01-02 15:04"),
			s.Status, s.Name,
			s.ScreenshotCount, s.AudioSegmentCount, s.VideoChunkCount)
	}
	return nil
}

func gcCommand(c *cli.Context) error {
	ctx := context.Background()

	engine, err := openEngine(c)
	if err != nil {
		return err
	}
	defer engine.Close(ctx)

	result, err := engine.CollectGarbage(ctx)
	if err != nil {
		return fmt.Errorf("garbage collection failed: %w", err)
	}

	fmt.Printf("Deleted %d attachments, freed %s\n",
		result.DeletedCount, humanize.IBytes(uint64(result.FreedBytes)))
	return nil
}

func rebuildCommand(c *cli.Context) error {
	ctx := context.Background()

	engine, err := openEngine(c)
	if err != nil {
		return err
	}
	defer engine.Close(ctx)

	fmt.Fprintf(os.Stderr, "Store: %s\n\n", c.String("root"))
	if err := engine.RebuildIndexes(ctx, os.Stderr); err != nil {
		return fmt.Errorf("index rebuild failed: %w", err)
	}
	return nil
}

func setupLogger(c *cli.Context) error {
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}
