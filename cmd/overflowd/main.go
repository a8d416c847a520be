// Command overflowd is an operations tool for the overflow storage tier:
// inspect entries, view aggregate stats, run cleanup cycles and delete keys.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	_ "github.com/lib/pq"
	"github.com/lmittmann/tint"

	"github.com/tiercache/tiercache/store"
)

type Globals struct {
	DSN       string `help:"Postgres connection string." env:"OVERFLOW_DSN" required:""`
	Table     string `help:"Overflow table name." default:"overflow_entries"`
	Debug     bool   `help:"Enable debug logging."`
	LogFormat string `help:"Log format." enum:"text,json" default:"text"`
}

type CLI struct {
	Globals

	Stats   StatsCmd   `cmd:"" help:"Show aggregate overflow storage statistics."`
	Cleanup CleanupCmd `cmd:"" help:"Run one cleanup cycle (expired rows, then capacity enforcement)."`
	Inspect InspectCmd `cmd:"" help:"Show metadata and access stats for a key."`
	Keys    KeysCmd    `cmd:"" help:"List keys ranked by access count."`
	Delete  DeleteCmd  `cmd:"" help:"Delete one or more keys."`
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("overflowd"),
		kong.Description("Operations tool for tiered cache overflow storage."),
		kong.UsageOnError(),
	)

	logger := newLogger(cli.Globals)
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals, logger))
}

func newLogger(g Globals) *slog.Logger {
	level := slog.LevelInfo
	if g.Debug {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	switch g.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level})
	}
	return slog.New(handler)
}

// openStorage connects to the database and initializes storage over the
// configured table. Payloads are held as raw JSON; the CLI never needs the
// caller's concrete type.
func openStorage(ctx context.Context, g *Globals, logger *slog.Logger) (*store.Storage[json.RawMessage], func(), error) {
	db, err := sql.Open("postgres", g.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}

	cfg := store.DefaultConfig()
	cfg.TableName = g.Table
	cfg.Logger = logger

	s, err := store.New[json.RawMessage](db, cfg)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	// One-shot tool: no background cleaner.
	s.Shutdown()

	if err := s.Initialize(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	cleanup := func() { _ = db.Close() }
	return s, cleanup, nil
}

type StatsCmd struct{}

func (c *StatsCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()
	s, cleanup, err := openStorage(ctx, g, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	stats, err := s.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Table:            %s\n", g.Table)
	fmt.Printf("Entries:          %d\n", stats.TotalEntries)
	fmt.Printf("Stored bytes:     %d\n", stats.TotalStoredBytes)
	fmt.Printf("Avg ratio:        %.3f\n", stats.AvgRatio)
	if !stats.OldestEntry.IsZero() {
		fmt.Printf("Oldest entry:     %s\n", stats.OldestEntry.Format(time.RFC3339))
		fmt.Printf("Newest entry:     %s\n", stats.NewestEntry.Format(time.RFC3339))
	}
	fmt.Printf("Expired backlog:  %d\n", stats.ExpiredBacklog)
	return nil
}

type CleanupCmd struct{}

func (c *CleanupCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()
	s, cleanup, err := openStorage(ctx, g, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	result := s.RunCleanupOnce(ctx)
	if result.Errors > 0 {
		return fmt.Errorf("cleanup finished with %d error(s)", result.Errors)
	}

	fmt.Printf("Expired removed:  %d\n", result.Expired)
	fmt.Printf("Evicted over cap: %d\n", result.Evicted)
	fmt.Printf("Duration:         %s\n", result.Duration)
	return nil
}

type InspectCmd struct {
	Key string `arg:"" help:"Key to inspect."`
}

func (c *InspectCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()
	s, cleanup, err := openStorage(ctx, g, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	meta, ok, err := s.Metadata(ctx, c.Key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("key %q not found", c.Key)
	}

	fmt.Printf("Key:           %s\n", meta.Key)
	fmt.Printf("Original size: %d\n", meta.OriginalSize)
	fmt.Printf("Stored size:   %d\n", meta.StoredSize)
	fmt.Printf("Ratio:         %.3f\n", meta.Ratio)
	fmt.Printf("Digest:        %s\n", meta.Digest)
	fmt.Printf("Created:       %s\n", meta.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Accessed:      %s\n", meta.AccessedAt.Format(time.RFC3339))
	fmt.Printf("Expires:       %s", meta.ExpiresAt.Format(time.RFC3339))
	if meta.ExpiresAt.Before(time.Now()) {
		fmt.Printf("  (expired)")
	}
	fmt.Println()
	fmt.Printf("Access count:  %d\n", meta.AccessCount)
	fmt.Printf("TTL days:      %g\n", meta.TTLDays)
	for k, v := range meta.Metadata {
		fmt.Printf("Metadata:      %s=%s\n", k, v)
	}
	return nil
}

type KeysCmd struct {
	Least bool `help:"Rank least-used first instead of most-used." xor:"order"`
	Top   bool `help:"Rank most-used first (default)." xor:"order"`
	N     int  `help:"Number of keys to list." default:"20"`
}

func (c *KeysCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()
	s, cleanup, err := openStorage(ctx, g, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	var keys []string
	if c.Least {
		keys, err = s.LeastUsedKeys(ctx, c.N)
	} else {
		keys, err = s.MostUsedKeys(ctx, c.N)
	}
	if err != nil {
		return err
	}

	for _, key := range keys {
		fmt.Println(key)
	}
	return nil
}

type DeleteCmd struct {
	Keys []string `arg:"" help:"Keys to delete."`
}

func (c *DeleteCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()
	s, cleanup, err := openStorage(ctx, g, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	n, err := s.DeleteMany(ctx, c.Keys)
	if err != nil {
		return err
	}

	fmt.Printf("Deleted %d of %d key(s)\n", n, len(c.Keys))
	return nil
}
