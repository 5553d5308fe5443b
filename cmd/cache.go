package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/kozaktomas/fingermatch/internal/identify"
	"github.com/kozaktomas/fingermatch/internal/scanner"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Feature cache management commands",
	Long: `Commands for managing the feature cache. The backend is selected with
cache.backend in the config file or FINGERMATCH_CACHE (file, sqlite or postgres
persist between runs).`,
}

var cacheWarmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Extract and cache the features of every corpus image",
	Long: `Extract the features of every image in the corpus and store them in the
configured cache so later scans skip extraction.

Examples:
  FINGERMATCH_CACHE=sqlite fingermatch cache warm --corpus archive/SOCOFing/Real
  fingermatch cache warm --cache file --workers 8 --json`,
	Args: cobra.NoArgs,
	RunE: runCacheWarm,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached feature set",
	Args:  cobra.NoArgs,
	RunE:  runCacheClear,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheWarmCmd)
	cacheCmd.AddCommand(cacheClearCmd)

	cacheWarmCmd.Flags().String("corpus", "", "Corpus directory (default from config)")
	cacheWarmCmd.Flags().Int("workers", 0, "Number of parallel workers (0 = 4)")
	cacheWarmCmd.Flags().String("cache", "", "Feature cache: file, sqlite or postgres (default from config)")
	cacheWarmCmd.Flags().Bool("json", false, "Output as JSON instead of progress bar")

	cacheClearCmd.Flags().String("cache", "", "Feature cache: file, sqlite or postgres (default from config)")
}

// WarmCacheResult is the JSON output of cache warm.
type WarmCacheResult struct {
	identify.WarmResult

	Success       bool   `json:"success"`
	Backend       string `json:"backend"`
	DurationMs    int64  `json:"duration_ms"`
	DurationHuman string `json:"duration_human,omitempty"`
}

func runCacheWarm(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	startTime := time.Now()

	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	flags := cmd.Flags()
	if flags.Changed("corpus") {
		cfg.Corpus.Dir = mustGetString(cmd, "corpus")
	}
	if flags.Changed("workers") {
		cfg.Scan.Workers = mustGetInt(cmd, "workers")
	}
	if flags.Changed("cache") {
		cfg.Cache.Backend = mustGetString(cmd, "cache")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Cache.Backend == "none" || cfg.Cache.Backend == "memory" {
		return fmt.Errorf("cache backend %q does not persist, use file, sqlite or postgres", cfg.Cache.Backend)
	}

	names, err := scanner.Candidates(cfg.Corpus.Dir)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			fmt.Fprintln(os.Stderr, "\nReceived interrupt signal...")
			cancel()
		case <-ctx.Done():
		}
	}()

	id, err := identify.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer id.Close()

	var onFile func(string, error)
	finish := func() {}
	if !jsonOutput {
		bar := newProgressBar(len(names), "Caching features", "images")
		onFile = func(string, error) { _ = bar.Add(1) }
		finish = func() {
			_ = bar.Finish()
			fmt.Fprintln(os.Stderr)
		}
	}

	result, err := id.Warm(ctx, cfg.Corpus.Dir, onFile)
	finish()
	if err != nil && result == nil {
		return err
	}

	duration := time.Since(startTime)
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(WarmCacheResult{
			WarmResult:    *result,
			Success:       err == nil,
			Backend:       cfg.Cache.Backend,
			DurationMs:    duration.Milliseconds(),
			DurationHuman: duration.Round(time.Millisecond).String(),
		}); encErr != nil {
			return encErr
		}
		return err
	}

	p := message.NewPrinter(language.English)
	p.Printf("Cached %d of %d images in %s (%d failed, backend %s)\n",
		result.Cached, result.Total, duration.Round(time.Millisecond), result.Failed, cfg.Cache.Backend)
	return err
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	if cmd.Flags().Changed("cache") {
		cfg.Cache.Backend = mustGetString(cmd, "cache")
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	ctx := context.Background()
	id, err := identify.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer id.Close()

	if err := id.ClearCache(ctx); err != nil {
		return err
	}
	fmt.Printf("Cleared %s feature cache\n", cfg.Cache.Backend)
	return nil
}
