package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/fingermatch/internal/config"
)

// mustGetBool gets a bool flag value or panics if the flag doesn't exist.
// This is appropriate for flags defined in init() - errors indicate programming bugs.
func mustGetBool(cmd *cobra.Command, name string) bool {
	val, err := cmd.Flags().GetBool(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// mustGetInt gets an int flag value or panics if the flag doesn't exist.
func mustGetInt(cmd *cobra.Command, name string) int {
	val, err := cmd.Flags().GetInt(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// mustGetString gets a string flag value or panics if the flag doesn't exist.
func mustGetString(cmd *cobra.Command, name string) string {
	val, err := cmd.Flags().GetString(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// mustGetFloat64 gets a float64 flag value or panics if the flag doesn't exist.
func mustGetFloat64(cmd *cobra.Command, name string) float64 {
	val, err := cmd.Flags().GetFloat64(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// addMatcherFlags registers the flags shared by commands that score images.
func addMatcherFlags(cmd *cobra.Command) {
	cmd.Flags().Float64("ratio", 0, "Ratio test threshold in (0, 1] (default from config, 0.1)")
	cmd.Flags().String("index", "", "Neighbor index: kdforest, hnsw or exact (default from config)")
	cmd.Flags().Bool("accept-lone", false, "Accept a query whose only neighbor is the first one")
	cmd.Flags().String("cache", "", "Feature cache: none, memory, file, sqlite or postgres (default from config)")
}

// applyMatcherFlags copies explicitly set flags into cfg and validates the result.
func applyMatcherFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("ratio") {
		cfg.Matcher.Ratio = mustGetFloat64(cmd, "ratio")
	}
	if flags.Changed("index") {
		cfg.Matcher.Index = mustGetString(cmd, "index")
	}
	if flags.Changed("accept-lone") {
		cfg.Matcher.AcceptLoneNeighbor = mustGetBool(cmd, "accept-lone")
	}
	if flags.Changed("cache") {
		cfg.Cache.Backend = mustGetString(cmd, "cache")
	}
	if flags.Lookup("workers") != nil && flags.Changed("workers") {
		cfg.Scan.Workers = mustGetInt(cmd, "workers")
	}
	if flags.Lookup("recompute-sample") != nil && flags.Changed("recompute-sample") {
		cfg.Scan.RecomputeSample = mustGetBool(cmd, "recompute-sample")
	}
	if flags.Lookup("corpus") != nil && flags.Changed("corpus") {
		cfg.Corpus.Dir = mustGetString(cmd, "corpus")
	}
	return cfg.Validate()
}
