package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/fingermatch/internal/config"
	"github.com/kozaktomas/fingermatch/internal/identify"
)

// Build metadata variables, set by -ldflags at compile time.
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fingermatch %s\n", Version)
		fmt.Printf("  Commit:    %s\n", CommitSHA)
		fmt.Printf("  Built:     %s\n", BuildDate)
		fmt.Printf("  Go:        %s\n", runtime.Version())
		if ex, err := identify.NewExtractor(config.Default().Extractor); err == nil {
			fmt.Printf("  Extractor: %s\n", ex.Fingerprint())
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
