package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/kozaktomas/fingermatch/internal/identify"
	"github.com/kozaktomas/fingermatch/internal/render"
)

var compareCmd = &cobra.Command{
	Use:   "compare <sample> <candidate>",
	Short: "Score one image pair",
	Long: `Score a candidate image against a sample without scanning a corpus.

Examples:
  fingermatch compare sample.bmp archive/SOCOFing/Real/1__M_Left_index_finger.BMP
  fingermatch compare a.png b.png --index exact --overlay pair.png`,
	Args: cobra.ExactArgs(2),
	RunE: runCompare,
}

func init() {
	rootCmd.AddCommand(compareCmd)

	compareCmd.Flags().String("overlay", "", "Write the match overlay PNG to this path")
	compareCmd.Flags().Float64("overlay-scale", 1, "Scale factor applied to the overlay")
	compareCmd.Flags().Bool("json", false, "Output as JSON instead of text")
	addMatcherFlags(compareCmd)
}

func runCompare(cmd *cobra.Command, args []string) error {
	overlayPath := mustGetString(cmd, "overlay")
	jsonOutput := mustGetBool(cmd, "json")

	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	if err := applyMatcherFlags(cmd, cfg); err != nil {
		return err
	}

	ctx := context.Background()
	id, err := identify.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer id.Close()

	outcome, err := id.Compare(ctx, args[0], args[1])
	if err != nil {
		return err
	}

	if overlayPath != "" && outcome.Found {
		scaled := render.Scale(outcome.Overlay, mustGetFloat64(cmd, "overlay-scale"))
		if err := render.SavePNG(overlayPath, scaled); err != nil {
			return err
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(outcome)
	}

	p := message.NewPrinter(language.English)
	if !outcome.Found {
		p.Printf("Not comparable: %s (sample %d keypoints, candidate %d keypoints)\n",
			outcome.Reason, outcome.SampleKeypoints, outcome.CandidateKeypoints)
		return nil
	}
	p.Printf("Score:   %.2f\n", outcome.Score)
	p.Printf("Matches: %d (sample %d keypoints, candidate %d keypoints)\n",
		outcome.Matches, outcome.SampleKeypoints, outcome.CandidateKeypoints)
	if overlayPath != "" {
		fmt.Printf("Overlay: %s\n", overlayPath)
	}
	return nil
}
