package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/kozaktomas/fingermatch/internal/identify"
	"github.com/kozaktomas/fingermatch/internal/render"
	"github.com/kozaktomas/fingermatch/internal/scanner"
)

var matchCmd = &cobra.Command{
	Use:   "match <sample>",
	Short: "Find the best matching image in the corpus",
	Long: `Compare a sample fingerprint image against every image in the corpus
directory and report the candidate with the highest match score.

The score is the number of keypoint matches that pass the ratio test divided
by the smaller keypoint count of the pair, as a percentage. Ties keep the
candidate that comes first in file name order.

Examples:
  # Scan the default corpus
  fingermatch match samples/1__M_Left_index_finger_CR.BMP

  # Use a looser ratio test and save the match overlay
  fingermatch match sample.bmp --corpus archive/SOCOFing/Real --ratio 0.7 --overlay match.png

  # Exact neighbor search, JSON output for scripting
  fingermatch match sample.bmp --index exact --json`,
	Args: cobra.ExactArgs(1),
	RunE: runMatch,
}

func init() {
	rootCmd.AddCommand(matchCmd)

	matchCmd.Flags().String("corpus", "", "Corpus directory (default from config)")
	matchCmd.Flags().Int("workers", 0, "Number of parallel workers (0 = one per CPU)")
	matchCmd.Flags().Bool("recompute-sample", false, "Extract sample features again for every candidate")
	matchCmd.Flags().String("overlay", "", "Write the match overlay PNG to this path")
	matchCmd.Flags().Float64("overlay-scale", 1, "Scale factor applied to the overlay")
	matchCmd.Flags().Bool("json", false, "Output as JSON instead of text")
	addMatcherFlags(matchCmd)
}

func runMatch(cmd *cobra.Command, args []string) error {
	samplePath := args[0]
	overlayPath := mustGetString(cmd, "overlay")
	overlayScale := mustGetFloat64(cmd, "overlay-scale")
	jsonOutput := mustGetBool(cmd, "json")

	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	if err := applyMatcherFlags(cmd, cfg); err != nil {
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

	var bar *progressbar.ProgressBar
	progress := func(p scanner.Progress) {
		if jsonOutput {
			return
		}
		if bar == nil {
			bar = newProgressBar(p.Total, "Matching", "images")
		}
		_ = bar.Add(1)
	}

	outcome, err := id.Identify(ctx, samplePath, cfg.Corpus.Dir, progress)
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
	interrupted := errors.Is(err, context.Canceled)
	if outcome == nil || (err != nil && !interrupted) {
		return err
	}

	if overlayPath != "" && outcome.Found {
		if err := render.SavePNG(overlayPath, render.Scale(outcome.Overlay, overlayScale)); err != nil {
			return err
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(outcome); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
	} else {
		printOutcome(outcome, overlayPath)
	}

	if interrupted {
		return errors.New("scan interrupted, result covers only the candidates processed so far")
	}
	return nil
}

func newProgressBar(total int, description, unit string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString(unit),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

func printOutcome(outcome *identify.Outcome, overlayPath string) {
	p := message.NewPrinter(language.English)

	if !outcome.Found {
		fmt.Println("No match found.")
	} else {
		p.Printf("Best match: %s\n", outcome.Filename)
		p.Printf("Score:      %.2f\n", outcome.Score)
		p.Printf("Matches:    %d (sample %d keypoints, candidate %d keypoints)\n",
			outcome.Matches, outcome.SampleKeypoints, outcome.CandidateKeypoints)
		if overlayPath != "" {
			fmt.Printf("Overlay:    %s\n", overlayPath)
		}
	}

	s := outcome.Summary
	p.Printf("\nScanned %d of %d candidates with %s, %d skipped\n", s.Processed, s.Total, outcome.Algorithm, s.Skipped)
	if !outcome.Reproducible {
		fmt.Println("Note: approximate index, repeated runs may report a different match.")
	}
	if s.Scored > 0 {
		p.Printf("Scores: mean %.2f, stddev %.2f, max %.2f\n", s.Mean, s.StdDev, s.Max)
	}
	for _, reason := range slices.Sorted(maps.Keys(s.SkipReasons)) {
		p.Printf("  %s: %d\n", reason, s.SkipReasons[reason])
	}
}
