package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mdobak/go-xerrors"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/fingermatch/internal/featurestore"
	"github.com/kozaktomas/fingermatch/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server",
	Long: `Start the Fingermatch web server.
The server exposes a JSON API for asynchronous corpus matches with
server-sent progress events, synchronous pair comparison and the match
overlay as PNG.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (default from config, 8080)")
	serveCmd.Flags().String("host", "", "Host to bind to (default from config, 127.0.0.1)")
	serveCmd.Flags().String("corpus", "", "Default corpus directory for match requests")
	serveCmd.Flags().String("root", "", "Directory that request paths must stay within (default from config, .)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Web.Port = mustGetInt(cmd, "port")
	}
	if flags.Changed("host") {
		cfg.Web.Host = mustGetString(cmd, "host")
	}
	if flags.Changed("corpus") {
		cfg.Corpus.Dir = mustGetString(cmd, "corpus")
	}
	if flags.Changed("root") {
		cfg.Web.Root = mustGetString(cmd, "root")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := featurestore.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open feature store: %w", err)
	}
	defer store.Close()
	logger.Info("feature cache ready", "backend", cfg.Cache.Backend)

	server := web.NewServer(cfg, store, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during shutdown", "error", xerrors.New(err))
		}
	}()

	fmt.Printf("Starting Fingermatch API on http://%s\n", server.Addr())
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		logger.Error("server stopped", "error", xerrors.New(err))
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
