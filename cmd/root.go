package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"inspire-scraper/config"
	"inspire-scraper/logging"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string

	cfg       *config.Config
	logger    zerolog.Logger
	logCloser io.Closer
)

// ExecuteContext runs the CLI and exits non-zero on failure
func ExecuteContext(ctx context.Context) {
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "inspire-scraper",
		Short:         "Scrapes INSPIRE school contact details by replaying the public form",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}

			logger, logCloser, err = logging.Setup(cfg.Log)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if logCloser != nil {
				return logCloser.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	root.AddCommand(
		runCmd(),
		regionsCmd(),
		subregionsCmd(),
		serveCmd(),
		enqueueCmd(),
		statusCmd(),
		stopCmd(),
		captureCmd(),
	)
	return root
}
