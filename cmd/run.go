package cmd

import (
	"errors"
	"fmt"

	"inspire-scraper/db"
	"inspire-scraper/notify"
	"inspire-scraper/scheduler"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var (
		regionArgs []string
		districts  []string
		output     string
		xlsx       bool
		workers    int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Scrape contact details for the selected states and districts",
		Example: `  inspire-scraper run --regions kerala,31
  inspire-scraper run --regions all --districts "idukki,koll*" --xlsx`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if output == "" {
				output = cfg.Run.OutputDir
			}
			if workers == 0 {
				workers = cfg.Run.Workers
			}

			out, err := newOutputs(ctx, cfg, output, xlsx || cfg.Run.XLSX, logger)
			if err != nil {
				return err
			}
			defer out.close()

			runID := uuid.NewString()
			sinks, err := out.sinks(runID, cfg.Run.BatchSize, logger)
			if err != nil {
				return err
			}

			observers := notify.Multi{notify.NewLogObserver(logger)}
			tg, err := newTelegramObserver(cfg.Telegram, logger)
			if err != nil {
				return err
			}
			if tg != nil {
				defer tg.Close()
				observers = append(observers, tg)
			}

			runner := scheduler.NewRunner(cfg,
				scheduler.WithWorkers(workers),
				scheduler.WithRunnerLogger(logger),
			)
			report, runErr := runner.Run(ctx, scheduler.Job{
				ID:         runID,
				Regions:    regionArgs,
				Subregions: districts,
				Sinks:      sinks,
				Observer:   observers,
			})

			var closeErrs []error
			for _, s := range sinks {
				if err := s.Close(); err != nil {
					closeErrs = append(closeErrs, err)
				}
			}
			if runErr != nil {
				return runErr
			}

			summary := report.Summary()
			fmt.Fprintln(cmd.OutOrStdout(), summary)
			if out.sheets != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Sheet:", out.sheets.SheetURL(""))
			}
			if tg != nil {
				tg.Notify(summary)
			}

			if err := errors.Join(closeErrs...); err != nil {
				return fmt.Errorf("failed to finalize output: %w", err)
			}
			if scheduler.StatusFor(report, nil) == db.StatusFailed {
				return errors.New("every selected state failed")
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&regionArgs, "regions", "r", nil, "state ids or names, or \"all\" (default all)")
	cmd.Flags().StringSliceVarP(&districts, "districts", "d", nil, "district id, name or glob patterns (default all)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default from config)")
	cmd.Flags().BoolVar(&xlsx, "xlsx", false, "also write a single Excel workbook")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "states scraped in parallel (default from config)")
	return cmd
}
