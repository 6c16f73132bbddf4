package cmd

import (
	"context"
	"fmt"
	"strconv"

	"inspire-scraper/db"
	"inspire-scraper/filter"
	"inspire-scraper/notify"
	"inspire-scraper/regions"

	"github.com/spf13/cobra"
)

func openDB(ctx context.Context) (*db.DB, error) {
	return db.NewDB(ctx, cfg.Database.URL, logger)
}

func enqueueCmd() *cobra.Command {
	var districts []string

	cmd := &cobra.Command{
		Use:     "enqueue [state...]",
		Short:   "Queue a job for the serve command",
		Example: `  inspire-scraper enqueue kerala "tamil nadu" --districts "koll*"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := regions.ResolveAll(args)
			if err != nil {
				return err
			}
			if _, err := filter.NewSelector(districts); err != nil {
				return err
			}

			database, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer database.Close()

			job, err := database.CreateJob(cmd.Context(), ids, districts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job #%d queued for %d state(s)\n", job.ID, len(job.Regions))
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&districts, "districts", "d", nil, "district id, name or glob patterns (default all)")
	return cmd
}

func statusCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status [job]",
		Short: "Show one job or the most recent jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer database.Close()

			if len(args) == 1 {
				id, err := parseJobID(args[0])
				if err != nil {
					return err
				}
				job, err := database.GetJob(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), notify.FormatJob(job))
				return nil
			}

			jobs, err := database.ListJobs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs yet.")
			}
			for _, job := range jobs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n\n", notify.FormatJob(job))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "number of jobs to list")
	return cmd
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <job>",
		Short: "Ask the serve command to stop a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}

			database, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer database.Close()

			if err := database.RequestStop(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stop requested for job #%d\n", id)
			return nil
		},
	}
}

func parseJobID(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", arg)
	}
	return id, nil
}
