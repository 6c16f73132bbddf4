package cmd

import (
	"fmt"
	"strings"
	"time"

	"inspire-scraper/config"
	"inspire-scraper/fetcher"

	"github.com/spf13/cobra"
)

func captureCmd() *cobra.Command {
	var (
		region, district, school string
		dir, browserBin          string
		stepTimeout              time.Duration
	)

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Record raw postback responses from the live form as test fixtures",
		Long: `Drives the live form in a headless browser through the given state,
district and school and saves every partial-postback body it observes.`,
		Example: `  inspire-scraper capture --region 18 --district 201 --school 9001 --dir testdata/live`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recorder, err := fetcher.NewRecorder(fetcher.RecorderOptions{
				BinPath:     browserBin,
				StepTimeout: stepTimeout,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			defer recorder.Close()

			files, err := recorder.Capture(cmd.Context(), cfg.Target.URL, dir, captureSteps(cfg.Form, region, district, school))
			for _, f := range files {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&region, "region", "", "state id to select")
	cmd.Flags().StringVar(&district, "district", "", "district id to select")
	cmd.Flags().StringVar(&school, "school", "", "school id to submit")
	cmd.Flags().StringVar(&dir, "dir", "testdata/capture", "directory for the captured bodies")
	cmd.Flags().StringVar(&browserBin, "browser", "", "path to a Chromium binary (default: download or system browser)")
	cmd.Flags().DurationVar(&stepTimeout, "step-timeout", 30*time.Second, "time to wait for each postback")
	cmd.MarkFlagRequired("region")
	return cmd
}

// captureSteps replays the selection chain as far as the given ids reach
func captureSteps(form config.FormConfig, region, district, school string) []fetcher.CaptureStep {
	steps := []fetcher.CaptureStep{
		{Name: "mode", Selector: elementSelector(form.ModeTarget)},
		{Name: "region", Selector: "#" + form.RegionSelectID, Value: region},
	}
	if district == "" {
		return steps
	}
	steps = append(steps, fetcher.CaptureStep{Name: "subregion", Selector: "#" + form.SubregionListID, Value: district})
	if school == "" {
		return steps
	}
	return append(steps,
		fetcher.CaptureStep{Name: "leaf", Selector: "#" + form.LeafSelectID, Value: school},
		fetcher.CaptureStep{Name: "submit", Selector: elementSelector(form.SubmitTarget)},
	)
}

// elementSelector turns a postback name into the rendered element id selector
func elementSelector(name string) string {
	return "#" + strings.ReplaceAll(name, "$", "_")
}
