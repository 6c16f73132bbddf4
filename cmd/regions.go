package cmd

import (
	"fmt"
	"strings"

	"inspire-scraper/models"
	"inspire-scraper/regions"
	"inspire-scraper/scraper"

	"github.com/spf13/cobra"
)

func regionsCmd() *cobra.Command {
	var live bool

	cmd := &cobra.Command{
		Use:   "regions",
		Short: "List state ids and names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			options := regions.All()
			if live {
				session, err := scraper.NewSession(cfg, scraper.WithLogger(logger))
				if err != nil {
					return err
				}
				defer session.Shutdown()

				if err := session.Initialize(cmd.Context()); err != nil {
					return err
				}
				if options, err = session.SelectMode(cmd.Context()); err != nil {
					return err
				}
			}
			printOptions(cmd, options)
			return nil
		},
	}

	cmd.Flags().BoolVar(&live, "live", false, "read the list from the site instead of the built-in table")
	return cmd
}

func subregionsCmd() *cobra.Command {
	var district string

	cmd := &cobra.Command{
		Use:   "subregions <state>",
		Short: "List the districts of a state, or the schools of one district",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			regionID, ok := regions.Resolve(args[0])
			if !ok {
				return fmt.Errorf("unknown region %q", args[0])
			}

			session, err := scraper.NewSession(cfg, scraper.WithLogger(logger))
			if err != nil {
				return err
			}
			defer session.Shutdown()
			session.LearnRegions(regions.All())

			if err := session.Initialize(ctx); err != nil {
				return err
			}
			if _, err := session.SelectMode(ctx); err != nil {
				return err
			}
			districts, err := session.SelectRegion(ctx, regionID)
			if err != nil {
				return err
			}
			if district == "" {
				printOptions(cmd, districts)
				return nil
			}

			districtID, ok := resolveOption(districts, district)
			if !ok {
				return fmt.Errorf("unknown district %q in %s", district, regions.Name(regionID))
			}
			schools, err := session.SelectSubregion(ctx, regionID, districtID)
			if err != nil {
				return err
			}
			printOptions(cmd, schools)
			return nil
		},
	}

	cmd.Flags().StringVarP(&district, "district", "d", "", "list the schools of this district id or name")
	return cmd
}

// resolveOption matches an id first, then a case-insensitive label
func resolveOption(options models.OptionMap, idOrName string) (string, bool) {
	if _, ok := options[idOrName]; ok {
		return idOrName, true
	}
	for _, id := range options.IDs() {
		if strings.EqualFold(options[id], strings.TrimSpace(idOrName)) {
			return id, true
		}
	}
	return "", false
}

func printOptions(cmd *cobra.Command, options models.OptionMap) {
	for _, id := range options.IDs() {
		fmt.Fprintf(cmd.OutOrStdout(), "%s - %s\n", id, options[id])
	}
}
