package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/viant/sqlite-dedup/dedup"
)

var partitionsCmd = &cobra.Command{
	Use:     "partitions",
	Aliases: []string{"ls"},
	Short:   "List conversations and their record counts",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withService(ctx, func(svc *dedup.Service) error {
			parts, err := svc.Partitions(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tNAME\tRECORDS")
			for _, p := range parts {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", p.Key, p.Name, p.Records)
			}
			return tw.Flush()
		})
	},
}

var rebuildFilterCmd = &cobra.Command{
	Use:   "rebuild-filter",
	Short: "Re-add every stored fingerprint to the pre-filter and save it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withService(ctx, func(svc *dedup.Service) error {
			n, err := svc.RebuildFilter(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %d fingerprints\n", n)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(partitionsCmd)
	rootCmd.AddCommand(rebuildFilterCmd)
}
