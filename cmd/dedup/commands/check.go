package commands

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/viant/sqlite-dedup/dedup"
	"github.com/viant/sqlite-dedup/fingerprint"
)

var (
	checkChat    string
	checkMessage int64
)

var checkCmd = &cobra.Command{
	Use:   "check FILE...",
	Short: "Record images and report earlier duplicates",
	Long: `Fingerprint each image and record it under --chat. Files get
consecutive message ids starting at --message, in argument order.

Examples:
  dedup check --chat -1001789876771 --message 100 cat.jpg
  dedup check --chat 42 --message 1 a.png b.png c.png`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkChat, "chat", "", "chat id the images were posted to (required)")
	checkCmd.Flags().Int64Var(&checkMessage, "message", 1, "message id of the first image")
	_ = checkCmd.MarkFlagRequired("chat")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	if checkChat == "" {
		return fmt.Errorf("--chat is required")
	}
	ctx := cmd.Context()
	return withService(ctx, func(svc *dedup.Service) error {
		fps, err := hashFiles(ctx, svc.Detector(), args)
		if err != nil {
			return err
		}
		// Recording stays in argument order so message ids and outcomes are
		// reproducible.
		out := cmd.OutOrStdout()
		for i, fp := range fps {
			id := checkMessage + int64(i)
			res, err := svc.Detector().Check(ctx, checkChat, id, fp)
			if err != nil {
				return fmt.Errorf("%s: %w", args[i], err)
			}
			if res.Report.Empty() {
				fmt.Fprintf(out, "%s: message %d new (%s)\n", args[i], id, fp.Hex())
				continue
			}
			fmt.Fprintf(out, "%s: message %d\n", args[i], id)
			for _, line := range res.Report.Lines() {
				fmt.Fprintf(out, "  %s\n", line)
			}
		}
		return nil
	})
}

// hashFiles decodes and fingerprints files in parallel.
func hashFiles(ctx context.Context, d *dedup.Detector, files []string) ([]fingerprint.Fingerprint, error) {
	fps := make([]fingerprint.Fingerprint, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, name := range files {
		g.Go(func() error {
			f, err := os.Open(name)
			if err != nil {
				return err
			}
			defer f.Close()
			fp, err := d.Hash(ctx, f)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			fps[i] = fp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return fps, nil
}
