package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/goldfish-inc/oceanid/groundtruth-stager/internal/env"
	"github.com/goldfish-inc/oceanid/groundtruth-stager/internal/groundtruth"
	"github.com/goldfish-inc/oceanid/groundtruth-stager/internal/metrics"
)

type options struct {
	s3Path         string
	manifest       string
	pushgatewayURL string
	now            func() time.Time
}

func newRootCommand() *cobra.Command {
	opts := options{now: time.Now}

	cmd := &cobra.Command{
		Use:   "manifest-builder <listing> <project-name>",
		Short: "Build a Ground Truth manifest from an image label listing",
		Long: "Deduplicates the listing by image key. When duplicates exist, writes the\n" +
			"deduplicated and duplicates reports next to the listing and stops.\n" +
			"Otherwise writes one manifest line per image.",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), args[0], args[1], opts)
		},
	}

	cmd.Flags().StringVar(&opts.s3Path, "s3-path", "",
		"S3 bucket and folder for the images, e.g. s3://bucket/folder/. If not supplied, column 1 must hold the full S3 path")
	cmd.Flags().StringVar(&opts.manifest, "manifest", "", "Manifest output path (default: listing name with .manifest)")
	cmd.Flags().StringVar(&opts.pushgatewayURL, "pushgateway", env.Get("PUSHGATEWAY_URL", ""), "Prometheus Pushgateway to push run metrics to")

	return cmd
}

func run(ctx context.Context, out io.Writer, listing, projectName string, opts options) error {
	start := time.Now()
	synth := groundtruth.NewSynthesizer(groundtruth.Config{
		PathPrefix:  opts.s3Path,
		ProjectName: projectName,
		Now:         opts.now,
	})

	report, err := synth.Build(listing, opts.manifest)
	metrics.ObserveBuild(report)
	metrics.StageDuration.WithLabelValues("manifest").Observe(time.Since(start).Seconds())
	defer pushMetrics(ctx, opts.pushgatewayURL)

	switch {
	case errors.Is(err, groundtruth.ErrDuplicatesFound):
		fmt.Fprintf(out, "Duplicates found. Use %s to view duplicates and then update %s.\n",
			report.DuplicatesPath, report.DeduplicatedPath)
		fmt.Fprintf(out, "%s contains the first occurrence of a duplicate. Update as necessary with the correct label information.\n",
			report.DeduplicatedPath)
		fmt.Fprintf(out, "Re-run with %s\n", report.DeduplicatedPath)
		return err
	case errors.Is(err, groundtruth.ErrNotFound):
		return fmt.Errorf("file not found: %w. Check your input listing", err)
	case err != nil:
		return err
	}

	fmt.Fprintf(out, "No duplicates found. Created manifest file %s\n", report.ManifestPath)
	fmt.Fprintf(out, "Images: %d\nLabels: %d\n", report.Result.ImageCount, report.Result.LabelCount)
	return nil
}

func pushMetrics(ctx context.Context, url string) {
	if url == "" {
		return
	}
	if err := metrics.Push(ctx, url, "manifest-builder"); err != nil {
		log.Printf("Warning: %v", err)
	}
}
