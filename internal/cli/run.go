package cli

import (
	"time"

	"github.com/spf13/cobra"

	"skulink/internal/service"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Ingest the feed, replicate the catalog and link similar products",
	Args:  cobra.NoArgs,
	RunE:  runPipeline,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load the feed into the catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := setup(cmd, true)
		if err != nil {
			return err
		}
		defer e.Close()
		start := time.Now()
		p := e.pipeline()
		if err := p.Prepare(cmd.Context()); err != nil {
			return err
		}
		var sum service.Summary
		sum.Ingested, sum.Skipped, err = p.Ingest(cmd.Context(), e.cfg.Feed.Path)
		if err != nil {
			return err
		}
		cmd.Println(renderSummary(sum, time.Since(start)))
		return nil
	},
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Replicate the catalog into the search index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := setup(cmd, true)
		if err != nil {
			return err
		}
		defer e.Close()
		start := time.Now()
		var sum service.Summary
		if sum.Replicated, err = e.pipeline().Replicate(cmd.Context()); err != nil {
			return err
		}
		cmd.Println(renderSummary(sum, time.Since(start)))
		return nil
	},
}

var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Store the most similar products of every catalog record",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := setup(cmd, true)
		if err != nil {
			return err
		}
		defer e.Close()
		start := time.Now()
		var sum service.Summary
		if sum.Linked, err = e.pipeline().Link(cmd.Context()); err != nil {
			return err
		}
		cmd.Println(renderSummary(sum, time.Since(start)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd, ingestCmd, indexCmd, linkCmd)
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	e, err := setup(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()

	start := time.Now()
	sum, err := e.pipeline().Run(cmd.Context(), e.cfg.Feed.Path)
	if err != nil {
		return err
	}
	e.log.Info().
		Int("ingested", sum.Ingested).
		Int("skipped", sum.Skipped).
		Int("replicated", sum.Replicated).
		Int("linked", sum.Linked).
		Dur("elapsed", time.Since(start)).
		Msg("pipeline finished")
	cmd.Println(renderSummary(sum, time.Since(start)))
	return nil
}
