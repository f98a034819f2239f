package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/knowledged/internal/retrieval"
)

var (
	queryTopK      int
	queryThreshold float64
	queryJSON      bool
)

func init() {
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rebuildCmd)

	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 0, "maximum hits (default retrieval.top_k)")
	queryCmd.Flags().Float64VarP(&queryThreshold, "threshold", "t", 0, "minimum similarity in [0, 1] (default retrieval.similarity_threshold)")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "print the full result as JSON")
}

var queryCmd = &cobra.Command{
	Use:   "query <text>...",
	Short: "Run a retrieval query",
	Long: `Run a retrieval query against the data directory and print the ranked
hits followed by the assembled context.

Examples:
  knowledged query how much is the red mug
  knowledged query --top-k 3 --json "refund policy"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return writeJSON(cmd.OutOrStdout(), a.engine.IndexStatus(ctx))
		})
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the vector index from the record store",
	Long: `Re-embed every knowledge record and publish a fresh index generation.
Requires an embedding provider.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			desc, err := a.engine.RebuildIndex(ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), desc)
		})
	},
}

func runQuery(cmd *cobra.Command, args []string) error {
	q := retrieval.Query{
		Text: strings.Join(args, " "),
		TopK: queryTopK,
	}
	if cmd.Flags().Changed("threshold") {
		if queryThreshold < 0 || queryThreshold > 1 {
			return fmt.Errorf("threshold must be within [0, 1], got %g", queryThreshold)
		}
		t := queryThreshold
		q.Threshold = &t
	}
	if q.TopK < 0 {
		return fmt.Errorf("top-k must be >= 0, got %d", q.TopK)
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		res, err := a.engine.Retrieve(ctx, q)
		if err != nil {
			return err
		}
		if queryJSON {
			return writeJSON(cmd.OutOrStdout(), res)
		}
		printResult(cmd.OutOrStdout(), res)
		return nil
	})
}

func printResult(w io.Writer, res *retrieval.Result) {
	if len(res.Hits) == 0 {
		fmt.Fprintln(w, "No matches.")
		return
	}
	fmt.Fprintf(w, "%d hits (method %s, confidence %.2f", len(res.Hits), res.Method, res.Confidence)
	if res.Degraded {
		fmt.Fprintf(w, ", degraded: %s", res.DegradedReason)
	}
	fmt.Fprintln(w, ")")
	for i, h := range res.Hits {
		fmt.Fprintf(w, "%2d. [%s] %.3f  %s\n", i+1, h.ID, h.Score, h.Record.Question)
	}
	if res.Context != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, res.Context)
	}
}
