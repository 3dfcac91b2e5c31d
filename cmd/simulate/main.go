// Command simulate generates synthetic benchmark data and exercises the
// ranking engine in process or against a running server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/benchrank/internal/domain/model"
	"github.com/okian/benchrank/internal/domain/types"
	"github.com/okian/benchrank/internal/simulate"
	"github.com/okian/benchrank/pkg/logger"
)

// Default flag values.
const (
	defaultURL     = "http://localhost:9080"
	defaultTop     = 10
	defaultTimeout = 30 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "simulate",
		Short:         "Generate benchmark activity and drive the ranking engine",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if err := logger.Init(); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			return logger.SetLevelString(logLevel)
		},
		PersistentPostRun: func(*cobra.Command, []string) { _ = logger.Sync() },
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(newLocalCmd(), newGenerateCmd(), newTriggerCmd(), newRankingsCmd())
	return root
}

func scenarioFlags(cmd *cobra.Command, s *simulate.Scenario) {
	f := cmd.Flags()
	f.Uint64Var(&s.Seed, "seed", s.Seed, "random seed")
	f.IntVar(&s.Models, "models", s.Models, "number of models")
	f.IntVar(&s.Matches, "matches", s.Matches, "number of pairwise matches")
	f.IntVar(&s.Users, "users", s.Users, "number of users")
	f.IntVar(&s.Prompts, "prompts", s.Prompts, "number of prompts")
	f.IntVar(&s.PromptSets, "sets", s.PromptSets, "number of prompt sets")
	f.IntVar(&s.Responses, "responses", s.Responses, "number of responses")
	f.IntVar(&s.Signals, "signals", s.Signals, "number of review signals")
	f.Float64Var(&s.TieRate, "tie-rate", s.TieRate, "share of tied matches")
	f.Float64Var(&s.MalformedRate, "malformed-rate", s.MalformedRate, "share of signals with unknown targets")
}

func newLocalCmd() *cobra.Command {
	s := simulate.DefaultScenario()
	workers := runtime.NumCPU()
	minConcordance := simulate.DefaultMinConcordance
	top := defaultTop

	cmd := &cobra.Command{
		Use:   "local",
		Short: "Run one computation in process and verify the model ranking",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := simulate.RunLocal(cmd.Context(), s, workers, minConcordance, simulate.WithLogger(logger.Named("simulate")))
			if res != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "epoch %d: matches=%d models=%d skipped=%d concordance=%.2f\n",
					res.Report.ComputationID, res.Report.MatchesProcessed, res.Report.ModelsUpdated,
					res.Report.Skipped, res.Concordance)
				printPages(cmd, res.Rankings, top)
			}
			return err
		},
	}
	scenarioFlags(cmd, &s)
	cmd.Flags().IntVar(&workers, "workers", workers, "concurrent loaders")
	cmd.Flags().Float64Var(&minConcordance, "min-concordance", minConcordance, "required share of correctly ordered model pairs")
	cmd.Flags().IntVar(&top, "top", top, "rows printed per ranking")
	return cmd
}

func newGenerateCmd() *cobra.Command {
	s := simulate.DefaultScenario()
	var output string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a synthetic dataset to a JSON file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ds, err := simulate.Generate(s)
			if err != nil {
				return err
			}
			name, err := simulate.SaveDataset(cmd.Context(), ds, output, simulate.WithLogger(logger.Named("simulate")))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}
	scenarioFlags(cmd, &s)
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: dataset_TIMESTAMP.json)")
	return cmd
}

func newTriggerCmd() *cobra.Command {
	url := defaultURL
	timeout := defaultTimeout
	top := defaultTop

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Trigger a computation on a running server and print the rankings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, pages, err := simulate.RunRemote(cmd.Context(), simulate.NewClient(url, timeout), top)
			printReport(cmd, report)
			printPages(cmd, pages, top)
			return err
		},
	}
	cmd.Flags().StringVar(&url, "url", url, "base URL of the service")
	cmd.Flags().DurationVar(&timeout, "timeout", timeout, "HTTP request timeout")
	cmd.Flags().IntVar(&top, "top", top, "rows fetched per ranking")
	return cmd
}

func newRankingsCmd() *cobra.Command {
	url := defaultURL
	timeout := defaultTimeout
	var offset, minSamples int
	limit := defaultTop

	cmd := &cobra.Command{
		Use:       "rankings <kind>",
		Short:     "Print one page of a published ranking",
		Args:      cobra.ExactArgs(1),
		ValidArgs: kindNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, ok := model.ParseRankingKind(args[0])
			if !ok {
				return fmt.Errorf("unknown ranking kind %q", args[0])
			}
			page, err := simulate.NewClient(url, timeout).Page(cmd.Context(), kind, offset, limit, minSamples)
			if err != nil {
				return err
			}
			printPages(cmd, map[model.RankingKind]types.Page{kind: page}, limit)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", url, "base URL of the service")
	cmd.Flags().DurationVar(&timeout, "timeout", timeout, "HTTP request timeout")
	cmd.Flags().IntVar(&limit, "limit", limit, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	cmd.Flags().IntVar(&minSamples, "min-samples", 0, "hide rows with fewer samples")
	return cmd
}

func kindNames() []string {
	out := make([]string, 0, len(model.AllKinds()))
	for _, k := range model.AllKinds() {
		out = append(out, string(k))
	}
	return out
}

func printReport(cmd *cobra.Command, r types.RunReport) {
	w := cmd.OutOrStdout()
	if !r.Success {
		fmt.Fprintf(w, "computation failed: epoch=%d error=%s\n", r.ComputationID, r.Error)
		return
	}
	fmt.Fprintf(w, "epoch %d: matches=%d models=%d new=%d skipped=%d elapsed=%dms\n",
		r.ComputationID, r.MatchesProcessed, r.ModelsUpdated, r.NewModelsAdded, r.Skipped, r.ElapsedMs)
}

func printPages(cmd *cobra.Command, pages map[model.RankingKind]types.Page, top int) {
	w := cmd.OutOrStdout()
	for _, kind := range model.AllKinds() {
		page, ok := pages[kind]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "\n%s (epoch %d, %d rows)\n", kind, page.EpochID, page.Total)
		for i, e := range page.Entries {
			if i >= top {
				break
			}
			score := "null"
			if e.Score != nil {
				score = fmt.Sprintf("%.4f", *e.Score)
			}
			fmt.Fprintf(w, "  %3d  %-20s %12s  n=%d\n", e.Rank, e.SubjectID, score, e.SampleSize)
		}
	}
}
