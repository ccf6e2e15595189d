package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/scribe/internal/model"
	"github.com/MikeSquared-Agency/scribe/internal/pipeline"
)

type runOptions struct {
	days    int
	threads bool
	kind    string
	budget  int
}

func newBackupCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "backup <channel>",
		Short: "Extract a channel's history and save it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, func(ctx context.Context, r *pipeline.Runner, req pipeline.Request) (*pipeline.Result, error) {
				return r.Backup(ctx, req)
			}, args[0], opts)
		},
	}
	cmd.Flags().IntVar(&opts.days, "days", 0, "days of history to extract (default: news_days)")
	cmd.Flags().BoolVar(&opts.threads, "threads", true, "also fetch thread replies")
	return cmd
}

func newUpdateCanvasCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "update-canvas <channel>",
		Short: "Extract, summarize and publish a channel's news canvas",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, func(ctx context.Context, r *pipeline.Runner, req pipeline.Request) (*pipeline.Result, error) {
				return r.Run(ctx, req)
			}, args[0], opts)
		},
	}
	cmd.Flags().IntVar(&opts.days, "days", 0, "days of history to summarize (default: news_days)")
	cmd.Flags().BoolVar(&opts.threads, "threads", true, "include thread replies")
	cmd.Flags().StringVar(&opts.kind, "kind", string(model.KindNews), "canvas kind")
	cmd.Flags().IntVar(&opts.budget, "budget", 0, "summary token budget (default: summarize.budget_tokens)")
	return cmd
}

type runFunc func(ctx context.Context, r *pipeline.Runner, req pipeline.Request) (*pipeline.Result, error)

func runOnce(cmd *cobra.Command, run runFunc, channel string, opts runOptions) error {
	if opts.days < 0 || opts.budget < 0 {
		return fmt.Errorf("--days and --budget must not be negative")
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, false, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := run(ctx, a.runner, pipeline.Request{
		Channel:     channel,
		Days:        opts.days,
		Kind:        model.DocumentKind(opts.kind),
		Threads:     opts.threads,
		Budget:      opts.budget,
		RequestedBy: "cli",
	})
	if err != nil {
		return err
	}
	return printResult(cmd, res)
}

type resultView struct {
	RunID          string `json:"run_id"`
	Channel        string `json:"channel"`
	ChannelName    string `json:"channel_name,omitempty"`
	Days           int    `json:"days"`
	ArtifactID     string `json:"artifact_id,omitempty"`
	Location       string `json:"location,omitempty"`
	ContentHash    string `json:"content_hash,omitempty"`
	Events         int    `json:"events"`
	Partial        bool   `json:"partial,omitempty"`
	MissingThreads int    `json:"missing_threads,omitempty"`
	DocumentID     string `json:"document_id,omitempty"`
	Unchanged      bool   `json:"unchanged,omitempty"`
	Skipped        bool   `json:"skipped,omitempty"`
	LLMCalls       int    `json:"llm_calls,omitempty"`
}

func printResult(cmd *cobra.Command, res *pipeline.Result) error {
	v := resultView{
		RunID:       res.RunID.String(),
		Channel:     string(res.Channel),
		ChannelName: res.ChannelName,
		Days:        res.Days,
		Location:    res.Ref.Location,
		Skipped:     res.Skipped,
	}
	if art := res.Artifact; art != nil {
		v.ContentHash = art.ContentHash
		v.Events = art.EventCount()
		v.Partial = art.Partial
		v.MissingThreads = len(art.MissingThreads)
	}
	if !res.Skipped {
		v.ArtifactID = res.Ref.ID.String()
	}
	if res.Summary != nil {
		v.LLMCalls = res.Summary.Stats.Calls
	}
	if res.Document != nil {
		v.DocumentID = res.Document.DocumentID
		v.Unchanged = res.Document.Unchanged
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("print result: %w", err)
	}
	return nil
}
