package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dumbbond/ehri-rest/internal/acl"
	"github.com/dumbbond/ehri-rest/internal/actions"
	"github.com/dumbbond/ehri-rest/internal/digest"
	"github.com/dumbbond/ehri-rest/internal/graph"
	"github.com/dumbbond/ehri-rest/internal/registry"
	"github.com/dumbbond/ehri-rest/internal/views"
)

func digestCmd() *cobra.Command {
	var (
		as          string
		item        string
		limit       int
		aggregation string
		noLLM       bool
	)

	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Summarize recent activity, one line per aggregated group",
		Long: `Aggregates recent events and summarizes each group in one sentence. Claude
writes the summaries when an Anthropic API key is configured; otherwise, or
when a request fails, a fixed template is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			mode := defaultAggregation()
			if aggregation != "" {
				m, err := views.ParseAggregation(aggregation)
				if err != nil {
					return fmt.Errorf("digest: %w", err)
				}
				mode = m
			}
			q := views.NewQuery(logger).
				WithRange(0, limit).
				WithAggregation(mode).
				WithMaxAggregation(cfg.Events.MaxAggregation)

			st, closeStore, err := newStore(ctx, logger)
			if err != nil {
				return fmt.Errorf("digest: opening graph: %w", err)
			}
			defer closeStore()

			var groups [][]*actions.SystemEvent
			err = st.View(ctx, func(tx graph.Tx) error {
				a, err := acl.ResolveAccessor(ctx, tx, as)
				if err != nil {
					return err
				}
				e := views.NewEngine(tx, cfg.ACL.AdminGroup, logger)
				if item == "" {
					groups, err = e.Aggregate(ctx, q, a)
					return err
				}
				v, err := registry.Get(ctx, tx, item)
				if err != nil {
					return err
				}
				groups, err = e.AggregateForItem(ctx, q, v, a)
				return err
			})
			if err != nil {
				return fmt.Errorf("digest: %w", err)
			}

			var s digest.Summarizer = digest.TemplateSummarizer{}
			if cfg.Claude.APIKey != "" && !noLLM {
				s = digest.NewClaudeSummarizer(cfg.Claude.APIKey, cfg.Claude.Model, logger)
			}
			entries, err := digest.Digest(ctx, s, groups, logger)
			if err != nil {
				return fmt.Errorf("digest: %w", err)
			}

			for _, e := range entries {
				fmt.Printf("%s  %s\n", e.To, e.Summary)
			}
			if len(entries) == 0 {
				fmt.Println("No activity.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&as, "as", "", "id of the user to view events as (default: anonymous)")
	cmd.Flags().StringVar(&item, "item", "", "summarize one item's history instead of the global stream")
	cmd.Flags().IntVar(&limit, "limit", 10, "max groups to summarize")
	cmd.Flags().StringVar(&aggregation, "aggregation", "", "aggregation mode: off, strict, user")
	cmd.Flags().BoolVar(&noLLM, "no-llm", false, "always use the template summarizer")
	return cmd
}
