package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dumbbond/ehri-rest/internal/acl"
	"github.com/dumbbond/ehri-rest/internal/actions"
	"github.com/dumbbond/ehri-rest/internal/graph"
	"github.com/dumbbond/ehri-rest/internal/registry"
	"github.com/dumbbond/ehri-rest/internal/views"
)

// eventFlags are the query flags shared by the events subcommands.
type eventFlags struct {
	as          string
	types       []string
	classes     []string
	ids         []string
	users       []string
	show        []string
	from        string
	to          string
	offset      int
	limit       int
	aggregation string
	asJSON      bool
}

func (f *eventFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.as, "as", "", "id of the user to view events as (default: anonymous)")
	cmd.Flags().StringSliceVar(&f.types, "type", nil, "event types to include")
	cmd.Flags().StringSliceVar(&f.classes, "class", nil, "entity classes of the first subject to include")
	cmd.Flags().StringSliceVar(&f.ids, "item", nil, "only events whose first subject has one of these ids")
	cmd.Flags().StringSliceVar(&f.users, "user", nil, "only events by these actioners")
	cmd.Flags().StringSliceVar(&f.show, "show", nil, "personal stream content: watched, followed")
	cmd.Flags().StringVar(&f.from, "from", "", "earliest timestamp, inclusive")
	cmd.Flags().StringVar(&f.to, "to", "", "latest timestamp, inclusive")
	cmd.Flags().IntVar(&f.offset, "offset", 0, "events or groups to skip")
	cmd.Flags().IntVar(&f.limit, "limit", -1, "max events or groups (default: events.default_limit)")
	cmd.Flags().StringVar(&f.aggregation, "aggregation", "", "aggregation mode for grouped output: off, strict, user")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "print JSON")
}

func (f *eventFlags) query(cmd *cobra.Command) (views.Query, error) {
	limit := f.limit
	if !cmd.Flags().Changed("limit") {
		limit = cfg.Events.DefaultLimit
	}
	q := views.NewQuery(newLogger()).
		WithRange(f.offset, limit).
		WithAggregation(defaultAggregation()).
		WithMaxAggregation(cfg.Events.MaxAggregation).
		WithEventTypeNames(f.types...).
		WithEntityClassNames(f.classes...).
		WithIDs(f.ids...).
		WithUsers(f.users...).
		WithShowTypeNames(f.show...).
		WithFrom(f.from).
		WithTo(f.to)
	if f.aggregation != "" {
		mode, err := views.ParseAggregation(f.aggregation)
		if err != nil {
			return q, err
		}
		q = q.WithAggregation(mode)
	}
	return q, nil
}

// eventSource runs one kind of event query. target is the vertex named by
// the command's argument, or nil.
type eventSource struct {
	list      func(ctx context.Context, e *views.Engine, q views.Query, target *graph.Vertex, a acl.Accessor) ([]*actions.SystemEvent, error)
	aggregate func(ctx context.Context, e *views.Engine, q views.Query, target *graph.Vertex, a acl.Accessor) ([][]*actions.SystemEvent, error)
	accessor  bool // target must be a user or group
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the event log",
	}

	cmd.AddCommand(
		eventsSubCmd("list", "List the global event stream", false, eventSource{
			list: func(ctx context.Context, e *views.Engine, q views.Query, _ *graph.Vertex, a acl.Accessor) ([]*actions.SystemEvent, error) {
				return e.List(ctx, q, a)
			},
		}),
		eventsSubCmd("aggregate", "List the global event stream in aggregated groups", true, eventSource{
			aggregate: func(ctx context.Context, e *views.Engine, q views.Query, _ *graph.Vertex, a acl.Accessor) ([][]*actions.SystemEvent, error) {
				return e.Aggregate(ctx, q, a)
			},
		}),
		eventsSubCmd("history <item-id>", "List the events recorded against an item", false, eventSource{
			list: func(ctx context.Context, e *views.Engine, q views.Query, t *graph.Vertex, a acl.Accessor) ([]*actions.SystemEvent, error) {
				return e.ListForItem(ctx, q, t, a)
			},
			aggregate: func(ctx context.Context, e *views.Engine, q views.Query, t *graph.Vertex, a acl.Accessor) ([][]*actions.SystemEvent, error) {
				return e.AggregateForItem(ctx, q, t, a)
			},
		}),
		eventsSubCmd("actions <user-id>", "List the actions performed by a user", false, eventSource{
			list: func(ctx context.Context, e *views.Engine, q views.Query, t *graph.Vertex, a acl.Accessor) ([]*actions.SystemEvent, error) {
				return e.ListByUser(ctx, q, t, a)
			},
			aggregate: func(ctx context.Context, e *views.Engine, q views.Query, t *graph.Vertex, a acl.Accessor) ([][]*actions.SystemEvent, error) {
				return e.AggregateByUser(ctx, q, t, a)
			},
			accessor: true,
		}),
		eventsSubCmd("personal <user-id>", "List a user's personalised stream of watched items and followed users", false, eventSource{
			list: func(ctx context.Context, e *views.Engine, q views.Query, t *graph.Vertex, a acl.Accessor) ([]*actions.SystemEvent, error) {
				return e.ListAsUser(ctx, q, t, a)
			},
			aggregate: func(ctx context.Context, e *views.Engine, q views.Query, t *graph.Vertex, a acl.Accessor) ([][]*actions.SystemEvent, error) {
				return e.AggregateAsUser(ctx, q, t, a)
			},
			accessor: true,
		}),
	)
	return cmd
}

// eventsSubCmd builds one events subcommand. Subcommands with both list and
// aggregate print groups when --aggregation is given.
func eventsSubCmd(use, short string, grouped bool, src eventSource) *cobra.Command {
	var f eventFlags
	takesArg := strings.Contains(use, "<")

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()
			name := cmd.Name()

			q, err := f.query(cmd)
			if err != nil {
				return fmt.Errorf("events %s: %w", name, err)
			}
			aggregate := grouped || (f.aggregation != "" && src.aggregate != nil)

			st, closeStore, err := newStore(ctx, logger)
			if err != nil {
				return fmt.Errorf("events %s: opening graph: %w", name, err)
			}
			defer closeStore()

			var (
				events []*actions.SystemEvent
				groups [][]*actions.SystemEvent
			)
			err = st.View(ctx, func(tx graph.Tx) error {
				a, err := acl.ResolveAccessor(ctx, tx, f.as)
				if err != nil {
					return err
				}
				var target *graph.Vertex
				if takesArg {
					if target, err = registry.Get(ctx, tx, args[0]); err != nil {
						return err
					}
					if src.accessor && !registry.ClassOf(target).IsAccessor() {
						return fmt.Errorf("%s is not a user or group", args[0])
					}
				}
				e := views.NewEngine(tx, cfg.ACL.AdminGroup, logger)
				if aggregate {
					groups, err = src.aggregate(ctx, e, q, target, a)
				} else {
					events, err = src.list(ctx, e, q, target, a)
				}
				return err
			})
			if err != nil {
				return fmt.Errorf("events %s: %w", name, err)
			}

			if f.asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if aggregate {
					return enc.Encode(groups)
				}
				return enc.Encode(events)
			}
			if aggregate {
				printGroups(groups)
			} else {
				printEvents(events)
			}
			return nil
		},
	}
	if takesArg {
		cmd.Args = cobra.ExactArgs(1)
	} else {
		cmd.Args = cobra.NoArgs
	}
	f.register(cmd)
	return cmd
}

func printEvents(events []*actions.SystemEvent) {
	for i, ev := range events {
		fmt.Printf("[%d] %s %s by %s on %s\n", i+1, ev.Timestamp, ev.EventType, actionerName(ev), subjectList(ev))
		if msg := ev.Message(); msg != "" {
			fmt.Printf("    %s\n", truncate(msg, 100))
		}
	}
	if len(events) == 0 {
		fmt.Println("No events found.")
	}
}

func printGroups(groups [][]*actions.SystemEvent) {
	for i, g := range groups {
		head := g[0]
		fmt.Printf("[%d] %d × %s by %s on %s (%s .. %s)\n", i+1, len(g), head.EventType,
			actionerName(head), subjectList(head), g[len(g)-1].Timestamp, head.Timestamp)
		if msg := head.Message(); msg != "" {
			fmt.Printf("    %s\n", truncate(msg, 100))
		}
	}
	if len(groups) == 0 {
		fmt.Println("No events found.")
	}
}

func actionerName(ev *actions.SystemEvent) string {
	if id := ev.ActionerID(); id != "" {
		return id
	}
	return "unknown"
}

func subjectList(ev *actions.SystemEvent) string {
	ids := make([]string, 0, len(ev.Subjects))
	for _, s := range ev.Subjects {
		ids = append(ids, registry.IDOf(s))
	}
	return "[" + strings.Join(ids, ", ") + "]"
}
