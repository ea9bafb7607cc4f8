package views

import (
	"context"
	"iter"
	"log/slog"
	"slices"

	"github.com/dumbbond/ehri-rest/internal/acl"
	"github.com/dumbbond/ehri-rest/internal/actions"
	"github.com/dumbbond/ehri-rest/internal/graph"
	"github.com/dumbbond/ehri-rest/internal/metrics"
	"github.com/dumbbond/ehri-rest/internal/models"
	"github.com/dumbbond/ehri-rest/internal/registry"
)

// Engine evaluates queries inside one graph transaction.
type Engine struct {
	tx     graph.Tx
	events *actions.Manager
	acl    *acl.Manager
	logger *slog.Logger
}

// NewEngine returns an Engine reading through tx.
func NewEngine(tx graph.Tx, adminGroup string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		tx:     tx,
		events: actions.NewManager(tx, actions.WithLogger(logger)),
		acl:    acl.NewManager(tx, adminGroup),
		logger: logger,
	}
}

// List returns the global event stream, newest first.
func (e *Engine) List(ctx context.Context, q Query, accessor acl.Accessor) ([]*actions.SystemEvent, error) {
	return e.list(ctx, q, e.events.LatestGlobalEvents(ctx), accessor, nil)
}

// Aggregate returns the global event stream in groups.
func (e *Engine) Aggregate(ctx context.Context, q Query, accessor acl.Accessor) ([][]*actions.SystemEvent, error) {
	return e.aggregate(ctx, q, e.events.LatestGlobalEvents(ctx), accessor, nil)
}

// ListForItem returns the history of item. The item itself must be
// visible to accessor.
func (e *Engine) ListForItem(ctx context.Context, q Query, item *graph.Vertex, accessor acl.Accessor) ([]*actions.SystemEvent, error) {
	if err := e.acl.CheckReadAccess(ctx, item, accessor); err != nil {
		return nil, err
	}
	return e.list(ctx, q, e.events.History(ctx, item), accessor, nil)
}

// AggregateForItem returns the history of item in groups.
func (e *Engine) AggregateForItem(ctx context.Context, q Query, item *graph.Vertex, accessor acl.Accessor) ([][]*actions.SystemEvent, error) {
	if err := e.acl.CheckReadAccess(ctx, item, accessor); err != nil {
		return nil, err
	}
	return e.aggregate(ctx, q, e.events.History(ctx, item), accessor, nil)
}

// ListByUser returns the actions of user.
func (e *Engine) ListByUser(ctx context.Context, q Query, user *graph.Vertex, accessor acl.Accessor) ([]*actions.SystemEvent, error) {
	if err := e.acl.CheckReadAccess(ctx, user, accessor); err != nil {
		return nil, err
	}
	return e.list(ctx, q, e.events.Actions(ctx, user), accessor, nil)
}

// AggregateByUser returns the actions of user in groups.
func (e *Engine) AggregateByUser(ctx context.Context, q Query, user *graph.Vertex, accessor acl.Accessor) ([][]*actions.SystemEvent, error) {
	if err := e.acl.CheckReadAccess(ctx, user, accessor); err != nil {
		return nil, err
	}
	return e.aggregate(ctx, q, e.events.Actions(ctx, user), accessor, nil)
}

// ListAsUser returns the global stream personalised for user by the
// query's show types.
func (e *Engine) ListAsUser(ctx context.Context, q Query, user *graph.Vertex, accessor acl.Accessor) ([]*actions.SystemEvent, error) {
	personal, err := e.personal(ctx, q, user)
	if err != nil {
		return nil, err
	}
	return e.list(ctx, q, e.events.LatestGlobalEvents(ctx), accessor, personal)
}

// AggregateAsUser is ListAsUser in groups.
func (e *Engine) AggregateAsUser(ctx context.Context, q Query, user *graph.Vertex, accessor acl.Accessor) ([][]*actions.SystemEvent, error) {
	personal, err := e.personal(ctx, q, user)
	if err != nil {
		return nil, err
	}
	return e.aggregate(ctx, q, e.events.LatestGlobalEvents(ctx), accessor, personal)
}

type predicate func(ctx context.Context, ev *actions.SystemEvent) (bool, error)

func (e *Engine) list(ctx context.Context, q Query, src iter.Seq2[*actions.SystemEvent, error], accessor acl.Accessor, personal []predicate) ([]*actions.SystemEvent, error) {
	metrics.Inc(metrics.EventQueries)
	offset, limit := window(q)
	if limit == 0 {
		return []*actions.SystemEvent{}, nil
	}
	events, err := e.filtered(ctx, q, src, accessor, personal)
	if err != nil {
		return nil, err
	}
	out := []*actions.SystemEvent{}
	i := 0
	for ev, err := range events {
		if err != nil {
			return nil, err
		}
		if i++; i <= offset {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (e *Engine) aggregate(ctx context.Context, q Query, src iter.Seq2[*actions.SystemEvent, error], accessor acl.Accessor, personal []predicate) ([][]*actions.SystemEvent, error) {
	metrics.Inc(metrics.EventQueries)
	offset, limit := window(q)
	if limit == 0 {
		return [][]*actions.SystemEvent{}, nil
	}
	events, err := e.filtered(ctx, q, src, accessor, personal)
	if err != nil {
		return nil, err
	}
	out := [][]*actions.SystemEvent{}
	i := 0
	for group, err := range Groups(events, q.aggregation, q.maxAggregation) {
		if err != nil {
			return nil, err
		}
		if i++; i <= offset {
			continue
		}
		out = append(out, group)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func window(q Query) (offset, limit int) {
	return max(q.offset, 0), q.limit
}

// filtered applies the query filters, then personal, then the accessor's
// visibility, stopping at the first predicate an event fails.
func (e *Engine) filtered(ctx context.Context, q Query, src iter.Seq2[*actions.SystemEvent, error], accessor acl.Accessor, personal []predicate) (iter.Seq2[*actions.SystemEvent, error], error) {
	visible, err := e.visibility(ctx, accessor)
	if err != nil {
		return nil, err
	}
	preds := append(q.predicates(), personal...)
	preds = append(preds, visible)

	return func(yield func(*actions.SystemEvent, error) bool) {
	events:
		for ev, err := range src {
			if err != nil {
				yield(nil, err)
				return
			}
			for _, p := range preds {
				ok, err := p(ctx, ev)
				if err != nil {
					yield(nil, err)
					return
				}
				if !ok {
					continue events
				}
			}
			if !yield(ev, nil) {
				return
			}
		}
	}, nil
}

func (q Query) predicates() []predicate {
	var preds []predicate
	if len(q.eventTypes) > 0 {
		preds = append(preds, pure(func(ev *actions.SystemEvent) bool {
			return slices.Contains(q.eventTypes, ev.EventType)
		}))
	}
	if len(q.ids) > 0 {
		preds = append(preds, pure(func(ev *actions.SystemEvent) bool {
			return slices.ContainsFunc(ev.Subjects, func(s *graph.Vertex) bool {
				return slices.Contains(q.ids, registry.IDOf(s))
			})
		}))
	}
	if len(q.classes) > 0 {
		preds = append(preds, pure(func(ev *actions.SystemEvent) bool {
			return slices.ContainsFunc(ev.Subjects, func(s *graph.Vertex) bool {
				return slices.Contains(q.classes, registry.ClassOf(s))
			})
		}))
	}
	if len(q.users) > 0 {
		preds = append(preds, pure(func(ev *actions.SystemEvent) bool {
			return slices.Contains(q.users, ev.ActionerID())
		}))
	}
	if q.from != "" {
		preds = append(preds, pure(func(ev *actions.SystemEvent) bool {
			return ev.Timestamp >= q.from
		}))
	}
	if q.to != "" {
		preds = append(preds, pure(func(ev *actions.SystemEvent) bool {
			return ev.Timestamp <= q.to
		}))
	}
	return preds
}

func pure(f func(*actions.SystemEvent) bool) predicate {
	return func(_ context.Context, ev *actions.SystemEvent) (bool, error) {
		return f(ev), nil
	}
}

// visibility keeps events whose scope, if any, and every subject are
// visible to accessor.
func (e *Engine) visibility(ctx context.Context, accessor acl.Accessor) (predicate, error) {
	f, err := e.acl.ReadFilter(ctx, accessor)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, ev *actions.SystemEvent) (bool, error) {
		if !ev.Scope.IsSystem() {
			ok, err := f.Visible(ctx, ev.Scope.Vertex())
			if err != nil || !ok {
				return false, err
			}
		}
		for _, s := range ev.Subjects {
			ok, err := f.Visible(ctx, s)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}, nil
}

// personal builds the show type conditions for user.
func (e *Engine) personal(ctx context.Context, q Query, user *graph.Vertex) ([]predicate, error) {
	var preds []predicate
	if slices.Contains(q.show, ShowWatched) {
		watched, err := e.targets(ctx, user, models.UserWatchingItem)
		if err != nil {
			return nil, err
		}
		preds = append(preds, pure(func(ev *actions.SystemEvent) bool {
			return slices.ContainsFunc(ev.Subjects, func(s *graph.Vertex) bool { return watched[s.ID] })
		}))
	}
	if slices.Contains(q.show, ShowFollowed) {
		followed, err := e.targets(ctx, user, models.UserFollowsUser)
		if err != nil {
			return nil, err
		}
		preds = append(preds, pure(func(ev *actions.SystemEvent) bool {
			return ev.Actioner != nil && followed[ev.Actioner.ID]
		}))
	}
	return preds, nil
}

func (e *Engine) targets(ctx context.Context, v *graph.Vertex, label string) (map[string]bool, error) {
	vs, err := e.tx.Vertices(ctx, v.ID, graph.Out, label)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(vs))
	for _, t := range vs {
		ids[t.ID] = true
	}
	return ids, nil
}
