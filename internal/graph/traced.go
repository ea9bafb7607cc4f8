package graph

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracedStore wraps a Store with OpenTelemetry spans. Each View or Update
// becomes one span carrying the backend name and the number of mutations
// made through its Tx.
type TracedStore struct {
	inner   Store
	tracer  trace.Tracer
	backend string
}

// NewTracedStore wraps inner. A nil tracer uses the global provider.
func NewTracedStore(inner Store, backend string, tracer trace.Tracer) *TracedStore {
	if tracer == nil {
		tracer = otel.Tracer("github.com/dumbbond/ehri-rest/internal/graph")
	}
	return &TracedStore{inner: inner, tracer: tracer, backend: backend}
}

func (s *TracedStore) View(ctx context.Context, fn func(Tx) error) error {
	return s.traced(ctx, "graph.view", s.inner.View, fn)
}

func (s *TracedStore) Update(ctx context.Context, fn func(Tx) error) error {
	return s.traced(ctx, "graph.update", s.inner.Update, fn)
}

func (s *TracedStore) Close(ctx context.Context) error {
	return s.inner.Close(ctx)
}

func (s *TracedStore) traced(
	ctx context.Context,
	name string,
	run func(context.Context, func(Tx) error) error,
	fn func(Tx) error,
) error {
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("graph.backend", s.backend),
	))
	defer span.End()

	var mutations int
	err := run(ctx, func(tx Tx) error {
		return fn(&countingTx{Tx: tx, mutations: &mutations})
	})
	span.SetAttributes(attribute.Int("graph.mutations", mutations))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

type countingTx struct {
	Tx
	mutations *int
}

func (t *countingTx) AddVertex(ctx context.Context, props Properties) (*Vertex, error) {
	*t.mutations++
	return t.Tx.AddVertex(ctx, props)
}

func (t *countingTx) SetProperty(ctx context.Context, id, key string, value any) error {
	*t.mutations++
	return t.Tx.SetProperty(ctx, id, key, value)
}

func (t *countingTx) RemoveVertex(ctx context.Context, id string) error {
	*t.mutations++
	return t.Tx.RemoveVertex(ctx, id)
}

func (t *countingTx) AddEdge(ctx context.Context, out, in, label string) (*Edge, error) {
	*t.mutations++
	return t.Tx.AddEdge(ctx, out, in, label)
}

func (t *countingTx) RemoveEdge(ctx context.Context, id string) error {
	*t.mutations++
	return t.Tx.RemoveEdge(ctx, id)
}
