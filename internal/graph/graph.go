// Package graph defines the property graph the event log and permission
// engine are stored in, along with its backends.
package graph

import (
	"context"
	"errors"
	"maps"
	"slices"
)

var (
	// ErrNotFound is returned when a vertex or edge does not exist.
	ErrNotFound = errors.New("graph element not found")

	// ErrReadOnly is returned when a mutation is attempted inside View.
	ErrReadOnly = errors.New("graph transaction is read-only")

	// ErrTxClosed is returned when a Tx is used after its View or Update returned.
	ErrTxClosed = errors.New("graph transaction is closed")

	// ErrStoreClosed is returned by View and Update after Close.
	ErrStoreClosed = errors.New("graph store is closed")
)

// Direction selects which end of an edge a traversal starts from.
type Direction int

const (
	// Out follows edges whose tail is the starting vertex.
	Out Direction = iota
	// In follows edges whose head is the starting vertex.
	In
)

func (d Direction) String() string {
	if d == In {
		return "in"
	}
	return "out"
}

// Properties holds vertex properties. Values are strings, booleans, numbers
// or string slices.
type Properties map[string]any

// Clone returns a copy that shares no mutable state with p.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		if ss, ok := v.([]string); ok {
			v = slices.Clone(ss)
		}
		out[k] = v
	}
	return out
}

// Vertex is a snapshot of a stored vertex. Two vertices are the same graph
// element iff their IDs are equal.
type Vertex struct {
	ID    string
	Props Properties
}

// String returns the string property key, or "" if it is absent or not a string.
func (v *Vertex) String(key string) string {
	if v == nil {
		return ""
	}
	s, _ := v.Props[key].(string)
	return s
}

// Has reports whether the property key is present.
func (v *Vertex) Has(key string) bool {
	if v == nil {
		return false
	}
	_, ok := v.Props[key]
	return ok
}

// Keys returns the vertex's property keys in sorted order.
func (v *Vertex) Keys() []string {
	return slices.Sorted(maps.Keys(v.Props))
}

// Edge is a directed labelled edge from Out to In.
type Edge struct {
	ID    string
	Label string
	Out   string
	In    string
}

// Other returns the id of the end of e that is not id.
func (e Edge) Other(id string) string {
	if e.Out == id {
		return e.In
	}
	return e.Out
}

// Tx is a graph transaction. A Tx is only valid inside the function passed to
// Store.View or Store.Update and must not be retained.
type Tx interface {
	// AddVertex creates a vertex with a copy of props and returns it.
	AddVertex(ctx context.Context, props Properties) (*Vertex, error)

	// GetVertex returns the vertex with the given store id.
	GetVertex(ctx context.Context, id string) (*Vertex, error)

	// SetProperty sets a property on a vertex. A nil value removes the key.
	SetProperty(ctx context.Context, id, key string, value any) error

	// RemoveVertex deletes a vertex and every edge incident to it.
	RemoveVertex(ctx context.Context, id string) error

	// AddEdge creates a labelled edge from out to in.
	AddEdge(ctx context.Context, out, in, label string) (*Edge, error)

	// RemoveEdge deletes an edge.
	RemoveEdge(ctx context.Context, id string) error

	// Edges returns the edges incident to id in the given direction, in the
	// order they were created. An empty label matches every label.
	Edges(ctx context.Context, id string, dir Direction, label string) ([]Edge, error)

	// Vertices returns the vertices at the far end of Edges(id, dir, label).
	Vertices(ctx context.Context, id string, dir Direction, label string) ([]*Vertex, error)

	// FindVertices returns vertices whose property key equals value.
	FindVertices(ctx context.Context, key string, value any) ([]*Vertex, error)
}

// Store is a transactional property graph.
type Store interface {
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(Tx) error) error

	// Update runs fn in a read-write transaction. If fn returns an error or
	// panics, every mutation made through the Tx is discarded.
	Update(ctx context.Context, fn func(Tx) error) error

	// Close releases the store's resources.
	Close(ctx context.Context) error
}

// First returns the first vertex reachable from id along label, or nil.
func First(ctx context.Context, tx Tx, id string, dir Direction, label string) (*Vertex, error) {
	vs, err := tx.Vertices(ctx, id, dir, label)
	if err != nil || len(vs) == 0 {
		return nil, err
	}
	return vs[0], nil
}
