package graph

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/dumbbond/ehri-rest/internal/models"
)

// MemoryStore is an in-memory Store. Readers share a read lock and the
// single writer holds the write lock for the whole of Update, so readers
// never observe a partially applied transaction.
type MemoryStore struct {
	mu       sync.RWMutex
	vertices map[string]*memVertex
	edges    map[string]*memEdge
	out      map[string][]string
	in       map[string][]string
	index    map[string]map[string]map[string]struct{}
	seq      uint64
	closed   bool
}

type memVertex struct {
	props Properties
	seq   uint64
}

type memEdge struct {
	Edge
	seq uint64
}

// NewMemoryStore creates an empty in-memory graph. Entity ids and entity
// classes are indexed for FindVertices.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		vertices: make(map[string]*memVertex),
		edges:    make(map[string]*memEdge),
		out:      make(map[string][]string),
		in:       make(map[string][]string),
		index:    make(map[string]map[string]map[string]struct{}),
	}
	for _, key := range []string{models.IdentifierKey, models.TypeKey} {
		s.index[key] = make(map[string]map[string]struct{})
	}
	return s
}

// View runs fn under the read lock.
func (s *MemoryStore) View(_ context.Context, fn func(Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	tx := &memTx{s: s}
	defer func() { tx.closed = true }()
	return fn(tx)
}

// Update runs fn under the write lock, undoing its mutations on error or panic.
func (s *MemoryStore) Update(_ context.Context, fn func(Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	tx := &memTx{s: s, writable: true}
	defer func() {
		tx.closed = true
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
		if err != nil {
			tx.rollback()
		}
	}()
	return fn(tx)
}

// Close marks the store closed. Its contents are discarded.
func (s *MemoryStore) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of vertices and edges in the store.
func (s *MemoryStore) Len() (vertices, edges int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vertices), len(s.edges)
}

func (s *MemoryStore) nextSeq() uint64 {
	s.seq++
	return s.seq
}

func (s *MemoryStore) indexAdd(id string, props Properties) {
	for key, byValue := range s.index {
		if v, ok := props[key].(string); ok {
			if byValue[v] == nil {
				byValue[v] = make(map[string]struct{})
			}
			byValue[v][id] = struct{}{}
		}
	}
}

func (s *MemoryStore) indexRemove(id string, props Properties) {
	for key, byValue := range s.index {
		if v, ok := props[key].(string); ok {
			delete(byValue[v], id)
			if len(byValue[v]) == 0 {
				delete(byValue, v)
			}
		}
	}
}

func (s *MemoryStore) link(e *memEdge) {
	s.edges[e.ID] = e
	s.out[e.Out] = s.insertBySeq(s.out[e.Out], e)
	s.in[e.In] = s.insertBySeq(s.in[e.In], e)
}

func (s *MemoryStore) insertBySeq(ids []string, e *memEdge) []string {
	i, _ := slices.BinarySearchFunc(ids, e.seq, func(id string, seq uint64) int {
		return cmp.Compare(s.edges[id].seq, seq)
	})
	return slices.Insert(ids, i, e.ID)
}

func (s *MemoryStore) unlink(e *memEdge) {
	delete(s.edges, e.ID)
	s.out[e.Out] = removeID(s.out[e.Out], e.ID)
	s.in[e.In] = removeID(s.in[e.In], e.ID)
}

func removeID(ids []string, id string) []string {
	if i := slices.Index(ids, id); i >= 0 {
		return slices.Delete(ids, i, i+1)
	}
	return ids
}

type memTx struct {
	s        *MemoryStore
	writable bool
	closed   bool
	undo     []func()
}

func (tx *memTx) check(write bool) error {
	if tx.closed {
		return ErrTxClosed
	}
	if write && !tx.writable {
		return ErrReadOnly
	}
	return nil
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memTx) vertex(id string) (*memVertex, error) {
	mv, ok := tx.s.vertices[id]
	if !ok {
		return nil, fmt.Errorf("%w: vertex %s", ErrNotFound, id)
	}
	return mv, nil
}

func (tx *memTx) AddVertex(_ context.Context, props Properties) (*Vertex, error) {
	if err := tx.check(true); err != nil {
		return nil, err
	}
	s := tx.s
	id := uuid.NewString()
	mv := &memVertex{props: props.Clone(), seq: s.nextSeq()}
	s.vertices[id] = mv
	s.indexAdd(id, mv.props)
	tx.undo = append(tx.undo, func() {
		s.indexRemove(id, mv.props)
		delete(s.vertices, id)
	})
	return &Vertex{ID: id, Props: mv.props.Clone()}, nil
}

func (tx *memTx) GetVertex(_ context.Context, id string) (*Vertex, error) {
	if err := tx.check(false); err != nil {
		return nil, err
	}
	mv, err := tx.vertex(id)
	if err != nil {
		return nil, err
	}
	return &Vertex{ID: id, Props: mv.props.Clone()}, nil
}

func (tx *memTx) SetProperty(_ context.Context, id, key string, value any) error {
	if err := tx.check(true); err != nil {
		return err
	}
	mv, err := tx.vertex(id)
	if err != nil {
		return err
	}
	s := tx.s
	old, had := mv.props[key]
	s.indexRemove(id, mv.props)
	if value == nil {
		delete(mv.props, key)
	} else {
		mv.props[key] = value
	}
	s.indexAdd(id, mv.props)
	tx.undo = append(tx.undo, func() {
		s.indexRemove(id, mv.props)
		if had {
			mv.props[key] = old
		} else {
			delete(mv.props, key)
		}
		s.indexAdd(id, mv.props)
	})
	return nil
}

func (tx *memTx) RemoveVertex(ctx context.Context, id string) error {
	if err := tx.check(true); err != nil {
		return err
	}
	mv, err := tx.vertex(id)
	if err != nil {
		return err
	}
	s := tx.s
	incident := slices.Concat(s.out[id], s.in[id])
	for _, eid := range incident {
		// Self-loops appear in both lists.
		if _, ok := s.edges[eid]; !ok {
			continue
		}
		if err := tx.RemoveEdge(ctx, eid); err != nil {
			return err
		}
	}
	s.indexRemove(id, mv.props)
	delete(s.vertices, id)
	delete(s.out, id)
	delete(s.in, id)
	tx.undo = append(tx.undo, func() {
		s.vertices[id] = mv
		s.indexAdd(id, mv.props)
	})
	return nil
}

func (tx *memTx) AddEdge(_ context.Context, out, in, label string) (*Edge, error) {
	if err := tx.check(true); err != nil {
		return nil, err
	}
	if _, err := tx.vertex(out); err != nil {
		return nil, err
	}
	if _, err := tx.vertex(in); err != nil {
		return nil, err
	}
	s := tx.s
	e := &memEdge{
		Edge: Edge{ID: uuid.NewString(), Label: label, Out: out, In: in},
		seq:  s.nextSeq(),
	}
	s.link(e)
	tx.undo = append(tx.undo, func() { s.unlink(e) })
	edge := e.Edge
	return &edge, nil
}

func (tx *memTx) RemoveEdge(_ context.Context, id string) error {
	if err := tx.check(true); err != nil {
		return err
	}
	s := tx.s
	e, ok := s.edges[id]
	if !ok {
		return fmt.Errorf("%w: edge %s", ErrNotFound, id)
	}
	s.unlink(e)
	tx.undo = append(tx.undo, func() { s.link(e) })
	return nil
}

func (tx *memTx) Edges(_ context.Context, id string, dir Direction, label string) ([]Edge, error) {
	if err := tx.check(false); err != nil {
		return nil, err
	}
	if _, err := tx.vertex(id); err != nil {
		return nil, err
	}
	ids := tx.s.out[id]
	if dir == In {
		ids = tx.s.in[id]
	}
	var edges []Edge
	for _, eid := range ids {
		e := tx.s.edges[eid]
		if label == "" || e.Label == label {
			edges = append(edges, e.Edge)
		}
	}
	return edges, nil
}

func (tx *memTx) Vertices(ctx context.Context, id string, dir Direction, label string) ([]*Vertex, error) {
	edges, err := tx.Edges(ctx, id, dir, label)
	if err != nil {
		return nil, err
	}
	vs := make([]*Vertex, 0, len(edges))
	for _, e := range edges {
		other := e.In
		if dir == In {
			other = e.Out
		}
		mv := tx.s.vertices[other]
		vs = append(vs, &Vertex{ID: other, Props: mv.props.Clone()})
	}
	return vs, nil
}

func (tx *memTx) FindVertices(_ context.Context, key string, value any) ([]*Vertex, error) {
	if err := tx.check(false); err != nil {
		return nil, err
	}
	s := tx.s
	var ids []string
	if byValue, ok := s.index[key]; ok {
		if sv, isString := value.(string); isString {
			for id := range byValue[sv] {
				ids = append(ids, id)
			}
		}
	} else {
		for id, mv := range s.vertices {
			if v, ok := mv.props[key]; ok && equalValues(v, value) {
				ids = append(ids, id)
			}
		}
	}
	slices.SortFunc(ids, func(a, b string) int {
		return cmp.Compare(s.vertices[a].seq, s.vertices[b].seq)
	})
	vs := make([]*Vertex, 0, len(ids))
	for _, id := range ids {
		vs = append(vs, &Vertex{ID: id, Props: s.vertices[id].props.Clone()})
	}
	return vs, nil
}

func equalValues(a, b any) bool {
	as, aok := a.([]string)
	bs, bok := b.([]string)
	if aok || bok {
		return aok && bok && slices.Equal(as, bs)
	}
	return a == b
}
