package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jConfig configures the Neo4j backend.
type Neo4jConfig struct {
	URI                     string
	Username                string
	Password                string
	Database                string
	MaxConnectionPoolSize   int
	ConnectionTimeout       time.Duration
	MaxTransactionRetryTime time.Duration
}

// Validate checks the configuration for required fields.
func (c Neo4jConfig) Validate() error {
	if c.URI == "" {
		return errors.New("neo4j uri must not be empty")
	}
	if c.MaxConnectionPoolSize <= 0 {
		return fmt.Errorf("neo4j max_pool_size must be positive, got %d", c.MaxConnectionPoolSize)
	}
	if c.ConnectionTimeout <= 0 {
		return errors.New("neo4j connection_timeout must be positive")
	}
	return nil
}

// seqKey orders nodes and relationships by creation; it is not exposed
// through Vertex.Props.
const seqKey = "_seq"

// Neo4jStore is a Store backed by a Neo4j database. Every vertex is a node
// labelled Vertex; vertex and edge ids are Neo4j element ids.
type Neo4jStore struct {
	cfg    Neo4jConfig
	driver neo4j.DriverWithContext
	logger *slog.Logger
	seq    atomic.Int64
}

// NewNeo4jStore validates cfg. Call Connect before use.
func NewNeo4jStore(cfg Neo4jConfig, logger *slog.Logger) (*Neo4jStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Neo4jStore{cfg: cfg, logger: logger}
	s.seq.Store(time.Now().UnixNano())
	return s, nil
}

// Connect creates the driver and verifies connectivity, retrying with
// exponential backoff.
func (s *Neo4jStore) Connect(ctx context.Context) error {
	auth := neo4j.BasicAuth(s.cfg.Username, s.cfg.Password, "")
	configure := func(c *neo4j.Config) {
		c.MaxConnectionPoolSize = s.cfg.MaxConnectionPoolSize
		c.ConnectionAcquisitionTimeout = s.cfg.ConnectionTimeout
		c.MaxTransactionRetryTime = s.cfg.MaxTransactionRetryTime
	}

	const maxRetries = 5
	baseDelay := 100 * time.Millisecond
	var lastErr error
	for attempt := range maxRetries {
		driver, err := neo4j.NewDriverWithContext(s.cfg.URI, auth, configure)
		if err == nil {
			if err = driver.VerifyConnectivity(ctx); err == nil {
				s.driver = driver
				return nil
			}
			_ = driver.Close(ctx)
		}
		lastErr = err
		s.logger.Warn("neo4j connect failed", "attempt", attempt+1, "error", err)

		delay := min(baseDelay*time.Duration(math.Pow(2, float64(attempt))), s.cfg.ConnectionTimeout)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("neo4j connect cancelled: %w", ctx.Err())
		}
	}
	return fmt.Errorf("neo4j connect failed after %d attempts: %w", maxRetries, lastErr)
}

// EnsureSchema creates the indexes used for entity lookup.
func (s *Neo4jStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		"CREATE INDEX vertex_identifier IF NOT EXISTS FOR (n:Vertex) ON (n.__id)",
		"CREATE INDEX vertex_type IF NOT EXISTS FOR (n:Vertex) ON (n.__type)",
	}
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	for _, stmt := range stmts {
		res, err := session.Run(ctx, stmt, nil)
		if err == nil {
			_, err = res.Consume(ctx)
		}
		if err != nil {
			return fmt.Errorf("neo4j ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Neo4jStore) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: s.cfg.Database,
	})
}

// View runs fn in an explicit read transaction.
func (s *Neo4jStore) View(ctx context.Context, fn func(Tx) error) error {
	if s.driver == nil {
		return ErrStoreClosed
	}
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)
	ntx, err := session.BeginTransaction(ctx)
	if err != nil {
		return fmt.Errorf("neo4j begin view: %w", err)
	}
	tx := &neo4jTx{tx: ntx, store: s}
	defer func() {
		tx.closed = true
		_ = ntx.Close(ctx)
	}()
	return fn(tx)
}

// Update runs fn in an explicit write transaction. The transaction is not
// retried: fn runs at most once.
func (s *Neo4jStore) Update(ctx context.Context, fn func(Tx) error) (err error) {
	if s.driver == nil {
		return ErrStoreClosed
	}
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	ntx, err := session.BeginTransaction(ctx)
	if err != nil {
		return fmt.Errorf("neo4j begin update: %w", err)
	}
	tx := &neo4jTx{tx: ntx, store: s, writable: true}
	defer func() {
		tx.closed = true
		if r := recover(); r != nil {
			_ = ntx.Rollback(ctx)
			panic(r)
		}
		if err != nil {
			_ = ntx.Rollback(ctx)
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = ntx.Commit(ctx); err != nil {
		return fmt.Errorf("neo4j commit: %w", err)
	}
	return nil
}

// Close closes the driver.
func (s *Neo4jStore) Close(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	err := s.driver.Close(ctx)
	s.driver = nil
	if err != nil {
		return fmt.Errorf("neo4j close: %w", err)
	}
	return nil
}

type neo4jTx struct {
	tx       neo4j.ExplicitTransaction
	store    *Neo4jStore
	writable bool
	closed   bool
}

func (tx *neo4jTx) check(write bool) error {
	if tx.closed {
		return ErrTxClosed
	}
	if write && !tx.writable {
		return ErrReadOnly
	}
	return nil
}

func (tx *neo4jTx) run(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	res, err := tx.tx.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return res.Collect(ctx)
}

func (tx *neo4jTx) exists(ctx context.Context, id string) error {
	records, err := tx.run(ctx,
		"MATCH (n:Vertex) WHERE elementId(n) = $id RETURN elementId(n) AS id",
		map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("neo4j lookup vertex %s: %w", id, err)
	}
	if len(records) == 0 {
		return fmt.Errorf("%w: vertex %s", ErrNotFound, id)
	}
	return nil
}

func (tx *neo4jTx) AddVertex(ctx context.Context, props Properties) (*Vertex, error) {
	if err := tx.check(true); err != nil {
		return nil, err
	}
	records, err := tx.run(ctx,
		"CREATE (n:Vertex) SET n = $props, n._seq = $seq RETURN elementId(n) AS id",
		map[string]any{"props": map[string]any(props.Clone()), "seq": tx.store.seq.Add(1)})
	if err != nil {
		return nil, fmt.Errorf("neo4j create vertex: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("neo4j create vertex: no id returned")
	}
	id, _ := records[0].Get("id")
	return &Vertex{ID: fmt.Sprint(id), Props: props.Clone()}, nil
}

func (tx *neo4jTx) GetVertex(ctx context.Context, id string) (*Vertex, error) {
	if err := tx.check(false); err != nil {
		return nil, err
	}
	records, err := tx.run(ctx,
		"MATCH (n:Vertex) WHERE elementId(n) = $id RETURN elementId(n) AS id, properties(n) AS props",
		map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("neo4j get vertex %s: %w", id, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: vertex %s", ErrNotFound, id)
	}
	return recordVertex(records[0], "id", "props"), nil
}

func (tx *neo4jTx) SetProperty(ctx context.Context, id, key string, value any) error {
	if err := tx.check(true); err != nil {
		return err
	}
	if key == seqKey {
		return fmt.Errorf("property key %q is reserved", key)
	}
	// A null value in a += map removes the property.
	records, err := tx.run(ctx,
		"MATCH (n:Vertex) WHERE elementId(n) = $id SET n += $props RETURN elementId(n) AS id",
		map[string]any{"id": id, "props": map[string]any{key: value}})
	if err != nil {
		return fmt.Errorf("neo4j set property on %s: %w", id, err)
	}
	if len(records) == 0 {
		return fmt.Errorf("%w: vertex %s", ErrNotFound, id)
	}
	return nil
}

func (tx *neo4jTx) RemoveVertex(ctx context.Context, id string) error {
	if err := tx.check(true); err != nil {
		return err
	}
	if err := tx.exists(ctx, id); err != nil {
		return err
	}
	if _, err := tx.run(ctx,
		"MATCH (n:Vertex) WHERE elementId(n) = $id DETACH DELETE n",
		map[string]any{"id": id}); err != nil {
		return fmt.Errorf("neo4j delete vertex %s: %w", id, err)
	}
	return nil
}

func (tx *neo4jTx) AddEdge(ctx context.Context, out, in, label string) (*Edge, error) {
	if err := tx.check(true); err != nil {
		return nil, err
	}
	if !validPropertyKey(label) {
		return nil, fmt.Errorf("invalid edge label %q", label)
	}
	cypher := fmt.Sprintf(
		"MATCH (a:Vertex), (b:Vertex) WHERE elementId(a) = $out AND elementId(b) = $in "+
			"CREATE (a)-[r:`%s`]->(b) SET r._seq = $seq RETURN elementId(r) AS id", label)
	records, err := tx.run(ctx, cypher, map[string]any{"out": out, "in": in, "seq": tx.store.seq.Add(1)})
	if err != nil {
		return nil, fmt.Errorf("neo4j create edge: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: edge endpoints %s -> %s", ErrNotFound, out, in)
	}
	id, _ := records[0].Get("id")
	return &Edge{ID: fmt.Sprint(id), Label: label, Out: out, In: in}, nil
}

func (tx *neo4jTx) RemoveEdge(ctx context.Context, id string) error {
	if err := tx.check(true); err != nil {
		return err
	}
	records, err := tx.run(ctx,
		"MATCH ()-[r]->() WHERE elementId(r) = $id DELETE r RETURN $id AS id",
		map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("neo4j delete edge %s: %w", id, err)
	}
	if len(records) == 0 {
		return fmt.Errorf("%w: edge %s", ErrNotFound, id)
	}
	return nil
}

// traversal returns the Cypher for walking from a vertex along dir, binding
// a to the start vertex, b to the far vertex and r to the edge.
func traversal(dir Direction, label string) (string, error) {
	rel := "[r]"
	if label != "" {
		if !validPropertyKey(label) {
			return "", fmt.Errorf("invalid edge label %q", label)
		}
		rel = "[r:`" + label + "`]"
	}
	pattern := "(a:Vertex)-" + rel + "->(b:Vertex)"
	outID, inID := "elementId(a)", "elementId(b)"
	if dir == In {
		pattern = "(a:Vertex)<-" + rel + "-(b:Vertex)"
		outID, inID = inID, outID
	}
	return "MATCH " + pattern + " WHERE elementId(a) = $id " +
		"RETURN elementId(r) AS id, type(r) AS label, " + outID + " AS out, " + inID + " AS in, " +
		"elementId(b) AS far, properties(b) AS props " +
		"ORDER BY r._seq, elementId(r)", nil
}

func (tx *neo4jTx) traverse(ctx context.Context, id string, dir Direction, label string) ([]*neo4j.Record, error) {
	if err := tx.check(false); err != nil {
		return nil, err
	}
	if err := tx.exists(ctx, id); err != nil {
		return nil, err
	}
	cypher, err := traversal(dir, label)
	if err != nil {
		return nil, err
	}
	records, err := tx.run(ctx, cypher, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("neo4j traverse from %s: %w", id, err)
	}
	return records, nil
}

func (tx *neo4jTx) Edges(ctx context.Context, id string, dir Direction, label string) ([]Edge, error) {
	records, err := tx.traverse(ctx, id, dir, label)
	if err != nil {
		return nil, err
	}
	edges := make([]Edge, 0, len(records))
	for _, rec := range records {
		edges = append(edges, Edge{
			ID:    recordString(rec, "id"),
			Label: recordString(rec, "label"),
			Out:   recordString(rec, "out"),
			In:    recordString(rec, "in"),
		})
	}
	return edges, nil
}

func (tx *neo4jTx) Vertices(ctx context.Context, id string, dir Direction, label string) ([]*Vertex, error) {
	records, err := tx.traverse(ctx, id, dir, label)
	if err != nil {
		return nil, err
	}
	vs := make([]*Vertex, 0, len(records))
	for _, rec := range records {
		vs = append(vs, recordVertex(rec, "far", "props"))
	}
	return vs, nil
}

func (tx *neo4jTx) FindVertices(ctx context.Context, key string, value any) ([]*Vertex, error) {
	if err := tx.check(false); err != nil {
		return nil, err
	}
	if !validPropertyKey(key) {
		return nil, fmt.Errorf("invalid property key %q", key)
	}
	cypher := fmt.Sprintf(
		"MATCH (n:Vertex) WHERE n.`%s` = $value RETURN elementId(n) AS id, properties(n) AS props ORDER BY n._seq", key)
	records, err := tx.run(ctx, cypher, map[string]any{"value": value})
	if err != nil {
		return nil, fmt.Errorf("neo4j find vertices by %s: %w", key, err)
	}
	vs := make([]*Vertex, 0, len(records))
	for _, rec := range records {
		vs = append(vs, recordVertex(rec, "id", "props"))
	}
	return vs, nil
}

func recordString(rec *neo4j.Record, key string) string {
	v, _ := rec.Get(key)
	s, _ := v.(string)
	return s
}

func recordVertex(rec *neo4j.Record, idKey, propsKey string) *Vertex {
	raw, _ := rec.Get(propsKey)
	m, _ := raw.(map[string]any)
	return &Vertex{ID: recordString(rec, idKey), Props: toProperties(m)}
}

// toProperties converts driver values to property values, dropping the
// internal ordering key.
func toProperties(m map[string]any) Properties {
	props := make(Properties, len(m))
	for k, v := range m {
		if k == seqKey {
			continue
		}
		props[k] = fromJSONValue(v)
	}
	return props
}
