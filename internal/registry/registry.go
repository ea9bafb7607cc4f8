// Package registry maps stable entity ids and entity classes onto graph
// vertices.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/dumbbond/ehri-rest/internal/graph"
	"github.com/dumbbond/ehri-rest/internal/models"
)

var (
	// ErrItemNotFound matches every *ItemNotFoundError.
	ErrItemNotFound = errors.New("item not found")

	// ErrItemExists is returned by Create when the id is already taken.
	ErrItemExists = errors.New("item already exists")
)

// ItemNotFoundError reports a failed lookup by id, optionally of a class.
type ItemNotFoundError struct {
	ID    string
	Class models.EntityClass
}

func (e *ItemNotFoundError) Error() string {
	if e.Class != "" {
		return fmt.Sprintf("item not found: %s (%s)", e.ID, e.Class)
	}
	return "item not found: " + e.ID
}

// Is makes errors.Is(err, ErrItemNotFound) hold.
func (e *ItemNotFoundError) Is(target error) bool {
	return target == ErrItemNotFound
}

// IsNotFound reports whether err is an item lookup failure.
func IsNotFound(err error) bool {
	var nf *ItemNotFoundError
	return errors.As(err, &nf)
}

// IDOf returns the stable id of an entity vertex.
func IDOf(v *graph.Vertex) string {
	return v.String(models.IdentifierKey)
}

// ClassOf returns the entity class of a vertex.
func ClassOf(v *graph.Vertex) models.EntityClass {
	return models.EntityClass(v.String(models.TypeKey))
}

// Get returns the entity with the given id, whatever its class.
func Get(ctx context.Context, tx graph.Tx, id string) (*graph.Vertex, error) {
	vs, err := tx.FindVertices(ctx, models.IdentifierKey, id)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", id, err)
	}
	if len(vs) == 0 {
		return nil, &ItemNotFoundError{ID: id}
	}
	return vs[0], nil
}

// Resolve returns the entity with the given id and class. An entity of a
// different class is reported as not found.
func Resolve(ctx context.Context, tx graph.Tx, id string, class models.EntityClass) (*graph.Vertex, error) {
	v, err := Get(ctx, tx, id)
	if err != nil {
		if IsNotFound(err) {
			return nil, &ItemNotFoundError{ID: id, Class: class}
		}
		return nil, err
	}
	if ClassOf(v) != class {
		return nil, &ItemNotFoundError{ID: id, Class: class}
	}
	return v, nil
}

// Exists reports whether an entity with the id exists.
func Exists(ctx context.Context, tx graph.Tx, id string) (bool, error) {
	_, err := Get(ctx, tx, id)
	if IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// Create adds an entity vertex with the given id, class and data.
func Create(ctx context.Context, tx graph.Tx, id string, class models.EntityClass, data graph.Properties) (*graph.Vertex, error) {
	if id == "" {
		return nil, errors.New("create entity: empty id")
	}
	exists, err := Exists(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrItemExists, id)
	}
	props := data.Clone()
	props[models.IdentifierKey] = id
	props[models.TypeKey] = string(class)
	v, err := tx.AddVertex(ctx, props)
	if err != nil {
		return nil, fmt.Errorf("create %s %s: %w", class, id, err)
	}
	return v, nil
}

// GetOrCreate resolves id as class, creating it with data if absent.
func GetOrCreate(ctx context.Context, tx graph.Tx, id string, class models.EntityClass, data graph.Properties) (*graph.Vertex, error) {
	v, err := Resolve(ctx, tx, id, class)
	if err == nil || !IsNotFound(err) {
		return v, err
	}
	return Create(ctx, tx, id, class, data)
}

// List returns every entity of a class in creation order.
func List(ctx context.Context, tx graph.Tx, class models.EntityClass) ([]*graph.Vertex, error) {
	vs, err := tx.FindVertices(ctx, models.TypeKey, string(class))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", class, err)
	}
	return vs, nil
}
