// Package fixtures provisions a graph for use: the global event root, the
// admin group, content types and permissions, plus entities loaded from YAML.
package fixtures

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/dumbbond/ehri-rest/internal/graph"
	"github.com/dumbbond/ehri-rest/internal/models"
	"github.com/dumbbond/ehri-rest/internal/registry"
)

// Initialize creates the vertices every other component depends on. It is
// idempotent.
func Initialize(ctx context.Context, tx graph.Tx, adminGroup string) error {
	if _, err := registry.GetOrCreate(ctx, tx, models.GlobalEventRoot, models.ClassSystem, nil); err != nil {
		return fmt.Errorf("initialize event root: %w", err)
	}
	if _, err := registry.GetOrCreate(ctx, tx, adminGroup, models.ClassGroup,
		graph.Properties{"name": "Administrators"}); err != nil {
		return fmt.Errorf("initialize admin group: %w", err)
	}
	for _, ct := range models.ContentTypes {
		if _, err := registry.GetOrCreate(ctx, tx, string(ct), models.ClassContentType, nil); err != nil {
			return fmt.Errorf("initialize content type %s: %w", ct, err)
		}
	}
	for _, p := range models.ValidPermissionTypes {
		if _, err := registry.GetOrCreate(ctx, tx, string(p), models.ClassPermission, nil); err != nil {
			return fmt.Errorf("initialize permission %s: %w", p, err)
		}
	}
	return nil
}

// StringList decodes either a single YAML scalar or a sequence of them.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*l = StringList{value.Value}
		return nil
	}
	var items []string
	if err := value.Decode(&items); err != nil {
		return err
	}
	*l = items
	return nil
}

// Entity is one fixture record. Relationships map an edge label to the ids
// of the entities this one points at.
type Entity struct {
	ID            string                `yaml:"id"`
	Type          models.EntityClass    `yaml:"type"`
	Data          map[string]any        `yaml:"data"`
	Relationships map[string]StringList `yaml:"relationships"`
}

// Decode reads a YAML list of fixture entities.
func Decode(r io.Reader) ([]Entity, error) {
	var entities []Entity
	if err := yaml.NewDecoder(r).Decode(&entities); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode fixtures: %w", err)
	}
	for i, e := range entities {
		if e.ID == "" {
			return nil, fmt.Errorf("fixture %d: missing id", i)
		}
		if !e.Type.IsValid() {
			return nil, fmt.Errorf("fixture %s: unknown type %q", e.ID, e.Type)
		}
	}
	return entities, nil
}

// Load creates the entities and then their relationships, so records may
// refer to ones later in the list.
func Load(ctx context.Context, tx graph.Tx, entities []Entity) error {
	vertices := make(map[string]*graph.Vertex, len(entities))
	for _, e := range entities {
		v, err := registry.Create(ctx, tx, e.ID, e.Type, properties(e.Data))
		if err != nil {
			return fmt.Errorf("load fixture %s: %w", e.ID, err)
		}
		vertices[e.ID] = v
	}
	for _, e := range entities {
		for label, targets := range e.Relationships {
			for _, target := range targets {
				tv, ok := vertices[target]
				if !ok {
					var err error
					if tv, err = registry.Get(ctx, tx, target); err != nil {
						return fmt.Errorf("load fixture %s: %s: %w", e.ID, label, err)
					}
				}
				if _, err := tx.AddEdge(ctx, vertices[e.ID].ID, tv.ID, label); err != nil {
					return fmt.Errorf("load fixture %s: %s: %w", e.ID, label, err)
				}
			}
		}
	}
	return nil
}

// LoadYAML initializes the graph and loads the fixtures read from r in a
// single transaction, returning the number of entities loaded.
func LoadYAML(ctx context.Context, store graph.Store, r io.Reader, adminGroup string, logger *slog.Logger) (int, error) {
	entities, err := Decode(r)
	if err != nil {
		return 0, err
	}
	err = store.Update(ctx, func(tx graph.Tx) error {
		if err := Initialize(ctx, tx, adminGroup); err != nil {
			return err
		}
		return Load(ctx, tx, entities)
	})
	if err != nil {
		return 0, err
	}
	if logger != nil {
		logger.Info("fixtures loaded", "entities", len(entities))
	}
	return len(entities), nil
}

// properties converts decoded YAML values to vertex property values.
func properties(data map[string]any) graph.Properties {
	props := make(graph.Properties, len(data))
	for k, v := range data {
		switch x := v.(type) {
		case []any:
			ss := make([]string, 0, len(x))
			for _, item := range x {
				ss = append(ss, fmt.Sprint(item))
			}
			props[k] = ss
		case string, bool, int, int64, float64:
			props[k] = x
		default:
			props[k] = fmt.Sprint(x)
		}
	}
	return props
}

// DemoYAML is a small dataset of users, groups, repositories, units and
// grants, used by `ehri load --demo` and by tests.
//
//go:embed demo.yaml
var DemoYAML []byte
