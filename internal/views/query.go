// Package views reads the event streams back out for display: filtered,
// personalised, aggregated into groups of similar events and paginated,
// always restricted to what the requesting accessor may see.
package views

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/dumbbond/ehri-rest/internal/models"
)

// Aggregation selects how consecutive events are grouped.
type Aggregation int

const (
	// AggregateOff puts every event in a group of its own.
	AggregateOff Aggregation = iota
	// AggregateStrict groups consecutive events that are the same action.
	AggregateStrict
	// AggregateUser groups consecutive events by one actioner.
	AggregateUser
)

func (a Aggregation) String() string {
	switch a {
	case AggregateStrict:
		return "strict"
	case AggregateUser:
		return "user"
	default:
		return "off"
	}
}

// ParseAggregation parses "off", "strict" or "user".
func ParseAggregation(s string) (Aggregation, error) {
	switch s {
	case "off":
		return AggregateOff, nil
	case "strict":
		return AggregateStrict, nil
	case "user":
		return AggregateUser, nil
	default:
		return AggregateStrict, fmt.Errorf("unknown aggregation %q", s)
	}
}

// ShowType restricts a personalised stream.
type ShowType string

const (
	// ShowWatched keeps events about items the user watches.
	ShowWatched ShowType = "watched"
	// ShowFollowed keeps events by users the user follows.
	ShowFollowed ShowType = "followed"
)

// DefaultMaxAggregation caps the size of a user-aggregated group.
const DefaultMaxAggregation = 200

// Query describes one view over an event stream. A Query is a value: every
// With method returns a modified copy and leaves the receiver unchanged.
type Query struct {
	offset         int
	limit          int
	users          []string
	ids            []string
	classes        []models.EntityClass
	eventTypes     []models.EventType
	from           string
	to             string
	show           []ShowType
	aggregation    Aggregation
	maxAggregation int
	logger         *slog.Logger
}

// NewQuery returns a query over the whole stream with strict aggregation.
// Warnings about skipped filter values go to logger.
func NewQuery(logger *slog.Logger) Query {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return Query{
		offset:         -1,
		limit:          -1,
		aggregation:    AggregateStrict,
		maxAggregation: DefaultMaxAggregation,
		logger:         logger,
	}
}

// WithRange sets the window applied after filtering and aggregation. A
// negative offset starts at the beginning and a negative limit has no end.
func (q Query) WithRange(offset, limit int) Query {
	q.offset = offset
	q.limit = limit
	return q
}

// WithUsers keeps events whose actioner is one of ids.
func (q Query) WithUsers(ids ...string) Query {
	q.users = slices.Clone(ids)
	return q
}

// WithIDs keeps events with at least one subject among ids.
func (q Query) WithIDs(ids ...string) Query {
	q.ids = slices.Clone(ids)
	return q
}

// WithEntityClasses keeps events with at least one subject of a class in classes.
func (q Query) WithEntityClasses(classes ...models.EntityClass) Query {
	q.classes = slices.Clone(classes)
	return q
}

// WithEntityClassNames is WithEntityClasses for class names. Unknown names
// are logged and skipped.
func (q Query) WithEntityClassNames(names ...string) Query {
	classes := make([]models.EntityClass, 0, len(names))
	for _, n := range names {
		c, ok := models.ParseEntityClass(n)
		if !ok {
			q.logger.Warn("skipping unknown entity class", "value", n)
			continue
		}
		classes = append(classes, c)
	}
	return q.WithEntityClasses(classes...)
}

// WithEventTypes keeps events of the given types.
func (q Query) WithEventTypes(types ...models.EventType) Query {
	q.eventTypes = slices.Clone(types)
	return q
}

// WithEventTypeNames is WithEventTypes for type names. Unknown names are
// logged and skipped.
func (q Query) WithEventTypeNames(names ...string) Query {
	types := make([]models.EventType, 0, len(names))
	for _, n := range names {
		t, ok := models.ParseEventType(n)
		if !ok {
			q.logger.Warn("skipping unknown event type", "value", n)
			continue
		}
		types = append(types, t)
	}
	return q.WithEventTypes(types...)
}

// WithFrom keeps events at or after the timestamp ts.
func (q Query) WithFrom(ts string) Query {
	q.from = ts
	return q
}

// WithTo keeps events at or before the timestamp ts.
func (q Query) WithTo(ts string) Query {
	q.to = ts
	return q
}

// WithShowTypes restricts personalised streams. Each type is a separate
// condition and an event must meet all of them.
func (q Query) WithShowTypes(types ...ShowType) Query {
	q.show = slices.Clone(types)
	return q
}

// WithShowTypeNames is WithShowTypes for names. Unknown names are logged
// and skipped.
func (q Query) WithShowTypeNames(names ...string) Query {
	types := make([]ShowType, 0, len(names))
	for _, n := range names {
		switch t := ShowType(n); t {
		case ShowWatched, ShowFollowed:
			types = append(types, t)
		default:
			q.logger.Warn("skipping unknown show type", "value", n)
		}
	}
	return q.WithShowTypes(types...)
}

// WithAggregation sets how events are grouped.
func (q Query) WithAggregation(a Aggregation) Query {
	q.aggregation = a
	return q
}

// WithMaxAggregation sets the group size cap for user aggregation.
func (q Query) WithMaxAggregation(n int) Query {
	q.maxAggregation = n
	return q
}

// Offset returns the configured offset.
func (q Query) Offset() int { return q.offset }

// Limit returns the configured limit.
func (q Query) Limit() int { return q.limit }

// Aggregation returns the configured aggregation.
func (q Query) Aggregation() Aggregation { return q.aggregation }

// ShowTypes returns the personalisation conditions.
func (q Query) ShowTypes() []ShowType { return slices.Clone(q.show) }

// EventTypes returns the event type filter.
func (q Query) EventTypes() []models.EventType { return slices.Clone(q.eventTypes) }

// EntityClasses returns the entity class filter.
func (q Query) EntityClasses() []models.EntityClass { return slices.Clone(q.classes) }
