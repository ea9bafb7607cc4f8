package views

import (
	"iter"

	"github.com/dumbbond/ehri-rest/internal/actions"
)

// Groups merges runs of consecutive events. Each event is compared with the
// last event added to the current group. With AggregateUser no group grows
// beyond maxSize events.
func Groups(events iter.Seq2[*actions.SystemEvent, error], mode Aggregation, maxSize int) iter.Seq2[[]*actions.SystemEvent, error] {
	joins := joiner(mode, maxSize)
	return func(yield func([]*actions.SystemEvent, error) bool) {
		var group []*actions.SystemEvent
		for ev, err := range events {
			if err != nil {
				yield(nil, err)
				return
			}
			if len(group) > 0 && joins(group, ev) {
				group = append(group, ev)
				continue
			}
			if len(group) > 0 && !yield(group, nil) {
				return
			}
			group = []*actions.SystemEvent{ev}
		}
		if len(group) > 0 {
			yield(group, nil)
		}
	}
}

func joiner(mode Aggregation, maxSize int) func(group []*actions.SystemEvent, next *actions.SystemEvent) bool {
	switch mode {
	case AggregateStrict:
		return func(group []*actions.SystemEvent, next *actions.SystemEvent) bool {
			return actions.SameAs(group[len(group)-1], next)
		}
	case AggregateUser:
		return func(group []*actions.SystemEvent, next *actions.SystemEvent) bool {
			// Streams are newest first, so next precedes the previous event.
			return len(group) < maxSize && actions.SequentialWithSameAccessor(next, group[len(group)-1])
		}
	default:
		return func([]*actions.SystemEvent, *actions.SystemEvent) bool { return false }
	}
}
