package actions

import (
	"time"

	"github.com/dumbbond/ehri-rest/internal/models"
)

// CanAggregate reports whether two events look like repeats of one action.
// A field only disqualifies the pair when both events have it and the
// values differ, so events with missing data still aggregate. An empty log
// message is a value like any other. Event types are never stored empty, so
// an empty type means the property is missing. With maxSeconds >= 0 the
// events must also lie less than maxSeconds apart.
func CanAggregate(e1, e2 *SystemEvent, maxSeconds int) bool {
	if e1.EventType != "" && e2.EventType != "" && e1.EventType != e2.EventType {
		return false
	}
	if e1.LogMessage != nil && e2.LogMessage != nil && *e1.LogMessage != *e2.LogMessage {
		return false
	}
	if maxSeconds >= 0 && e1.Timestamp != "" && e2.Timestamp != "" {
		t1, err1 := time.Parse(models.TimestampLayout, e1.Timestamp)
		t2, err2 := time.Parse(models.TimestampLayout, e2.Timestamp)
		if err1 == nil && err2 == nil {
			diff := t1.Sub(t2).Abs()
			if diff >= time.Duration(maxSeconds)*time.Second {
				return false
			}
		}
	}
	if !e1.Scope.IsSystem() && !e2.Scope.IsSystem() && !e1.Scope.Equal(e2.Scope) {
		return false
	}
	if s1, s2 := e1.FirstSubject(), e2.FirstSubject(); s1 != nil && s2 != nil && s1.ID != s2.ID {
		return false
	}
	if e1.Actioner != nil && e2.Actioner != nil && e1.Actioner.ID != e2.Actioner.ID {
		return false
	}
	return true
}

// SameAs is CanAggregate without a time window.
func SameAs(e1, e2 *SystemEvent) bool {
	return CanAggregate(e1, e2, -1)
}

// SequentialWithSameAccessor reports whether second directly follows first
// in one actioner's stream, with nothing committed by that actioner in
// between.
func SequentialWithSameAccessor(first, second *SystemEvent) bool {
	return first.ActionerLinkID != "" && second.NextActionerLinkID == first.ActionerLinkID
}
