package models

// EventType names the kind of action recorded by a system event.
type EventType string

const (
	EventCreation             EventType = "creation"
	EventCreateDependent      EventType = "createDependent"
	EventModification         EventType = "modification"
	EventModifyDependent      EventType = "modifyDependent"
	EventDeletion             EventType = "deletion"
	EventDeleteDependent      EventType = "deleteDependent"
	EventLink                 EventType = "link"
	EventAnnotation           EventType = "annotation"
	EventSetGlobalPermissions EventType = "setGlobalPermissions"
	EventSetItemPermissions   EventType = "setItemPermissions"
	EventSetVisibility        EventType = "setVisibility"
	EventAddGroup             EventType = "addGroup"
	EventRemoveGroup          EventType = "removeGroup"
	EventIngest               EventType = "ingest"
	EventPromotion            EventType = "promotion"
	EventDemotion             EventType = "demotion"
	EventWatch                EventType = "watch"
	EventUnwatch              EventType = "unwatch"
	EventFollow               EventType = "follow"
	EventUnfollow             EventType = "unfollow"
)

// ValidEventTypes is the set of all valid event types.
var ValidEventTypes = []EventType{
	EventCreation,
	EventCreateDependent,
	EventModification,
	EventModifyDependent,
	EventDeletion,
	EventDeleteDependent,
	EventLink,
	EventAnnotation,
	EventSetGlobalPermissions,
	EventSetItemPermissions,
	EventSetVisibility,
	EventAddGroup,
	EventRemoveGroup,
	EventIngest,
	EventPromotion,
	EventDemotion,
	EventWatch,
	EventUnwatch,
	EventFollow,
	EventUnfollow,
}

// IsValid returns true if the event type is recognized.
func (t EventType) IsValid() bool {
	for _, v := range ValidEventTypes {
		if t == v {
			return true
		}
	}
	return false
}

// ParseEventType resolves an event type name, reporting false for unknown names.
func ParseEventType(name string) (EventType, bool) {
	t := EventType(name)
	return t, t.IsValid()
}

// RequiredPermission is the permission an actioner needs on each subject
// before an event of this type may be recorded against it.
func (t EventType) RequiredPermission() PermissionType {
	switch t {
	case EventCreation, EventCreateDependent, EventIngest:
		return PermCreate
	case EventDeletion, EventDeleteDependent:
		return PermDelete
	case EventAnnotation, EventLink:
		return PermAnnotate
	case EventSetGlobalPermissions, EventSetItemPermissions, EventAddGroup, EventRemoveGroup:
		return PermGrant
	case EventPromotion, EventDemotion:
		return PermPromote
	default:
		return PermUpdate
	}
}
