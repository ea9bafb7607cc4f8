package models

// Property keys and edge labels of the stored graph. Graphs written by other
// implementations of the event log use the same names, so these must not change.
const (
	IdentifierKey = "__id"
	TypeKey       = "__type"

	EventTypeKey       = "eventType"
	EventTimestampKey  = "timestamp"
	EventLogMessageKey = "logMessage"

	DebugTypeKey       = "_debugType"
	LinkTypeKey        = "_linkType"
	EventLinkDebugType = "eventLink"

	VersionEntityIDKey    = "itemId"
	VersionEntityClassKey = "itemType"
	VersionEntityDataKey  = "data"

	// GlobalEventRoot is the id of the System vertex heading the global stream.
	GlobalEventRoot = "globalEventRoot"
)

// Event log edge labels.
const (
	GlobalEventStream          = "lifecycleActionStream"
	ActionerHasLifecycleAction = "lifecycleAction"
	EntityHasLifecycleEvent    = "lifecycleEvent"
	ActionHasEvent             = "actionHasEvent"
	EntityHasEvent             = "hasEvent"
	EntityHasPriorVersion      = "hasPriorVersion"
	VersionHasEvent            = "triggeredByEvent"
	HasEventScope              = "hasEventScope"
)

// Permission model edge labels.
const (
	PermissionGrantHasSubject    = "hasAccessor"
	PermissionGrantHasPermission = "hasPermission"
	PermissionGrantHasTarget     = "hasTarget"
	PermissionGrantHasScope      = "hasScope"
	PermissionGrantHasGrantee    = "hasGrantee"
	AccessorBelongsToGroup       = "belongsTo"
	IsAccessibleTo               = "access"
	HasPermissionScope           = "hasPermissionScope"
)

// Social and descriptive edge labels.
const (
	UserWatchingItem = "watching"
	UserFollowsUser  = "follows"
	Describes        = "describes"
	EntityHasDate    = "hasDate"
	HasCountry       = "hasCountry"
	HeldBy           = "heldBy"
	ChildOf          = "childOf"
)

// TimestampLayout is the ISO-8601 layout used for event timestamps. All
// timestamps are UTC so that string order matches time order.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// AnonymousUserID is the accessor id used when a request carries no user.
const AnonymousUserID = "anonymous"
