package models

// PermissionType is the name of a grantable capability.
type PermissionType string

const (
	PermCreate   PermissionType = "create"
	PermUpdate   PermissionType = "update"
	PermDelete   PermissionType = "delete"
	PermAnnotate PermissionType = "annotate"
	PermOwner    PermissionType = "owner"
	PermGrant    PermissionType = "grant"
	PermPromote  PermissionType = "promote"
)

// ValidPermissionTypes is the set of all valid permissions.
var ValidPermissionTypes = []PermissionType{
	PermCreate,
	PermUpdate,
	PermDelete,
	PermAnnotate,
	PermOwner,
	PermGrant,
	PermPromote,
}

// IsValid returns true if the permission is recognized.
func (p PermissionType) IsValid() bool {
	for _, v := range ValidPermissionTypes {
		if p == v {
			return true
		}
	}
	return false
}

// ContentTypes are the entity classes that can be the target of a
// class-level permission grant.
var ContentTypes = []EntityClass{
	ClassDocumentaryUnit,
	ClassRepository,
	ClassHistoricalAgent,
	ClassCountry,
	ClassCvocVocabulary,
	ClassCvocConcept,
	ClassAnnotation,
	ClassLink,
	ClassUserProfile,
	ClassGroup,
	ClassPermissionGrant,
	ClassSystemEvent,
}
