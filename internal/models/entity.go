package models

// EntityClass is the discriminator stored on every entity vertex.
type EntityClass string

const (
	ClassDocumentaryUnit     EntityClass = "DocumentaryUnit"
	ClassDocumentDescription EntityClass = "DocumentDescription"
	ClassRepository          EntityClass = "Repository"
	ClassRepoDescription     EntityClass = "RepositoryDescription"
	ClassHistoricalAgent     EntityClass = "HistoricalAgent"
	ClassAgentDescription    EntityClass = "HistoricalAgentDescription"
	ClassCountry             EntityClass = "Country"
	ClassCvocVocabulary      EntityClass = "CvocVocabulary"
	ClassCvocConcept         EntityClass = "CvocConcept"
	ClassConceptDescription  EntityClass = "CvocConceptDescription"
	ClassDatePeriod          EntityClass = "DatePeriod"
	ClassAnnotation          EntityClass = "Annotation"
	ClassLink                EntityClass = "Link"
	ClassUserProfile         EntityClass = "UserProfile"
	ClassGroup               EntityClass = "Group"
	ClassPermissionGrant     EntityClass = "PermissionGrant"
	ClassPermission          EntityClass = "Permission"
	ClassContentType         EntityClass = "ContentType"
	ClassSystemEvent         EntityClass = "SystemEvent"
	ClassVersion             EntityClass = "Version"
	ClassEventLink           EntityClass = "EventLink"
	ClassSystem              EntityClass = "System"
)

// ValidEntityClasses is the set of all known entity classes.
var ValidEntityClasses = []EntityClass{
	ClassDocumentaryUnit,
	ClassDocumentDescription,
	ClassRepository,
	ClassRepoDescription,
	ClassHistoricalAgent,
	ClassAgentDescription,
	ClassCountry,
	ClassCvocVocabulary,
	ClassCvocConcept,
	ClassConceptDescription,
	ClassDatePeriod,
	ClassAnnotation,
	ClassLink,
	ClassUserProfile,
	ClassGroup,
	ClassPermissionGrant,
	ClassPermission,
	ClassContentType,
	ClassSystemEvent,
	ClassVersion,
	ClassEventLink,
	ClassSystem,
}

// IsValid returns true if the entity class is recognized.
func (c EntityClass) IsValid() bool {
	for _, v := range ValidEntityClasses {
		if c == v {
			return true
		}
	}
	return false
}

// IsAccessor reports whether entities of this class can hold grants and act.
func (c EntityClass) IsAccessor() bool {
	return c == ClassUserProfile || c == ClassGroup
}

// ParseEntityClass resolves a class name, reporting false for unknown names.
func ParseEntityClass(name string) (EntityClass, bool) {
	c := EntityClass(name)
	return c, c.IsValid()
}

// Relation names an edge label and the side of it an entity sits on.
type Relation struct {
	Label   string
	Inbound bool
}

// DependentRelations lists, per class, the relations to entities owned by
// an item. Owned entities are serialized with, and live and die with, their
// owner.
var DependentRelations = map[EntityClass][]Relation{
	ClassDocumentaryUnit:     {{Label: Describes, Inbound: true}},
	ClassRepository:          {{Label: Describes, Inbound: true}},
	ClassHistoricalAgent:     {{Label: Describes, Inbound: true}},
	ClassCvocConcept:         {{Label: Describes, Inbound: true}},
	ClassDocumentDescription: {{Label: EntityHasDate}},
	ClassRepoDescription:     {{Label: EntityHasDate}},
	ClassAgentDescription:    {{Label: EntityHasDate}},
}
