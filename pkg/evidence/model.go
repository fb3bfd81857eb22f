package evidence

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an entity into one of the closed set of concept categories
// the engine reasons about. Unknown kinds are rejected at the graph boundary.
type Kind string

const (
	KindDisease   Kind = "disease"
	KindGene      Kind = "gene"
	KindVariant   Kind = "variant"
	KindDrug      Kind = "drug"
	KindTrial     Kind = "trial"
	KindBiomarker Kind = "biomarker"
	KindPathway   Kind = "pathway"
	KindOutcome   Kind = "outcome"
)

// Kinds lists every valid entity kind.
var Kinds = []Kind{
	KindDisease,
	KindGene,
	KindVariant,
	KindDrug,
	KindTrial,
	KindBiomarker,
	KindPathway,
	KindOutcome,
}

// Valid reports whether k is a member of the closed kind set.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Predicate is the type of a directed relationship between two entities.
type Predicate string

const (
	PredicateTreats              Predicate = "treats"
	PredicateTargets             Predicate = "targets"
	PredicateResistantTo         Predicate = "resistantTo"
	PredicateSensitizesTo        Predicate = "sensitizesTo"
	PredicateAssociatedWith      Predicate = "associatedWith"
	PredicateContraindicatedWith Predicate = "contraindicatedWith"
	PredicateOccursIn            Predicate = "occursIn"
	PredicateParticipatesIn      Predicate = "participatesIn"
	PredicateInvestigatedIn      Predicate = "investigatedIn"
)

// Predicates lists every valid relationship predicate.
var Predicates = []Predicate{
	PredicateTreats,
	PredicateTargets,
	PredicateResistantTo,
	PredicateSensitizesTo,
	PredicateAssociatedWith,
	PredicateContraindicatedWith,
	PredicateOccursIn,
	PredicateParticipatesIn,
	PredicateInvestigatedIn,
}

// Valid reports whether p is a member of the closed predicate set.
func (p Predicate) Valid() bool {
	for _, known := range Predicates {
		if p == known {
			return true
		}
	}
	return false
}

// QualityGrade is an ordinal evidence grade from a fixed ordered scale,
// strongest (GradeA) to weakest (GradeE).
type QualityGrade string

const (
	GradeA QualityGrade = "A" // practice guidelines, systematic reviews and meta-analyses
	GradeB QualityGrade = "B" // interventional trials
	GradeC QualityGrade = "C" // observational studies
	GradeD QualityGrade = "D" // case reports and case series
	GradeE QualityGrade = "E" // preclinical and mechanistic evidence
)

// Grades lists every valid quality grade, strongest first.
var Grades = []QualityGrade{GradeA, GradeB, GradeC, GradeD, GradeE}

// Valid reports whether g is a member of the grade scale.
func (g QualityGrade) Valid() bool {
	return g.Rank() < len(Grades)
}

// Rank returns the position of g on the scale, 0 for the strongest grade.
// Unknown grades rank below every valid grade.
func (g QualityGrade) Rank() int {
	for i, known := range Grades {
		if g == known {
			return i
		}
	}
	return len(Grades)
}

// Validation errors returned at the graph boundary. These indicate caller
// bugs and are fatal to the calling operation, never to the graph.
var (
	ErrUnknownKind      = errors.New("unknown entity kind")
	ErrUnknownPredicate = errors.New("unknown relationship predicate")
	ErrUnknownGrade     = errors.New("unknown quality grade")
	ErrUnknownTarget    = errors.New("unknown observation target")
)

// Entity is a deduplicated node in the evidence graph, identified by its
// canonical key. A graph holds at most one entity per canonical key.
type Entity struct {
	ID             string    `json:"id"`
	CanonicalKey   string    `json:"canonicalKey"`
	Kind           Kind      `json:"kind"`
	DisplayName    string    `json:"displayName"`
	Aliases        []string  `json:"aliases,omitempty"`
	ObservationIDs []string  `json:"observationIds,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Relationship is a typed directed edge between two entities, keyed by the
// (source, target, predicate) triple and carrying its own evidence.
type Relationship struct {
	ID             string    `json:"id"`
	SourceKey      string    `json:"sourceKey"`
	TargetKey      string    `json:"targetKey"`
	Predicate      Predicate `json:"predicate"`
	ObservationIDs []string  `json:"observationIds,omitempty"`
	Confidence     float64   `json:"confidence"`
	ConflictGroup  string    `json:"conflictGroup,omitempty"`
}

// Observation is a single unit of attributable evidence. It is attached to
// exactly one entity or relationship and is never mutated after creation.
type Observation struct {
	ID              string       `json:"id"`
	Statement       string       `json:"statement"`
	SourceCollector string       `json:"sourceCollector"`
	SourceKind      string       `json:"sourceKind"`
	ProvenanceID    string       `json:"provenanceId"`
	SourceURL       string       `json:"sourceUrl,omitempty"`
	QualityGrade    QualityGrade `json:"qualityGrade"`
	RoundIndex      int          `json:"roundIndex"`
	CreatedAt       time.Time    `json:"createdAt"`
}

// CanonicalKey builds the dedup key for an entity from its kind and name,
// e.g. ("gene", "egfr") -> "GENE:EGFR". Names are trimmed, inner whitespace
// is collapsed, and the result is uppercased so spelling variants of the
// same concept collide.
func CanonicalKey(kind Kind, name string) string {
	normalized := strings.Join(strings.Fields(name), " ")
	return fmt.Sprintf("%s:%s", strings.ToUpper(string(kind)), strings.ToUpper(normalized))
}

// tripleKey identifies a relationship by its endpoints and predicate.
func tripleKey(sourceKey, targetKey string, predicate Predicate) string {
	return sourceKey + "|" + string(predicate) + "|" + targetKey
}

// conflictGroupFor derives the conflict-group marker for predicates that can
// contradict each other over the same entity pair. Sensitivity and resistance
// claims about one (subject, agent) pair land in the same group so downstream
// consumers can surface the contradiction instead of silently keeping both.
func conflictGroupFor(sourceKey, targetKey string, predicate Predicate) string {
	switch predicate {
	case PredicateResistantTo, PredicateSensitizesTo:
		return sourceKey + "|sensitivity|" + targetKey
	default:
		return ""
	}
}
