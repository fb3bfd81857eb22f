package evidence

import (
	"errors"
	"testing"
)

func mustEntity(t *testing.T, g *Graph, kind Kind, name string, aliases ...string) Entity {
	t.Helper()
	entity, err := g.GetOrCreateEntity(kind, name, aliases...)
	if err != nil {
		t.Fatalf("GetOrCreateEntity(%s, %s) error = %v", kind, name, err)
	}
	return entity
}

func testObservation(id string, grade QualityGrade) Observation {
	return Observation{
		ID:              id,
		Statement:       "statement " + id,
		SourceCollector: "literature",
		SourceKind:      "article",
		ProvenanceID:    "PMID:" + id,
		QualityGrade:    grade,
	}
}

func TestGetOrCreateEntity_DeduplicatesByCanonicalKey(t *testing.T) {
	g := NewGraph()

	first := mustEntity(t, g, KindGene, "KRAS", "KRAS proto-oncogene")
	second := mustEntity(t, g, KindGene, "kras ", "Ki-Ras")

	if first.CanonicalKey != "GENE:KRAS" {
		t.Fatalf("canonical key = %q, want %q", first.CanonicalKey, "GENE:KRAS")
	}
	if first.ID != second.ID {
		t.Fatalf("expected one entity, got ids %s and %s", first.ID, second.ID)
	}

	want := []string{"KRAS proto-oncogene", "Ki-Ras"}
	got, _ := g.Entity("GENE:KRAS")
	if len(got.Aliases) != len(want) {
		t.Fatalf("aliases = %#v, want union of %#v", got.Aliases, want)
	}
	for _, alias := range want {
		if !containsString(got.Aliases, alias) {
			t.Fatalf("aliases = %#v, missing %q", got.Aliases, alias)
		}
	}
}

func TestGetOrCreateEntity_UnknownKind(t *testing.T) {
	g := NewGraph()

	_, err := g.GetOrCreateEntity(Kind("planet"), "Mars")
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("error = %v, want ErrUnknownKind", err)
	}
}

func TestAddObservation_IdempotentPerTarget(t *testing.T) {
	g := NewGraph()
	entity := mustEntity(t, g, KindDrug, "Sotorasib")

	obs := testObservation("obs-1", GradeB)
	if err := g.AddObservation(entity.ID, obs); err != nil {
		t.Fatalf("AddObservation() error = %v", err)
	}
	if err := g.AddObservation(entity.ID, obs); err != nil {
		t.Fatalf("AddObservation() repeat error = %v", err)
	}

	got, _ := g.Entity(entity.CanonicalKey)
	if len(got.ObservationIDs) != 1 {
		t.Fatalf("observation ids = %#v, want exactly one", got.ObservationIDs)
	}
}

func TestAddObservation_UnknownTarget(t *testing.T) {
	g := NewGraph()

	err := g.AddObservation("missing", testObservation("obs-1", GradeA))
	if !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("error = %v, want ErrUnknownTarget", err)
	}
}

func TestAddObservation_UnknownGrade(t *testing.T) {
	g := NewGraph()
	entity := mustEntity(t, g, KindDisease, "Colorectal cancer")

	err := g.AddObservation(entity.ID, testObservation("obs-1", QualityGrade("Z")))
	if !errors.Is(err, ErrUnknownGrade) {
		t.Fatalf("error = %v, want ErrUnknownGrade", err)
	}
}

func TestAddOrUpdateRelationship_KeepsMaxConfidence(t *testing.T) {
	g := NewGraph()
	drug := mustEntity(t, g, KindDrug, "Sotorasib")
	variant := mustEntity(t, g, KindVariant, "KRAS G12C")

	first, err := g.AddOrUpdateRelationship(drug.CanonicalKey, variant.CanonicalKey, PredicateTargets, nil, 0.4)
	if err != nil {
		t.Fatalf("AddOrUpdateRelationship() error = %v", err)
	}
	second, err := g.AddOrUpdateRelationship(drug.CanonicalKey, variant.CanonicalKey, PredicateTargets, nil, 0.9)
	if err != nil {
		t.Fatalf("AddOrUpdateRelationship() second error = %v", err)
	}
	if first != second {
		t.Fatalf("expected single edge, got ids %s and %s", first, second)
	}

	rel, ok := g.Relationship(drug.CanonicalKey, variant.CanonicalKey, PredicateTargets)
	if !ok {
		t.Fatal("relationship not found")
	}
	if rel.Confidence != 0.9 {
		t.Fatalf("confidence = %v, want 0.9", rel.Confidence)
	}

	// Lower confidence later must not regress the stored value.
	if _, err := g.AddOrUpdateRelationship(drug.CanonicalKey, variant.CanonicalKey, PredicateTargets, nil, 0.2); err != nil {
		t.Fatalf("AddOrUpdateRelationship() third error = %v", err)
	}
	rel, _ = g.Relationship(drug.CanonicalKey, variant.CanonicalKey, PredicateTargets)
	if rel.Confidence != 0.9 {
		t.Fatalf("confidence after lower update = %v, want 0.9", rel.Confidence)
	}
}

func TestAddOrUpdateRelationship_AppendsObservationsDeduplicated(t *testing.T) {
	g := NewGraph()
	drug := mustEntity(t, g, KindDrug, "Adagrasib")
	variant := mustEntity(t, g, KindVariant, "KRAS G12C")

	obs := testObservation("obs-7", GradeB)
	if _, err := g.AddOrUpdateRelationship(drug.CanonicalKey, variant.CanonicalKey, PredicateTargets, &obs, 0.6); err != nil {
		t.Fatalf("AddOrUpdateRelationship() error = %v", err)
	}
	if _, err := g.AddOrUpdateRelationship(drug.CanonicalKey, variant.CanonicalKey, PredicateTargets, &obs, 0.6); err != nil {
		t.Fatalf("AddOrUpdateRelationship() repeat error = %v", err)
	}

	rel, _ := g.Relationship(drug.CanonicalKey, variant.CanonicalKey, PredicateTargets)
	if len(rel.ObservationIDs) != 1 {
		t.Fatalf("observation ids = %#v, want exactly one", rel.ObservationIDs)
	}
}

func TestAddOrUpdateRelationship_UnknownPredicate(t *testing.T) {
	g := NewGraph()
	mustEntity(t, g, KindDrug, "Sotorasib")
	mustEntity(t, g, KindVariant, "KRAS G12C")

	_, err := g.AddOrUpdateRelationship("DRUG:SOTORASIB", "VARIANT:KRAS G12C", Predicate("cures"), nil, 0.5)
	if !errors.Is(err, ErrUnknownPredicate) {
		t.Fatalf("error = %v, want ErrUnknownPredicate", err)
	}
}

func TestAddOrUpdateRelationship_MissingEndpoint(t *testing.T) {
	g := NewGraph()
	mustEntity(t, g, KindDrug, "Sotorasib")

	_, err := g.AddOrUpdateRelationship("DRUG:SOTORASIB", "VARIANT:KRAS G12C", PredicateTargets, nil, 0.5)
	if err == nil {
		t.Fatal("expected error for missing target entity")
	}
}

func TestConflictGroup_SharedForSensitivityPredicates(t *testing.T) {
	g := NewGraph()
	variant := mustEntity(t, g, KindVariant, "EGFR T790M")
	drug := mustEntity(t, g, KindDrug, "Gefitinib")

	if _, err := g.AddOrUpdateRelationship(variant.CanonicalKey, drug.CanonicalKey, PredicateResistantTo, nil, 0.8); err != nil {
		t.Fatalf("AddOrUpdateRelationship(resistantTo) error = %v", err)
	}
	if _, err := g.AddOrUpdateRelationship(variant.CanonicalKey, drug.CanonicalKey, PredicateSensitizesTo, nil, 0.3); err != nil {
		t.Fatalf("AddOrUpdateRelationship(sensitizesTo) error = %v", err)
	}

	resistant, _ := g.Relationship(variant.CanonicalKey, drug.CanonicalKey, PredicateResistantTo)
	sensitive, _ := g.Relationship(variant.CanonicalKey, drug.CanonicalKey, PredicateSensitizesTo)

	if resistant.ConflictGroup == "" || resistant.ConflictGroup != sensitive.ConflictGroup {
		t.Fatalf("conflict groups = %q and %q, want shared non-empty group",
			resistant.ConflictGroup, sensitive.ConflictGroup)
	}

	if _, err := g.AddOrUpdateRelationship(drug.CanonicalKey, variant.CanonicalKey, PredicateTargets, nil, 0.5); err != nil {
		t.Fatalf("AddOrUpdateRelationship(targets) error = %v", err)
	}
	rel, _ := g.Relationship(drug.CanonicalKey, variant.CanonicalKey, PredicateTargets)
	if rel.ConflictGroup != "" {
		t.Fatalf("targets conflict group = %q, want empty", rel.ConflictGroup)
	}
}

func TestObservationsForEntities_ReachableAndDistinct(t *testing.T) {
	g := NewGraph()
	disease := mustEntity(t, g, KindDisease, "Colorectal cancer")
	variant := mustEntity(t, g, KindVariant, "KRAS G12C")
	drug := mustEntity(t, g, KindDrug, "Sotorasib")

	if err := g.AddObservation(variant.ID, testObservation("obs-a", GradeA)); err != nil {
		t.Fatalf("AddObservation() error = %v", err)
	}
	edgeObs := testObservation("obs-b", GradeB)
	if _, err := g.AddOrUpdateRelationship(drug.CanonicalKey, variant.CanonicalKey, PredicateTargets, &edgeObs, 0.7); err != nil {
		t.Fatalf("AddOrUpdateRelationship() error = %v", err)
	}
	if err := g.AddObservation(disease.ID, testObservation("obs-c", GradeC)); err != nil {
		t.Fatalf("AddObservation() error = %v", err)
	}

	// Observations on the variant plus on the edge touching it, not the
	// disease observation.
	got := g.ObservationsForEntities([]string{variant.ID, variant.ID})
	if len(got) != 2 {
		t.Fatalf("ObservationsForEntities() returned %d observations, want 2", len(got))
	}
	ids := map[string]bool{}
	for _, obs := range got {
		ids[obs.ID] = true
	}
	if !ids["obs-a"] || !ids["obs-b"] {
		t.Fatalf("ObservationsForEntities() ids = %v, want obs-a and obs-b", ids)
	}
}

func TestSummarize_Counts(t *testing.T) {
	g := NewGraph()
	variant := mustEntity(t, g, KindVariant, "KRAS G12C")
	drug := mustEntity(t, g, KindDrug, "Sotorasib")
	mustEntity(t, g, KindDrug, "Adagrasib")

	if err := g.AddObservation(variant.ID, testObservation("obs-1", GradeA)); err != nil {
		t.Fatalf("AddObservation() error = %v", err)
	}
	if err := g.AddObservation(drug.ID, testObservation("obs-2", GradeB)); err != nil {
		t.Fatalf("AddObservation() error = %v", err)
	}
	if _, err := g.AddOrUpdateRelationship(drug.CanonicalKey, variant.CanonicalKey, PredicateTargets, nil, 0.9); err != nil {
		t.Fatalf("AddOrUpdateRelationship() error = %v", err)
	}

	s := g.Summarize()
	if s.EntityCount != 3 || s.RelationshipCount != 1 || s.ObservationCount != 2 {
		t.Fatalf("Summarize() = %+v, want 3 entities, 1 relationship, 2 observations", s)
	}
	if s.ByKind[KindDrug] != 2 || s.ByKind[KindVariant] != 1 {
		t.Fatalf("ByKind = %#v, want drug:2 variant:1", s.ByKind)
	}
	if s.ByPredicate[PredicateTargets] != 1 {
		t.Fatalf("ByPredicate = %#v, want targets:1", s.ByPredicate)
	}
	if s.ByGrade[GradeA] != 1 || s.ByGrade[GradeB] != 1 {
		t.Fatalf("ByGrade = %#v, want A:1 B:1", s.ByGrade)
	}
}
