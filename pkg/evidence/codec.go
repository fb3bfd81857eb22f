package evidence

import (
	"fmt"
	"sort"
)

// GraphSnapshot is the serializable form of a Graph. Entities are ordered by
// canonical key, relationships by triple key and observations by id, so
// snapshots of equal graphs are byte-equal after JSON encoding.
type GraphSnapshot struct {
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
	Observations  []Observation  `json:"observations"`
}

// Snapshot returns a deep, deterministic copy of the graph contents suitable
// for persistence.
func (g *Graph) Snapshot() GraphSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := GraphSnapshot{
		Entities:      make([]Entity, 0, len(g.entities)),
		Relationships: make([]Relationship, 0, len(g.relationships)),
		Observations:  make([]Observation, 0, len(g.observations)),
	}

	for _, entity := range g.entities {
		snap.Entities = append(snap.Entities, copyEntity(entity))
	}
	sort.Slice(snap.Entities, func(i, j int) bool {
		return snap.Entities[i].CanonicalKey < snap.Entities[j].CanonicalKey
	})

	for _, rel := range g.relationships {
		snap.Relationships = append(snap.Relationships, copyRelationship(rel))
	}
	sort.Slice(snap.Relationships, func(i, j int) bool {
		ki := tripleKey(snap.Relationships[i].SourceKey, snap.Relationships[i].TargetKey, snap.Relationships[i].Predicate)
		kj := tripleKey(snap.Relationships[j].SourceKey, snap.Relationships[j].TargetKey, snap.Relationships[j].Predicate)
		return ki < kj
	})

	for _, obs := range g.observations {
		snap.Observations = append(snap.Observations, *obs)
	}
	sort.Slice(snap.Observations, func(i, j int) bool {
		return snap.Observations[i].ID < snap.Observations[j].ID
	})

	return snap
}

// FromSnapshot rebuilds a graph from its serialized form, revalidating every
// closed-set field and every invariant. A snapshot violating the data model
// (unknown kinds or predicates, duplicate keys, dangling references) is
// rejected.
func FromSnapshot(snap GraphSnapshot) (*Graph, error) {
	g := NewGraph()

	for _, obs := range snap.Observations {
		if obs.ID == "" {
			return nil, fmt.Errorf("observation without id")
		}
		if !obs.QualityGrade.Valid() {
			return nil, fmt.Errorf("observation %s: %w: %q", obs.ID, ErrUnknownGrade, obs.QualityGrade)
		}
		if _, dup := g.observations[obs.ID]; dup {
			return nil, fmt.Errorf("duplicate observation id %s", obs.ID)
		}
		stored := obs
		g.observations[obs.ID] = &stored
	}

	attached := make(map[string]struct{})
	claim := func(owner string, ids []string) error {
		for _, id := range ids {
			if _, ok := g.observations[id]; !ok {
				return fmt.Errorf("%s references unknown observation %s", owner, id)
			}
			if _, dup := attached[id]; dup {
				return fmt.Errorf("observation %s attached to more than one target", id)
			}
			attached[id] = struct{}{}
		}
		return nil
	}

	for _, entity := range snap.Entities {
		if !entity.Kind.Valid() {
			return nil, fmt.Errorf("entity %s: %w: %q", entity.CanonicalKey, ErrUnknownKind, entity.Kind)
		}
		if entity.ID == "" || entity.CanonicalKey == "" {
			return nil, fmt.Errorf("entity missing id or canonical key")
		}
		if _, dup := g.entities[entity.CanonicalKey]; dup {
			return nil, fmt.Errorf("duplicate entity key %s", entity.CanonicalKey)
		}
		if err := claim("entity "+entity.CanonicalKey, entity.ObservationIDs); err != nil {
			return nil, err
		}
		stored := copyEntity(&entity)
		g.entities[entity.CanonicalKey] = &stored
		g.entityByID[entity.ID] = &stored
	}

	for _, rel := range snap.Relationships {
		if !rel.Predicate.Valid() {
			return nil, fmt.Errorf("relationship %s: %w: %q", rel.ID, ErrUnknownPredicate, rel.Predicate)
		}
		if rel.ID == "" {
			return nil, fmt.Errorf("relationship without id")
		}
		if _, ok := g.entities[rel.SourceKey]; !ok {
			return nil, fmt.Errorf("relationship %s references unknown source %s", rel.ID, rel.SourceKey)
		}
		if _, ok := g.entities[rel.TargetKey]; !ok {
			return nil, fmt.Errorf("relationship %s references unknown target %s", rel.ID, rel.TargetKey)
		}
		key := tripleKey(rel.SourceKey, rel.TargetKey, rel.Predicate)
		if _, dup := g.relationships[key]; dup {
			return nil, fmt.Errorf("duplicate relationship triple %s", key)
		}
		if err := claim("relationship "+rel.ID, rel.ObservationIDs); err != nil {
			return nil, err
		}
		rel.Confidence = clampConfidence(rel.Confidence)
		stored := copyRelationship(&rel)
		g.relationships[key] = &stored
		g.relByID[rel.ID] = &stored
	}

	return g, nil
}
