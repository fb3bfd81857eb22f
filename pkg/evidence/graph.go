package evidence

import (
	"fmt"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Graph is the shared evidence graph. All exported operations are safe for
// concurrent use; reads return copies so callers never hold references into
// the store. Worker goroutines accumulate into private graphs and fold them
// in through Merge.
type Graph struct {
	mu sync.RWMutex

	entities      map[string]*Entity       // canonical key -> entity
	entityByID    map[string]*Entity       // entity id -> entity
	relationships map[string]*Relationship // triple key -> relationship
	relByID       map[string]*Relationship // relationship id -> relationship
	observations  map[string]*Observation  // observation id -> record
}

// NewGraph creates an empty evidence graph.
func NewGraph() *Graph {
	return &Graph{
		entities:      make(map[string]*Entity),
		entityByID:    make(map[string]*Entity),
		relationships: make(map[string]*Relationship),
		relByID:       make(map[string]*Relationship),
		observations:  make(map[string]*Observation),
	}
}

// GetOrCreateEntity returns the entity stored under the canonical key built
// from kind and displayName, creating it when absent. When the entity already
// exists the given aliases are unioned into it; the call is idempotent and
// never produces a second entity for the same canonical key.
func (g *Graph) GetOrCreateEntity(kind Kind, displayName string, aliases ...string) (Entity, error) {
	if !kind.Valid() {
		return Entity{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	key := CanonicalKey(kind, displayName)

	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.entities[key]; ok {
		if mergeAliases(existing, aliases) {
			existing.UpdatedAt = time.Now().UTC()
		}
		return copyEntity(existing), nil
	}

	id, err := gonanoid.New()
	if err != nil {
		return Entity{}, fmt.Errorf("generate entity id: %w", err)
	}

	now := time.Now().UTC()
	entity := &Entity{
		ID:           id,
		CanonicalKey: key,
		Kind:         kind,
		DisplayName:  displayName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	mergeAliases(entity, aliases)

	g.entities[key] = entity
	g.entityByID[id] = entity

	return copyEntity(entity), nil
}

// Entity returns the entity stored under the canonical key, if any.
func (g *Graph) Entity(canonicalKey string) (Entity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	entity, ok := g.entities[canonicalKey]
	if !ok {
		return Entity{}, false
	}
	return copyEntity(entity), true
}

// EntityByID returns the entity with the given id, if any.
func (g *Graph) EntityByID(id string) (Entity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	entity, ok := g.entityByID[id]
	if !ok {
		return Entity{}, false
	}
	return copyEntity(entity), true
}

// AddObservation attaches an observation to the entity or relationship with
// the given id. Re-adding an observation already attached to the same target
// is a no-op. Attaching a known observation id to a different target is a
// caller bug and returns an error.
func (g *Graph) AddObservation(targetID string, obs Observation) error {
	if obs.ID == "" {
		return fmt.Errorf("observation id required")
	}
	if !obs.QualityGrade.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownGrade, obs.QualityGrade)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	return g.attachObservationLocked(targetID, obs)
}

func (g *Graph) attachObservationLocked(targetID string, obs Observation) error {
	var list *[]string
	if entity, ok := g.entityByID[targetID]; ok {
		list = &entity.ObservationIDs
	} else if rel, ok := g.relByID[targetID]; ok {
		list = &rel.ObservationIDs
	} else {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, targetID)
	}

	if containsString(*list, obs.ID) {
		return nil
	}
	if _, known := g.observations[obs.ID]; known {
		return fmt.Errorf("observation %s already attached elsewhere", obs.ID)
	}

	if obs.CreatedAt.IsZero() {
		obs.CreatedAt = time.Now().UTC()
	}
	stored := obs
	g.observations[obs.ID] = &stored
	*list = append(*list, obs.ID)

	if entity, ok := g.entityByID[targetID]; ok {
		entity.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// AddOrUpdateRelationship upserts the directed edge identified by the
// (sourceKey, targetKey, predicate) triple. Both endpoints must already exist.
// On collision the stored confidence becomes the maximum of old and new, and
// the observation, when given, is appended deduplicated by id. Returns the
// relationship id.
func (g *Graph) AddOrUpdateRelationship(
	sourceKey string,
	targetKey string,
	predicate Predicate,
	obs *Observation,
	confidence float64,
) (string, error) {
	if !predicate.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPredicate, predicate)
	}
	confidence = clampConfidence(confidence)

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.entities[sourceKey]; !ok {
		return "", fmt.Errorf("relationship source %q not in graph", sourceKey)
	}
	if _, ok := g.entities[targetKey]; !ok {
		return "", fmt.Errorf("relationship target %q not in graph", targetKey)
	}

	key := tripleKey(sourceKey, targetKey, predicate)
	rel, ok := g.relationships[key]
	if !ok {
		id, err := gonanoid.New()
		if err != nil {
			return "", fmt.Errorf("generate relationship id: %w", err)
		}
		rel = &Relationship{
			ID:            id,
			SourceKey:     sourceKey,
			TargetKey:     targetKey,
			Predicate:     predicate,
			Confidence:    confidence,
			ConflictGroup: conflictGroupFor(sourceKey, targetKey, predicate),
		}
		g.relationships[key] = rel
		g.relByID[id] = rel
	} else if confidence > rel.Confidence {
		rel.Confidence = confidence
	}

	if obs != nil {
		if err := g.attachObservationLocked(rel.ID, *obs); err != nil {
			return rel.ID, err
		}
	}
	return rel.ID, nil
}

// Relationship returns the edge stored under the given triple, if any.
func (g *Graph) Relationship(sourceKey, targetKey string, predicate Predicate) (Relationship, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rel, ok := g.relationships[tripleKey(sourceKey, targetKey, predicate)]
	if !ok {
		return Relationship{}, false
	}
	return copyRelationship(rel), true
}

// Observation returns the observation with the given id, if any.
func (g *Graph) Observation(id string) (Observation, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	obs, ok := g.observations[id]
	if !ok {
		return Observation{}, false
	}
	return *obs, true
}

// EntitiesByKind returns copies of all entities of the given kind, ordered by
// canonical key.
func (g *Graph) EntitiesByKind(kind Kind) []Entity {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Entity
	for _, entity := range g.entities {
		if entity.Kind == kind {
			out = append(out, copyEntity(entity))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalKey < out[j].CanonicalKey })
	return out
}

// RelationshipsByPredicate returns copies of all edges with the given
// predicate, ordered by triple key.
func (g *Graph) RelationshipsByPredicate(predicate Predicate) []Relationship {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Relationship
	for _, rel := range g.relationships {
		if rel.Predicate == predicate {
			out = append(out, copyRelationship(rel))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ki := tripleKey(out[i].SourceKey, out[i].TargetKey, out[i].Predicate)
		kj := tripleKey(out[j].SourceKey, out[j].TargetKey, out[j].Predicate)
		return ki < kj
	})
	return out
}

// ObservationsByCollector returns copies of all observations recorded by the
// named collector, ordered by id.
func (g *Graph) ObservationsByCollector(collector string) []Observation {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Observation
	for _, obs := range g.observations {
		if obs.SourceCollector == collector {
			out = append(out, *obs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ObservationsForEntities returns the distinct observations reachable from
// the given entity ids: observations attached to the entities themselves plus
// observations on relationships that touch them. Duplicates are removed by
// observation id.
func (g *Graph) ObservationsForEntities(entityIDs []string) []Observation {
	g.mu.RLock()
	defer g.mu.RUnlock()

	wantKeys := make(map[string]struct{})
	seen := make(map[string]struct{})
	var out []Observation

	collect := func(ids []string) {
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			obs, ok := g.observations[id]
			if !ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, *obs)
		}
	}

	for _, id := range entityIDs {
		entity, ok := g.entityByID[id]
		if !ok {
			continue
		}
		wantKeys[entity.CanonicalKey] = struct{}{}
		collect(entity.ObservationIDs)
	}

	for _, rel := range g.relationships {
		_, srcHit := wantKeys[rel.SourceKey]
		_, dstHit := wantKeys[rel.TargetKey]
		if srcHit || dstHit {
			collect(rel.ObservationIDs)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Summary describes the current size and composition of a graph.
type Summary struct {
	EntityCount       int                  `json:"entityCount"`
	RelationshipCount int                  `json:"relationshipCount"`
	ObservationCount  int                  `json:"observationCount"`
	ByKind            map[Kind]int         `json:"byKind"`
	ByPredicate       map[Predicate]int    `json:"byPredicate"`
	ByGrade           map[QualityGrade]int `json:"byGrade"`
}

// Summarize computes entity, relationship and observation counts along with
// their distribution over kinds, predicates and quality grades.
func (g *Graph) Summarize() Summary {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := Summary{
		EntityCount:       len(g.entities),
		RelationshipCount: len(g.relationships),
		ObservationCount:  len(g.observations),
		ByKind:            make(map[Kind]int),
		ByPredicate:       make(map[Predicate]int),
		ByGrade:           make(map[QualityGrade]int),
	}
	for _, entity := range g.entities {
		s.ByKind[entity.Kind]++
	}
	for _, rel := range g.relationships {
		s.ByPredicate[rel.Predicate]++
	}
	for _, obs := range g.observations {
		s.ByGrade[obs.QualityGrade]++
	}
	return s
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// mergeAliases unions aliases into the entity, skipping empties, duplicates
// and the display name itself. Reports whether anything changed.
func mergeAliases(entity *Entity, aliases []string) bool {
	changed := false
	for _, alias := range aliases {
		if alias == "" || alias == entity.DisplayName {
			continue
		}
		if containsString(entity.Aliases, alias) {
			continue
		}
		entity.Aliases = append(entity.Aliases, alias)
		changed = true
	}
	if changed {
		sort.Strings(entity.Aliases)
	}
	return changed
}

func copyEntity(e *Entity) Entity {
	out := *e
	out.Aliases = append([]string(nil), e.Aliases...)
	out.ObservationIDs = append([]string(nil), e.ObservationIDs...)
	return out
}

func copyRelationship(r *Relationship) Relationship {
	out := *r
	out.ObservationIDs = append([]string(nil), r.ObservationIDs...)
	return out
}
