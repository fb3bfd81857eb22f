package evidence

// Merge folds all entities, relationships and observations of other into g.
// The operation is a union: merging the same graph twice changes nothing, and
// merging a set of worker deltas produces the same graph in any order (up to
// id assignment and timestamps). Only the orchestration step calls Merge, one
// delta at a time.
func (g *Graph) Merge(other *Graph) {
	if other == nil || other == g {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	other.mu.RLock()
	defer other.mu.RUnlock()

	for key, incoming := range other.entities {
		existing, ok := g.entities[key]
		if !ok {
			copied := copyEntity(incoming)
			copied.ObservationIDs = nil
			stored := &copied
			g.entities[key] = stored
			g.entityByID[stored.ID] = stored
			existing = stored
		} else {
			mergeAliases(existing, incoming.Aliases)
			if incoming.CreatedAt.Before(existing.CreatedAt) {
				existing.CreatedAt = incoming.CreatedAt
			}
			if incoming.UpdatedAt.After(existing.UpdatedAt) {
				existing.UpdatedAt = incoming.UpdatedAt
			}
		}

		for _, obsID := range incoming.ObservationIDs {
			g.adoptObservationLocked(other, obsID, &existing.ObservationIDs)
		}
	}

	for key, incoming := range other.relationships {
		existing, ok := g.relationships[key]
		if !ok {
			copied := copyRelationship(incoming)
			copied.ObservationIDs = nil
			stored := &copied
			g.relationships[key] = stored
			g.relByID[stored.ID] = stored
			existing = stored
		} else {
			if incoming.Confidence > existing.Confidence {
				existing.Confidence = incoming.Confidence
			}
			if existing.ConflictGroup == "" {
				existing.ConflictGroup = incoming.ConflictGroup
			}
		}

		for _, obsID := range incoming.ObservationIDs {
			g.adoptObservationLocked(other, obsID, &existing.ObservationIDs)
		}
	}
}

// adoptObservationLocked copies the observation with the given id from other
// into g's registry (when not yet present) and appends it to the target list,
// deduplicated by id. Both graphs must be locked by the caller.
func (g *Graph) adoptObservationLocked(other *Graph, obsID string, list *[]string) {
	if containsString(*list, obsID) {
		return
	}
	if _, known := g.observations[obsID]; !known {
		incoming, ok := other.observations[obsID]
		if !ok {
			return
		}
		copied := *incoming
		g.observations[obsID] = &copied
	}
	*list = append(*list, obsID)
}
