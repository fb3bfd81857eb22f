package research

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/veska-bio/loom/pkg/curator"
	"github.com/veska-bio/loom/pkg/evidence"
	"github.com/veska-bio/loom/pkg/oracle"
	"github.com/veska-bio/loom/pkg/sources"
)

// DocumentCurator runs the tiered retrieval and curation pipeline for one
// research request.
type DocumentCurator interface {
	Curate(ctx context.Context, request string) (*curator.Curation, error)
}

// Delta is one worker's private output for a round: a graph fragment to be
// merged into the shared graph plus bookkeeping suggestions for the plan.
type Delta struct {
	Graph       *evidence.Graph
	Suggestions []DirectionSuggestion
}

// DirectionSuggestion reports what a worker did for one direction. Collected
// entities travel as canonical keys because entity ids are only stable after
// the merge.
type DirectionSuggestion struct {
	DirectionID       string
	CollectedKeys     []string
	NeedsDeepFollowUp bool
	Lookups           int
}

// CollectJob is one owner's work for one round.
type CollectJob struct {
	Owner       string
	CaseSummary string
	RoundIndex  int
	Directions  []Direction
}

// Worker turns research directions into evidence. It is stateless across
// rounds and safe for concurrent Collect calls; all mutable state lives in
// the job and the returned delta.
type Worker struct {
	curator  DocumentCurator
	registry sources.TrialRegistry
	oracle   oracle.Client
	policy   Policy
}

// NewWorkerParams configures a Worker. Curator and Oracle are required;
// without a Registry, trial follow-ups are skipped.
type NewWorkerParams struct {
	Curator  DocumentCurator
	Registry sources.TrialRegistry
	Oracle   oracle.Client
	Policy   Policy
}

func NewWorker(params NewWorkerParams) (*Worker, error) {
	if params.Curator == nil {
		return nil, errors.New("no curator provided")
	}
	if params.Oracle == nil {
		return nil, errors.New("no oracle client provided")
	}
	policy := params.Policy.withDefaults()
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Worker{
		curator:  params.Curator,
		registry: params.Registry,
		oracle:   params.Oracle,
		policy:   policy,
	}, nil
}

// Collect works the job's directions in priority order, accumulating
// everything into one private delta. Only context errors abort; any other
// failure skips that unit of work for the round, to be retried next round.
func (w *Worker) Collect(ctx context.Context, snapshot *evidence.Graph, job CollectJob) (*Delta, error) {
	delta := &Delta{Graph: evidence.NewGraph()}

	directions := append([]Direction(nil), job.Directions...)
	sort.SliceStable(directions, func(i, j int) bool {
		return directions[i].Priority < directions[j].Priority
	})

	for _, dir := range directions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		suggestion, err := w.collectDirection(ctx, snapshot, delta.Graph, job, dir)
		if err != nil {
			return nil, err
		}
		delta.Suggestions = append(delta.Suggestions, suggestion)
	}
	return delta, nil
}

func (w *Worker) collectDirection(
	ctx context.Context,
	snapshot *evidence.Graph,
	delta *evidence.Graph,
	job CollectJob,
	dir Direction,
) (DirectionSuggestion, error) {
	suggestion := DirectionSuggestion{DirectionID: dir.ID}
	deep := dir.Strategy == StrategyDepthFirst

	curation, err := w.curator.Curate(ctx, dir.Topic)
	if err != nil {
		if ctx.Err() != nil {
			return suggestion, ctx.Err()
		}
		log.Warn("curation failed, direction waits a round",
			"worker", job.Owner, "topic", dir.Topic, "error", err)
		return suggestion, nil
	}
	suggestion.Lookups++

	docs := curation.Documents
	if len(docs) > w.policy.ExtractDocLimit {
		docs = docs[:w.policy.ExtractDocLimit]
	}
	keys, flagged, err := w.extractDocuments(ctx, delta, job, dir, docs)
	if err != nil {
		return suggestion, err
	}
	suggestion.CollectedKeys = keys
	suggestion.NeedsDeepFollowUp = flagged

	// Depth-first directions always check the registry; breadth-first ones
	// only when this round surfaced a drug worth looking up.
	condition, drug := anchorNames(delta, keys)
	if condition == "" {
		condition = dir.Topic
	}
	if w.registry != nil && (deep || drug != "") {
		registryKeys, err := w.registryFollowUp(ctx, delta, job, condition, drug)
		if err != nil {
			return suggestion, err
		}
		suggestion.Lookups++
		suggestion.CollectedKeys = append(suggestion.CollectedKeys, registryKeys...)
	}

	if deep {
		mechKeys, lookups, err := w.mechanismFollowUps(ctx, snapshot, delta, job, dir, suggestion.CollectedKeys)
		if err != nil {
			return suggestion, err
		}
		suggestion.Lookups += lookups
		suggestion.CollectedKeys = append(suggestion.CollectedKeys, mechKeys...)
	}

	suggestion.CollectedKeys = dedupeStrings(suggestion.CollectedKeys)
	log.Debug("direction collected",
		"worker", job.Owner,
		"topic", dir.Topic,
		"lookups", suggestion.Lookups,
		"entities", len(suggestion.CollectedKeys),
	)
	return suggestion, nil
}

// extractDocuments fans the curated documents out over the oracle and folds
// every usable response into the delta. Failed extractions are logged and
// dropped; the document comes back in a later round's curation if it still
// matters.
func (w *Worker) extractDocuments(
	ctx context.Context,
	delta *evidence.Graph,
	job CollectJob,
	dir Direction,
	docs []curator.CuratedDocument,
) ([]string, bool, error) {
	var (
		mergeMu sync.Mutex
		keys    []string
		flagged bool
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(w.policy.ExtractParallel)
	for _, doc := range docs {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return nil
			default:
			}
			res, err := extractEvidence(gCtx, w.oracle, job.CaseSummary, dir.Topic, doc, w.policy.MaxRetries)
			if err != nil {
				if gCtx.Err() != nil {
					return gCtx.Err()
				}
				log.Warn("document extraction failed",
					"worker", job.Owner, "document", doc.ID, "error", err)
				return nil
			}
			collected, high, err := w.applyExtraction(delta, job, doc, res)
			if err != nil {
				return err
			}
			mergeMu.Lock()
			keys = append(keys, collected...)
			flagged = flagged || high
			mergeMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}
	return dedupeStrings(keys), flagged, nil
}

// applyExtraction folds one document's extraction into the delta. Entities
// with kinds outside the closed set are dropped, which also drops any
// finding that referenced them.
func (w *Worker) applyExtraction(
	delta *evidence.Graph,
	job CollectJob,
	doc curator.CuratedDocument,
	res *extractionResponse,
) ([]string, bool, error) {
	grade := w.policy.gradeFor(doc.Bucket)
	byName := make(map[string]evidence.Entity, len(res.Entities))
	var collected []string
	flagged := false

	for _, raw := range res.Entities {
		entity, err := delta.GetOrCreateEntity(evidence.Kind(raw.Kind), raw.Name, raw.Aliases...)
		if err != nil {
			log.Debug("dropping extracted entity",
				"document", doc.ID, "name", raw.Name, "kind", raw.Kind, "error", err)
			continue
		}
		byName[raw.Name] = entity
		collected = append(collected, entity.CanonicalKey)

		if raw.Note != "" {
			obs, err := w.newObservation(job, raw.Note, "literature", doc.ID, doc.URL, grade)
			if err != nil {
				return nil, false, err
			}
			if err := delta.AddObservation(entity.ID, obs); err != nil {
				log.Debug("dropping entity note", "document", doc.ID, "name", raw.Name, "error", err)
			}
		}
	}

	for _, finding := range res.Findings {
		predicate, ok := normalizePredicate(finding.Predicate)
		if !ok {
			log.Debug("dropping finding with unknown predicate",
				"document", doc.ID, "predicate", finding.Predicate)
			continue
		}
		source, ok := byName[finding.Source]
		if !ok {
			continue
		}
		target, ok := byName[finding.Target]
		if !ok {
			continue
		}

		var obs *evidence.Observation
		if finding.Statement != "" {
			o, err := w.newObservation(job, finding.Statement, "literature", doc.ID, doc.URL, grade)
			if err != nil {
				return nil, false, err
			}
			obs = &o
		}
		if _, err := delta.AddOrUpdateRelationship(
			source.CanonicalKey, target.CanonicalKey, predicate, obs, finding.Confidence,
		); err != nil {
			log.Debug("dropping extracted finding",
				"document", doc.ID, "source", finding.Source, "target", finding.Target, "error", err)
			continue
		}
		if finding.HighPriority {
			flagged = true
		}
	}
	return collected, flagged, nil
}

// registryFollowUp checks the trial registry for active studies of the
// direction's condition, linking each hit to the drug under investigation
// when one is known.
func (w *Worker) registryFollowUp(
	ctx context.Context,
	delta *evidence.Graph,
	job CollectJob,
	condition string,
	drug string,
) ([]string, error) {
	trials, err := w.registry.FindTrials(ctx, condition, drug, w.policy.RegistryTrialLimit)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("trial registry lookup failed",
			"worker", job.Owner, "condition", condition, "error", err)
		return nil, nil
	}

	var collected []string
	for _, trial := range trials {
		entity, err := delta.GetOrCreateEntity(evidence.KindTrial, trial.RegistryID, trial.Title)
		if err != nil {
			continue
		}
		collected = append(collected, entity.CanonicalKey)

		obs, err := w.newObservation(job, trialStatement(trial), "registry", trial.RegistryID, trial.URL, trialGrade(trial))
		if err != nil {
			return nil, err
		}
		if drug != "" {
			if drugEntity, err := delta.GetOrCreateEntity(evidence.KindDrug, drug); err == nil {
				_, err := delta.AddOrUpdateRelationship(
					drugEntity.CanonicalKey, entity.CanonicalKey, evidence.PredicateInvestigatedIn, &obs, 0.9,
				)
				if err == nil {
					continue
				}
			}
		}
		if err := delta.AddObservation(entity.ID, obs); err != nil {
			log.Debug("dropping registry observation", "trial", trial.RegistryID, "error", err)
		}
	}
	return collected, nil
}

// mechanismFollowUps runs mechanism-explanation calls for the flagged
// conflict findings touching this direction, up to the policy cap.
func (w *Worker) mechanismFollowUps(
	ctx context.Context,
	snapshot *evidence.Graph,
	delta *evidence.Graph,
	job CollectJob,
	dir Direction,
	freshKeys []string,
) ([]string, int, error) {
	keys := directionKeys(snapshot, dir, freshKeys)
	findings := flaggedRelationships(snapshot, delta, keys, w.policy.MechanismCap)

	var collected []string
	lookups := 0
	for _, finding := range findings {
		if err := ctx.Err(); err != nil {
			return nil, lookups, err
		}
		res, err := explainMechanism(
			ctx, w.oracle, job.CaseSummary, finding.source, finding.target, finding.relation.Predicate, w.policy.MaxRetries,
		)
		lookups++
		if err != nil {
			if ctx.Err() != nil {
				return nil, lookups, ctx.Err()
			}
			log.Warn("mechanism follow-up failed",
				"worker", job.Owner, "source", finding.source.DisplayName, "target", finding.target.DisplayName, "error", err)
			continue
		}
		mechKeys, err := w.applyMechanism(delta, snapshot, job, finding, res)
		if err != nil {
			log.Warn("mechanism finding not applied", "worker", job.Owner, "error", err)
			continue
		}
		collected = append(collected, mechKeys...)
	}
	return collected, lookups, nil
}

// applyMechanism re-anchors the explained edge in the delta so the
// explanation merges onto it, then records the pathway and its participants.
func (w *Worker) applyMechanism(
	delta *evidence.Graph,
	snapshot *evidence.Graph,
	job CollectJob,
	finding flaggedFinding,
	res *mechanismResponse,
) ([]string, error) {
	if _, err := delta.GetOrCreateEntity(finding.source.Kind, finding.source.DisplayName, finding.source.Aliases...); err != nil {
		return nil, err
	}
	if _, err := delta.GetOrCreateEntity(finding.target.Kind, finding.target.DisplayName, finding.target.Aliases...); err != nil {
		return nil, err
	}

	if explanation := strings.TrimSpace(res.Explanation); explanation != "" {
		obs, err := w.newObservation(job, explanation, "inference", finding.relation.ID, "", evidence.GradeE)
		if err != nil {
			return nil, err
		}
		_, err = delta.AddOrUpdateRelationship(
			finding.relation.SourceKey, finding.relation.TargetKey, finding.relation.Predicate,
			&obs, finding.relation.Confidence,
		)
		if err != nil {
			return nil, err
		}
	}

	pathwayName := strings.TrimSpace(res.Pathway)
	if pathwayName == "" {
		return nil, nil
	}
	pathway, err := delta.GetOrCreateEntity(evidence.KindPathway, pathwayName)
	if err != nil {
		return nil, err
	}
	collected := []string{pathway.CanonicalKey}

	for _, name := range res.Participants {
		participant, ok := resolveParticipant(delta, snapshot, name)
		if !ok {
			continue
		}
		if _, err := delta.GetOrCreateEntity(participant.Kind, participant.DisplayName); err != nil {
			continue
		}
		if _, err := delta.AddOrUpdateRelationship(
			participant.CanonicalKey, pathway.CanonicalKey, evidence.PredicateParticipatesIn, nil, res.Confidence,
		); err != nil {
			log.Debug("dropping pathway participant", "pathway", pathwayName, "participant", name, "error", err)
		}
	}
	return collected, nil
}

func (w *Worker) newObservation(
	job CollectJob,
	statement string,
	sourceKind string,
	provenance string,
	url string,
	grade evidence.QualityGrade,
) (evidence.Observation, error) {
	id, err := gonanoid.New()
	if err != nil {
		return evidence.Observation{}, fmt.Errorf("generate observation id: %w", err)
	}
	return evidence.Observation{
		ID:              id,
		Statement:       statement,
		SourceCollector: job.Owner,
		SourceKind:      sourceKind,
		ProvenanceID:    provenance,
		SourceURL:       url,
		QualityGrade:    grade,
		RoundIndex:      job.RoundIndex,
	}, nil
}

type flaggedFinding struct {
	relation evidence.Relationship
	source   evidence.Entity
	target   evidence.Entity
}

// flaggedRelationships picks up to limit conflict-prone edges touching the
// direction's entities for mechanism follow-up: fresh delta findings first,
// then edges already in the shared graph, strongest first.
func flaggedRelationships(snapshot, delta *evidence.Graph, keys map[string]struct{}, limit int) []flaggedFinding {
	if limit <= 0 {
		return nil
	}
	seen := make(map[string]struct{})
	var out []flaggedFinding

	appendFrom := func(g *evidence.Graph) {
		var candidates []evidence.Relationship
		for _, predicate := range []evidence.Predicate{evidence.PredicateResistantTo, evidence.PredicateSensitizesTo} {
			for _, rel := range g.RelationshipsByPredicate(predicate) {
				_, srcHit := keys[rel.SourceKey]
				_, dstHit := keys[rel.TargetKey]
				if !srcHit && !dstHit {
					continue
				}
				candidates = append(candidates, rel)
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Confidence != candidates[j].Confidence {
				return candidates[i].Confidence > candidates[j].Confidence
			}
			return candidates[i].ID < candidates[j].ID
		})
		for _, rel := range candidates {
			if len(out) >= limit {
				return
			}
			triple := rel.SourceKey + "|" + string(rel.Predicate) + "|" + rel.TargetKey
			if _, dup := seen[triple]; dup {
				continue
			}
			source, ok := entityByKey(delta, snapshot, rel.SourceKey)
			if !ok {
				continue
			}
			target, ok := entityByKey(delta, snapshot, rel.TargetKey)
			if !ok {
				continue
			}
			seen[triple] = struct{}{}
			out = append(out, flaggedFinding{relation: rel, source: source, target: target})
		}
	}

	appendFrom(delta)
	appendFrom(snapshot)
	return out
}

// directionKeys resolves the direction's collected entity ids to canonical
// keys and folds in the keys collected earlier this round.
func directionKeys(snapshot *evidence.Graph, dir Direction, fresh []string) map[string]struct{} {
	keys := make(map[string]struct{}, len(dir.CollectedEntityIDs)+len(fresh))
	for _, id := range dir.CollectedEntityIDs {
		if entity, ok := snapshot.EntityByID(id); ok {
			keys[entity.CanonicalKey] = struct{}{}
		}
	}
	for _, key := range fresh {
		keys[key] = struct{}{}
	}
	return keys
}

// anchorNames picks the condition and drug anchors from the keys a direction
// collected this round.
func anchorNames(delta *evidence.Graph, keys []string) (string, string) {
	var condition, drug string
	for _, key := range keys {
		entity, ok := delta.Entity(key)
		if !ok {
			continue
		}
		switch entity.Kind {
		case evidence.KindDisease:
			if condition == "" {
				condition = entity.DisplayName
			}
		case evidence.KindDrug:
			if drug == "" {
				drug = entity.DisplayName
			}
		}
	}
	return condition, drug
}

func entityByKey(delta, snapshot *evidence.Graph, key string) (evidence.Entity, bool) {
	if entity, ok := delta.Entity(key); ok {
		return entity, true
	}
	return snapshot.Entity(key)
}

// participantKinds are tried in order when resolving a mechanism participant
// named without a kind.
var participantKinds = []evidence.Kind{
	evidence.KindGene,
	evidence.KindDrug,
	evidence.KindVariant,
	evidence.KindBiomarker,
	evidence.KindPathway,
}

// resolveParticipant matches a bare participant name against entities the
// engine already knows about. Names that match nothing are dropped rather
// than minted, since the oracle gives no kind for them.
func resolveParticipant(delta, snapshot *evidence.Graph, name string) (evidence.Entity, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return evidence.Entity{}, false
	}
	for _, kind := range participantKinds {
		key := evidence.CanonicalKey(kind, name)
		if entity, ok := entityByKey(delta, snapshot, key); ok {
			return entity, true
		}
	}
	return evidence.Entity{}, false
}

// trialStatement summarizes a registry record as one evidence statement.
func trialStatement(trial sources.Trial) string {
	var b strings.Builder
	b.WriteString(trial.Title)
	details := make([]string, 0, 2)
	if trial.Phase != "" {
		details = append(details, trial.Phase)
	}
	if trial.Status != "" {
		details = append(details, trial.Status)
	}
	if len(details) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(details, ", "))
	}
	if len(trial.Interventions) > 0 {
		fmt.Fprintf(&b, ", studying %s", strings.Join(trial.Interventions, " + "))
	}
	return b.String()
}

// trialGrade grades registry records: late-phase interventional designs
// count as trial-strength evidence, everything else as observational.
func trialGrade(trial sources.Trial) evidence.QualityGrade {
	switch strings.ToUpper(trial.Phase) {
	case "PHASE3", "PHASE4":
		return evidence.GradeB
	default:
		return evidence.GradeC
	}
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
