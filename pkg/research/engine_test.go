package research

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/veska-bio/loom/pkg/curator"
	"github.com/veska-bio/loom/pkg/evidence"
)

type fakeSaver struct {
	mu     sync.Mutex
	states []RoundState
	err    error
}

func (f *fakeSaver) SaveRound(ctx context.Context, state RoundState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.states = append(f.states, state)
	return nil
}

func (f *fakeSaver) saved() []RoundState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RoundState(nil), f.states...)
}

// convergingEngine wires an engine whose single direction reaches two grade A
// observations in the first round.
func convergingEngine(t *testing.T, saver Saver) *Engine {
	t.Helper()

	fc := &fakeCurator{curation: &curator.Curation{
		Tier: 1,
		Documents: []curator.CuratedDocument{
			curatedDoc("38000001", curator.BucketGuideline),
			curatedDoc("38000002", curator.BucketGuideline),
		},
	}}
	stub := &stubOracle{respond: func(call int, name, prompt string) string {
		return `{
			"entities": [
				{"name": "non-small cell lung cancer", "kind": "disease"},
				{"name": "osimertinib", "kind": "drug"}
			],
			"findings": [
				{"source": "osimertinib", "target": "non-small cell lung cancer", "predicate": "treats",
				 "statement": "Guideline-recommended first-line therapy.", "confidence": 0.95, "highPriority": false}
			]
		}`
	}}
	w, err := NewWorker(NewWorkerParams{Curator: fc, Oracle: stub, Policy: Policy{MaxRetries: 1}})
	if err != nil {
		t.Fatalf("NewWorker() error = %v", err)
	}

	engine, err := NewEngine(NewEngineParams{
		CaseID: "case-egfr-1",
		Plan: &Plan{
			CaseSummary: "68M, EGFR L858R lung adenocarcinoma",
			Directions:  []Direction{{ID: "dir-1", Topic: "first-line therapy", OwnerWorker: "generalist"}},
		},
		Worker: w,
		Saver:  saver,
		Policy: Policy{MaxRetries: 1},
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return engine
}

func TestNewEngineValidation(t *testing.T) {
	stub := &stubOracle{respond: func(int, string, string) string { return "{}" }}
	fc := &fakeCurator{curation: &curator.Curation{}}
	w, err := NewWorker(NewWorkerParams{Curator: fc, Oracle: stub})
	if err != nil {
		t.Fatalf("NewWorker() error = %v", err)
	}
	plan := &Plan{Directions: []Direction{{ID: "dir-1", Topic: "topic"}}}

	if _, err := NewEngine(NewEngineParams{Worker: w}); err == nil {
		t.Error("NewEngine() without a plan should fail")
	}
	if _, err := NewEngine(NewEngineParams{Plan: plan}); err == nil {
		t.Error("NewEngine() without a worker should fail")
	}
	if _, err := NewEngine(NewEngineParams{Plan: &Plan{}, Worker: w}); err == nil {
		t.Error("NewEngine() with an empty plan should fail")
	}
	if _, err := NewEngine(NewEngineParams{Plan: plan, Worker: w}); err != nil {
		t.Errorf("NewEngine() with plan and worker error = %v", err)
	}
}

func TestEngineRunConvergesNaturally(t *testing.T) {
	saver := &fakeSaver{}
	engine := convergingEngine(t, saver)

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Rounds != 1 {
		t.Errorf("Rounds = %d, want convergence in the first round", result.Rounds)
	}
	if !result.Decision.Converged || result.Decision.Forced {
		t.Errorf("Decision = %+v, want natural convergence", result.Decision)
	}
	if result.Summary.EntityCount != 2 {
		t.Errorf("Summary.EntityCount = %d, want disease and drug", result.Summary.EntityCount)
	}
	if result.Summary.ByGrade[evidence.GradeA] != 2 {
		t.Errorf("grade A observations = %d, want one per guideline document", result.Summary.ByGrade[evidence.GradeA])
	}
	if len(result.History) != 1 {
		t.Errorf("History has %d decisions, want 1", len(result.History))
	}

	plan := engine.Plan()
	dir := plan.Directions[0]
	if dir.Status != StatusCompleted || dir.Strategy != StrategySkip {
		t.Errorf("direction = %q/%q, want completed/skip", dir.Status, dir.Strategy)
	}
	if dir.IterationsSpent != 1 {
		t.Errorf("IterationsSpent = %d, want 1", dir.IterationsSpent)
	}
	if len(dir.CollectedEntityIDs) != 2 {
		t.Errorf("CollectedEntityIDs = %v, want the merged disease and drug ids", dir.CollectedEntityIDs)
	}

	states := saver.saved()
	if len(states) != 1 {
		t.Fatalf("saver recorded %d states, want 1", len(states))
	}
	state := states[0]
	if state.CaseID != "case-egfr-1" || state.RoundIndex != 1 || !state.Terminal {
		t.Errorf("state = case %q round %d terminal %v", state.CaseID, state.RoundIndex, state.Terminal)
	}
	if len(state.Graph.Entities) != 2 {
		t.Errorf("checkpointed snapshot has %d entities, want 2", len(state.Graph.Entities))
	}
	if state.Plan.Directions[0].Status != StatusCompleted {
		t.Errorf("checkpointed direction status = %q, want completed", state.Plan.Directions[0].Status)
	}
}

func TestEngineRunForcedAtRoundCap(t *testing.T) {
	fc := &fakeCurator{curation: &curator.Curation{
		Tier:      3,
		Documents: []curator.CuratedDocument{curatedDoc("38000001", curator.BucketPreclinical)},
	}}
	stub := &stubOracle{respond: func(call int, name, prompt string) string {
		if name != "extract_evidence" {
			t.Errorf("unexpected oracle call %q without flagged conflict edges", name)
			return "{}"
		}
		return `{
			"entities": [
				{"name": "SHP2", "kind": "gene"},
				{"name": "SHP099", "kind": "drug"}
			],
			"findings": [
				{"source": "SHP099", "target": "SHP2", "predicate": "targets",
				 "statement": "Allosteric inhibition in cell lines.", "confidence": 0.6, "highPriority": false}
			]
		}`
	}}
	w, err := NewWorker(NewWorkerParams{Curator: fc, Oracle: stub, Policy: Policy{MaxRetries: 1}})
	if err != nil {
		t.Fatalf("NewWorker() error = %v", err)
	}

	saver := &fakeSaver{}
	engine, err := NewEngine(NewEngineParams{
		CaseID: "case-shp2-1",
		Plan: &Plan{
			CaseSummary: "exploratory SHP2 combination case",
			Directions:  []Direction{{ID: "dir-1", Topic: "SHP2 inhibition", OwnerWorker: "generalist"}},
		},
		Worker: w,
		Saver:  saver,
		Policy: Policy{MaxRounds: 2, MaxRetries: 1},
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Rounds != 2 {
		t.Errorf("Rounds = %d, want the cap to stop round two", result.Rounds)
	}
	if !result.Decision.Converged || !result.Decision.Forced {
		t.Fatalf("Decision = %+v, want forced convergence", result.Decision)
	}
	if result.Decision.Reason != "round cap 2 reached" {
		t.Errorf("Reason = %q", result.Decision.Reason)
	}

	plan := engine.Plan()
	if plan.Directions[0].Status != StatusCompleted {
		t.Errorf("direction status = %q, want completed after forcing", plan.Directions[0].Status)
	}
	if plan.Directions[0].IterationsSpent != 2 {
		t.Errorf("IterationsSpent = %d, want one per round", plan.Directions[0].IterationsSpent)
	}
	// After round one the direction rests on preclinical evidence alone, so
	// the controller sends it deep instead of broad.
	if plan.Directions[0].Strategy != StrategyDepthFirst {
		t.Errorf("strategy = %q, want %q for low-quality-only evidence", plan.Directions[0].Strategy, StrategyDepthFirst)
	}

	states := saver.saved()
	if len(states) != 2 {
		t.Fatalf("saver recorded %d states, want one per round", len(states))
	}
	if states[0].Terminal || !states[1].Terminal {
		t.Errorf("terminal flags = %v/%v, want false/true", states[0].Terminal, states[1].Terminal)
	}
	if len(states[0].History) != 1 || len(states[1].History) != 2 {
		t.Errorf("history lengths = %d/%d, want 1/2", len(states[0].History), len(states[1].History))
	}

	// Both rounds surfaced the same finding; the merge must keep one edge
	// with one observation per round.
	summary := engine.Graph().Summarize()
	if summary.EntityCount != 2 || summary.RelationshipCount != 1 {
		t.Errorf("graph = %d entities, %d relationships, want duplicates merged", summary.EntityCount, summary.RelationshipCount)
	}
	if summary.ObservationCount != 2 {
		t.Errorf("ObservationCount = %d, want one observation per round", summary.ObservationCount)
	}
}

func TestEngineMergesDuplicateEntitiesAcrossOwners(t *testing.T) {
	fc := &fakeCurator{byRequest: map[string]*curator.Curation{
		"first-line HER2 therapy": {
			Documents: []curator.CuratedDocument{curatedDoc("51000001", curator.BucketTrial)},
		},
		"HER2 biomarker dynamics": {
			Documents: []curator.CuratedDocument{curatedDoc("51000002", curator.BucketObservational)},
		},
	}}
	stub := &stubOracle{respond: func(call int, name, prompt string) string {
		switch docIDFromPrompt(prompt) {
		case "51000001":
			return `{
				"entities": [
					{"name": "trastuzumab", "kind": "drug"},
					{"name": "HER2-positive breast cancer", "kind": "disease"}
				],
				"findings": [
					{"source": "trastuzumab", "target": "HER2-positive breast cancer", "predicate": "treats",
					 "statement": "Improved survival in the pivotal trial.", "confidence": 0.9, "highPriority": false}
				]
			}`
		case "51000002":
			return `{
				"entities": [
					{"name": "Trastuzumab", "kind": "drug"},
					{"name": "HER2 amplification", "kind": "biomarker"}
				],
				"findings": [
					{"source": "Trastuzumab", "target": "HER2 amplification", "predicate": "targets",
					 "statement": "Response tracks amplification level.", "confidence": 0.8, "highPriority": false}
				]
			}`
		}
		t.Errorf("extraction prompt for unknown document:\n%s", prompt)
		return "{}"
	}}
	w, err := NewWorker(NewWorkerParams{Curator: fc, Oracle: stub, Policy: Policy{MaxRetries: 1}})
	if err != nil {
		t.Fatalf("NewWorker() error = %v", err)
	}

	engine, err := NewEngine(NewEngineParams{
		CaseID: "case-her2-1",
		Plan: &Plan{
			CaseSummary: "54F, HER2-positive metastatic breast cancer",
			Directions: []Direction{
				{ID: "dir-1", Topic: "first-line HER2 therapy", OwnerWorker: "generalist"},
				{ID: "dir-2", Topic: "HER2 biomarker dynamics", OwnerWorker: "pharmacology"},
			},
		},
		Worker: w,
		Policy: Policy{MaxRounds: 1, MaxRetries: 1},
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Summary.EntityCount != 3 {
		t.Errorf("EntityCount = %d, want the drug deduplicated across owners", result.Summary.EntityCount)
	}
	drugs := engine.Graph().EntitiesByKind(evidence.KindDrug)
	if len(drugs) != 1 {
		t.Fatalf("got %d drug entities, want 1", len(drugs))
	}

	plan := engine.Plan()
	for _, dir := range plan.Directions {
		found := false
		for _, id := range dir.CollectedEntityIDs {
			if id == drugs[0].ID {
				found = true
			}
		}
		if !found {
			t.Errorf("direction %s did not resolve the shared drug id", dir.ID)
		}
	}
}

func TestEngineRunCancelled(t *testing.T) {
	engine := convergingEngine(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := engine.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestEngineSaverFailureDoesNotAbort(t *testing.T) {
	saver := &fakeSaver{err: errors.New("disk full")}
	engine := convergingEngine(t, saver)

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v, want checkpoint failures tolerated", err)
	}
	if !result.Decision.Converged {
		t.Error("run must still converge when checkpointing fails")
	}
}
