package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/veska-bio/loom/pkg/checkpoint"
	"github.com/veska-bio/loom/pkg/curator"
	"github.com/veska-bio/loom/pkg/evidence"
	"github.com/veska-bio/loom/pkg/oracle"
	"github.com/veska-bio/loom/pkg/research"
)

type stubCurator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *stubCurator) Curate(ctx context.Context, request string) (*curator.Curation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &curator.Curation{Request: request}, nil
}

type stubOracle struct{}

func (stubOracle) Complete(ctx context.Context, prompt string, opts ...oracle.Option) (string, error) {
	return "", errors.New("not scripted")
}

func (stubOracle) CompleteStructured(ctx context.Context, name, description, prompt string, out any, opts ...oracle.Option) (string, error) {
	return "", errors.New("not scripted")
}

func (stubOracle) ResetMetrics() {}

func (stubOracle) Metrics() oracle.CallMetrics { return oracle.CallMetrics{} }

type memStore struct {
	mu    sync.Mutex
	saved []checkpoint.Checkpoint
}

func (m *memStore) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, cp)
	return nil
}

func (m *memStore) Latest(ctx context.Context, caseID string) (checkpoint.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.saved) - 1; i >= 0; i-- {
		if m.saved[i].CaseID == caseID {
			return m.saved[i], nil
		}
	}
	return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
}

func newTestRunner(t *testing.T, store checkpoint.Store, maxRounds int) (*JobRunner, *stubCurator) {
	t.Helper()

	cur := &stubCurator{}
	worker, err := research.NewWorker(research.NewWorkerParams{
		Curator: cur,
		Oracle:  stubOracle{},
		Policy:  research.Policy{MaxRetries: 1},
	})
	if err != nil {
		t.Fatalf("NewWorker() error = %v", err)
	}

	runner, err := NewJobRunner(NewJobRunnerParams{
		Worker: worker,
		Store:  store,
		Policy: research.Policy{MaxRounds: maxRounds, MaxRetries: 1},
	})
	if err != nil {
		t.Fatalf("NewJobRunner() error = %v", err)
	}
	return runner, cur
}

func jobBody(t *testing.T, msg ResearchJobMsg) string {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return string(data)
}

func TestPlanFromMsgMapsDirections(t *testing.T) {
	msg := ResearchJobMsg{
		CaseID:      "case-1",
		CaseSummary: "metastatic melanoma, BRAF V600E",
		KeyEntities: []string{"BRAF V600E", "vemurafenib"},
		Directions: []PlannedDirection{
			{ID: "dir-1", Topic: "first-line targeted therapy", OwnerWorker: "pharmacology", Priority: 1},
			{Topic: "resistance mechanisms", Strategy: "depthFirst"},
		},
	}

	plan := planFromMsg(msg)

	if plan.CaseSummary != msg.CaseSummary {
		t.Errorf("CaseSummary = %q, want %q", plan.CaseSummary, msg.CaseSummary)
	}
	if len(plan.KeyEntities) != 2 {
		t.Errorf("len(KeyEntities) = %d, want 2", len(plan.KeyEntities))
	}
	if len(plan.Directions) != 2 {
		t.Fatalf("len(Directions) = %d, want 2", len(plan.Directions))
	}
	first := plan.Directions[0]
	if first.ID != "dir-1" || first.OwnerWorker != "pharmacology" || first.Priority != 1 {
		t.Errorf("first direction = %+v, want the wire fields carried over", first)
	}
	if plan.Directions[1].Strategy != research.StrategyDepthFirst {
		t.Errorf("second direction strategy = %q, want depthFirst", plan.Directions[1].Strategy)
	}

	if err := plan.Normalize(); err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
}

func TestNewJobRunnerValidation(t *testing.T) {
	if _, err := NewJobRunner(NewJobRunnerParams{Store: &memStore{}}); err == nil {
		t.Error("NewJobRunner() without worker error = nil, want failure")
	}

	worker, err := research.NewWorker(research.NewWorkerParams{
		Curator: &stubCurator{},
		Oracle:  stubOracle{},
	})
	if err != nil {
		t.Fatalf("NewWorker() error = %v", err)
	}
	if _, err := NewJobRunner(NewJobRunnerParams{Worker: worker}); err == nil {
		t.Error("NewJobRunner() without store error = nil, want failure")
	}
}

func TestProcessResearchJobRejectsBadPayload(t *testing.T) {
	runner, _ := newTestRunner(t, &memStore{}, 1)
	ctx := context.Background()

	if err := runner.ProcessResearchJob(ctx, "{not json"); err == nil {
		t.Error("ProcessResearchJob(malformed) error = nil, want decode failure")
	}

	body := jobBody(t, ResearchJobMsg{CaseSummary: "no case id", Directions: []PlannedDirection{{Topic: "t"}}})
	if err := runner.ProcessResearchJob(ctx, body); err == nil || !strings.Contains(err.Error(), "case id") {
		t.Errorf("ProcessResearchJob(no case id) error = %v, want case id failure", err)
	}
}

func TestProcessResearchJobRunsFreshCase(t *testing.T) {
	store := &memStore{}
	runner, cur := newTestRunner(t, store, 1)

	body := jobBody(t, ResearchJobMsg{
		CaseID:      "case-fresh",
		CaseSummary: "EGFR-mutant NSCLC",
		Directions:  []PlannedDirection{{Topic: "first-line therapy"}},
	})
	if err := runner.ProcessResearchJob(context.Background(), body); err != nil {
		t.Fatalf("ProcessResearchJob() error = %v", err)
	}

	if cur.calls != 1 {
		t.Errorf("curator called %d times, want 1", cur.calls)
	}
	if len(store.saved) != 1 {
		t.Fatalf("saved %d checkpoints, want 1", len(store.saved))
	}
	cp := store.saved[0]
	if cp.CaseID != "case-fresh" || cp.RoundIndex != 1 || !cp.Terminal {
		t.Errorf("checkpoint = %s round %d terminal %v, want case-fresh round 1 terminal true",
			cp.CaseID, cp.RoundIndex, cp.Terminal)
	}
	if len(cp.History) != 1 || !cp.History[0].Forced {
		t.Errorf("history = %+v, want one forced decision", cp.History)
	}
}

func TestProcessResearchJobSkipsFinishedCase(t *testing.T) {
	store := &memStore{}
	store.saved = append(store.saved, checkpoint.Checkpoint{
		CaseID:     "case-done",
		RoundIndex: 4,
		Terminal:   true,
		Graph:      evidence.NewGraph().Snapshot(),
		Plan: &research.Plan{
			CaseSummary: "done",
			Directions:  []research.Direction{{ID: "dir-1", Topic: "t", Status: research.StatusCompleted}},
		},
	})
	runner, cur := newTestRunner(t, store, 3)

	body := jobBody(t, ResearchJobMsg{CaseID: "case-done", Directions: []PlannedDirection{{Topic: "t"}}})
	if err := runner.ProcessResearchJob(context.Background(), body); err != nil {
		t.Fatalf("ProcessResearchJob() error = %v", err)
	}

	if cur.calls != 0 {
		t.Errorf("curator called %d times for a finished case, want 0", cur.calls)
	}
	if len(store.saved) != 1 {
		t.Errorf("saved %d checkpoints, want the seeded one only", len(store.saved))
	}
}

func TestProcessResearchJobResumesFromCheckpoint(t *testing.T) {
	store := &memStore{}
	store.saved = append(store.saved, checkpoint.Checkpoint{
		CaseID:     "case-resume",
		RoundIndex: 1,
		Graph:      evidence.NewGraph().Snapshot(),
		Plan: &research.Plan{
			CaseSummary: "KRAS G12C colorectal cancer",
			Directions: []research.Direction{
				{ID: "dir-1", Topic: "targeted therapy", Status: research.StatusInProgress, IterationsSpent: 1},
			},
		},
		History: []research.Decision{{RoundIndex: 1}},
	})
	runner, cur := newTestRunner(t, store, 2)

	// The submitted plan is ignored on resume; the checkpointed one wins.
	body := jobBody(t, ResearchJobMsg{
		CaseID:     "case-resume",
		Directions: []PlannedDirection{{Topic: "should not be used"}},
	})
	if err := runner.ProcessResearchJob(context.Background(), body); err != nil {
		t.Fatalf("ProcessResearchJob() error = %v", err)
	}

	if cur.calls != 1 {
		t.Errorf("curator called %d times, want 1 for the single remaining round", cur.calls)
	}
	if len(store.saved) != 2 {
		t.Fatalf("saved %d checkpoints, want 2", len(store.saved))
	}
	cp := store.saved[1]
	if cp.RoundIndex != 2 || !cp.Terminal {
		t.Errorf("resumed checkpoint = round %d terminal %v, want round 2 terminal true", cp.RoundIndex, cp.Terminal)
	}
	if len(cp.History) != 2 {
		t.Errorf("len(History) = %d, want the seeded decision plus one", len(cp.History))
	}
	if cp.Plan.Directions[0].Topic != "targeted therapy" {
		t.Errorf("resumed topic = %q, want the checkpointed plan", cp.Plan.Directions[0].Topic)
	}
	if cp.Plan.Directions[0].IterationsSpent != 2 {
		t.Errorf("IterationsSpent = %d, want 2", cp.Plan.Directions[0].IterationsSpent)
	}
}
