package research

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/veska-bio/loom/pkg/evidence"
)

// RoundState is what the engine hands the saver after every round: enough to
// resume the case from that point on another process.
type RoundState struct {
	CaseID     string                 `json:"caseId"`
	RoundIndex int                    `json:"roundIndex"`
	Graph      evidence.GraphSnapshot `json:"graph"`
	Plan       *Plan                  `json:"plan"`
	History    []Decision             `json:"history"`
	Terminal   bool                   `json:"terminal"`
}

// Saver persists round state between rounds. A nil Saver disables
// checkpointing; a failing one is logged and ignored so persistence problems
// never kill a running case.
type Saver interface {
	SaveRound(ctx context.Context, state RoundState) error
}

// RunResult is the terminal outcome of a case.
type RunResult struct {
	CaseID   string           `json:"caseId"`
	Rounds   int              `json:"rounds"`
	Decision Decision         `json:"decision"`
	Summary  evidence.Summary `json:"summary"`
	History  []Decision       `json:"history"`
}

// Engine owns one case: the shared graph, the plan, and the round loop that
// fans collection out over owner workers and folds their deltas back in.
type Engine struct {
	caseID     string
	graph      *evidence.Graph
	plan       *Plan
	controller *Controller
	worker     *Worker
	saver      Saver
	policy     Policy
	history    []Decision
	startRound int
}

// NewEngineParams configures an Engine. Plan and Worker are required. Graph,
// StartRound and History resume a checkpointed case; leave them zero for a
// fresh one.
type NewEngineParams struct {
	CaseID     string
	Graph      *evidence.Graph
	Plan       *Plan
	Worker     *Worker
	Saver      Saver
	Policy     Policy
	StartRound int
	History    []Decision
}

func NewEngine(params NewEngineParams) (*Engine, error) {
	if params.Plan == nil {
		return nil, errors.New("no research plan provided")
	}
	if params.Worker == nil {
		return nil, errors.New("no worker provided")
	}
	plan := params.Plan.Clone()
	if err := plan.Normalize(); err != nil {
		return nil, err
	}
	policy := params.Policy.withDefaults()
	controller, err := NewController(policy)
	if err != nil {
		return nil, err
	}
	graph := params.Graph
	if graph == nil {
		graph = evidence.NewGraph()
	}
	startRound := params.StartRound
	if startRound < 1 {
		startRound = 1
	}
	return &Engine{
		caseID:     params.CaseID,
		graph:      graph,
		plan:       plan,
		controller: controller,
		worker:     params.Worker,
		saver:      params.Saver,
		policy:     policy,
		history:    append([]Decision(nil), params.History...),
		startRound: startRound,
	}, nil
}

// Graph returns the engine's shared graph. Reads are safe at any time; the
// engine is the only writer.
func (e *Engine) Graph() *evidence.Graph { return e.graph }

// Plan returns a deep copy of the current plan state.
func (e *Engine) Plan() *Plan { return e.plan.Clone() }

// Run drives rounds until the controller converges, naturally or at the
// round cap. The returned result carries the terminal decision and the full
// decision history.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	round := e.startRound
	for {
		decision, err := e.runRound(ctx, round)
		if err != nil {
			return nil, err
		}
		if decision.Converged {
			log.Info("case converged",
				"case", e.caseID, "round", round, "forced", decision.Forced, "reason", decision.Reason)
			return &RunResult{
				CaseID:   e.caseID,
				Rounds:   round - e.startRound + 1,
				Decision: decision,
				Summary:  e.graph.Summarize(),
				History:  append([]Decision(nil), e.history...),
			}, nil
		}
		round++
	}
}

func (e *Engine) runRound(ctx context.Context, round int) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	jobs := e.assignments(round)
	log.Info("round started", "case", e.caseID, "round", round, "owners", len(jobs))

	var (
		mu     sync.Mutex
		deltas []*Delta
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.policy.OwnerParallel)
	for _, job := range jobs {
		g.Go(func() error {
			delta, err := e.worker.Collect(gCtx, e.graph, job)
			if err != nil {
				return err
			}
			mu.Lock()
			deltas = append(deltas, delta)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Decision{}, err
	}

	// Workers only read the shared graph during the fan-out above; merging
	// the deltas here keeps the round's writes on a single goroutine.
	for _, delta := range deltas {
		e.graph.Merge(delta.Graph)
	}
	for _, delta := range deltas {
		for _, suggestion := range delta.Suggestions {
			e.applySuggestion(suggestion)
		}
	}

	decision := e.controller.Evaluate(e.graph, e.plan, round)
	e.history = append(e.history, decision)
	e.checkpoint(ctx, round, decision)
	return decision, nil
}

// assignments groups the directions still in play into one job per owner,
// preserving the order owners first appear in the plan.
func (e *Engine) assignments(round int) []CollectJob {
	jobs := make(map[string]*CollectJob)
	var order []string
	for _, dir := range e.plan.Directions {
		if dir.Status == StatusCompleted || dir.Strategy == StrategySkip {
			continue
		}
		job, ok := jobs[dir.OwnerWorker]
		if !ok {
			job = &CollectJob{
				Owner:       dir.OwnerWorker,
				CaseSummary: e.plan.CaseSummary,
				RoundIndex:  round,
			}
			jobs[dir.OwnerWorker] = job
			order = append(order, dir.OwnerWorker)
		}
		job.Directions = append(job.Directions, dir)
	}
	out := make([]CollectJob, 0, len(order))
	for _, owner := range order {
		out = append(out, *jobs[owner])
	}
	return out
}

// applySuggestion folds one worker suggestion back into the plan, resolving
// collected canonical keys to their post-merge entity ids.
func (e *Engine) applySuggestion(s DirectionSuggestion) {
	dir := e.plan.Direction(s.DirectionID)
	if dir == nil {
		return
	}
	dir.advance(StatusInProgress)
	dir.IterationsSpent++
	if s.NeedsDeepFollowUp {
		dir.NeedsDeepFollowUp = true
	}
	for _, key := range s.CollectedKeys {
		if entity, ok := e.graph.Entity(key); ok {
			dir.addCollectedEntity(entity.ID)
		}
	}
}

func (e *Engine) checkpoint(ctx context.Context, round int, decision Decision) {
	if e.saver == nil {
		return
	}
	state := RoundState{
		CaseID:     e.caseID,
		RoundIndex: round,
		Graph:      e.graph.Snapshot(),
		Plan:       e.plan.Clone(),
		History:    append([]Decision(nil), e.history...),
		Terminal:   decision.Converged,
	}
	if err := e.saver.SaveRound(ctx, state); err != nil {
		log.Warn("round checkpoint failed", "case", e.caseID, "round", round, "error", err)
	}
}
