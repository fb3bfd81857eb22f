package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/veska-bio/loom/pkg/caselock"
	"github.com/veska-bio/loom/pkg/checkpoint"
	"github.com/veska-bio/loom/pkg/research"
)

// PlannedDirection is the wire form of a research direction. Everything but
// the topic is optional; plan normalization fills the rest.
type PlannedDirection struct {
	ID          string `json:"id,omitempty"`
	Topic       string `json:"topic"`
	OwnerWorker string `json:"ownerWorker,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	Strategy    string `json:"strategy,omitempty"`
}

// ResearchJobMsg is the queue payload for one submitted case.
type ResearchJobMsg struct {
	CaseID      string             `json:"caseId"`
	CaseSummary string             `json:"caseSummary"`
	KeyEntities []string           `json:"keyEntities,omitempty"`
	Directions  []PlannedDirection `json:"directions"`
}

// JobRunner consumes research jobs: it restores the case from its latest
// checkpoint when one exists, otherwise starts fresh from the submitted
// plan, and runs the engine to convergence.
type JobRunner struct {
	worker *research.Worker
	store  checkpoint.Store
	locks  *caselock.Client
	policy research.Policy
}

// NewJobRunnerParams configures a JobRunner. Worker and Store are required;
// Locks is optional and only needed when several worker daemons share the
// queue.
type NewJobRunnerParams struct {
	Worker *research.Worker
	Store  checkpoint.Store
	Locks  *caselock.Client
	Policy research.Policy
}

func NewJobRunner(params NewJobRunnerParams) (*JobRunner, error) {
	if params.Worker == nil {
		return nil, errors.New("no research worker provided")
	}
	if params.Store == nil {
		return nil, errors.New("no checkpoint store provided")
	}

	return &JobRunner{
		worker: params.Worker,
		store:  params.Store,
		locks:  params.Locks,
		policy: params.Policy,
	}, nil
}

// ProcessResearchJob handles one delivery. Returning an error sends the
// message through the retry queue; caselock.ErrBusy is one such error, so a
// duplicate delivery simply comes back after the holder finished.
func (r *JobRunner) ProcessResearchJob(ctx context.Context, body string) error {
	var msg ResearchJobMsg
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return fmt.Errorf("failed to decode research job: %w", err)
	}
	if msg.CaseID == "" {
		return errors.New("research job without case id")
	}

	if r.locks == nil {
		return r.runCase(ctx, msg)
	}
	return r.locks.WithCase(ctx, msg.CaseID, caselock.Options{}, func(ctx context.Context) error {
		return r.runCase(ctx, msg)
	})
}

func (r *JobRunner) runCase(ctx context.Context, msg ResearchJobMsg) error {
	params := research.NewEngineParams{
		CaseID: msg.CaseID,
		Plan:   planFromMsg(msg),
	}

	cp, err := r.store.Latest(ctx, msg.CaseID)
	switch {
	case err == nil:
		if cp.Terminal {
			log.Info("case already finished, nothing to do", "case", msg.CaseID, "round", cp.RoundIndex)
			return nil
		}
		params, err = cp.EngineParams()
		if err != nil {
			return fmt.Errorf("failed to resume case %s: %w", msg.CaseID, err)
		}
		log.Info("resuming case from checkpoint", "case", msg.CaseID, "round", params.StartRound)
	case errors.Is(err, checkpoint.ErrNotFound):
		log.Info("starting fresh case", "case", msg.CaseID, "directions", len(msg.Directions))
	default:
		return fmt.Errorf("failed to load checkpoint for case %s: %w", msg.CaseID, err)
	}

	params.Worker = r.worker
	params.Saver = checkpoint.NewRoundSaver(r.store)
	params.Policy = r.policy

	engine, err := research.NewEngine(params)
	if err != nil {
		return err
	}

	result, err := engine.Run(ctx)
	if err != nil {
		return err
	}

	log.Info("case finished",
		"case", result.CaseID,
		"rounds", result.Rounds,
		"forced", result.Decision.Forced,
		"entities", result.Summary.EntityCount,
		"relationships", result.Summary.RelationshipCount,
		"observations", result.Summary.ObservationCount,
	)
	return nil
}

func planFromMsg(msg ResearchJobMsg) *research.Plan {
	plan := &research.Plan{
		CaseSummary: msg.CaseSummary,
		KeyEntities: msg.KeyEntities,
	}
	for _, dir := range msg.Directions {
		plan.Directions = append(plan.Directions, research.Direction{
			ID:          dir.ID,
			Topic:       dir.Topic,
			OwnerWorker: dir.OwnerWorker,
			Priority:    dir.Priority,
			Strategy:    research.Strategy(dir.Strategy),
		})
	}
	return plan
}
