// Package research runs the round loop of the evidence engine: a plan of
// research directions, per-direction sufficiency statistics, a convergence
// controller deciding continue/converge under a hard round cap, and workers
// that turn curated documents into private graph deltas.
package research

import (
	"fmt"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/veska-bio/loom/pkg/logger"
)

var log = logger.Tagged("Round")

// Status is the lifecycle state of a research direction. Transitions only
// move forward: pending, inProgress, completed.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "inProgress"
	StatusCompleted  Status = "completed"
)

// Valid reports whether s is a member of the closed status set.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted:
		return 2
	}
	return -1
}

// Strategy tells a worker how much effort a direction gets next round.
type Strategy string

const (
	StrategyBreadthFirst Strategy = "breadthFirst"
	StrategyDepthFirst   Strategy = "depthFirst"
	StrategySkip         Strategy = "skip"
)

// Valid reports whether s is a member of the closed strategy set.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyBreadthFirst, StrategyDepthFirst, StrategySkip:
		return true
	}
	return false
}

// Direction is one unit of open inquiry inside a plan.
type Direction struct {
	ID                 string   `json:"id"`
	Topic              string   `json:"topic"`
	OwnerWorker        string   `json:"ownerWorker"`
	Priority           int      `json:"priority"`
	Status             Status   `json:"status"`
	CollectedEntityIDs []string `json:"collectedEntityIds,omitempty"`
	Strategy           Strategy `json:"strategy"`
	IterationsSpent    int      `json:"iterationsSpent"`
	NeedsDeepFollowUp  bool     `json:"needsDeepFollowUp"`
}

// advance moves the direction's status forward. Regressions are ignored so a
// replayed suggestion can never undo a controller decision.
func (d *Direction) advance(to Status) {
	if to.rank() > d.Status.rank() {
		d.Status = to
	}
}

// addCollectedEntity records an entity id on the direction, deduplicated.
func (d *Direction) addCollectedEntity(id string) {
	for _, known := range d.CollectedEntityIDs {
		if known == id {
			return
		}
	}
	d.CollectedEntityIDs = append(d.CollectedEntityIDs, id)
}

// Plan is the full set of research directions for one case. It is created
// once by the external planning step and then mutated in place: the
// controller updates statuses and strategies, workers contribute collected
// entities and spent iterations. Directions are never removed mid-run.
type Plan struct {
	CaseSummary string      `json:"caseSummary"`
	KeyEntities []string    `json:"keyEntities,omitempty"`
	Directions  []Direction `json:"directions"`
}

// Normalize applies defaults and validates the closed enum fields. A fresh
// direction starts pending and breadthFirst; a direction without an owner is
// assigned to the generalist worker. Unknown statuses or strategies are
// caller errors.
func (p *Plan) Normalize() error {
	if len(p.Directions) == 0 {
		return fmt.Errorf("research plan has no directions")
	}

	p.CaseSummary = strings.TrimSpace(p.CaseSummary)
	seen := make(map[string]struct{}, len(p.Directions))
	for i := range p.Directions {
		d := &p.Directions[i]
		d.Topic = strings.TrimSpace(d.Topic)
		if d.Topic == "" {
			return fmt.Errorf("direction %d has no topic", i)
		}
		if d.ID == "" {
			id, err := gonanoid.New()
			if err != nil {
				return fmt.Errorf("generate direction id: %w", err)
			}
			d.ID = id
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("duplicate direction id %q", d.ID)
		}
		seen[d.ID] = struct{}{}
		d.OwnerWorker = strings.TrimSpace(d.OwnerWorker)
		if d.OwnerWorker == "" {
			d.OwnerWorker = "generalist"
		}
		if d.Status == "" {
			d.Status = StatusPending
		}
		if !d.Status.Valid() {
			return fmt.Errorf("direction %q has unknown status %q", d.ID, d.Status)
		}
		if d.Strategy == "" {
			d.Strategy = StrategyBreadthFirst
		}
		if !d.Strategy.Valid() {
			return fmt.Errorf("direction %q has unknown strategy %q", d.ID, d.Strategy)
		}
	}
	return nil
}

// Direction returns the direction with the given id, or nil.
func (p *Plan) Direction(id string) *Direction {
	for i := range p.Directions {
		if p.Directions[i].ID == id {
			return &p.Directions[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	out := &Plan{
		CaseSummary: p.CaseSummary,
		KeyEntities: append([]string(nil), p.KeyEntities...),
		Directions:  make([]Direction, len(p.Directions)),
	}
	for i, d := range p.Directions {
		d.CollectedEntityIDs = append([]string(nil), d.CollectedEntityIDs...)
		out.Directions[i] = d
	}
	return out
}
