package research

import (
	"fmt"
	"math"

	"github.com/veska-bio/loom/pkg/evidence"
)

// DirectionStats measures how well evidenced one research direction is.
// Reachable evidence means observations attached to the direction's
// collected entities plus observations on relationships touching them,
// deduplicated by observation id.
type DirectionStats struct {
	EvidenceCount     int                           `json:"evidenceCount"`
	GradeDistribution map[evidence.QualityGrade]int `json:"gradeDistribution"`
	WeightedScore     float64                       `json:"weightedScore"`
	Completeness      float64                       `json:"completeness"`
	HasHighQuality    bool                          `json:"hasHighQuality"`
	LowQualityOnly    bool                          `json:"lowQualityOnly"`
}

// Assessment is the controller's verdict on one direction for one round.
type Assessment struct {
	DirectionID string         `json:"directionId"`
	Topic       string         `json:"topic"`
	Stats       DirectionStats `json:"stats"`
	Strategy    Strategy       `json:"strategy"`
	Status      Status         `json:"status"`
}

// Decision is the controller's verdict on one round.
type Decision struct {
	RoundIndex  int          `json:"roundIndex"`
	Converged   bool         `json:"converged"`
	Forced      bool         `json:"forced"`
	Reason      string       `json:"reason,omitempty"`
	Assessments []Assessment `json:"assessments"`
}

// Controller applies the convergence policy: it scores each direction's
// evidence, reassigns strategies, and decides whether the round loop
// continues.
type Controller struct {
	policy Policy
}

// NewController validates the policy and returns a controller. Zero-valued
// policy fields take their defaults.
func NewController(policy Policy) (*Controller, error) {
	policy = policy.withDefaults()
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Controller{policy: policy}, nil
}

// Stats computes sufficiency statistics for one direction against the graph.
func (c *Controller) Stats(g *evidence.Graph, dir Direction) DirectionStats {
	observations := g.ObservationsForEntities(dir.CollectedEntityIDs)

	stats := DirectionStats{
		EvidenceCount:     len(observations),
		GradeDistribution: make(map[evidence.QualityGrade]int),
		LowQualityOnly:    len(observations) > 0,
	}
	for _, obs := range observations {
		stats.GradeDistribution[obs.QualityGrade]++
		stats.WeightedScore += c.policy.GradeWeights[obs.QualityGrade]
		if obs.QualityGrade.Rank() <= 1 {
			stats.HasHighQuality = true
		}
		if obs.QualityGrade.Rank() < len(evidence.Grades)-2 {
			stats.LowQualityOnly = false
		}
	}
	stats.Completeness = math.Min(100, stats.WeightedScore/c.policy.TargetScore*100)
	return stats
}

// strategyFor maps sufficiency onto next-round effort. Low-quality-only
// evidence forces deep collection no matter how complete the direction
// looks on paper.
func (c *Controller) strategyFor(stats DirectionStats) Strategy {
	switch {
	case stats.Completeness >= c.policy.SkipThreshold && stats.HasHighQuality:
		return StrategySkip
	case stats.LowQualityOnly:
		return StrategyDepthFirst
	case stats.Completeness < c.policy.BreadthThreshold:
		return StrategyBreadthFirst
	default:
		return StrategyDepthFirst
	}
}

// Evaluate recomputes every direction's statistics, reassigns strategies and
// statuses in place, and decides whether the loop continues. The round is
// converged when every direction is sufficiently complete and none rests on
// low-quality evidence alone; reaching the round cap forces convergence
// regardless, with the forced reason recorded.
func (c *Controller) Evaluate(g *evidence.Graph, plan *Plan, roundIndex int) Decision {
	decision := Decision{RoundIndex: roundIndex, Converged: true}

	for i := range plan.Directions {
		dir := &plan.Directions[i]
		stats := c.Stats(g, *dir)

		dir.Strategy = c.strategyFor(stats)
		if dir.Strategy == StrategySkip {
			dir.advance(StatusCompleted)
		}
		if stats.Completeness < c.policy.SkipThreshold || stats.LowQualityOnly {
			decision.Converged = false
		}

		decision.Assessments = append(decision.Assessments, Assessment{
			DirectionID: dir.ID,
			Topic:       dir.Topic,
			Stats:       stats,
			Strategy:    dir.Strategy,
			Status:      dir.Status,
		})
	}

	if decision.Converged {
		decision.Reason = "every direction sufficiently evidenced"
	} else if roundIndex >= c.policy.MaxRounds {
		decision.Converged = true
		decision.Forced = true
		decision.Reason = fmt.Sprintf("round cap %d reached", c.policy.MaxRounds)
		for i := range plan.Directions {
			plan.Directions[i].advance(StatusCompleted)
			decision.Assessments[i].Status = plan.Directions[i].Status
		}
	}

	log.Info("convergence decision",
		"round", roundIndex,
		"converged", decision.Converged,
		"forced", decision.Forced,
		"directions", len(plan.Directions),
	)
	return decision
}
