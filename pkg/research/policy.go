package research

import (
	"fmt"
	"math"

	"github.com/go-playground/validator"

	"github.com/veska-bio/loom/pkg/curator"
	"github.com/veska-bio/loom/pkg/evidence"
)

// Policy bundles the tunable constants of the round loop. The numbers are
// policy, not protocol: they can change freely without touching merge or
// dedup semantics.
type Policy struct {
	// GradeWeights scores one observation of each quality grade. Weights
	// must be positive and strictly decreasing from grade A to E.
	GradeWeights map[evidence.QualityGrade]float64 `json:"gradeWeights"`
	// TargetScore is the weighted score at which a direction counts as 100%
	// complete. The default of 10 is roughly two guideline-grade
	// observations or ten preclinical ones.
	TargetScore float64 `json:"targetScore" validate:"gte=0"`
	// SkipThreshold is the completeness at or above which a direction with
	// high-quality evidence stops receiving lookups.
	SkipThreshold float64 `json:"skipThreshold" validate:"gte=0,max=100"`
	// BreadthThreshold is the completeness below which a direction stays in
	// broad collection mode.
	BreadthThreshold float64 `json:"breadthThreshold" validate:"gte=0,max=100"`
	// MaxRounds is the hard iteration cap; reaching it forces convergence.
	MaxRounds int `json:"maxRounds" validate:"gte=0"`
	// GradeForBucket maps curated-document buckets to observation grades.
	GradeForBucket map[curator.Bucket]evidence.QualityGrade `json:"gradeForBucket"`

	// ExtractDocLimit caps how many curated documents one direction feeds
	// into graph extraction per round.
	ExtractDocLimit int `json:"extractDocLimit" validate:"gte=0"`
	// ExtractParallel bounds concurrent extraction calls per direction.
	ExtractParallel int `json:"extractParallel" validate:"gte=0"`
	// MechanismCap bounds mechanism follow-ups per depth-first direction per
	// round.
	MechanismCap int `json:"mechanismCap" validate:"gte=0"`
	// RegistryTrialLimit caps trial registry results per follow-up.
	RegistryTrialLimit int `json:"registryTrialLimit" validate:"gte=0"`
	// OwnerParallel bounds concurrently running workers per round.
	OwnerParallel int `json:"ownerParallel" validate:"gte=0"`
	// MaxRetries bounds oracle retry attempts per call.
	MaxRetries int `json:"maxRetries" validate:"gte=0"`
}

// DefaultPolicy returns the stock tuning.
func DefaultPolicy() Policy {
	return Policy{
		GradeWeights: map[evidence.QualityGrade]float64{
			evidence.GradeA: 5.0,
			evidence.GradeB: 3.0,
			evidence.GradeC: 2.0,
			evidence.GradeD: 1.5,
			evidence.GradeE: 1.0,
		},
		TargetScore:      10.0,
		SkipThreshold:    80,
		BreadthThreshold: 60,
		MaxRounds:        7,
		GradeForBucket: map[curator.Bucket]evidence.QualityGrade{
			curator.BucketGuideline:        evidence.GradeA,
			curator.BucketSystematicReview: evidence.GradeA,
			curator.BucketTrial:            evidence.GradeB,
			curator.BucketObservational:    evidence.GradeC,
			curator.BucketCaseReport:       evidence.GradeD,
			curator.BucketPreclinical:      evidence.GradeE,
		},
		ExtractDocLimit:    8,
		ExtractParallel:    4,
		MechanismCap:       3,
		RegistryTrialLimit: 5,
		OwnerParallel:      4,
		MaxRetries:         3,
	}
}

// withDefaults fills zero-valued fields from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.GradeWeights == nil {
		p.GradeWeights = def.GradeWeights
	}
	if p.TargetScore == 0 {
		p.TargetScore = def.TargetScore
	}
	if p.SkipThreshold == 0 {
		p.SkipThreshold = def.SkipThreshold
	}
	if p.BreadthThreshold == 0 {
		p.BreadthThreshold = def.BreadthThreshold
	}
	if p.MaxRounds == 0 {
		p.MaxRounds = def.MaxRounds
	}
	if p.GradeForBucket == nil {
		p.GradeForBucket = def.GradeForBucket
	}
	if p.ExtractDocLimit == 0 {
		p.ExtractDocLimit = def.ExtractDocLimit
	}
	if p.ExtractParallel == 0 {
		p.ExtractParallel = def.ExtractParallel
	}
	if p.MechanismCap == 0 {
		p.MechanismCap = def.MechanismCap
	}
	if p.RegistryTrialLimit == 0 {
		p.RegistryTrialLimit = def.RegistryTrialLimit
	}
	if p.OwnerParallel == 0 {
		p.OwnerParallel = def.OwnerParallel
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = def.MaxRetries
	}
	return p
}

// Validate checks the struct tags plus the cross-field rules tags cannot
// express: every grade weighted with strictly decreasing positive weights,
// thresholds ordered, every bucket mapped to a valid grade.
func (p Policy) Validate() error {
	if err := validator.New().Struct(p); err != nil {
		return fmt.Errorf("research policy: %w", err)
	}
	if p.TargetScore <= 0 {
		return fmt.Errorf("research policy: target score must be positive, got %.2f", p.TargetScore)
	}
	if p.MaxRounds < 1 {
		return fmt.Errorf("research policy: max rounds must be at least 1, got %d", p.MaxRounds)
	}
	if p.BreadthThreshold > p.SkipThreshold {
		return fmt.Errorf(
			"research policy: breadth threshold %.0f above skip threshold %.0f",
			p.BreadthThreshold, p.SkipThreshold,
		)
	}
	prev := math.Inf(1)
	for _, grade := range evidence.Grades {
		weight, ok := p.GradeWeights[grade]
		if !ok {
			return fmt.Errorf("research policy: no weight for grade %s", grade)
		}
		if weight <= 0 || weight >= prev {
			return fmt.Errorf(
				"research policy: grade weights must be positive and strictly decreasing, grade %s has %.2f",
				grade, weight,
			)
		}
		prev = weight
	}
	for _, bucket := range curator.Buckets {
		grade, ok := p.GradeForBucket[bucket]
		if !ok {
			return fmt.Errorf("research policy: no grade mapping for bucket %s", bucket)
		}
		if !grade.Valid() {
			return fmt.Errorf("research policy: %w: %q for bucket %s", evidence.ErrUnknownGrade, grade, bucket)
		}
	}
	return nil
}

// gradeFor maps a curated-document bucket to the grade its observations are
// recorded at.
func (p Policy) gradeFor(bucket curator.Bucket) evidence.QualityGrade {
	if grade, ok := p.GradeForBucket[bucket]; ok {
		return grade
	}
	return evidence.GradeE
}
