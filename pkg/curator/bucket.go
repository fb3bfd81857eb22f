package curator

import (
	"strings"

	"github.com/veska-bio/loom/pkg/sources"
)

// Bucket is one of the six evidence-strength categories documents are
// classified into. Sampling quotas and final ranking use bucket priority,
// strongest evidence first.
type Bucket string

const (
	BucketGuideline        Bucket = "guideline"
	BucketTrial            Bucket = "trial"
	BucketSystematicReview Bucket = "systematicReview"
	BucketObservational    Bucket = "observational"
	BucketCaseReport       Bucket = "caseReport"
	BucketPreclinical      Bucket = "preclinical"
)

// Buckets lists every bucket in priority order, strongest first.
var Buckets = []Bucket{
	BucketGuideline,
	BucketTrial,
	BucketSystematicReview,
	BucketObservational,
	BucketCaseReport,
	BucketPreclinical,
}

// Priority returns the rank of b, 0 strongest. Unknown buckets rank after
// every known one.
func (b Bucket) Priority() int {
	for i, known := range Buckets {
		if known == b {
			return i
		}
	}
	return len(Buckets)
}

// Valid reports whether b is one of the known buckets.
func (b Bucket) Valid() bool {
	return b.Priority() < len(Buckets)
}

// ParseBucket resolves a bucket label leniently: exact match first, then
// case-insensitive.
func ParseBucket(value string) (Bucket, bool) {
	candidate := Bucket(value)
	if candidate.Valid() {
		return candidate, true
	}
	for _, known := range Buckets {
		if strings.EqualFold(string(known), value) {
			return known, true
		}
	}
	return "", false
}

// BucketSource records which classification stage produced a document's
// bucket.
type BucketSource string

const (
	SourceStructuredMetadata BucketSource = "structuredMetadata"
	SourceHeuristic          BucketSource = "heuristic"
	SourceOracle             BucketSource = "oracle"
	SourceFallback           BucketSource = "fallback"
)

// classifyByTags maps structured type tags through the tag->bucket table.
// When several tags map to different buckets the strongest one wins.
func classifyByTags(tags []string) (Bucket, bool) {
	best := Bucket("")
	found := false
	for _, tag := range tags {
		bucket, ok := vocab.TagBuckets[tag]
		if !ok {
			continue
		}
		if !found || bucket.Priority() < best.Priority() {
			best = bucket
			found = true
		}
	}
	return best, found
}

// hasPreclinicalSignal reports whether title or abstract reads like bench
// work rather than clinical evidence.
func hasPreclinicalSignal(doc sources.Document) bool {
	text := strings.ToLower(doc.Title + " " + doc.Abstract)
	for _, keyword := range vocab.PreclinicalKeywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

// classify runs the three-stage chain for one document. oracleType is the
// study type the scoring pass returned for the document, empty when the
// oracle never produced a valid answer.
func classify(doc sources.Document, oracleType string) (Bucket, BucketSource) {
	if bucket, ok := classifyByTags(doc.TypeTags); ok {
		return bucket, SourceStructuredMetadata
	}
	if hasPreclinicalSignal(doc) {
		return BucketPreclinical, SourceHeuristic
	}
	if bucket, ok := ParseBucket(oracleType); ok {
		return bucket, SourceOracle
	}
	return BucketObservational, SourceFallback
}
