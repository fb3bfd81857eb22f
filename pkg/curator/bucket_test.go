package curator

import (
	"testing"

	"github.com/veska-bio/loom/pkg/sources"
)

func TestBucketPriorityOrder(t *testing.T) {
	for i, bucket := range Buckets {
		if got := bucket.Priority(); got != i {
			t.Errorf("%s priority = %d, want %d", bucket, got, i)
		}
		if !bucket.Valid() {
			t.Errorf("%s should be valid", bucket)
		}
	}
	if Bucket("anecdote").Valid() {
		t.Error("unknown bucket should be invalid")
	}
	if got := Bucket("anecdote").Priority(); got != len(Buckets) {
		t.Errorf("unknown bucket priority = %d, want %d", got, len(Buckets))
	}
}

func TestParseBucket(t *testing.T) {
	if got, ok := ParseBucket("systematicReview"); !ok || got != BucketSystematicReview {
		t.Errorf("ParseBucket exact = %q, %v", got, ok)
	}
	if got, ok := ParseBucket("TRIAL"); !ok || got != BucketTrial {
		t.Errorf("ParseBucket should match case-insensitively, got %q, %v", got, ok)
	}
	if _, ok := ParseBucket("randomised"); ok {
		t.Error("ParseBucket should reject unknown labels")
	}
}

func TestClassifyByTags_StrongestBucketWins(t *testing.T) {
	bucket, ok := classifyByTags([]string{"Case Reports", "Randomized Controlled Trial", "Journal Article"})
	if !ok {
		t.Fatal("expected a classification")
	}
	if bucket != BucketTrial {
		t.Fatalf("bucket = %q, want %q (strongest of the mapped tags)", bucket, BucketTrial)
	}
}

func TestClassify_Chain(t *testing.T) {
	tests := []struct {
		name       string
		doc        sources.Document
		oracleType string
		wantBucket Bucket
		wantSource BucketSource
	}{
		{
			name:       "structured metadata first",
			doc:        sources.Document{TypeTags: []string{"Practice Guideline"}, Abstract: "in vitro data included"},
			oracleType: "trial",
			wantBucket: BucketGuideline,
			wantSource: SourceStructuredMetadata,
		},
		{
			name:       "preclinical heuristic when tags do not map",
			doc:        sources.Document{TypeTags: []string{"Journal Article"}, Abstract: "Xenograft and cell line experiments show growth arrest."},
			oracleType: "trial",
			wantBucket: BucketPreclinical,
			wantSource: SourceHeuristic,
		},
		{
			name:       "oracle study type third",
			doc:        sources.Document{Title: "Adjuvant therapy outcomes", Abstract: "A retrospective series of 40 patients."},
			oracleType: "observational",
			wantBucket: BucketObservational,
			wantSource: SourceOracle,
		},
		{
			name:       "oracle label matched case-insensitively",
			doc:        sources.Document{Abstract: "A randomized phase III comparison."},
			oracleType: "Trial",
			wantBucket: BucketTrial,
			wantSource: SourceOracle,
		},
		{
			name:       "fallback when nothing answered",
			doc:        sources.Document{Abstract: "Outcomes in a regional cohort."},
			oracleType: "",
			wantBucket: BucketObservational,
			wantSource: SourceFallback,
		},
		{
			name:       "fallback on unknown oracle label",
			doc:        sources.Document{Abstract: "Outcomes in a regional cohort."},
			oracleType: "anecdote",
			wantBucket: BucketObservational,
			wantSource: SourceFallback,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, source := classify(tt.doc, tt.oracleType)
			if bucket != tt.wantBucket || source != tt.wantSource {
				t.Fatalf("classify() = (%q, %q), want (%q, %q)", bucket, source, tt.wantBucket, tt.wantSource)
			}
		})
	}
}
