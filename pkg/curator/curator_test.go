package curator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/veska-bio/loom/pkg/sources"
)

// fakeLiterature serves a canned corpus. Searches with more than three AND
// groups find nothing, which is how overly specific boolean queries behave
// upstream; everything else hits the whole corpus.
type fakeLiterature struct {
	mu       sync.Mutex
	searches []string
	corpus   []sources.Document
}

func (f *fakeLiterature) Search(ctx context.Context, query string, maxResults int, recencyYears int) ([]string, error) {
	f.mu.Lock()
	f.searches = append(f.searches, query)
	f.mu.Unlock()

	if andGroupCount(query) > 3 {
		return nil, nil
	}
	ids := make([]string, 0, len(f.corpus))
	for _, doc := range f.corpus {
		ids = append(ids, doc.ID)
	}
	if len(ids) > maxResults {
		ids = ids[:maxResults]
	}
	return ids, nil
}

func (f *fakeLiterature) FetchDetails(ctx context.Context, ids []string) ([]sources.Document, error) {
	byID := make(map[string]sources.Document, len(f.corpus))
	for _, doc := range f.corpus {
		byID[doc.ID] = doc
	}
	docs := make([]sources.Document, 0, len(ids))
	for _, id := range ids {
		if doc, ok := byID[id]; ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func (f *fakeLiterature) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.searches)
}

// krasCorpus builds 84 documents cycling through the classification paths:
// tagged guideline/trial/review/observational/case report, untagged bench
// work caught by the heuristic, and untagged clinical work left to the
// oracle.
func krasCorpus() []sources.Document {
	docs := make([]sources.Document, 0, 84)
	for i := 0; i < 84; i++ {
		doc := sources.Document{
			ID:       fmt.Sprintf("38%06d", i+1),
			Title:    fmt.Sprintf("KRAS G12C colorectal cancer report %d", i+1),
			Abstract: "Outcomes of sotorasib-based treatment in KRAS G12C-mutated colorectal cancer.",
		}
		switch i % 7 {
		case 0:
			doc.TypeTags = []string{"Practice Guideline"}
		case 1:
			doc.TypeTags = []string{"Randomized Controlled Trial"}
		case 2:
			doc.TypeTags = []string{"Meta-Analysis"}
		case 3:
			doc.TypeTags = []string{"Observational Study"}
		case 4:
			doc.TypeTags = []string{"Case Reports"}
		case 5:
			doc.TypeTags = []string{"Journal Article"}
			doc.Abstract = "Xenograft and cell line experiments on combined KRAS G12C and SHP2 inhibition."
		case 6:
			doc.TypeTags = []string{"Journal Article"}
			doc.Abstract = "Retrospective outcomes of KRAS G12C-mutated colorectal cancer at a single center."
		}
		docs = append(docs, doc)
	}
	return docs
}

const krasConceptsJSON = `{
	"concepts": [
		{"type": "disease", "preferred": "colorectal cancer", "synonyms": ["colorectal cancer", "CRC"], "meshTerm": "Colorectal Neoplasms", "rare": false},
		{"type": "variant", "preferred": "KRAS G12C", "synonyms": ["KRAS G12C", "KRAS p.G12C"], "meshTerm": "", "rare": false},
		{"type": "mechanism", "preferred": "drug resistance", "synonyms": ["drug resistance", "SHP2 inhibitor", "SOS1 inhibitor"], "meshTerm": "Drug Resistance, Neoplasm", "rare": false},
		{"type": "modifier", "preferred": "China", "synonyms": ["China"], "meshTerm": "", "rare": false}
	],
	"drugCentric": false
}`

var promptIDPattern = regexp.MustCompile(`- id: "(\d+)"`)

// scriptedScores judges the documents named in a scoring prompt: ids
// divisible by five fail relevance, everyone else passes with a score
// between 6 and 9.
func scriptedScores(prompt string) string {
	var res scoreResponse
	for _, match := range promptIDPattern.FindAllStringSubmatch(prompt, -1) {
		id := match[1]
		n, _ := strconv.Atoi(id)
		res.Scores = append(res.Scores, DocumentScore{
			ID:             id,
			IsRelevant:     n%5 != 0,
			RelevanceScore: 5 + n%5,
			StudyType:      "observational",
		})
	}
	raw, _ := json.Marshal(res)
	return string(raw)
}

func TestCurate_EndToEnd(t *testing.T) {
	fake := &fakeLiterature{corpus: krasCorpus()}
	stub := &stubOracle{respond: func(call int, name, prompt string) string {
		if name == "extract_search_concepts" {
			return krasConceptsJSON
		}
		return scriptedScores(prompt)
	}}
	c, err := NewCurator(NewCuratorParams{Oracle: stub, Literature: fake})
	if err != nil {
		t.Fatalf("NewCurator() error = %v", err)
	}

	curation, err := c.Curate(context.Background(), "KRAS G12C colorectal cancer resistance SHP2 SOS1 inhibitor China")
	if err != nil {
		t.Fatalf("Curate() error = %v", err)
	}

	if curation.Tier != 1 {
		t.Errorf("Tier = %d, want 1 (precision query short-circuits)", curation.Tier)
	}
	if fake.searchCount() != 1 {
		t.Errorf("searches = %d, want a single short-circuiting search", fake.searchCount())
	}
	if len(curation.FailedQueries) != 0 {
		t.Errorf("FailedQueries = %v, want none", curation.FailedQueries)
	}
	if curation.TotalFound != 84 {
		t.Errorf("TotalFound = %d, want 84", curation.TotalFound)
	}
	if len(curation.Documents) != 20 {
		t.Fatalf("selected %d documents, want 20", len(curation.Documents))
	}
	if curation.Documents[0].Bucket != BucketGuideline {
		t.Errorf("first document bucket = %q, want guideline-first ordering", curation.Documents[0].Bucket)
	}

	// Every bucket fills its full quota with this corpus.
	wantSelected := map[Bucket]int{
		BucketGuideline:        3,
		BucketTrial:            6,
		BucketSystematicReview: 4,
		BucketObservational:    4,
		BucketCaseReport:       2,
		BucketPreclinical:      1,
	}
	for bucket, want := range wantSelected {
		if got := curation.Buckets[bucket].Selected; got != want {
			t.Errorf("%s selected = %d, want %d", bucket, got, want)
		}
	}

	for i := 1; i < len(curation.Documents); i++ {
		prev, cur := curation.Documents[i-1], curation.Documents[i]
		if cur.Bucket.Priority() < prev.Bucket.Priority() {
			t.Fatalf("bucket order regressed at %d: %s after %s", i, cur.Bucket, prev.Bucket)
		}
		if cur.Bucket == prev.Bucket && cur.Score > prev.Score {
			t.Fatalf("score order regressed at %d inside %s", i, cur.Bucket)
		}
	}

	sourcesSeen := map[BucketSource]bool{}
	for _, doc := range curation.Documents {
		sourcesSeen[doc.BucketSource] = true
		if doc.Score < passScore {
			t.Errorf("document %s selected with failing score %d", doc.ID, doc.Score)
		}
	}
	for _, want := range []BucketSource{SourceStructuredMetadata, SourceHeuristic, SourceOracle} {
		if !sourcesSeen[want] {
			t.Errorf("no selected document classified via %s", want)
		}
	}
}

func TestCurate_TokenFallbackWhenConceptsFail(t *testing.T) {
	fake := &fakeLiterature{corpus: krasCorpus()}
	stub := &stubOracle{respond: func(call int, name, prompt string) string {
		if name == "extract_search_concepts" {
			return "I would rather chat about the weather."
		}
		return scriptedScores(prompt)
	}}
	c, err := NewCurator(NewCuratorParams{Oracle: stub, Literature: fake})
	if err != nil {
		t.Fatalf("NewCurator() error = %v", err)
	}

	curation, err := c.Curate(context.Background(), "KRAS G12C colorectal cancer resistance")
	if err != nil {
		t.Fatalf("Curate() error = %v", err)
	}

	if curation.Tier != 4 {
		t.Errorf("Tier = %d, want 4 when concept extraction never parses", curation.Tier)
	}
	if curation.Query != `"KRAS G12C"` {
		t.Errorf("Query = %q, want the quoted fallback token", curation.Query)
	}
	if len(curation.Documents) == 0 {
		t.Error("fallback retrieval should still curate documents")
	}
}

func TestCurate_NoResultsAnywhere(t *testing.T) {
	fake := &fakeLiterature{}
	stub := &stubOracle{respond: func(call int, name, prompt string) string {
		if name == "extract_search_concepts" {
			return krasConceptsJSON
		}
		t.Error("no documents to score")
		return ""
	}}
	c, err := NewCurator(NewCuratorParams{Oracle: stub, Literature: fake})
	if err != nil {
		t.Fatalf("NewCurator() error = %v", err)
	}

	curation, err := c.Curate(context.Background(), "KRAS G12C colorectal cancer resistance")
	if err != nil {
		t.Fatalf("Curate() error = %v, exhausted tiers are not an error", err)
	}

	if curation.Tier != 4 {
		t.Errorf("Tier = %d, want 4 after walking the whole ladder", curation.Tier)
	}
	if len(curation.FailedQueries) != 3 {
		t.Errorf("FailedQueries = %v, want the three oracle-backed tiers", curation.FailedQueries)
	}
	if curation.TotalFound != 0 || len(curation.Documents) != 0 {
		t.Errorf("curation = %+v, want empty result", curation)
	}
	if !strings.Contains(curation.FailedQueries[1], "[MeSH Terms]") {
		t.Errorf("tier 2 query should carry controlled vocabulary: %s", curation.FailedQueries[1])
	}
}
