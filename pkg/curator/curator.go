// Package curator turns a free-text research request into a small,
// quality-stratified document set: tiered query fallback, broad retrieval,
// classification, oracle scoring and stratified sampling.
package curator

import (
	"context"
	"fmt"
	"strings"

	"github.com/veska-bio/loom/pkg/logger"
	"github.com/veska-bio/loom/pkg/oracle"
	"github.com/veska-bio/loom/pkg/sources"
)

var log = logger.Tagged("Curator")

// Options holds the curation policy knobs. Zero fields get defaults from
// DefaultOptions; the constants are policy, not protocol.
type Options struct {
	MaxResults        int            // size cap of the final document set
	SearchCap         int            // broad search result bound
	RecencyYears      int            // publication recency window, 0 disables
	ScoreBatchSize    int            // documents per oracle scoring call
	ScoreParallel     int            // concurrent scoring batches
	MaxRetries        int            // oracle retry budget per call
	MaxAbstractTokens int            // abstract token cap in scoring prompts
	Encoder           string         // tiktoken encoding used for the cap
	Quotas            map[Bucket]int // per-bucket sampling quotas
}

// DefaultOptions returns the standard curation policy. The quotas sum to
// MaxResults.
func DefaultOptions() Options {
	return Options{
		MaxResults:        20,
		SearchCap:         200,
		RecencyYears:      10,
		ScoreBatchSize:    20,
		ScoreParallel:     10,
		MaxRetries:        3,
		MaxAbstractTokens: 512,
		Encoder:           "o200k_base",
		Quotas: map[Bucket]int{
			BucketGuideline:        3,
			BucketTrial:            6,
			BucketSystematicReview: 4,
			BucketObservational:    4,
			BucketCaseReport:       2,
			BucketPreclinical:      1,
		},
	}
}

func (o Options) withDefaults() Options {
	defaults := DefaultOptions()
	if o.MaxResults <= 0 {
		o.MaxResults = defaults.MaxResults
	}
	if o.SearchCap <= 0 {
		o.SearchCap = defaults.SearchCap
	}
	if o.RecencyYears < 0 {
		o.RecencyYears = defaults.RecencyYears
	}
	if o.ScoreBatchSize <= 0 {
		o.ScoreBatchSize = defaults.ScoreBatchSize
	}
	if o.ScoreParallel <= 0 {
		o.ScoreParallel = defaults.ScoreParallel
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaults.MaxRetries
	}
	if o.MaxAbstractTokens <= 0 {
		o.MaxAbstractTokens = defaults.MaxAbstractTokens
	}
	if o.Encoder == "" {
		o.Encoder = defaults.Encoder
	}
	if o.Quotas == nil {
		o.Quotas = defaults.Quotas
	}
	return o
}

// CuratedDocument is one selected document with its classification and
// relevance score.
type CuratedDocument struct {
	sources.Document
	Bucket       Bucket       `json:"bucket"`
	BucketSource BucketSource `json:"bucketSource"`
	Score        int          `json:"relevanceScore"`
}

// Curation is the result of one request: the winning query and tier, the
// selected documents and per-bucket counts for observability.
type Curation struct {
	Request       string                 `json:"request"`
	Query         string                 `json:"query"`
	Tier          int                    `json:"tier"`
	FailedQueries []string               `json:"failedQueries,omitempty"`
	Documents     []CuratedDocument      `json:"documents"`
	Buckets       map[Bucket]BucketCount `json:"buckets"`
	TotalFound    int                    `json:"totalFound"`
	TotalPassed   int                    `json:"totalPassed"`
}

// Curator runs the retrieval-and-curation pipeline against one literature
// source and one oracle.
type Curator struct {
	oracle     oracle.Client
	literature sources.LiteratureSource
	opts       Options
}

// NewCuratorParams holds dependencies for NewCurator. Oracle and Literature
// are required.
type NewCuratorParams struct {
	Oracle     oracle.Client
	Literature sources.LiteratureSource
	Options    Options
}

// NewCurator creates a Curator.
//
// Example:
//
//	cur, err := curator.NewCurator(curator.NewCuratorParams{
//		Oracle:     oracleClient,
//		Literature: literatureClient,
//	})
func NewCurator(params NewCuratorParams) (*Curator, error) {
	if params.Oracle == nil {
		return nil, fmt.Errorf("oracle client is required")
	}
	if params.Literature == nil {
		return nil, fmt.Errorf("literature source is required")
	}
	return &Curator{
		oracle:     params.Oracle,
		literature: params.Literature,
		opts:       params.Options.withDefaults(),
	}, nil
}

// Curate resolves the request into a query via the tier ladder, retrieves
// and expands the matching documents, classifies and scores them, and
// returns the stratified sample.
func (c *Curator) Curate(ctx context.Context, request string) (*Curation, error) {
	ids, query, tier, failed, err := c.resolveQuery(ctx, request)
	if err != nil {
		return nil, err
	}

	curation := &Curation{
		Request:       request,
		Query:         query,
		Tier:          tier,
		FailedQueries: failed,
		Documents:     []CuratedDocument{},
		TotalFound:    len(ids),
	}
	if len(ids) == 0 {
		log.Warn("no documents found for request", "tier", tier, "query", query)
		_, curation.Buckets = sampleStratified(nil, c.opts.Quotas, c.opts.MaxResults)
		return curation, nil
	}

	docs, err := c.literature.FetchDetails(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("expand %d search results: %w", len(ids), err)
	}

	scores, err := c.scoreDocuments(ctx, request, docs)
	if err != nil {
		return nil, err
	}

	passed := make([]CuratedDocument, 0, len(docs))
	for _, doc := range docs {
		score, judged := scores[doc.ID]
		bucket, bucketSource := classify(doc, score.StudyType)
		if !judged || !score.passed() {
			continue
		}
		passed = append(passed, CuratedDocument{
			Document:     doc,
			Bucket:       bucket,
			BucketSource: bucketSource,
			Score:        score.RelevanceScore,
		})
	}
	curation.TotalPassed = len(passed)
	curation.Documents, curation.Buckets = sampleStratified(passed, c.opts.Quotas, c.opts.MaxResults)

	log.Info("curation complete",
		"tier", tier, "found", len(ids), "passed", len(passed), "selected", len(curation.Documents))
	return curation, nil
}

// resolveQuery walks the tier ladder until a query returns at least one id.
// Failed query strings accumulate so later tiers never repeat an already
// failed shape; tier 4 runs without the oracle and its result stands even
// when empty.
func (c *Curator) resolveQuery(
	ctx context.Context,
	request string,
) (ids []string, query string, tier int, failed []string, err error) {
	extraction, exErr := extractConcepts(ctx, c.oracle, request, c.opts.MaxRetries)
	if exErr != nil {
		if ctx.Err() != nil {
			return nil, "", 0, nil, ctx.Err()
		}
		log.Warn("concept extraction failed, using token fallback", "error", exErr)
	}

	if extraction != nil {
		tier1 := buildTier1(extraction)
		queries := []string{
			tier1,
			buildTier2(extraction, andGroupCount(tier1)),
			buildTier3(extraction),
		}
		for i, candidate := range queries {
			if candidate == "" || containsQuery(failed, candidate) {
				continue
			}
			found, searchErr := c.literature.Search(ctx, candidate, c.opts.SearchCap, c.opts.RecencyYears)
			if searchErr != nil {
				return nil, "", 0, nil, fmt.Errorf("tier %d search: %w", i+1, searchErr)
			}
			if len(found) > 0 {
				return found, candidate, i + 1, failed, nil
			}
			failed = append(failed, candidate)
			log.Debug("query tier returned no results", "tier", i+1, "query", candidate)
		}
	}

	token := FallbackToken(request)
	query = token
	if strings.Contains(token, " ") {
		query = `"` + token + `"`
	}
	ids, searchErr := c.literature.Search(ctx, query, c.opts.SearchCap, c.opts.RecencyYears)
	if searchErr != nil {
		return nil, "", 0, nil, fmt.Errorf("tier 4 search: %w", searchErr)
	}
	return ids, query, 4, failed, nil
}

func containsQuery(queries []string, query string) bool {
	for _, q := range queries {
		if q == query {
			return true
		}
	}
	return false
}
