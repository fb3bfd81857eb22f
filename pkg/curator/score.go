package curator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/sync/errgroup"

	"github.com/veska-bio/loom/internal/util"
	"github.com/veska-bio/loom/pkg/sources"
)

// passScore is the minimum relevance score a document needs to pass; it is
// also the score the degraded text scan assigns.
const passScore = 5

const maxRelevanceScore = 10

// DocumentScore is the oracle's judgment for one document.
type DocumentScore struct {
	ID             string `json:"id" jsonschema_description:"The document id exactly as given."`
	IsRelevant     bool   `json:"isRelevant" jsonschema_description:"True when the document addresses the request's disease, target or intervention."`
	RelevanceScore int    `json:"relevanceScore" jsonschema_description:"Integer 0-10 combining topical relevance and evidence strength."`
	StudyType      string `json:"studyType" jsonschema_description:"One of guideline, trial, systematicReview, observational, caseReport, preclinical."`
}

// passed reports whether the judgment clears the relevance gate.
func (s DocumentScore) passed() bool {
	return s.IsRelevant && s.RelevanceScore >= passScore
}

type scoreResponse struct {
	Scores []DocumentScore `json:"scores" jsonschema_description:"One judgment per document in the batch."`
}

var relevantTruePattern = regexp.MustCompile(`(?i)"isRelevant"\s*:\s*true`)

// scoreDocuments judges every document with a non-empty abstract, in batches
// across a bounded pool. The returned map is keyed by document id; documents
// the oracle never judged are absent. Batch failures degrade locally and
// never abort curation; only context cancellation surfaces.
func (c *Curator) scoreDocuments(
	ctx context.Context,
	request string,
	docs []sources.Document,
) (map[string]DocumentScore, error) {
	eligible := make([]sources.Document, 0, len(docs))
	for _, doc := range docs {
		if strings.TrimSpace(doc.Abstract) != "" {
			eligible = append(eligible, doc)
		}
	}

	scores := make(map[string]DocumentScore, len(eligible))
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.ScoreParallel)
	for start := 0; start < len(eligible); start += c.opts.ScoreBatchSize {
		end := min(start+c.opts.ScoreBatchSize, len(eligible))
		batch := eligible[start:end]
		g.Go(func() error {
			judged, err := c.scoreBatch(gCtx, request, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			for id, score := range judged {
				scores[id] = score
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}

// scoreBatch runs one oracle call for a batch. A response that cannot be
// parsed even leniently degrades to a text scan over the raw output.
func (c *Curator) scoreBatch(
	ctx context.Context,
	request string,
	batch []sources.Document,
) (map[string]DocumentScore, error) {
	prompt := c.buildScorePrompt(request, batch)

	var res scoreResponse
	raw, err := util.RetryWithContext(ctx, c.opts.MaxRetries, func(ctx context.Context) (string, error) {
		res = scoreResponse{}
		return c.oracle.CompleteStructured(
			ctx, "score_documents", "Judge relevance and evidence strength of search results.", prompt, &res,
		)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("document scoring degraded to text scan", "documents", len(batch), "error", err)
		return textScanScores(raw, batch), nil
	}

	known := make(map[string]struct{}, len(batch))
	for _, doc := range batch {
		known[doc.ID] = struct{}{}
	}
	judged := make(map[string]DocumentScore, len(res.Scores))
	for _, score := range res.Scores {
		// The oracle occasionally invents or mangles ids; drop those.
		if _, ok := known[score.ID]; !ok {
			continue
		}
		if score.RelevanceScore < 0 {
			score.RelevanceScore = 0
		}
		if score.RelevanceScore > maxRelevanceScore {
			score.RelevanceScore = maxRelevanceScore
		}
		judged[score.ID] = score
	}
	return judged, nil
}

// textScanScores is the degraded parse: a document passes when the raw text
// mentions its quoted id and carries a case-insensitive "isRelevant": true.
func textScanScores(raw string, batch []sources.Document) map[string]DocumentScore {
	judged := make(map[string]DocumentScore)
	if strings.TrimSpace(raw) == "" || !relevantTruePattern.MatchString(raw) {
		return judged
	}
	for _, doc := range batch {
		if strings.Contains(raw, `"`+doc.ID+`"`) {
			judged[doc.ID] = DocumentScore{ID: doc.ID, IsRelevant: true, RelevanceScore: passScore}
		}
	}
	return judged
}

func (c *Curator) buildScorePrompt(request string, batch []sources.Document) string {
	var b strings.Builder
	for _, doc := range batch {
		fmt.Fprintf(&b, "- id: %q\n  title: %s\n  abstract: %s\n", doc.ID, doc.Title, c.capAbstract(doc.Abstract))
	}
	return fmt.Sprintf(ScorePrompt, request, b.String())
}

// capAbstract bounds an abstract to the configured token budget before it
// enters a prompt. When the encoding is unavailable a rune cap approximates
// the budget at four runes per token.
func (c *Curator) capAbstract(text string) string {
	enc, err := tiktoken.GetEncoding(c.opts.Encoder)
	if err != nil {
		return util.TruncateRunes(text, c.opts.MaxAbstractTokens*4)
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= c.opts.MaxAbstractTokens {
		return text
	}
	return enc.Decode(tokens[:c.opts.MaxAbstractTokens])
}
