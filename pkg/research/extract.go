package research

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/veska-bio/loom/internal/util"
	"github.com/veska-bio/loom/pkg/curator"
	"github.com/veska-bio/loom/pkg/evidence"
	"github.com/veska-bio/loom/pkg/oracle"
)

type extractedEntity struct {
	Name    string   `json:"name" jsonschema_description:"Common name of the concept as used in the document"`
	Kind    string   `json:"kind" jsonschema_description:"One of the provided concept kinds"`
	Aliases []string `json:"aliases,omitempty" jsonschema_description:"Alternative names or codes for the same concept"`
	Note    string   `json:"note,omitempty" jsonschema_description:"Evidence about this concept alone that fits no relationship, empty otherwise"`
}

type extractedFinding struct {
	Source       string  `json:"source" jsonschema_description:"Name of the source entity, as listed in entities"`
	Target       string  `json:"target" jsonschema_description:"Name of the target entity, as listed in entities"`
	Predicate    string  `json:"predicate" jsonschema_description:"One of the provided predicates"`
	Statement    string  `json:"statement" jsonschema_description:"One sentence of evidence from the document supporting this relationship"`
	Confidence   float64 `json:"confidence" jsonschema_description:"How directly the document supports the relationship, 0.0 to 1.0"`
	HighPriority bool    `json:"highPriority" jsonschema_description:"True when the finding demands mechanism-level follow-up, such as treatment resistance or conflicting efficacy signals"`
}

type extractionResponse struct {
	Entities []extractedEntity  `json:"entities" jsonschema_description:"Case-relevant concepts identified in the document"`
	Findings []extractedFinding `json:"findings" jsonschema_description:"Evidence-bearing relationships between the identified concepts"`
}

type mechanismResponse struct {
	Pathway      string   `json:"pathway" jsonschema_description:"Name of the biological pathway or mechanism that explains the finding"`
	Explanation  string   `json:"explanation" jsonschema_description:"Two or three sentences explaining the mechanism"`
	Participants []string `json:"participants,omitempty" jsonschema_description:"Genes, drugs or biomarkers participating in the pathway"`
	Confidence   float64  `json:"confidence" jsonschema_description:"How well established the mechanism is, 0.0 to 1.0"`
}

// extractEvidence asks the oracle to pull typed entities and findings out of
// one curated document.
func extractEvidence(
	ctx context.Context,
	client oracle.Client,
	caseSummary string,
	topic string,
	doc curator.CuratedDocument,
	maxRetries int,
) (*extractionResponse, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if client == nil {
		return nil, errors.New("no oracle client provided")
	}

	var block strings.Builder
	fmt.Fprintf(&block, "Id: %s\n", doc.ID)
	fmt.Fprintf(&block, "Title: %s\n", doc.Title)
	if doc.Venue != "" {
		fmt.Fprintf(&block, "Venue: %s (%d)\n", doc.Venue, doc.Year)
	}
	fmt.Fprintf(&block, "Abstract: %s\n", doc.Abstract)

	prompt := fmt.Sprintf(ExtractPrompt, caseSummary, topic, block.String(), kindList(), predicateList())

	var res extractionResponse
	err := util.RetryErrWithContext(ctx, maxRetries, func(ctx context.Context) error {
		res = extractionResponse{}
		_, err := client.CompleteStructured(
			ctx, "extract_evidence", "Extract typed entities and evidence-bearing relationships from a document.", prompt, &res,
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	normalizeExtraction(&res)
	return &res, nil
}

// explainMechanism asks the oracle for the biological mechanism behind one
// flagged finding.
func explainMechanism(
	ctx context.Context,
	client oracle.Client,
	caseSummary string,
	source evidence.Entity,
	target evidence.Entity,
	predicate evidence.Predicate,
	maxRetries int,
) (*mechanismResponse, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if client == nil {
		return nil, errors.New("no oracle client provided")
	}

	prompt := fmt.Sprintf(MechanismPrompt, caseSummary, source.DisplayName, predicate, target.DisplayName)

	var res mechanismResponse
	err := util.RetryErrWithContext(ctx, maxRetries, func(ctx context.Context) error {
		res = mechanismResponse{}
		_, err := client.CompleteStructured(
			ctx, "explain_mechanism", "Explain the biological mechanism behind a research finding.", prompt, &res,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// normalizeExtraction trims whitespace and drops unusable records: entities
// without a name, findings without both endpoints.
func normalizeExtraction(res *extractionResponse) {
	entities := res.Entities[:0]
	for _, entity := range res.Entities {
		entity.Name = strings.TrimSpace(entity.Name)
		entity.Kind = strings.ToLower(strings.TrimSpace(entity.Kind))
		entity.Note = strings.TrimSpace(entity.Note)
		if entity.Name == "" {
			continue
		}
		entities = append(entities, entity)
	}
	res.Entities = entities

	findings := res.Findings[:0]
	for _, finding := range res.Findings {
		finding.Source = strings.TrimSpace(finding.Source)
		finding.Target = strings.TrimSpace(finding.Target)
		finding.Statement = strings.TrimSpace(finding.Statement)
		if finding.Source == "" || finding.Target == "" {
			continue
		}
		findings = append(findings, finding)
	}
	res.Findings = findings
}

// normalizePredicate matches an oracle-reported predicate against the closed
// set, tolerating case drift.
func normalizePredicate(raw string) (evidence.Predicate, bool) {
	raw = strings.TrimSpace(raw)
	for _, predicate := range evidence.Predicates {
		if strings.EqualFold(raw, string(predicate)) {
			return predicate, true
		}
	}
	return "", false
}

func kindList() string {
	parts := make([]string, len(evidence.Kinds))
	for i, kind := range evidence.Kinds {
		parts[i] = string(kind)
	}
	return strings.Join(parts, ", ")
}

func predicateList() string {
	parts := make([]string, len(evidence.Predicates))
	for i, predicate := range evidence.Predicates {
		parts[i] = string(predicate)
	}
	return strings.Join(parts, ", ")
}
