package curator

import (
	"context"
	"fmt"
	"strings"

	"github.com/veska-bio/loom/internal/util"
	"github.com/veska-bio/loom/pkg/oracle"
)

// Concept categories the query builders understand. Modifiers (geography,
// staging, minor qualifiers) are extracted but never queried.
const (
	conceptDisease   = "disease"
	conceptGene      = "gene"
	conceptVariant   = "variant"
	conceptDrug      = "drug"
	conceptMechanism = "mechanism"
	conceptOutcome   = "outcome"
	conceptModifier  = "modifier"
)

// Concept is one search concept extracted from a research request.
type Concept struct {
	Type      string   `json:"type" jsonschema_description:"Concept category: disease, gene, variant, drug, mechanism, outcome or modifier."`
	Preferred string   `json:"preferred" jsonschema_description:"Preferred term for the concept."`
	Synonyms  []string `json:"synonyms" jsonschema_description:"Free-text synonyms, including brand and code names for drugs and alternative notations for variants."`
	MeSH      string   `json:"meshTerm" jsonschema_description:"Controlled vocabulary term when a well-known one exists, otherwise empty."`
	Rare      bool     `json:"rare" jsonschema_description:"True when the concept is an uncommon entity such as a rare fusion or exceptional variant."`
}

// conceptExtraction is the oracle's concept analysis for one request. One
// extraction feeds every oracle-backed query tier.
type conceptExtraction struct {
	Concepts    []Concept `json:"concepts" jsonschema_description:"Every distinct search concept in the request."`
	DrugCentric bool      `json:"drugCentric" jsonschema_description:"True when the request is primarily about a specific drug or regimen."`
}

// extractConcepts asks the oracle to break the request into typed concepts.
func extractConcepts(
	ctx context.Context,
	client oracle.Client,
	request string,
	maxRetries int,
) (*conceptExtraction, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if client == nil {
		return nil, fmt.Errorf("oracle client is nil")
	}

	prompt := fmt.Sprintf(ConceptPrompt, request)
	var res conceptExtraction
	err := util.RetryErrWithContext(ctx, maxRetries, func(ctx context.Context) error {
		res = conceptExtraction{}
		_, err := client.CompleteStructured(
			ctx, "extract_search_concepts", "Extract typed search concepts from a research request.", prompt, &res,
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	normalizeConcepts(&res)
	if len(res.Concepts) == 0 {
		return nil, fmt.Errorf("oracle returned no usable concepts")
	}
	return &res, nil
}

// normalizeConcepts trims terms, drops empty concepts and backfills MeSH
// terms from the embedded vocabulary when the oracle left them blank.
func normalizeConcepts(extraction *conceptExtraction) {
	cleaned := make([]Concept, 0, len(extraction.Concepts))
	for _, concept := range extraction.Concepts {
		concept.Preferred = strings.TrimSpace(concept.Preferred)
		concept.Type = strings.ToLower(strings.TrimSpace(concept.Type))
		if concept.Preferred == "" || concept.Type == "" {
			continue
		}

		synonyms := make([]string, 0, len(concept.Synonyms)+1)
		seen := map[string]struct{}{}
		for _, synonym := range append([]string{concept.Preferred}, concept.Synonyms...) {
			synonym = strings.TrimSpace(synonym)
			if synonym == "" {
				continue
			}
			key := strings.ToLower(synonym)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			synonyms = append(synonyms, synonym)
		}
		concept.Synonyms = synonyms

		if concept.MeSH == "" {
			concept.MeSH = vocab.MeSHTerms[strings.ToLower(concept.Preferred)]
		}
		cleaned = append(cleaned, concept)
	}
	extraction.Concepts = cleaned
}

// conceptsOfType returns the concepts matching any of the given types, in
// extraction order.
func (e *conceptExtraction) conceptsOfType(types ...string) []Concept {
	var matched []Concept
	for _, concept := range e.Concepts {
		for _, t := range types {
			if concept.Type == t {
				matched = append(matched, concept)
				break
			}
		}
	}
	return matched
}

// rareConcept returns the first concept flagged rare, if any.
func (e *conceptExtraction) rareConcept() (Concept, bool) {
	for _, concept := range e.Concepts {
		if concept.Rare && concept.Type != conceptModifier {
			return concept, true
		}
	}
	return Concept{}, false
}
