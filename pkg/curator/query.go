package curator

import (
	"regexp"
	"strings"
)

const (
	tier1MaxGroups = 4
	tier2MaxGroups = 3
	tier3Groups    = 2
	tier3MaxTerms  = 3
)

// queryGroup is one AND group: the synonyms of a single concept, OR-merged.
type queryGroup struct {
	terms []string
}

func (g queryGroup) render() string {
	quoted := make([]string, 0, len(g.terms))
	for _, term := range g.terms {
		quoted = append(quoted, quoteTerm(term))
	}
	return "(" + strings.Join(quoted, " OR ") + ")"
}

func quoteTerm(term string) string {
	if strings.HasSuffix(term, "[MeSH Terms]") {
		return term
	}
	return `"` + term + `"`
}

func meshTerm(term string) string {
	return `"` + term + `"[MeSH Terms]`
}

func renderQuery(groups []queryGroup) string {
	rendered := make([]string, 0, len(groups))
	for _, group := range groups {
		if len(group.terms) == 0 {
			continue
		}
		rendered = append(rendered, group.render())
	}
	return strings.Join(rendered, " AND ")
}

// andGroupCount counts the AND groups of a rendered query.
func andGroupCount(query string) int {
	if strings.TrimSpace(query) == "" {
		return 0
	}
	return strings.Count(query, " AND ") + 1
}

// freeTextGroup builds a group from a concept's synonyms. maxTerms 0 means
// unlimited.
func freeTextGroup(concept Concept, maxTerms int) queryGroup {
	terms := concept.Synonyms
	if maxTerms > 0 && len(terms) > maxTerms {
		terms = terms[:maxTerms]
	}
	return queryGroup{terms: terms}
}

// variantCovers reports whether any variant synonym already names the gene,
// so a separate gene group would be redundant.
func variantCovers(variants []Concept, gene Concept) bool {
	needle := strings.ToLower(gene.Preferred)
	for _, variant := range variants {
		for _, synonym := range variant.Synonyms {
			if strings.Contains(strings.ToLower(synonym), needle) {
				return true
			}
		}
	}
	return false
}

// buildTier1 builds the precision query: free-text matches only, at most
// four AND groups prioritized disease > gene/variant > drug (drug-centric
// requests only) > mechanism/outcome. Modifiers never appear.
func buildTier1(extraction *conceptExtraction) string {
	groups := make([]queryGroup, 0, tier1MaxGroups)

	appendGroup := func(concept Concept, maxTerms int) {
		if len(groups) < tier1MaxGroups {
			groups = append(groups, freeTextGroup(concept, maxTerms))
		}
	}

	for _, concept := range extraction.conceptsOfType(conceptDisease) {
		appendGroup(concept, 0)
	}
	variants := extraction.conceptsOfType(conceptVariant)
	for _, concept := range variants {
		appendGroup(concept, 0)
	}
	for _, concept := range extraction.conceptsOfType(conceptGene) {
		if variantCovers(variants, concept) {
			continue
		}
		appendGroup(concept, 0)
	}
	if extraction.DrugCentric {
		for _, concept := range extraction.conceptsOfType(conceptDrug) {
			appendGroup(concept, 0)
		}
	}
	for _, concept := range extraction.conceptsOfType(conceptMechanism, conceptOutcome) {
		appendGroup(concept, 0)
	}

	return renderQuery(groups)
}

// buildTier2 builds the controlled-vocabulary query: each group pairs the
// MeSH term with the free-text synonyms, with strictly fewer AND groups than
// tier 1. Rare-entity requests drop combination partners and keep only the
// rare entity plus the disease.
func buildTier2(extraction *conceptExtraction, tier1Groups int) string {
	maxGroups := tier2MaxGroups
	if tier1Groups-1 < maxGroups {
		maxGroups = tier1Groups - 1
	}
	if maxGroups < 1 {
		maxGroups = 1
	}

	var candidates []Concept
	if rare, ok := extraction.rareConcept(); ok {
		candidates = append(candidates, rare)
		for _, disease := range extraction.conceptsOfType(conceptDisease) {
			if disease.Preferred != rare.Preferred {
				candidates = append(candidates, disease)
				break
			}
		}
	} else {
		candidates = append(candidates, extraction.conceptsOfType(conceptDisease)...)
		candidates = append(candidates, extraction.conceptsOfType(conceptVariant, conceptGene)...)
		candidates = append(candidates, extraction.conceptsOfType(conceptDrug)...)
		candidates = append(candidates, extraction.conceptsOfType(conceptMechanism, conceptOutcome)...)
	}

	groups := make([]queryGroup, 0, maxGroups)
	for _, concept := range candidates {
		if len(groups) >= maxGroups {
			break
		}
		group := freeTextGroup(concept, 0)
		if concept.MeSH != "" {
			group.terms = append([]string{meshTerm(concept.MeSH)}, group.terms...)
		}
		groups = append(groups, group)
	}
	return renderQuery(groups)
}

// buildTier3 builds the minimal query: the two most essential concepts with
// at most three synonyms each, a single AND, no controlled vocabulary.
func buildTier3(extraction *conceptExtraction) string {
	var essential []Concept
	essential = append(essential, extraction.conceptsOfType(conceptDisease)...)
	essential = append(essential, extraction.conceptsOfType(conceptVariant, conceptGene)...)
	essential = append(essential, extraction.conceptsOfType(conceptDrug)...)
	essential = append(essential, extraction.conceptsOfType(conceptMechanism, conceptOutcome)...)

	groups := make([]queryGroup, 0, tier3Groups)
	for _, concept := range essential {
		if len(groups) >= tier3Groups {
			break
		}
		groups = append(groups, freeTextGroup(concept, tier3MaxTerms))
	}
	return renderQuery(groups)
}

var (
	// KRAS G12C, BRAF V600E, EGFR T790M style gene+variant mentions.
	geneVariantPattern = regexp.MustCompile(`\b([A-Z][A-Z0-9]{1,5})[ -]([A-Z]\d{1,4}[A-Z])\b`)
	geneCodePattern    = regexp.MustCompile(`\b[A-Z][A-Z0-9]{2,5}\b`)
)

const tokenCutset = ".,;:!?()[]{}\"'"

// FallbackToken extracts the single most informative token from a raw
// request without oracle help. Priority: gene+variant mention, drug-suffix
// word, bare gene code, known disease name, first non-stopword, first token.
func FallbackToken(request string) string {
	if match := geneVariantPattern.FindStringSubmatch(request); match != nil {
		return match[1] + " " + match[2]
	}

	tokens := strings.Fields(request)
	for _, token := range tokens {
		token = strings.Trim(token, tokenCutset)
		lower := strings.ToLower(token)
		for _, suffix := range vocab.DrugSuffixes {
			// The length guard keeps bare suffixes and short words out.
			if len(lower) > len(suffix)+2 && strings.HasSuffix(lower, suffix) {
				return token
			}
		}
	}

	for _, code := range geneCodePattern.FindAllString(request, -1) {
		if _, stopped := vocab.geneStopSet[code]; !stopped {
			return code
		}
	}

	lowered := strings.ToLower(request)
	for _, disease := range vocab.DiseaseNames {
		if strings.Contains(lowered, disease) {
			return disease
		}
	}

	for _, token := range tokens {
		token = strings.Trim(token, tokenCutset)
		if len(token) < 2 {
			continue
		}
		if _, stopped := vocab.stopwordSet[strings.ToLower(token)]; !stopped {
			return token
		}
	}

	if len(tokens) > 0 {
		return strings.Trim(tokens[0], tokenCutset)
	}
	return strings.TrimSpace(request)
}
