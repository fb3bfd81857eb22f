package curator

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed vocab.yaml
var vocabYAML []byte

// vocabulary holds the embedded curation word lists. It is loaded once at
// startup; a malformed vocab.yaml is a build defect, not a runtime condition.
type vocabulary struct {
	TagBuckets          map[string]Bucket `yaml:"tag_buckets"`
	PreclinicalKeywords []string          `yaml:"preclinical_keywords"`
	DrugSuffixes        []string          `yaml:"drug_suffixes"`
	GeneStoplist        []string          `yaml:"gene_stoplist"`
	Stopwords           []string          `yaml:"stopwords"`
	DiseaseNames        []string          `yaml:"disease_names"`
	MeSHTerms           map[string]string `yaml:"mesh_terms"`

	stopwordSet map[string]struct{}
	geneStopSet map[string]struct{}
}

var vocab = mustLoadVocabulary()

func mustLoadVocabulary() vocabulary {
	var v vocabulary
	if err := yaml.Unmarshal(vocabYAML, &v); err != nil {
		panic(fmt.Sprintf("load vocab.yaml: %v", err))
	}
	for tag, bucket := range v.TagBuckets {
		if !bucket.Valid() {
			panic(fmt.Sprintf("vocab.yaml: tag %q maps to unknown bucket %q", tag, bucket))
		}
	}

	// Longest names first so "non-small cell lung cancer" wins over "lung cancer".
	sort.Slice(v.DiseaseNames, func(i, j int) bool {
		return len(v.DiseaseNames[i]) > len(v.DiseaseNames[j])
	})

	v.stopwordSet = make(map[string]struct{}, len(v.Stopwords))
	for _, w := range v.Stopwords {
		v.stopwordSet[w] = struct{}{}
	}
	v.geneStopSet = make(map[string]struct{}, len(v.GeneStoplist))
	for _, w := range v.GeneStoplist {
		v.geneStopSet[w] = struct{}{}
	}
	return v
}
