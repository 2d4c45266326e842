// Package analyzers holds the built-in analysis passes. Each analyzer is a
// self-contained heuristic behind the ports.Analyzer contract; accuracy is
// declared but unspecified, and callers treat them as replaceable black
// boxes.
package analyzers

import (
	"context"
	"sort"
	"time"

	"github.com/olegsm/document-processor/internal/core/domain"
	"github.com/olegsm/document-processor/internal/pipeline/textutil"
)

const (
	AnalyzerKeywords       = "keywords"
	AnalyzerEntities       = "entities"
	AnalyzerSentiment      = "sentiment"
	AnalyzerClassification = "classification"
	AnalyzerSummary        = "summary"

	defaultKeywordCount = 10
)

// KeywordAnalyzer ranks tokens by frequency. Weight is the share of the
// token in the document, so weights are comparable across documents of
// different lengths.
type KeywordAnalyzer struct {
	timeout time.Duration
}

func NewKeywordAnalyzer(timeout time.Duration) *KeywordAnalyzer {
	return &KeywordAnalyzer{timeout: timeout}
}

func (a *KeywordAnalyzer) Name() string           { return AnalyzerKeywords }
func (a *KeywordAnalyzer) Timeout() time.Duration { return a.timeout }

func (a *KeywordAnalyzer) Analyze(ctx context.Context, text string, cfg domain.JobConfig) (domain.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.AnalysisResult{}, err
	}

	count := cfg.KeywordCount
	if count <= 0 {
		count = defaultKeywordCount
	}

	keywords := rankKeywords(text, count)
	if keywords == nil {
		keywords = []domain.Keyword{}
	}
	return domain.AnalysisResult{Keywords: keywords}, nil
}

func rankKeywords(text string, count int) []domain.Keyword {
	tokens := textutil.Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	freq := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		freq[tok]++
	}

	type entry struct {
		word string
		n    int
	}
	entries := make([]entry, 0, len(freq))
	for word, n := range freq {
		entries = append(entries, entry{word: word, n: n})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].n != entries[j].n {
			return entries[i].n > entries[j].n
		}
		return entries[i].word < entries[j].word
	})

	if count > len(entries) {
		count = len(entries)
	}
	keywords := make([]domain.Keyword, 0, count)
	for _, e := range entries[:count] {
		keywords = append(keywords, domain.Keyword{
			Keyword: e.word,
			Score:   float64(e.n),
			Weight:  float64(e.n) / float64(len(tokens)),
		})
	}
	return keywords
}
