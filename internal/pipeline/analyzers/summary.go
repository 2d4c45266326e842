package analyzers

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/olegsm/document-processor/internal/core/domain"
	"github.com/olegsm/document-processor/internal/pipeline/textutil"
)

const (
	defaultSummaryMaxLength = 500
	summaryKeywordPool      = 20
)

// SummaryAnalyzer builds an extractive summary: sentences are scored by
// keyword overlap and length, the best are taken up to the length budget,
// then re-emitted in original document order.
type SummaryAnalyzer struct {
	timeout time.Duration
}

func NewSummaryAnalyzer(timeout time.Duration) *SummaryAnalyzer {
	return &SummaryAnalyzer{timeout: timeout}
}

func (a *SummaryAnalyzer) Name() string           { return AnalyzerSummary }
func (a *SummaryAnalyzer) Timeout() time.Duration { return a.timeout }

func (a *SummaryAnalyzer) Analyze(ctx context.Context, text string, cfg domain.JobConfig) (domain.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.AnalysisResult{}, err
	}

	maxLength := cfg.SummaryMaxLength
	if maxLength <= 0 {
		maxLength = defaultSummaryMaxLength
	}
	return domain.AnalysisResult{Summary: summarize(text, maxLength)}, nil
}

func summarize(text string, maxLength int) string {
	sentences := textutil.SplitSentences(text)
	if len(sentences) == 0 {
		return ""
	}
	if len(text) <= maxLength {
		return text
	}

	keywordSet := make(map[string]struct{}, summaryKeywordPool)
	for _, kw := range rankKeywords(text, summaryKeywordPool) {
		keywordSet[kw.Keyword] = struct{}{}
	}

	type scored struct {
		index    int
		sentence string
		score    int
	}
	ranked := make([]scored, 0, len(sentences))
	for i, sentence := range sentences {
		score := 0
		for _, tok := range textutil.Tokenize(sentence) {
			if _, ok := keywordSet[tok]; ok {
				score++
			}
		}

		words := len(strings.Fields(sentence))
		switch {
		case words >= 10 && words <= 30:
			score += 2
		case words < 5:
			score--
		}
		ranked = append(ranked, scored{index: i, sentence: sentence, score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	var picked []scored
	budget := 0
	for _, s := range ranked {
		if budget+len(s.sentence) > maxLength {
			continue
		}
		picked = append(picked, s)
		budget += len(s.sentence)
	}
	if len(picked) == 0 {
		if len(text) > maxLength {
			return text[:maxLength] + "..."
		}
		return text
	}

	sort.Slice(picked, func(i, j int) bool { return picked[i].index < picked[j].index })

	parts := make([]string, len(picked))
	for i, s := range picked {
		parts[i] = s.sentence
	}
	return strings.Join(parts, " ")
}
