package analyzers

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/olegsm/document-processor/internal/core/domain"
)

// DefaultCategoryKeywords is the built-in keyword lexicon used when no
// category configuration is supplied.
func DefaultCategoryKeywords() map[string][]string {
	return map[string][]string{
		"business":   {"business", "company", "market", "profit", "revenue", "corporate"},
		"technology": {"technology", "software", "computer", "digital", "ai", "machine learning"},
		"science":    {"research", "study", "experiment", "hypothesis", "scientific"},
		"health":     {"health", "medical", "doctor", "patient", "treatment", "disease"},
		"education":  {"education", "student", "teacher", "school", "university", "learning"},
		"legal":      {"law", "legal", "court", "judge", "attorney", "contract"},
		"finance":    {"finance", "money", "investment", "bank", "economic", "financial"},
		"academic":   {"paper", "abstract", "methodology", "conclusion", "references", "journal"},
	}
}

// ClassificationAnalyzer assigns the category whose keyword lexicon has
// the highest occurrence count. Confidence is that category's share of all
// keyword hits, so a document matching nothing classifies as "general"
// with zero confidence.
type ClassificationAnalyzer struct {
	keywords map[string][]string
	timeout  time.Duration
}

func NewClassificationAnalyzer(keywords map[string][]string, timeout time.Duration) *ClassificationAnalyzer {
	if len(keywords) == 0 {
		keywords = DefaultCategoryKeywords()
	}
	return &ClassificationAnalyzer{keywords: keywords, timeout: timeout}
}

func (a *ClassificationAnalyzer) Name() string           { return AnalyzerClassification }
func (a *ClassificationAnalyzer) Timeout() time.Duration { return a.timeout }

func (a *ClassificationAnalyzer) Analyze(ctx context.Context, text string, cfg domain.JobConfig) (domain.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.AnalysisResult{}, err
	}

	categories := cfg.Categories
	if len(categories) == 0 {
		categories = make([]string, 0, len(a.keywords))
		for category := range a.keywords {
			categories = append(categories, category)
		}
		sort.Strings(categories)
	}

	lower := strings.ToLower(text)
	scores := make(map[string]float64, len(categories))
	total := 0.0
	for _, category := range categories {
		score := 0.0
		for _, keyword := range a.keywords[category] {
			score += float64(strings.Count(lower, keyword))
		}
		scores[category] = score
		total += score
	}

	classification := &domain.Classification{
		PrimaryCategory: "general",
		Scores:          scores,
	}
	if total > 0 {
		best := ""
		for _, category := range categories {
			if best == "" || scores[category] > scores[best] {
				best = category
			}
		}
		classification.PrimaryCategory = best
		classification.Confidence = scores[best] / total
	}

	return domain.AnalysisResult{Classification: classification}, nil
}
