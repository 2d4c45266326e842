package analyzers

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/olegsm/document-processor/internal/core/domain"
)

// capitalizedRunRe matches runs of capitalized words, the shallow stand-in
// for proper-noun chunking.
var capitalizedRunRe = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\b`)

var orgSuffixes = []string{"Inc", "Corp", "Ltd", "LLC", "Company", "Group", "University", "Institute"}

const entityConfidence = 0.8

// EntityAnalyzer extracts candidate named entities from capitalization
// patterns. Single capitalized words at sentence starts are ignored to cut
// the worst of the false positives.
type EntityAnalyzer struct {
	timeout time.Duration
}

func NewEntityAnalyzer(timeout time.Duration) *EntityAnalyzer {
	return &EntityAnalyzer{timeout: timeout}
}

func (a *EntityAnalyzer) Name() string           { return AnalyzerEntities }
func (a *EntityAnalyzer) Timeout() time.Duration { return a.timeout }

func (a *EntityAnalyzer) Analyze(ctx context.Context, text string, _ domain.JobConfig) (domain.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.AnalysisResult{}, err
	}

	seen := make(map[string]struct{})
	entities := []domain.Entity{}

	for _, match := range capitalizedRunRe.FindAllStringIndex(text, -1) {
		candidate := text[match[0]:match[1]]
		words := strings.Fields(candidate)

		// A lone capitalized word right after a sentence break is most
		// likely just a sentence start.
		if len(words) == 1 && isSentenceStart(text, match[0]) {
			continue
		}
		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}

		entities = append(entities, domain.Entity{
			Text:       candidate,
			Label:      labelFor(words),
			Confidence: entityConfidence,
		})
	}

	return domain.AnalysisResult{Entities: entities}, nil
}

func labelFor(words []string) string {
	last := words[len(words)-1]
	for _, suffix := range orgSuffixes {
		if last == suffix {
			return "ORG"
		}
	}
	if len(words) >= 2 {
		return "PERSON"
	}
	return "MISC"
}

func isSentenceStart(text string, offset int) bool {
	for i := offset - 1; i >= 0; i-- {
		c := text[i]
		if c == ' ' || c == '\n' || c == '\t' {
			continue
		}
		return c == '.' || c == '!' || c == '?'
	}
	return true
}
