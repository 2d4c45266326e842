package analyzers

import (
	"context"
	"time"

	"github.com/olegsm/document-processor/internal/core/domain"
	"github.com/olegsm/document-processor/internal/pipeline/textutil"
)

var positiveWords = map[string]bool{
	"good": true, "great": true, "excellent": true, "positive": true,
	"success": true, "successful": true, "improve": true, "improved": true,
	"benefit": true, "effective": true, "strong": true, "growth": true,
	"best": true, "better": true, "win": true, "gain": true, "happy": true,
	"valuable": true, "outstanding": true, "efficient": true,
}

var negativeWords = map[string]bool{
	"bad": true, "poor": true, "negative": true, "fail": true,
	"failure": true, "failed": true, "problem": true, "issue": true,
	"risk": true, "loss": true, "decline": true, "weak": true,
	"worse": true, "worst": true, "error": true, "damage": true,
	"concern": true, "difficult": true, "crisis": true, "threat": true,
}

// SentimentAnalyzer scores text on a polarity lexicon. Score is
// (positive - negative) / matched, in [-1, 1]; documents with no lexicon
// hits are neutral.
type SentimentAnalyzer struct {
	timeout time.Duration
}

func NewSentimentAnalyzer(timeout time.Duration) *SentimentAnalyzer {
	return &SentimentAnalyzer{timeout: timeout}
}

func (a *SentimentAnalyzer) Name() string           { return AnalyzerSentiment }
func (a *SentimentAnalyzer) Timeout() time.Duration { return a.timeout }

func (a *SentimentAnalyzer) Analyze(ctx context.Context, text string, _ domain.JobConfig) (domain.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.AnalysisResult{}, err
	}

	var pos, neg int
	for _, tok := range textutil.Tokenize(text) {
		switch {
		case positiveWords[tok]:
			pos++
		case negativeWords[tok]:
			neg++
		}
	}

	sentiment := &domain.Sentiment{Label: "neutral"}
	if matched := pos + neg; matched > 0 {
		sentiment.Score = float64(pos-neg) / float64(matched)
		switch {
		case sentiment.Score > 0.2:
			sentiment.Label = "positive"
		case sentiment.Score < -0.2:
			sentiment.Label = "negative"
		}
	}

	return domain.AnalysisResult{Sentiment: sentiment}, nil
}
