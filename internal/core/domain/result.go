package domain

import "time"

// ResultBundle is the per-document output of a full pipeline run. Analyzer
// sub-results are keyed by analyzer name; a configured-but-skipped analyzer
// appears in Skipped instead.
type ResultBundle struct {
	DocumentID string `json:"document_id"`

	CleanedLength  int     `json:"cleaned_length"`
	WordCount      int     `json:"word_count"`
	SentenceCount  int     `json:"sentence_count"`
	UniqueWords    int     `json:"unique_words"`
	AvgSentenceLen float64 `json:"avg_sentence_length"`

	Entities       []Entity        `json:"entities,omitempty"`
	Sentiment      *Sentiment      `json:"sentiment,omitempty"`
	Classification *Classification `json:"classification,omitempty"`
	Keywords       []Keyword       `json:"keywords,omitempty"`
	Summary        string          `json:"summary,omitempty"`

	Skipped []string `json:"skipped,omitempty"`

	// LowQualityWarning flags a zero-content document: a valid, if
	// unhelpful, input that still completes the job.
	LowQualityWarning bool      `json:"low_quality_warning"`
	ProcessedAt       time.Time `json:"processed_at"`
}

// AnalysisResult is the output contract of a single analyzer. Only the
// fields the analyzer produces are set; the pipeline merges them into the
// job's bundle.
type AnalysisResult struct {
	Entities       []Entity
	Sentiment      *Sentiment
	Classification *Classification
	Keywords       []Keyword
	Summary        string
}

type Entity struct {
	Text       string  `json:"text"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

type Sentiment struct {
	// Score is in [-1, 1]; negative values lean negative.
	Score float64 `json:"score"`
	Label string  `json:"label"`
}

type Classification struct {
	PrimaryCategory string             `json:"primary_category"`
	Confidence      float64            `json:"confidence"`
	Scores          map[string]float64 `json:"scores,omitempty"`
}

type Keyword struct {
	Keyword string  `json:"keyword"`
	Score   float64 `json:"score"`
	Weight  float64 `json:"weight"`
}
