// Package textutil holds the shared text normalization helpers used by the
// clean stage and the analyzers.
package textutil

import (
	"regexp"
	"strings"
)

var (
	urlRe        = regexp.MustCompile(`https?://[^\s]+`)
	emailRe      = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	disallowedRe = regexp.MustCompile(`[^\w\s.,!?;:'"()-]`)
	spaceRe      = regexp.MustCompile(`\s+`)
	wordRe       = regexp.MustCompile(`[a-zA-Z]{2,}`)
	sentenceRe   = regexp.MustCompile(`[.!?]+\s+`)
)

// Clean normalizes raw extracted text: strips URLs and email addresses,
// drops characters outside the word/punctuation set, and collapses
// whitespace runs.
func Clean(text string) string {
	text = urlRe.ReplaceAllString(text, "")
	text = emailRe.ReplaceAllString(text, "")
	text = disallowedRe.ReplaceAllString(text, "")
	text = spaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Tokenize lowercases and extracts word tokens, dropping stop words.
func Tokenize(text string) []string {
	raw := wordRe.FindAllString(strings.ToLower(text), -1)
	tokens := make([]string, 0, len(raw))
	for _, tok := range raw {
		if !stopWords[tok] {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

// SplitSentences splits on terminal punctuation followed by whitespace.
// The final fragment is kept even without trailing punctuation.
func SplitSentences(text string) []string {
	parts := sentenceRe.Split(text, -1)
	sentences := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			sentences = append(sentences, part)
		}
	}
	return sentences
}

// UniqueCount returns the number of distinct tokens.
func UniqueCount(tokens []string) int {
	seen := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		seen[tok] = struct{}{}
	}
	return len(seen)
}

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true,
	"had": true, "has": true, "have": true, "he": true, "her": true,
	"his": true, "if": true, "in": true, "is": true, "it": true, "its": true,
	"no": true, "not": true, "of": true, "on": true, "or": true, "our": true,
	"she": true, "so": true, "that": true, "the": true, "their": true,
	"them": true, "then": true, "there": true, "these": true, "they": true,
	"this": true, "to": true, "was": true, "we": true, "were": true,
	"which": true, "will": true, "with": true, "would": true, "you": true,
	"your": true,
}
