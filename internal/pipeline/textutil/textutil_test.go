package textutil

import (
	"reflect"
	"testing"
)

func TestCleanStripsURLsAndEmails(t *testing.T) {
	in := "Contact admin@example.com or see https://example.com/docs for details."
	got := Clean(in)

	want := "Contact or see for details."
	if got != want {
		t.Fatalf("Clean() = %q, want %q", got, want)
	}
}

func TestCleanCollapsesWhitespace(t *testing.T) {
	got := Clean("line one\n\n\tline   two  ")
	if got != "line one line two" {
		t.Fatalf("Clean() = %q", got)
	}
}

func TestCleanDropsDisallowedRunes(t *testing.T) {
	got := Clean("price: 100€ — payable «now»")
	if got != "price: 100 payable now" {
		t.Fatalf("Clean() = %q", got)
	}
}

func TestCleanEmptyInput(t *testing.T) {
	if got := Clean("   \n\t "); got != "" {
		t.Fatalf("Clean() = %q, want empty", got)
	}
}

func TestTokenizeDropsStopWordsAndShortTokens(t *testing.T) {
	got := Tokenize("The quick fox is in a box of 42 things")

	want := []string{"quick", "fox", "box", "things"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tokenize() = %v, want %v", got, want)
	}
}

func TestTokenizeLowercases(t *testing.T) {
	got := Tokenize("Database DATABASE database")
	if len(got) != 3 || got[0] != "database" || got[2] != "database" {
		t.Fatalf("Tokenize() = %v", got)
	}
}

func TestSplitSentences(t *testing.T) {
	got := SplitSentences("First sentence. Second one! Third?? Trailing fragment")

	want := []string{"First sentence", "Second one", "Third", "Trailing fragment"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SplitSentences() = %v, want %v", got, want)
	}
}

func TestSplitSentencesKeepsFinalPunctuation(t *testing.T) {
	got := SplitSentences("Only one sentence.")
	if len(got) != 1 || got[0] != "Only one sentence." {
		t.Fatalf("SplitSentences() = %v", got)
	}
}

func TestSplitSentencesEmpty(t *testing.T) {
	if got := SplitSentences(""); len(got) != 0 {
		t.Fatalf("SplitSentences(\"\") = %v", got)
	}
}

func TestUniqueCount(t *testing.T) {
	if got := UniqueCount([]string{"a", "b", "a", "c", "b"}); got != 3 {
		t.Fatalf("UniqueCount() = %d, want 3", got)
	}
	if got := UniqueCount(nil); got != 0 {
		t.Fatalf("UniqueCount(nil) = %d, want 0", got)
	}
}
