package segmenter

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestSegmentRejectsEmpty(t *testing.T) {
	if _, err := Segment("   \n\t  ", 100); err != ErrEmptyInput {
		t.Errorf("expected ErrEmptyInput, got %v", err)
	}
}

func TestSegmentRejectsExcessiveRepetition(t *testing.T) {
	words := make([]string, 20)
	for i := range words {
		if i%2 == 0 {
			words[i] = "anomaly"
		} else {
			words[i] = "a"
		}
	}
	text := strings.Join(words, " ")
	if _, err := Segment(text, 100); !errors.Is(err, ErrExcessiveRepetition) {
		t.Errorf("expected ErrExcessiveRepetition, got %v", err)
	}
}

func TestSegmentOffsetsRoundTrip(t *testing.T) {
	text := "First paragraph sentence one. Sentence two here!\n\nSecond paragraph begins now. It has more words too."
	segs, err := Segment(text, 1800)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, s := range segs {
		if s.EndOffset-s.StartOffset != len(s.Text) {
			t.Errorf("segment %d: end-start (%d) != len(text) (%d)", s.Index, s.EndOffset-s.StartOffset, len(s.Text))
		}
		if text[s.StartOffset:s.EndOffset] != s.Text {
			t.Errorf("segment %d: offsets do not point back at text: got %q want %q", s.Index, text[s.StartOffset:s.EndOffset], s.Text)
		}
	}
}

func TestSegmentOrderedIndices(t *testing.T) {
	text := "One. Two. Three. Four."
	segs, err := Segment(text, 1800)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, s := range segs {
		if s.Index != i {
			t.Errorf("expected index %d, got %d", i, s.Index)
		}
	}
}

func TestSegmentUsesParagraphsWhenTheyFit(t *testing.T) {
	text := "Short paragraph one.\n\nShort paragraph two."
	segs, err := Segment(text, 1800)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("expected 2 paragraph segments, got %d", len(segs))
	}
	for _, s := range segs {
		if s.Kind != KindParagraph {
			t.Errorf("expected paragraph kind, got %s", s.Kind)
		}
	}
}

func TestSegmentFallsBackToSentencesWhenParagraphTooLong(t *testing.T) {
	sentence := "This is one sentence that repeats with unique content. "
	var b strings.Builder
	for i := 0; i < 50; i++ {
		b.WriteString(sentence)
	}
	text := b.String()
	segs, err := Segment(text, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, s := range segs {
		if len(s.Text) > 100 {
			t.Errorf("segment %d exceeds max_len: %d", s.Index, len(s.Text))
		}
	}
}

func TestSegmentFallsBackToWordChunkingWhenSentenceTooLong(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&b, "word%d ", i)
	}
	text := strings.TrimSpace(b.String()) + "."
	segs, err := Segment(text, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, s := range segs {
		if len(s.Text) > 50 {
			t.Errorf("segment %d exceeds max_len: %d chars", s.Index, len(s.Text))
		}
	}
}

func TestSegmentSplitsOverlongSingleToken(t *testing.T) {
	longToken := strings.Repeat("x", 500)
	segs, err := Segment(longToken+" end of text goes here for word count padding purposes today", 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, s := range segs {
		if len(s.Text) > 50 {
			t.Errorf("segment %d exceeds max_len: %d", s.Index, len(s.Text))
		}
	}
}

func TestSegmentClampsMaxLenToServerCap(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 1000; i++ {
		fmt.Fprintf(&b, "word%d ", i)
	}
	text := b.String()
	segs, err := Segment(text, 999999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, s := range segs {
		if len(s.Text) > ServerMaxSegmentChars {
			t.Errorf("segment exceeds server cap: %d", len(s.Text))
		}
	}
}

func TestPreprocessNormalizeWhitespace(t *testing.T) {
	out := Preprocess("hello    world\t\tfoo", PreprocessOptions{NormalizeWhitespace: true})
	if out != "hello world foo" {
		t.Errorf("unexpected normalization result: %q", out)
	}
}

func TestPreprocessExpandAbbreviations(t *testing.T) {
	out := Preprocess("Dr. Smith said hello", PreprocessOptions{ExpandAbbreviations: true})
	if !strings.Contains(out, "Doctor") {
		t.Errorf("expected abbreviation expansion, got %q", out)
	}
}

func TestPreprocessScrubURLsAndEmails(t *testing.T) {
	out := Preprocess("visit https://example.com or email me@example.com today", PreprocessOptions{ScrubURLsAndEmails: true})
	if strings.Contains(out, "https://") || strings.Contains(out, "@") {
		t.Errorf("expected urls/emails scrubbed, got %q", out)
	}
}

func TestPreprocessDedupePunctuation(t *testing.T) {
	out := Preprocess("wait....  really??", PreprocessOptions{DedupePunctuation: true})
	if strings.Contains(out, "..") || strings.Contains(out, "??") {
		t.Errorf("expected punctuation deduped, got %q", out)
	}
}

func TestPreprocessDisabledPassesAreNoOps(t *testing.T) {
	in := "Dr.  Smith    visits https://x.com"
	out := Preprocess(in, PreprocessOptions{})
	if out != in {
		t.Errorf("expected no-op when all passes disabled, got %q", out)
	}
}
