// Package segmenter splits input text into ordered, offset-preserving
// segments small enough for a single synthesis request, using a
// paragraph -> sentence -> word-chunk cascade.
package segmenter

import (
	"fmt"
	"strings"
	"unicode"
)

// ServerMaxSegmentChars is the hard cap no segment may exceed regardless of
// the max_len a caller requests.
const ServerMaxSegmentChars = 1800

// SegmentKind identifies which strategy produced a TextSegment.
type SegmentKind string

const (
	KindParagraph SegmentKind = "paragraph"
	KindSentence  SegmentKind = "sentence"
	KindChunk     SegmentKind = "chunk"
)

// TextSegment is one piece of source text ready for synthesis.
type TextSegment struct {
	Text        string
	StartOffset int
	EndOffset   int
	Kind        SegmentKind
	Index       int
}

// PreprocessOptions toggles each preprocessing pass independently. Enabled
// passes run in a fixed order: URL/email scrubbing, abbreviation expansion,
// number/unit spacing, punctuation deduping, then whitespace normalization.
type PreprocessOptions struct {
	NormalizeWhitespace bool
	ExpandAbbreviations bool
	SpaceNumberUnits    bool
	ScrubURLsAndEmails  bool
	DedupePunctuation   bool
}

// DefaultPreprocessOptions enables every pass.
func DefaultPreprocessOptions() PreprocessOptions {
	return PreprocessOptions{
		NormalizeWhitespace: true,
		ExpandAbbreviations: true,
		SpaceNumberUnits:    true,
		ScrubURLsAndEmails:  true,
		DedupePunctuation:   true,
	}
}

// abbreviations is the whitelist of expansions applied by ExpandAbbreviations.
// Keys are matched case-sensitively as whole words.
var abbreviations = map[string]string{
	"Dr.":   "Doctor",
	"Mr.":   "Mister",
	"Mrs.":  "Misses",
	"Ms.":   "Miss",
	"vs.":   "versus",
	"etc.":  "et cetera",
	"e.g.":  "for example",
	"i.e.":  "that is",
	"approx.": "approximately",
	"St.":   "Street",
}

var unitSuffixes = []string{"kg", "km", "mi", "ft", "lb", "oz", "ms", "kmh", "mph", "GB", "MB", "KB"}

// Preprocess applies the enabled normalization passes to text. It does not
// shift segment offsets produced later by Segment — preprocessing runs on
// the raw source text before segmentation sees it, by design.
func Preprocess(text string, opts PreprocessOptions) string {
	out := text
	if opts.ScrubURLsAndEmails {
		out = scrubURLsAndEmails(out)
	}
	if opts.ExpandAbbreviations {
		out = expandAbbreviations(out)
	}
	if opts.SpaceNumberUnits {
		out = spaceNumberUnits(out)
	}
	if opts.DedupePunctuation {
		out = dedupePunctuation(out)
	}
	if opts.NormalizeWhitespace {
		out = normalizeWhitespace(out)
	}
	return out
}

func normalizeWhitespace(s string) string {
	var b strings.Builder
	lastWasSpace := false
	for _, r := range s {
		if r == '\t' || r == '\r' {
			r = ' '
		}
		isSpace := r == ' '
		if isSpace && lastWasSpace {
			continue
		}
		b.WriteRune(r)
		lastWasSpace = isSpace
	}
	return strings.TrimSpace(b.String())
}

func expandAbbreviations(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if expansion, ok := abbreviations[w]; ok {
			words[i] = expansion
		}
	}
	return strings.Join(words, " ")
}

func spaceNumberUnits(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		b.WriteRune(runes[i])
		if unicode.IsDigit(runes[i]) && i+1 < len(runes) {
			rest := string(runes[i+1:])
			for _, unit := range unitSuffixes {
				if strings.HasPrefix(rest, unit) {
					nextIdx := i + 1 + len(unit)
					if nextIdx >= len(runes) || !unicode.IsLetter(runes[nextIdx]) {
						b.WriteRune(' ')
					}
					break
				}
			}
		}
	}
	return b.String()
}

func scrubURLsAndEmails(s string) string {
	words := strings.Fields(s)
	kept := words[:0]
	for _, w := range words {
		if looksLikeURLOrEmail(w) {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

func looksLikeURLOrEmail(w string) bool {
	lower := strings.ToLower(w)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "www.") {
		return true
	}
	at := strings.Index(w, "@")
	return at > 0 && at < len(w)-1 && strings.Contains(w[at+1:], ".")
}

func dedupePunctuation(s string) string {
	var b strings.Builder
	var last rune
	for _, r := range s {
		isDupePunct := (r == '.' || r == '!' || r == '?' || r == ',') && r == last
		if isDupePunct {
			continue
		}
		b.WriteRune(r)
		last = r
	}
	return b.String()
}

// repetitionThreshold is the fraction of total tokens a single repeated word
// (longer than minRepeatedWordLen) may occupy before Segment rejects the
// input as degenerate.
const repetitionThreshold = 0.20
const minRepeatedWordLen = 3
const minWordsForRepetitionCheck = 10

// ErrEmptyInput is returned when the text is empty or whitespace-only.
var ErrEmptyInput = fmt.Errorf("segmenter: input text is empty")

// ErrExcessiveRepetition is returned when a single word dominates the input.
var ErrExcessiveRepetition = fmt.Errorf("segmenter: input text is dominated by a single repeated word")

// Segment splits text into ordered TextSegments no longer than maxLen,
// clamped to ServerMaxSegmentChars, preserving the original character
// offsets of each returned segment.
func Segment(text string, maxLen int) ([]TextSegment, error) {
	if maxLen <= 0 || maxLen > ServerMaxSegmentChars {
		maxLen = ServerMaxSegmentChars
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	if err := validateRepetition(text); err != nil {
		return nil, err
	}

	paragraphs := splitParagraphs(text)
	var segments []TextSegment
	index := 0

	for _, p := range paragraphs {
		if len(p.text) <= maxLen {
			segments = append(segments, TextSegment{
				Text: p.text, StartOffset: p.start, EndOffset: p.end,
				Kind: KindParagraph, Index: index,
			})
			index++
			continue
		}

		sentences := splitSentences(p.text, p.start)
		for _, sent := range sentences {
			if len(sent.text) <= maxLen {
				segments = append(segments, TextSegment{
					Text: sent.text, StartOffset: sent.start, EndOffset: sent.end,
					Kind: KindSentence, Index: index,
				})
				index++
				continue
			}

			chunks := chunkByWords(sent.text, sent.start, maxLen)
			for _, c := range chunks {
				segments = append(segments, TextSegment{
					Text: c.text, StartOffset: c.start, EndOffset: c.end,
					Kind: KindChunk, Index: index,
				})
				index++
			}
		}
	}

	return segments, nil
}

func validateRepetition(text string) error {
	words := strings.Fields(text)
	if len(words) < minWordsForRepetitionCheck {
		return nil
	}
	counts := make(map[string]int)
	for _, w := range words {
		normalized := strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}))
		if len(normalized) > minRepeatedWordLen {
			counts[normalized]++
		}
	}
	for word, count := range counts {
		if float64(count)/float64(len(words)) > repetitionThreshold {
			return fmt.Errorf("%w: %q repeated %d/%d times", ErrExcessiveRepetition, word, count, len(words))
		}
	}
	return nil
}

type offsetSpan struct {
	text       string
	start, end int
}

// splitParagraphs splits on blank-line boundaries (one or more blank lines),
// preserving offsets into the original text and dropping pure-whitespace
// paragraphs produced by leading/trailing separators.
func splitParagraphs(text string) []offsetSpan {
	var spans []offsetSpan
	start := 0
	i := 0
	n := len(text)
	for i < n {
		if text[i] == '\n' && i+1 < n && text[i+1] == '\n' {
			j := i
			for j < n && text[j] == '\n' {
				j++
			}
			addTrimmedSpan(&spans, text, start, i)
			start = j
			i = j
			continue
		}
		i++
	}
	addTrimmedSpan(&spans, text, start, n)
	if len(spans) == 0 {
		return []offsetSpan{{text: text, start: 0, end: n}}
	}
	return spans
}

func addTrimmedSpan(spans *[]offsetSpan, text string, start, end int) {
	if start >= end {
		return
	}
	raw := text[start:end]
	trimmedLeft := len(raw) - len(strings.TrimLeft(raw, " \t\r\n"))
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return
	}
	newStart := start + trimmedLeft
	*spans = append(*spans, offsetSpan{text: trimmed, start: newStart, end: newStart + len(trimmed)})
}

// splitSentences splits on terminal punctuation (. ! ?), tolerating a
// trailing closing quote or parenthesis after the punctuation mark.
func splitSentences(text string, baseOffset int) []offsetSpan {
	var spans []offsetSpan
	start := 0
	runes := []rune(text)
	n := len(runes)

	for i := 0; i < n; i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		end := i + 1
		for end < n && (runes[end] == '"' || runes[end] == '\'' || runes[end] == ')' || runes[end] == '”' || runes[end] == '’') {
			end++
		}
		if end < n && runes[end] != ' ' && runes[end] != '\n' {
			continue
		}

		raw := string(runes[start:end])
		trimmed := strings.TrimSpace(raw)
		if trimmed != "" {
			leadingTrim := len(raw) - len(strings.TrimLeft(raw, " \t\r\n"))
			spanStart := baseOffset + runeOffsetToByteOffset(text, start) + len(raw[:leadingTrim])
			spans = append(spans, offsetSpan{text: trimmed, start: spanStart, end: spanStart + len(trimmed)})
		}
		start = end
		for start < n && runes[start] == ' ' {
			start++
		}
	}

	if start < n {
		raw := string(runes[start:])
		trimmed := strings.TrimSpace(raw)
		if trimmed != "" {
			spanStart := baseOffset + runeOffsetToByteOffset(text, start)
			spans = append(spans, offsetSpan{text: trimmed, start: spanStart, end: spanStart + len(trimmed)})
		}
	}

	if len(spans) == 0 {
		return []offsetSpan{{text: text, start: baseOffset, end: baseOffset + len(text)}}
	}
	return spans
}

func runeOffsetToByteOffset(s string, runeOffset int) int {
	count := 0
	for i := range s {
		if count == runeOffset {
			return i
		}
		count++
	}
	return len(s)
}

// chunkByWords greedily fills chunks of up to maxLen bytes with whole words,
// splitting a single token longer than maxLen at the byte boundary.
func chunkByWords(text string, baseOffset int, maxLen int) []offsetSpan {
	var spans []offsetSpan
	var current strings.Builder
	currentStart := -1
	pos := 0

	flush := func(endPos int) {
		if current.Len() == 0 {
			return
		}
		spans = append(spans, offsetSpan{
			text:  current.String(),
			start: baseOffset + currentStart,
			end:   baseOffset + endPos,
		})
		current.Reset()
		currentStart = -1
	}

	words := splitKeepingOffsets(text)
	for _, w := range words {
		word := w.text
		for len(word) > maxLen {
			flush(w.start)
			head := word[:maxLen]
			spans = append(spans, offsetSpan{text: head, start: baseOffset + w.start, end: baseOffset + w.start + maxLen})
			word = word[maxLen:]
			w.start += maxLen
		}

		addLen := len(word)
		if current.Len() > 0 {
			addLen++ // separating space
		}
		if current.Len()+addLen > maxLen {
			flush(pos)
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		} else {
			currentStart = w.start
		}
		current.WriteString(word)
		pos = w.start + len(w.text)
	}
	flush(pos)

	if len(spans) == 0 {
		return []offsetSpan{{text: text, start: baseOffset, end: baseOffset + len(text)}}
	}
	return spans
}

type wordOffset struct {
	text  string
	start int
}

func splitKeepingOffsets(text string) []wordOffset {
	var words []wordOffset
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				words = append(words, wordOffset{text: text[start:i], start: start})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, wordOffset{text: text[start:], start: start})
	}
	return words
}
