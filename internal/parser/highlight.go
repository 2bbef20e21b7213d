package parser

import (
	"sort"
	"strings"
)

// SpanKind labels one highlighted region. The parser is the single
// source of truth for highlighting; the terminal UI only colours.
type SpanKind string

const (
	SpanCommand  SpanKind = "command"
	SpanFlag     SpanKind = "flag"
	SpanArgument SpanKind = "argument"
	SpanString   SpanKind = "string"
	SpanKeyword  SpanKind = "keyword"
	SpanMethod   SpanKind = "method"
	SpanOperator SpanKind = "operator"
	SpanComment  SpanKind = "comment"
)

// Span is one highlight region in the original line.
type Span struct {
	Offset int
	Length int
	Kind   SpanKind
}

// Highlight tokenises a line into display spans. Lines that fail to
// tokenise highlight as far as the quoted-region scanner can see;
// Highlight never returns an error.
func (p *Parser) Highlight(line string) []Span {
	trimmed := strings.TrimLeft(line, " \t")
	if strings.HasPrefix(trimmed, "#") {
		off := len(line) - len(trimmed)
		return []Span{{Offset: off, Length: len(line) - off, Kind: SpanComment}}
	}

	var spans []Span
	spans = append(spans, quotedSpans(line)...)

	masked := maskQuotes(line)
	if classifyScripted(line) {
		spans = append(spans, scriptedSpans(masked)...)
	} else {
		spans = append(spans, traditionalSpans(line, masked)...)
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].Offset < spans[j].Offset })
	return spans
}

// quotedSpans marks every quoted region, including its quote characters.
func quotedSpans(line string) []Span {
	var spans []Span
	state := stNormal
	start := 0
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch state {
		case stNormal:
			if c == '\'' {
				state, start = stSingle, i
			} else if c == '"' {
				state, start = stDouble, i
			}
		case stSingle:
			if c == '\'' {
				spans = append(spans, Span{Offset: start, Length: i - start + 1, Kind: SpanString})
				state = stNormal
			}
		case stDouble:
			if c == '\\' {
				state = stEscape
			} else if c == '"' {
				spans = append(spans, Span{Offset: start, Length: i - start + 1, Kind: SpanString})
				state = stNormal
			}
		case stEscape:
			state = stDouble
		}
	}
	if state != stNormal {
		spans = append(spans, Span{Offset: start, Length: len(line) - start, Kind: SpanString})
	}
	return spans
}

func scriptedSpans(masked string) []Span {
	var spans []Span
	for _, loc := range reKeyword.FindAllStringSubmatchIndex(masked, -1) {
		spans = append(spans, Span{Offset: loc[4], Length: loc[5] - loc[4], Kind: SpanKeyword})
	}
	for _, loc := range reBlockKw.FindAllStringSubmatchIndex(masked, -1) {
		spans = append(spans, Span{Offset: loc[4], Length: loc[5] - loc[4], Kind: SpanKeyword})
	}
	for _, loc := range reMethodCall.FindAllStringIndex(masked, -1) {
		// Trim the trailing "(" and whitespace from the span.
		end := loc[1] - 1
		for end > loc[0] && (masked[end-1] == ' ' || masked[end-1] == '\t') {
			end--
		}
		spans = append(spans, Span{Offset: loc[0], Length: end - loc[0], Kind: SpanMethod})
	}
	for _, loc := range reArrowFn.FindAllStringIndex(masked, -1) {
		spans = append(spans, Span{Offset: loc[0], Length: 2, Kind: SpanOperator})
	}
	return spans
}

func traditionalSpans(line, masked string) []Span {
	var spans []Span
	for _, seg := range splitPipeline(line) {
		if seg.offset > 0 && seg.offset-1 < len(line) {
			spans = append(spans, Span{Offset: seg.offset - 1, Length: 1, Kind: SpanOperator})
		}
		tokens, err := scanTokens(seg.text)
		if err != nil || len(tokens) == 0 {
			continue
		}
		for i, tok := range tokens {
			if tok.quoted {
				continue // already covered by quotedSpans
			}
			kind := SpanArgument
			if i == 0 {
				kind = SpanCommand
			} else if tok.flaggable {
				kind = SpanFlag
			}
			spans = append(spans, Span{Offset: seg.offset + tok.offset, Length: len(tok.text), Kind: kind})
		}
	}
	return spans
}
