package parser

import (
	"sort"
	"strings"
)

// Completions returns candidate completions for the word under the
// cursor: builtin command names, or registered scripted-surface method
// paths when the word is a dotted path such as "fs.re". An exact match
// sorts first; the remainder is alphabetical.
func (p *Parser) Completions(line string, cursor int) []string {
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(line) {
		cursor = len(line)
	}
	word := wordAt(line, cursor)

	p.mu.RLock()
	pool := p.builtins
	if strings.ContainsRune(word, '.') {
		pool = p.surfaces
	}
	var matches []string
	for _, cand := range pool {
		if strings.HasPrefix(cand, word) {
			matches = append(matches, cand)
		}
	}
	p.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if (matches[i] == word) != (matches[j] == word) {
			return matches[i] == word
		}
		return matches[i] < matches[j]
	})
	return matches
}

// wordAt extracts the whitespace-delimited word containing the cursor,
// truncated at the cursor position.
func wordAt(line string, cursor int) string {
	start := cursor
	for start > 0 {
		c := line[start-1]
		if c == ' ' || c == '\t' || c == '|' {
			break
		}
		start--
	}
	return line[start:cursor]
}
