package index

import (
	"strings"
)

// Analyzer turns a field value into the terms stored in, or looked up from, the index.
type Analyzer interface {
	Tokens(s string) []string
}

// SeparatorAnalyzer splits on any of its separator runes and lower-cases the tokens.
type SeparatorAnalyzer struct {
	separators string
}

func NewSeparatorAnalyzer(separators string) SeparatorAnalyzer {
	return SeparatorAnalyzer{separators: separators}
}

func (a SeparatorAnalyzer) Tokens(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(a.separators, r)
	})
	for i, f := range fields {
		fields[i] = strings.ToLower(f)
	}
	return fields
}

// KeywordAnalyzer treats a comma separated list as exact, lower-cased terms.
type KeywordAnalyzer struct{}

func (KeywordAnalyzer) Tokens(s string) []string {
	var tokens []string
	for _, t := range strings.Split(s, ",") {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens
}
