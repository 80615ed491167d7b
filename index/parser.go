package index

import (
	"strings"
)

// QueryParser turns free text into a Query against one field.
//
// Words are joined with an implicit AND; AND, OR and NOT (upper case) are
// operators, parentheses group, a trailing * makes a prefix query and a lone
// * matches every document. Input without any searchable term yields Every.
type QueryParser struct {
	field    string
	analyzer Analyzer
}

func NewQueryParser(field string, schema Schema) QueryParser {
	f, err := schema.Field(field)
	if err != nil || f.Analyzer == nil {
		return QueryParser{field: field, analyzer: KeywordAnalyzer{}}
	}
	return QueryParser{field: field, analyzer: f.Analyzer}
}

func (p QueryParser) Parse(text string) Query {
	ps := &parseState{parser: p, words: tokenize(text)}
	var clauses And
	for ps.pos < len(ps.words) {
		if q := ps.or(); q != nil {
			clauses = append(clauses, q)
		}
		// unbalanced ")"
		if ps.peek() == ")" {
			ps.pos++
		}
	}
	if q := simplifyAnd(clauses); q != nil {
		return q
	}
	return Every{}
}

// tokenize splits on white space and detaches leading "(" and trailing ")".
func tokenize(text string) []string {
	var words []string
	for _, f := range strings.Fields(text) {
		for strings.HasPrefix(f, "(") {
			words = append(words, "(")
			f = f[1:]
		}
		var closing int
		for strings.HasSuffix(f, ")") {
			closing++
			f = f[:len(f)-1]
		}
		if f != "" {
			words = append(words, f)
		}
		for ; closing > 0; closing-- {
			words = append(words, ")")
		}
	}
	return words
}

type parseState struct {
	parser QueryParser
	words  []string
	pos    int
}

func (ps *parseState) peek() string {
	if ps.pos >= len(ps.words) {
		return ""
	}
	return ps.words[ps.pos]
}

func (ps *parseState) or() Query {
	var clauses Or
	if q := ps.and(); q != nil {
		clauses = append(clauses, q)
	}
	for ps.peek() == "OR" {
		ps.pos++
		if q := ps.and(); q != nil {
			clauses = append(clauses, q)
		}
	}
	return simplify(clauses)
}

func (ps *parseState) and() Query {
	var clauses And
	for ps.pos < len(ps.words) {
		switch ps.peek() {
		case "OR", ")":
			return simplifyAnd(clauses)
		case "AND":
			ps.pos++
			continue
		}
		if q := ps.unary(); q != nil {
			clauses = append(clauses, q)
		}
	}
	return simplifyAnd(clauses)
}

func (ps *parseState) unary() Query {
	w := ps.peek()
	ps.pos++
	switch w {
	case "(":
		q := ps.or()
		if ps.peek() == ")" {
			ps.pos++
		}
		return q
	case "NOT":
		if next := ps.peek(); next == "" || next == ")" {
			// a dangling operator is searched as a plain word
			return ps.word(w)
		}
		if q := ps.unary(); q != nil {
			return Not{Query: q}
		}
		return nil
	}
	return ps.word(w)
}

func (ps *parseState) word(w string) Query {
	if w == "*" {
		return Every{}
	}
	field := ps.parser.field
	if strings.HasSuffix(w, "*") {
		tokens := ps.parser.analyzer.Tokens(strings.TrimSuffix(w, "*"))
		if len(tokens) == 0 {
			return Every{}
		}
		var q And
		for _, t := range tokens[:len(tokens)-1] {
			q = append(q, Term{Field: field, Text: t})
		}
		q = append(q, Prefix{Field: field, Text: tokens[len(tokens)-1]})
		return simplifyAnd(q)
	}

	tokens := ps.parser.analyzer.Tokens(w)
	var q And
	for _, t := range tokens {
		q = append(q, Term{Field: field, Text: t})
	}
	return simplifyAnd(q)
}

func simplify(q Or) Query {
	switch len(q) {
	case 0:
		return nil
	case 1:
		return q[0]
	}
	return q
}

func simplifyAnd(q And) Query {
	switch len(q) {
	case 0:
		return nil
	case 1:
		return q[0]
	}
	return q
}
