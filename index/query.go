package index

import (
	"bytes"
	"fmt"
	"math"
	"strings"

	bolt "go.etcd.io/bbolt"
)

// Query is a node of a parsed search expression.
type Query interface {
	evaluate(sc *searchContext) (matchSet, error)
	String() string
}

// matchSet is the result of evaluating a query. When all is set it stands for
// every document except those in exclude; scores then only lists the documents
// that earned a non-zero score.
type matchSet struct {
	all     bool
	scores  map[uint32]float64
	exclude map[uint32]struct{}
}

func emptySet() matchSet {
	return matchSet{scores: map[uint32]float64{}}
}

func everySet() matchSet {
	return matchSet{all: true, scores: map[uint32]float64{}, exclude: map[uint32]struct{}{}}
}

func (m matchSet) contains(doc uint32) bool {
	if m.all {
		_, excluded := m.exclude[doc]
		return !excluded
	}
	_, ok := m.scores[doc]
	return ok
}

func intersect(a, b matchSet) matchSet {
	switch {
	case a.all && b.all:
		out := everySet()
		for d, s := range a.scores {
			out.scores[d] += s
		}
		for d, s := range b.scores {
			out.scores[d] += s
		}
		for d := range a.exclude {
			out.exclude[d] = struct{}{}
		}
		for d := range b.exclude {
			out.exclude[d] = struct{}{}
		}
		for d := range out.exclude {
			delete(out.scores, d)
		}
		return out
	case b.all:
		return intersect(b, a)
	case a.all:
		out := emptySet()
		for d, s := range b.scores {
			if a.contains(d) {
				out.scores[d] = s + a.scores[d]
			}
		}
		return out
	default:
		out := emptySet()
		for d, s := range a.scores {
			if t, ok := b.scores[d]; ok {
				out.scores[d] = s + t
			}
		}
		return out
	}
}

func union(a, b matchSet) matchSet {
	switch {
	case a.all && b.all:
		out := everySet()
		for d, s := range a.scores {
			out.scores[d] += s
		}
		for d, s := range b.scores {
			out.scores[d] += s
		}
		for d := range a.exclude {
			if _, ok := b.exclude[d]; ok {
				out.exclude[d] = struct{}{}
			}
		}
		return out
	case b.all:
		return union(b, a)
	case a.all:
		out := everySet()
		for d, s := range a.scores {
			out.scores[d] += s
		}
		for d, s := range b.scores {
			out.scores[d] += s
		}
		for d := range a.exclude {
			if _, ok := b.scores[d]; !ok {
				out.exclude[d] = struct{}{}
			}
		}
		return out
	default:
		out := emptySet()
		for d, s := range a.scores {
			out.scores[d] += s
		}
		for d, s := range b.scores {
			out.scores[d] += s
		}
		return out
	}
}

func complement(a matchSet) matchSet {
	if a.all {
		out := emptySet()
		for d := range a.exclude {
			out.scores[d] = 0
		}
		return out
	}
	out := everySet()
	for d := range a.scores {
		out.exclude[d] = struct{}{}
	}
	return out
}

// Term matches documents holding an exact term in a field.
type Term struct {
	Field string
	Text  string
}

func (q Term) String() string {
	return fmt.Sprintf("%s:%s", q.Field, q.Text)
}

func (q Term) evaluate(sc *searchContext) (matchSet, error) {
	out := emptySet()
	v := sc.terms.Get(termKey(q.Field, q.Text))
	if v == nil {
		return out, nil
	}
	if err := sc.score(q.Field, v, out.scores); err != nil {
		return matchSet{}, err
	}
	return out, nil
}

// Prefix matches every term of a field starting with Text.
type Prefix struct {
	Field string
	Text  string
}

func (q Prefix) String() string {
	return fmt.Sprintf("%s:%s*", q.Field, q.Text)
}

func (q Prefix) evaluate(sc *searchContext) (matchSet, error) {
	out := emptySet()
	prefix := termKey(q.Field, q.Text)
	c := sc.terms.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := sc.score(q.Field, v, out.scores); err != nil {
			return matchSet{}, err
		}
	}
	return out, nil
}

// Every matches all documents without contributing to the score.
type Every struct{}

func (Every) String() string {
	return "<all>"
}

func (Every) evaluate(*searchContext) (matchSet, error) {
	return everySet(), nil
}

// And matches documents matched by all subqueries; scores add up.
type And []Query

func (q And) String() string {
	return join("AND", q)
}

func (q And) evaluate(sc *searchContext) (matchSet, error) {
	acc := everySet()
	for _, sub := range q {
		m, err := sub.evaluate(sc)
		if err != nil {
			return matchSet{}, err
		}
		acc = intersect(acc, m)
	}
	return acc, nil
}

// Or matches documents matched by any subquery; scores add up.
type Or []Query

func (q Or) String() string {
	return join("OR", q)
}

func (q Or) evaluate(sc *searchContext) (matchSet, error) {
	if len(q) == 0 {
		return emptySet(), nil
	}
	acc := emptySet()
	for _, sub := range q {
		m, err := sub.evaluate(sc)
		if err != nil {
			return matchSet{}, err
		}
		acc = union(acc, m)
	}
	return acc, nil
}

// Not matches the documents its subquery does not.
type Not struct {
	Query Query
}

func (q Not) String() string {
	return "NOT " + q.Query.String()
}

func (q Not) evaluate(sc *searchContext) (matchSet, error) {
	m, err := q.Query.evaluate(sc)
	if err != nil {
		return matchSet{}, err
	}
	return complement(m), nil
}

func join(op string, qs []Query) string {
	parts := make([]string, 0, len(qs))
	for _, q := range qs {
		parts = append(parts, q.String())
	}
	return "(" + strings.Join(parts, " "+op+" ") + ")"
}

// BM25F is the Okapi BM25 weighting with per-field length normalization.
type BM25F struct {
	K1 float64
	B  float64
}

// DefaultBM25F mirrors the usual k1=1.2, b=0.75 parameters.
var DefaultBM25F = BM25F{K1: 1.2, B: 0.75}

func (w BM25F) idf(docCount, docFreq int) float64 {
	n, df := float64(docCount), float64(docFreq)
	return math.Log(1 + (n-df+0.5)/(df+0.5))
}

func (w BM25F) score(idf float64, freq, length uint32, avgLen float64) float64 {
	tf := float64(freq)
	norm := 1.0
	if avgLen > 0 {
		norm = (1 - w.B) + w.B*float64(length)/avgLen
	}
	return idf * (tf * (w.K1 + 1)) / (tf + w.K1*norm)
}

type searchContext struct {
	terms     *bolt.Bucket
	weighting BM25F
	docCount  int
	stats     map[string]fieldStats
}

func (sc *searchContext) score(field string, raw []byte, into map[uint32]float64) error {
	ps, err := decodePostings(raw)
	if err != nil {
		return err
	}
	idf := sc.weighting.idf(sc.docCount, len(ps))
	avg := sc.stats[field].avgLen()
	for _, p := range ps {
		into[p.doc] += sc.weighting.score(idf, p.freq, p.length, avg)
	}
	return nil
}
