package index

import (
	"golang.org/x/xerrors"
)

type FieldType int

const (
	// Stored fields are kept verbatim and returned with hits but are not searchable.
	Stored FieldType = iota
	// Text fields are analyzed and take part in relevance scoring.
	Text
	// Keyword fields hold exact terms, typically a comma separated list.
	Keyword
)

type Field struct {
	Name     string
	Type     FieldType
	Stored   bool
	Analyzer Analyzer
}

// Document maps field names to their raw values.
type Document map[string]string

type Schema struct {
	fields []Field
	byName map[string]Field
}

func NewSchema(fields ...Field) Schema {
	s := Schema{byName: map[string]Field{}}
	for _, f := range fields {
		if f.Type == Stored {
			f.Stored = true
		}
		if f.Analyzer == nil {
			switch f.Type {
			case Keyword:
				f.Analyzer = KeywordAnalyzer{}
			case Text:
				f.Analyzer = NewSeparatorAnalyzer(" \t\r\n")
			}
		}
		s.fields = append(s.fields, f)
		s.byName[f.Name] = f
	}
	return s
}

func (s Schema) Field(name string) (Field, error) {
	f, ok := s.byName[name]
	if !ok {
		return Field{}, xerrors.Errorf("unknown field %q", name)
	}
	return f, nil
}

func (s Schema) Fields() []Field {
	return s.fields
}

// Analyze returns the indexed terms of a value for the given field.
func (s Schema) Analyze(name, value string) []string {
	f, ok := s.byName[name]
	if !ok || f.Type == Stored {
		return nil
	}
	return f.Analyzer.Tokens(value)
}
