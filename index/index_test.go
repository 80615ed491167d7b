package index_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquasecurity/nvd-match/index"
)

var testSchema = index.NewSchema(
	index.Field{Name: "name", Type: index.Text, Stored: true, Analyzer: index.NewSeparatorAnalyzer(" -_:")},
	index.Field{Name: "tags", Type: index.Keyword},
	index.Field{Name: "raw", Type: index.Stored},
)

func build(t *testing.T, dir string, docs ...index.Document) {
	t.Helper()
	w, err := index.Create(dir, testSchema, index.WithBatchSize(2))
	require.NoError(t, err)
	for _, d := range docs {
		require.NoError(t, w.Add(d))
	}
	require.NoError(t, w.Commit())
}

func raws(hits []index.Hit) []string {
	var got []string
	for _, h := range hits {
		got = append(got, h.Fields["raw"])
	}
	return got
}

func TestOpen_NotIndexed(t *testing.T) {
	_, err := index.Open(t.TempDir(), testSchema)
	assert.ErrorIs(t, err, index.ErrNotIndexed)
}

func TestReader_Search(t *testing.T) {
	dir := t.TempDir()
	build(t, dir,
		index.Document{"name": "apache http_server", "tags": "Web, Server", "raw": "doc0"},
		index.Document{"name": "apache tomcat", "tags": "web,java", "raw": "doc1"},
		index.Document{"name": "nginx", "tags": "web", "raw": "doc2"},
		index.Document{"name": "apache apache-commons", "tags": "java", "raw": "doc3"},
	)

	r, err := index.Open(dir, testSchema)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, 4, r.DocCount())

	p := index.NewQueryParser("name", testSchema)
	tests := []struct {
		name  string
		query index.Query
		limit int
		want  []string
	}{
		{
			name:  "single term ranked by bm25",
			query: p.Parse("apache"),
			want:  []string{"doc3", "doc1", "doc0"},
		},
		{
			name:  "implicit and",
			query: p.Parse("apache tomcat"),
			want:  []string{"doc1"},
		},
		{
			name:  "or",
			query: p.Parse("nginx OR tomcat"),
			want:  []string{"doc2", "doc1"},
		},
		{
			name:  "not",
			query: p.Parse("apache NOT commons"),
			want:  []string{"doc1", "doc0"},
		},
		{
			name:  "grouped or",
			query: p.Parse("(nginx OR tomcat)"),
			want:  []string{"doc2", "doc1"},
		},
		{
			name:  "negated group",
			query: p.Parse("apache NOT ( tomcat OR commons )"),
			want:  []string{"doc0"},
		},
		{
			name:  "prefix",
			query: p.Parse("tom*"),
			want:  []string{"doc1"},
		},
		{
			name:  "empty input matches everything",
			query: p.Parse("  "),
			want:  []string{"doc0", "doc1", "doc2", "doc3"},
		},
		{
			name:  "limit",
			query: p.Parse(""),
			limit: 2,
			want:  []string{"doc0", "doc1"},
		},
		{
			name:  "keyword terms are exact and lower-cased",
			query: index.Term{Field: "tags", Text: "server"},
			want:  []string{"doc0"},
		},
		{
			name:  "keyword and text",
			query: index.And{index.Term{Field: "tags", Text: "java"}, p.Parse("apache")},
			want:  []string{"doc3", "doc1"},
		},
		{
			name:  "no match",
			query: p.Parse("lighttpd"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits, err := r.Search(tt.query, index.SearchOptions{Limit: tt.limit})
			require.NoError(t, err)
			assert.Equal(t, tt.want, raws(hits))
		})
	}
}

func TestQueryParser_Parse(t *testing.T) {
	p := index.NewQueryParser("name", testSchema)
	tests := []struct {
		input string
		want  string
	}{
		{input: "apache tomcat", want: "(name:apache AND name:tomcat)"},
		{input: "(nginx OR tomcat)", want: "(name:nginx OR name:tomcat)"},
		{input: "( nginx OR tomcat )", want: "(name:nginx OR name:tomcat)"},
		{input: "apache (tomcat OR commons)", want: "(name:apache AND (name:tomcat OR name:commons))"},
		{input: "((apache))", want: "name:apache"},
		{input: "NOT (nginx OR tomcat)", want: "NOT (name:nginx OR name:tomcat)"},
		{input: "apache) tomcat", want: "(name:apache AND name:tomcat)"},
		{input: "(apache", want: "name:apache"},
		{input: "( )", want: "<all>"},
		{input: "apache NOT", want: "(name:apache AND name:not)"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Parse(tt.input).String())
		})
	}
}

func TestReader_ScoresArePositive(t *testing.T) {
	dir := t.TempDir()
	build(t, dir, index.Document{"name": "wordpress", "raw": "only"})

	r, err := index.Open(dir, testSchema)
	require.NoError(t, err)
	defer r.Close()

	hits, err := r.Search(index.Term{Field: "name", Text: "wordpress"}, index.SearchOptions{Weighting: index.BM25F{K1: 0.001, B: 0.75}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Greater(t, hits[0].Score, 0.0)
}

func TestWriter_Rebuild(t *testing.T) {
	dir := t.TempDir()
	build(t, dir, index.Document{"name": "old", "raw": "old"})

	old, err := index.Open(dir, testSchema)
	require.NoError(t, err)
	defer old.Close()

	// an aborted build leaves the published index alone
	w, err := index.Create(dir, testSchema)
	require.NoError(t, err)
	require.NoError(t, w.Add(index.Document{"name": "broken", "raw": "broken"}))
	require.NoError(t, w.Abort())

	r, err := index.Open(dir, testSchema)
	require.NoError(t, err)
	hits, err := r.Search(index.Every{}, index.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, raws(hits))
	require.NoError(t, r.Close())

	build(t, dir, index.Document{"name": "new", "raw": "new"})

	r, err = index.Open(dir, testSchema)
	require.NoError(t, err)
	defer r.Close()
	hits, err = r.Search(index.Every{}, index.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, raws(hits))

	// the handle opened before the rebuild still reads the old snapshot
	hits, err = old.Search(index.Every{}, index.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, raws(hits))

	tmp, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmp)
}

func TestCreate_Locked(t *testing.T) {
	dir := t.TempDir()
	build(t, dir, index.Document{"name": "old", "raw": "old"})

	running, err := index.Create(dir, testSchema)
	require.NoError(t, err)
	require.NoError(t, running.Add(index.Document{"name": "new", "raw": "new"}))

	// a second writer must not sweep the temporary file of the running one
	_, err = index.Create(dir, testSchema, index.WithLockTimeout(50*time.Millisecond))
	require.ErrorIs(t, err, index.ErrLocked)
	assert.ErrorIs(t, index.Remove(dir), index.ErrLocked)

	require.NoError(t, running.Commit())

	r, err := index.Open(dir, testSchema)
	require.NoError(t, err)
	defer r.Close()
	hits, err := r.Search(index.Every{}, index.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, raws(hits))

	// released by Commit
	w, err := index.Create(dir, testSchema, index.WithLockTimeout(50*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.Abort())
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	build(t, dir, index.Document{"name": "x", "raw": "x"})
	require.True(t, index.Exists(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "index-123.tmp"), []byte("junk"), 0600))
	require.NoError(t, index.Remove(dir))
	assert.False(t, index.Exists(dir))

	_, err := index.Open(dir, testSchema)
	assert.ErrorIs(t, err, index.ErrNotIndexed)
}
