package cpe

import (
	"context"
	"errors"

	"golang.org/x/xerrors"

	"github.com/aquasecurity/nvd-match/index"
)

// DefaultK1 keeps term frequency saturation very low so that a rare exact
// match outranks repeated common tokens.
const DefaultK1 = 0.001

type Searcher struct {
	indexDir  string
	weighting index.BM25F
}

func NewSearcher(indexDir string) Searcher {
	return Searcher{
		indexDir:  indexDir,
		weighting: index.BM25F{K1: DefaultK1, B: 0.75},
	}
}

// Query builds the conjunction of the product query on vendor_product and the
// version query on versions. Empty input matches broadly.
func Query(product, version string) index.Query {
	qProduct := index.NewQueryParser(fieldVendorProduct, Schema).Parse(product)
	qVersion := index.NewQueryParser(fieldVersions, Schema).Parse(version)
	return index.And{qProduct, qVersion}
}

// Search returns up to limit identifiers ranked by relevance. Before the index
// has been built it returns no results and index.ErrNotIndexed.
func (s Searcher) Search(ctx context.Context, product, version string, limit int) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := index.Open(s.indexDir, Schema)
	if errors.Is(err, index.ErrNotIndexed) {
		return []Result{}, err
	} else if err != nil {
		return nil, xerrors.Errorf("failed to open CPE index: %w", err)
	}
	defer r.Close()

	hits, err := r.Search(Query(product, version), index.SearchOptions{Limit: limit, Weighting: s.weighting})
	if err != nil {
		return nil, xerrors.Errorf("CPE search error: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{Score: h.Score, CPE: h.Fields[fieldCPE]})
	}
	return results, nil
}
