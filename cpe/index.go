package cpe

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/nvd-match/index"
	"github.com/aquasecurity/nvd-match/utils"
)

const (
	fieldVendorProduct = "vendor_product"
	fieldVersions      = "versions"
	fieldCPE           = "cpe"

	matchesKey = "matches"
)

// Analyzer drops the separators used in CPE strings and product names.
var Analyzer = index.NewSeparatorAnalyzer(" \\/\t\r\n-_:")

// Schema is the layout of the identifier index.
var Schema = index.NewSchema(
	index.Field{Name: fieldVendorProduct, Type: index.Text, Stored: true, Analyzer: Analyzer},
	index.Field{Name: fieldVersions, Type: index.Text, Stored: true, Analyzer: Analyzer},
	index.Field{Name: fieldCPE, Type: index.Stored},
)

type options struct {
	logger   logrus.FieldLogger
	progress func(n int)
}

type option func(*options)

func WithLogger(logger logrus.FieldLogger) option {
	return func(opts *options) { opts.logger = logger }
}

// WithProgress is called with the number of feed entries read so far.
func WithProgress(fn func(n int)) option {
	return func(opts *options) { opts.progress = fn }
}

type Indexer struct {
	*options
	indexDir string
}

func NewIndexer(indexDir string, opts ...option) Indexer {
	o := &options{logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(o)
	}
	return Indexer{options: o, indexDir: indexDir}
}

// Stats summarizes one rebuild.
type Stats struct {
	Entries int
	Indexed int
}

// Build replaces the index with the contents of the CPE match feed at feedPath.
func (idx Indexer) Build(ctx context.Context, feedPath string) (Stats, error) {
	start := time.Now()
	f, err := os.Open(feedPath)
	if err != nil {
		return Stats{}, xerrors.Errorf("failed to open CPE feed: %w", err)
	}
	defer f.Close()

	w, err := index.Create(idx.indexDir, Schema)
	if err != nil {
		return Stats{}, xerrors.Errorf("failed to create CPE index: %w", err)
	}

	var (
		stats       Stats
		generalized string
	)
	found, err := utils.DecodeArray(f, []string{matchesKey}, func(_ string, dec *json.Decoder) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var m Match
		if err := dec.Decode(&m); err != nil {
			return xerrors.Errorf("failed to decode CPE match: %w", err)
		}
		stats.Entries++
		if idx.progress != nil {
			idx.progress(stats.Entries)
		}

		doc, ok := document(m, &generalized)
		if !ok {
			return nil
		}
		stats.Indexed++
		return w.Add(doc)
	})
	if err == nil && found == "" {
		err = xerrors.Errorf("%q: %w", matchesKey, utils.ErrNoArray)
	}
	if err != nil {
		w.Abort()
		return stats, xerrors.Errorf("failed to index %s: %w", feedPath, err)
	}

	if err = w.Commit(); err != nil {
		return stats, xerrors.Errorf("failed to commit CPE index: %w", err)
	}
	idx.logger.WithFields(logrus.Fields{
		"entries":  stats.Entries,
		"indexed":  stats.Indexed,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("CPE index rebuilt")
	return stats, nil
}

// document maps a feed entry to an index document. generalized carries the
// last fully generalized identifier across calls; the feed repeats it for every
// version-bounded entry of a product, and only its first occurrence is kept.
func document(m Match, generalized *string) (index.Document, bool) {
	raw := strings.TrimSpace(m.CPE23URI)
	if raw == *generalized {
		return nil, false
	}
	if m.Generalized() {
		*generalized = raw
	}
	if raw == "" {
		return nil, false
	}

	vendorProduct, version := Parse(raw)
	var versions []string
	for _, n := range m.Names {
		_, v := Parse(n.CPE23URI)
		versions = append(versions, v)
	}
	if len(versions) == 0 {
		versions = []string{version}
	}

	return index.Document{
		fieldVendorProduct: vendorProduct,
		fieldVersions:      strings.Join(versions, " "),
		fieldCPE:           raw,
	}, true
}
