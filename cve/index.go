package cve

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/nvd-match/index"
	"github.com/aquasecurity/nvd-match/utils"
)

const (
	fieldID                  = "cve_id"
	fieldCWE                 = "cwe_id"
	fieldDescription         = "description"
	fieldVectorString        = "vector_string"
	fieldBaseScore           = "base_score"
	fieldBaseSeverity        = "base_severity"
	fieldExploitabilityScore = "exploitability_score"
	fieldImpactScore         = "impact_score"
	fieldCPEList             = "cpe_list"
	fieldCPEInfo             = "cpe_info"

	itemsKey           = "CVE_Items"
	vulnerabilitiesKey = "vulnerabilities"
)

// Schema is the layout of one vulnerability partition.
var Schema = index.NewSchema(
	index.Field{Name: fieldID, Type: index.Stored},
	index.Field{Name: fieldCWE, Type: index.Stored},
	index.Field{Name: fieldDescription, Type: index.Stored},
	index.Field{Name: fieldVectorString, Type: index.Stored},
	index.Field{Name: fieldBaseScore, Type: index.Stored},
	index.Field{Name: fieldBaseSeverity, Type: index.Stored},
	index.Field{Name: fieldExploitabilityScore, Type: index.Stored},
	index.Field{Name: fieldImpactScore, Type: index.Stored},
	index.Field{Name: fieldCPEList, Type: index.Keyword},
	index.Field{Name: fieldCPEInfo, Type: index.Stored},
)

type options struct {
	logger logrus.FieldLogger
}

type option func(*options)

func WithLogger(logger logrus.FieldLogger) option {
	return func(opts *options) { opts.logger = logger }
}

// Indexer builds one partition per bucket under its root directory.
type Indexer struct {
	*options
	root string
}

func NewIndexer(root string, opts ...option) Indexer {
	o := &options{logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(o)
	}
	return Indexer{options: o, root: root}
}

// PartitionDir returns the index directory of a bucket.
func PartitionDir(root, bucket string) string {
	return filepath.Join(root, bucket)
}

// Build rebuilds the partition of bucket from a 1.1 or 2.0 feed file. Other
// partitions are not touched. It returns the number of indexed records.
func (idx Indexer) Build(ctx context.Context, bucket, feedPath string) (int, error) {
	start := time.Now()
	f, err := os.Open(feedPath)
	if err != nil {
		return 0, xerrors.Errorf("failed to open CVE feed: %w", err)
	}
	defer f.Close()

	w, err := index.Create(PartitionDir(idx.root, bucket), Schema)
	if err != nil {
		return 0, xerrors.Errorf("failed to create the %s partition: %w", bucket, err)
	}

	var count int
	found, err := utils.DecodeArray(f, []string{itemsKey, vulnerabilitiesKey}, func(key string, dec *json.Decoder) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var r Record
		switch key {
		case itemsKey:
			var item Item
			if err := dec.Decode(&item); err != nil {
				return xerrors.Errorf("failed to decode CVE item: %w", err)
			}
			r = FromItem(item)
		default:
			var v Vulnerability
			if err := dec.Decode(&v); err != nil {
				return xerrors.Errorf("failed to decode CVE item: %w", err)
			}
			r = FromVulnerability(v)
		}

		doc, err := document(r)
		if err != nil {
			return err
		}
		count++
		return w.Add(doc)
	})
	if err == nil && found == "" {
		err = xerrors.Errorf("%q or %q: %w", itemsKey, vulnerabilitiesKey, utils.ErrNoArray)
	}
	if err != nil {
		w.Abort()
		return 0, xerrors.Errorf("failed to index %s: %w", feedPath, err)
	}

	if err = w.Commit(); err != nil {
		return 0, xerrors.Errorf("failed to commit the %s partition: %w", bucket, err)
	}
	idx.logger.WithFields(logrus.Fields{
		"bucket":   bucket,
		"records":  count,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("CVE partition rebuilt")
	return count, nil
}

func document(r Record) (index.Document, error) {
	info, err := json.Marshal(r.compactRanges())
	if err != nil {
		return nil, xerrors.Errorf("failed to encode ranges of %s: %w", r.ID, err)
	}
	return index.Document{
		fieldID:                  r.ID,
		fieldCWE:                 r.CWE,
		fieldDescription:         r.Description,
		fieldVectorString:        r.VectorString,
		fieldBaseScore:           formatFloat(r.BaseScore),
		fieldBaseSeverity:        r.BaseSeverity,
		fieldExploitabilityScore: formatFloat(r.ExploitabilityScore),
		fieldImpactScore:         formatFloat(r.ImpactScore),
		fieldCPEList:             strings.Join(r.CPEs, ","),
		fieldCPEInfo:             string(info),
	}, nil
}

func fromDocument(doc index.Document) (Record, error) {
	r := Record{
		ID:                  doc[fieldID],
		CWE:                 doc[fieldCWE],
		Description:         doc[fieldDescription],
		VectorString:        doc[fieldVectorString],
		BaseScore:           parseFloat(doc[fieldBaseScore]),
		BaseSeverity:        doc[fieldBaseSeverity],
		ExploitabilityScore: parseFloat(doc[fieldExploitabilityScore]),
		ImpactScore:         parseFloat(doc[fieldImpactScore]),
	}
	var compact map[string][]string
	if err := json.Unmarshal([]byte(doc[fieldCPEInfo]), &compact); err != nil {
		return Record{}, xerrors.Errorf("invalid cpe_info of %s: %w", r.ID, err)
	}
	r.Ranges = parseRanges(compact)
	r.CPEs = sortedKeys(r.Ranges)
	return r, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
