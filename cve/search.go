package cve

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/nvd-match/cpe"
	"github.com/aquasecurity/nvd-match/index"
	"github.com/aquasecurity/nvd-match/versionrange"
)

// Result is a record matched by an identifier search.
type Result struct {
	Record
	// Bucket is the partition the record was found in.
	Bucket string
	// Descriptors are the ranges recorded for the queried identifier.
	Descriptors []versionrange.Descriptor
}

type Searcher struct {
	root string
}

func NewSearcher(root string) Searcher {
	return Searcher{root: root}
}

// Partitions lists the buckets that have a published index, newest first.
func (s Searcher) Partitions() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, xerrors.Errorf("failed to list partitions: %w", err)
	}

	var buckets []string
	for _, e := range entries {
		if e.IsDir() && index.Exists(PartitionDir(s.root, e.Name())) {
			buckets = append(buckets, e.Name())
		}
	}
	slices.SortFunc(buckets, compareBuckets)
	return buckets, nil
}

// compareBuckets orders recent before modified before years, newest year
// first. Unknown names sort last.
func compareBuckets(a, b string) int {
	ra, rb := bucketRank(a), bucketRank(b)
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	}
	return strings.Compare(a, b)
}

func bucketRank(bucket string) int {
	switch bucket {
	case "recent":
		return 0
	case "modified":
		return 1
	}
	if year, err := strconv.Atoi(bucket); err == nil && year > 0 && year < 100000 {
		return 100000 - year + 1
	}
	return 200000
}

// Search finds the records listing identifier, searching every partition
// newest first. A CVE present in several partitions is reported once, from
// the newest one. With no partition built yet it returns index.ErrNotIndexed.
func (s Searcher) Search(ctx context.Context, identifier string) ([]Result, error) {
	buckets, err := s.Partitions()
	if err != nil {
		return nil, err
	}
	if len(buckets) == 0 {
		return []Result{}, index.ErrNotIndexed
	}

	identifier = normalizeCPE(identifier)
	q := index.Term{Field: fieldCPEList, Text: identifier}

	results := []Result{}
	seen := map[string]struct{}{}
	for _, bucket := range buckets {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		hits, err := s.searchPartition(bucket, q)
		if errors.Is(err, index.ErrNotIndexed) {
			// removed since it was listed
			continue
		} else if err != nil {
			return nil, xerrors.Errorf("%s partition: %w", bucket, err)
		}

		for _, h := range hits {
			r, err := fromDocument(h.Fields)
			if err != nil {
				return nil, err
			}
			if _, ok := seen[r.ID]; ok {
				continue
			}
			seen[r.ID] = struct{}{}
			results = append(results, Result{
				Record:      r,
				Bucket:      bucket,
				Descriptors: r.descriptorsFor(identifier),
			})
		}
	}
	return results, nil
}

func (s Searcher) searchPartition(bucket string, q index.Query) ([]index.Hit, error) {
	r, err := index.Open(PartitionDir(s.root, bucket), Schema)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Search(q, index.SearchOptions{})
}

// Vulnerabilities lists the records that apply to version of the product named
// by a generalized identifier: records naming the fully qualified identifier
// come first, followed by records whose ranges for the generalized identifier
// contain version.
func (s Searcher) Vulnerabilities(ctx context.Context, generalized, version string) ([]Result, error) {
	exact, err := s.Search(ctx, cpe.WithVersion(generalized, version))
	if err != nil {
		return exact, err
	}
	ranged, err := s.Search(ctx, generalized)
	if err != nil {
		return nil, err
	}

	seen := lo.SliceToMap(exact, func(r Result) (string, struct{}) { return r.ID, struct{}{} })
	results := exact
	for _, r := range ranged {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		if !r.Affects(generalized, version) {
			continue
		}
		seen[r.ID] = struct{}{}
		results = append(results, r)
	}
	return results, nil
}

func (r Record) descriptorsFor(identifier string) []versionrange.Descriptor {
	if ds, ok := r.Ranges[identifier]; ok {
		return ds
	}
	for k, ds := range r.Ranges {
		if strings.EqualFold(k, identifier) {
			return ds
		}
	}
	return nil
}
