package index

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"
)

// Hit is one ranked search result.
type Hit struct {
	Doc    uint32
	Score  float64
	Fields Document
}

// Reader is a read-only handle on a published index. The handle keeps seeing
// the index it was opened on even if a rebuild publishes a new one meanwhile.
type Reader struct {
	db       *bolt.DB
	schema   Schema
	docCount int
	stats    map[string]fieldStats
}

func Open(dir string, schema Schema) (*Reader, error) {
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotIndexed
		}
		return nil, xerrors.Errorf("unable to stat %s: %w", path, err)
	}

	db, err := bolt.Open(path, 0400, &bolt.Options{ReadOnly: true, Timeout: 5 * time.Second})
	if err != nil {
		return nil, xerrors.Errorf("failed to open index %s: %w", path, err)
	}

	r := &Reader{db: db, schema: schema, stats: map[string]fieldStats{}}
	err = db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		fields := tx.Bucket(bucketFields)
		if meta == nil || fields == nil {
			return xerrors.New("missing index buckets")
		}
		if v := meta.Get(keyDocCount); len(v) == 4 {
			r.docCount = int(binary.BigEndian.Uint32(v))
		}
		return fields.ForEach(func(k, v []byte) error {
			var st fieldStats
			if err := json.Unmarshal(v, &st); err != nil {
				return xerrors.Errorf("invalid stats of field %s: %w", k, err)
			}
			r.stats[string(k)] = st
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, xerrors.Errorf("failed to read index metadata: %w", err)
	}
	return r, nil
}

func (r *Reader) Close() error {
	return r.db.Close()
}

func (r *Reader) DocCount() int {
	return r.docCount
}

type SearchOptions struct {
	// Limit caps the number of hits; zero or less returns every match.
	Limit     int
	Weighting BM25F
}

// Search evaluates q and returns hits ordered by descending score, then by
// document order.
func (r *Reader) Search(q Query, opts SearchOptions) ([]Hit, error) {
	if opts.Weighting == (BM25F{}) {
		opts.Weighting = DefaultBM25F
	}

	var hits []Hit
	err := r.db.View(func(tx *bolt.Tx) error {
		sc := &searchContext{
			terms:     tx.Bucket(bucketTerms),
			weighting: opts.Weighting,
			docCount:  r.docCount,
			stats:     r.stats,
		}
		m, err := q.evaluate(sc)
		if err != nil {
			return xerrors.Errorf("failed to evaluate %s: %w", q, err)
		}

		for d, s := range m.scores {
			if m.contains(d) {
				hits = append(hits, Hit{Doc: d, Score: s})
			}
		}
		slices.SortFunc(hits, compareHits)

		if m.all {
			hits = fillUnscored(tx.Bucket(bucketDocs), m, hits, opts.Limit)
		}
		if opts.Limit > 0 && len(hits) > opts.Limit {
			hits = hits[:opts.Limit]
		}

		docs := tx.Bucket(bucketDocs)
		for i := range hits {
			v := docs.Get(docKey(hits[i].Doc))
			if v == nil {
				return xerrors.Errorf("document %d is missing", hits[i].Doc)
			}
			fields := Document{}
			if err = json.Unmarshal(v, &fields); err != nil {
				return xerrors.Errorf("failed to decode document %d: %w", hits[i].Doc, err)
			}
			hits[i].Fields = fields
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// fillUnscored appends the zero-score members of a match-all set in document order.
func fillUnscored(docs *bolt.Bucket, m matchSet, hits []Hit, limit int) []Hit {
	c := docs.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if limit > 0 && len(hits) >= limit {
			break
		}
		d := binary.BigEndian.Uint32(k)
		if _, scored := m.scores[d]; scored || !m.contains(d) {
			continue
		}
		hits = append(hits, Hit{Doc: d})
	}
	return hits
}

func compareHits(a, b Hit) int {
	switch {
	case a.Score > b.Score:
		return -1
	case a.Score < b.Score:
		return 1
	case a.Doc < b.Doc:
		return -1
	case a.Doc > b.Doc:
		return 1
	}
	return 0
}
