package index

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

const (
	defaultBatchSize   = 10000
	defaultLockTimeout = time.Second
	termsPerTx         = 50000
)

type writerOptions struct {
	batchSize   int
	lockTimeout time.Duration
}

type WriterOption func(*writerOptions)

// WithBatchSize sets how many stored documents are buffered before they are flushed.
func WithBatchSize(n int) WriterOption {
	return func(opts *writerOptions) {
		if n > 0 {
			opts.batchSize = n
		}
	}
}

// WithLockTimeout sets how long Create waits for another writer of the same
// directory before failing with ErrLocked.
func WithLockTimeout(d time.Duration) WriterOption {
	return func(opts *writerOptions) {
		if d > 0 {
			opts.lockTimeout = d
		}
	}
}

// Writer builds a new index next to the published one. Nothing is visible to
// readers until Commit renames the finished file into place.
type Writer struct {
	*writerOptions

	schema  Schema
	dir     string
	tmpPath string
	db      *bolt.DB
	lock    *bolt.DB

	docs     uint32
	pending  map[uint32][]byte
	postings map[string]map[string][]posting
	stats    map[string]*fieldStats
	closed   bool
}

func Create(dir string, schema Schema, opts ...WriterOption) (*Writer, error) {
	o := &writerOptions{batchSize: defaultBatchSize, lockTimeout: defaultLockTimeout}
	for _, opt := range opts {
		opt(o)
	}

	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, xerrors.Errorf("failed to create index directory: %w", err)
	}
	lock, err := acquireLock(dir, o.lockTimeout)
	if err != nil {
		return nil, err
	}
	w, err := create(dir, schema, o)
	if err != nil {
		lock.Close()
		return nil, err
	}
	w.lock = lock
	return w, nil
}

func create(dir string, schema Schema, o *writerOptions) (*Writer, error) {
	if err := removeStale(dir); err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(dir, tmpPattern)
	if err != nil {
		return nil, xerrors.Errorf("failed to create a temporary index file: %w", err)
	}
	tmpPath := f.Name()
	if err = f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, xerrors.Errorf("close error: %w", err)
	}

	db, err := bolt.Open(tmpPath, 0600, &bolt.Options{Timeout: time.Second, NoSync: true})
	if err != nil {
		os.Remove(tmpPath)
		return nil, xerrors.Errorf("failed to open %s: %w", tmpPath, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketDocs, bucketTerms, bucketFields} {
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		os.Remove(tmpPath)
		return nil, xerrors.Errorf("failed to create buckets: %w", err)
	}

	return &Writer{
		writerOptions: o,
		schema:        schema,
		dir:           dir,
		tmpPath:       tmpPath,
		db:            db,
		pending:       map[uint32][]byte{},
		postings:      map[string]map[string][]posting{},
		stats:         map[string]*fieldStats{},
	}, nil
}

// Add indexes one document. Documents are numbered in insertion order.
func (w *Writer) Add(doc Document) error {
	if w.closed {
		return xerrors.New("writer is closed")
	}
	id := w.docs
	w.docs++

	stored := Document{}
	for _, f := range w.schema.Fields() {
		value, ok := doc[f.Name]
		if !ok {
			continue
		}
		if f.Stored {
			stored[f.Name] = value
		}
		if f.Type == Stored {
			continue
		}
		w.addTerms(f.Name, id, f.Analyzer.Tokens(value))
	}

	b, err := json.Marshal(stored)
	if err != nil {
		return xerrors.Errorf("failed to marshal stored fields: %w", err)
	}
	w.pending[id] = b
	if len(w.pending) >= w.batchSize {
		return w.flushDocs()
	}
	return nil
}

func (w *Writer) addTerms(field string, doc uint32, tokens []string) {
	st, ok := w.stats[field]
	if !ok {
		st = &fieldStats{}
		w.stats[field] = st
	}
	st.Docs++
	st.TotalLen += uint64(len(tokens))
	if len(tokens) == 0 {
		return
	}

	freqs := map[string]uint32{}
	for _, t := range tokens {
		freqs[t]++
	}
	terms, ok := w.postings[field]
	if !ok {
		terms = map[string][]posting{}
		w.postings[field] = terms
	}
	for t, n := range freqs {
		terms[t] = append(terms[t], posting{doc: doc, freq: n, length: uint32(len(tokens))})
	}
}

func (w *Writer) flushDocs() error {
	if len(w.pending) == 0 {
		return nil
	}
	err := w.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocs)
		b.FillPercent = 1.0
		ids := make([]uint32, 0, len(w.pending))
		for id := range w.pending {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			if err := b.Put(docKey(id), w.pending[id]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return xerrors.Errorf("failed to store documents: %w", err)
	}
	w.pending = map[uint32][]byte{}
	return nil
}

func (w *Writer) flushTerms() error {
	keys := make([][]byte, 0)
	values := map[string][]posting{}
	for field, terms := range w.postings {
		for term, ps := range terms {
			k := termKey(field, term)
			keys = append(keys, k)
			values[string(k)] = ps
		}
	}
	sort.Slice(keys, func(i, j int) bool { return string(keys[i]) < string(keys[j]) })

	for start := 0; start < len(keys); start += termsPerTx {
		end := min(start+termsPerTx, len(keys))
		err := w.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketTerms)
			b.FillPercent = 1.0
			for _, k := range keys[start:end] {
				if err := b.Put(k, encodePostings(values[string(k)])); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return xerrors.Errorf("failed to store postings: %w", err)
		}
	}
	return nil
}

func (w *Writer) flushStats() error {
	return w.db.Update(func(tx *bolt.Tx) error {
		fb := tx.Bucket(bucketFields)
		for field, st := range w.stats {
			b, err := json.Marshal(st)
			if err != nil {
				return err
			}
			if err = fb.Put([]byte(field), b); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketMeta).Put(keyDocCount, docKey(w.docs))
	})
}

// Commit durably writes the index and atomically replaces the published one.
func (w *Writer) Commit() error {
	if w.closed {
		return xerrors.New("writer is closed")
	}
	w.closed = true
	defer w.lock.Close()

	steps := []func() error{w.flushDocs, w.flushTerms, w.flushStats, w.db.Sync}
	for _, step := range steps {
		if err := step(); err != nil {
			w.db.Close()
			os.Remove(w.tmpPath)
			return xerrors.Errorf("failed to commit index: %w", err)
		}
	}
	if err := w.db.Close(); err != nil {
		os.Remove(w.tmpPath)
		return xerrors.Errorf("failed to close index: %w", err)
	}

	if err := os.Rename(w.tmpPath, filepath.Join(w.dir, FileName)); err != nil {
		os.Remove(w.tmpPath)
		return xerrors.Errorf("failed to publish index: %w", err)
	}
	syncDir(w.dir)
	return nil
}

// Abort discards the build and leaves the published index untouched.
func (w *Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.lock.Close()
	w.db.Close()
	if err := os.Remove(w.tmpPath); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("failed to remove %s: %w", w.tmpPath, err)
	}
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}
