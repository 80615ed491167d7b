package index

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

// FileName is the name of the published index file inside an index directory.
const FileName = "index.db"

const (
	tmpPattern = "index-*.tmp"
	lockName   = ".lock"
)

var (
	// ErrNotIndexed is returned when an index directory has no published index yet.
	ErrNotIndexed = xerrors.New("index has not been built yet")
	// ErrLocked is returned when another writer holds the index directory.
	ErrLocked = xerrors.New("index is being rebuilt by another writer")

	bucketMeta   = []byte("meta")
	bucketDocs   = []byte("docs")
	bucketTerms  = []byte("terms")
	bucketFields = []byte("fields")

	keyDocCount = []byte("doc_count")
)

// fieldStats holds what BM25 needs to normalize field lengths.
type fieldStats struct {
	Docs     uint64 `json:"docs"`
	TotalLen uint64 `json:"total_len"`
}

func (s fieldStats) avgLen() float64 {
	if s.Docs == 0 {
		return 0
	}
	return float64(s.TotalLen) / float64(s.Docs)
}

type posting struct {
	doc    uint32
	freq   uint32
	length uint32
}

// postings are stored doc-ordered as (doc delta, freq, field length) uvarint triples.
func encodePostings(ps []posting) []byte {
	buf := make([]byte, 0, len(ps)*4)
	var prev uint32
	for _, p := range ps {
		buf = binary.AppendUvarint(buf, uint64(p.doc-prev))
		buf = binary.AppendUvarint(buf, uint64(p.freq))
		buf = binary.AppendUvarint(buf, uint64(p.length))
		prev = p.doc
	}
	return buf
}

func decodePostings(b []byte) ([]posting, error) {
	var (
		ps   []posting
		prev uint32
	)
	for len(b) > 0 {
		var vals [3]uint64
		for i := range vals {
			v, n := binary.Uvarint(b)
			if n <= 0 {
				return nil, xerrors.New("corrupted posting list")
			}
			vals[i] = v
			b = b[n:]
		}
		prev += uint32(vals[0])
		ps = append(ps, posting{doc: prev, freq: uint32(vals[1]), length: uint32(vals[2])})
	}
	return ps, nil
}

func termKey(field, term string) []byte {
	k := make([]byte, 0, len(field)+1+len(term))
	k = append(k, field...)
	k = append(k, 0)
	return append(k, term...)
}

func docKey(doc uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, doc)
}

// Exists reports whether dir holds a published index.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, FileName))
	return err == nil
}

// Remove deletes the published index and leftovers of interrupted builds.
func Remove(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	lock, err := acquireLock(dir, defaultLockTimeout)
	if err != nil {
		return err
	}
	defer lock.Close()

	if err := removeStale(dir); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, FileName)); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("failed to remove index: %w", err)
	}
	return nil
}

func removeStale(dir string) error {
	stale, err := filepath.Glob(filepath.Join(dir, tmpPattern))
	if err != nil {
		return xerrors.Errorf("failed to list temporary index files: %w", err)
	}
	for _, f := range stale {
		if err = os.Remove(f); err != nil && !os.IsNotExist(err) {
			return xerrors.Errorf("failed to remove %s: %w", f, err)
		}
	}
	return nil
}

// acquireLock takes the exclusive file lock of an index directory. Temporary
// files may only be created or removed while it is held.
func acquireLock(dir string, timeout time.Duration) (*bolt.DB, error) {
	lock, err := bolt.Open(filepath.Join(dir, lockName), 0600, &bolt.Options{Timeout: timeout})
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, xerrors.Errorf("%s: %w", dir, ErrLocked)
	} else if err != nil {
		return nil, xerrors.Errorf("failed to lock %s: %w", dir, err)
	}
	return lock, nil
}
