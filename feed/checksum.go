package feed

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/xerrors"
)

var (
	ErrChecksumMismatch = xerrors.New("checksum mismatch")
	ErrChecksumMissing  = xerrors.New("no sha256 line in manifest")

	sha256Line = regexp.MustCompile(`(?i)^\s*sha256\s*:\s*([0-9a-f]{64})\s*$`)
)

// ParseManifest returns the lower-cased sha256 digest announced by a .meta
// manifest.
func ParseManifest(meta []byte) (string, error) {
	s := bufio.NewScanner(bytes.NewReader(meta))
	for s.Scan() {
		if m := sha256Line.FindStringSubmatch(s.Text()); m != nil {
			return strings.ToLower(m[1]), nil
		}
	}
	return "", ErrChecksumMissing
}

// Digest is the lower-case hex sha256 of payload.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
