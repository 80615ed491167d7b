package utils

import (
	"encoding/json"
	"io"

	"golang.org/x/xerrors"
)

// ErrNoArray is returned by callers of DecodeArray when the document holds
// none of the expected arrays.
var ErrNoArray = xerrors.New("no record array in document")

// DecodeArray streams the elements of the first top-level array whose key is
// one of keys, calling fn once per element with the decoder positioned on it.
// Other top-level values are skipped. It returns the key that was found, or
// "" when none of the keys is present.
func DecodeArray(r io.Reader, keys []string, fn func(key string, dec *json.Decoder) error) (string, error) {
	dec := json.NewDecoder(r)
	if err := expectDelim(dec, '{'); err != nil {
		return "", err
	}

	wanted := map[string]bool{}
	for _, k := range keys {
		wanted[k] = true
	}

	for dec.More() {
		t, err := dec.Token()
		if err != nil {
			return "", xerrors.Errorf("failed to read a key: %w", err)
		}
		key, ok := t.(string)
		if !ok {
			return "", xerrors.Errorf("unexpected token %v", t)
		}
		if !wanted[key] {
			var skip json.RawMessage
			if err = dec.Decode(&skip); err != nil {
				return "", xerrors.Errorf("failed to skip %q: %w", key, err)
			}
			continue
		}

		if err = expectDelim(dec, '['); err != nil {
			return "", xerrors.Errorf("%q: %w", key, err)
		}
		for dec.More() {
			if err = fn(key, dec); err != nil {
				return "", err
			}
		}
		if err = expectDelim(dec, ']'); err != nil {
			return "", xerrors.Errorf("%q: %w", key, err)
		}
		return key, nil
	}
	return "", nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	t, err := dec.Token()
	if err != nil {
		return xerrors.Errorf("failed to read JSON: %w", err)
	}
	if d, ok := t.(json.Delim); !ok || d != want {
		return xerrors.Errorf("expected %q, got %v", want, t)
	}
	return nil
}
