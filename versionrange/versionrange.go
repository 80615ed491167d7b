// Package versionrange evaluates the version windows attached to CPE matches
// in NVD configurations.
package versionrange

import (
	"strings"

	pep440 "github.com/aquasecurity/go-pep440-version"
	version "github.com/aquasecurity/go-version/pkg/version"
)

// Unset marks a bound or flag that the feed did not specify.
const Unset = "x"

const separator = "_"

// Descriptor is one flattened cpe_match entry: four optional bounds and the
// vulnerable flag ("true", "false" or Unset).
type Descriptor struct {
	StartIncluding string
	StartExcluding string
	EndIncluding   string
	EndExcluding   string
	Vulnerable     string
}

// New fills empty values with Unset.
func New(startIncl, startExcl, endIncl, endExcl string, vulnerable *bool) Descriptor {
	d := Descriptor{
		StartIncluding: orUnset(startIncl),
		StartExcluding: orUnset(startExcl),
		EndIncluding:   orUnset(endIncl),
		EndExcluding:   orUnset(endExcl),
		Vulnerable:     Unset,
	}
	if vulnerable != nil {
		d.Vulnerable = "false"
		if *vulnerable {
			d.Vulnerable = "true"
		}
	}
	return d
}

func orUnset(s string) string {
	if s == "" {
		return Unset
	}
	return s
}

// String returns the compact form, e.g. "1.0_x_x_2.0_true".
func (d Descriptor) String() string {
	return strings.Join([]string{d.StartIncluding, d.StartExcluding, d.EndIncluding, d.EndExcluding, d.Vulnerable}, separator)
}

// Parse reads the compact form. Versions containing the separator cannot be
// represented, so anything other than five parts yields an exact descriptor.
func Parse(s string) Descriptor {
	parts := strings.Split(s, separator)
	if len(parts) != 5 {
		return Descriptor{Unset, Unset, Unset, Unset, Unset}
	}
	for i := range parts {
		parts[i] = orUnset(parts[i])
	}
	return Descriptor{parts[0], parts[1], parts[2], parts[3], parts[4]}
}

// Exact reports whether no bound is set, i.e. the identifier itself names the
// vulnerable version.
func (d Descriptor) Exact() bool {
	return d.StartIncluding == Unset && d.StartExcluding == Unset &&
		d.EndIncluding == Unset && d.EndExcluding == Unset
}

// Matches reports whether candidate lies inside the window. Explicitly
// non-vulnerable and exact descriptors never match; an unset flag is no
// constraint.
func Matches(candidate string, d Descriptor) bool {
	if d.Vulnerable == "false" || d.Exact() {
		return false
	}

	bounds := []struct {
		bound string
		ok    func(cmp int) bool
	}{
		{d.StartIncluding, func(c int) bool { return c >= 0 }},
		{d.StartExcluding, func(c int) bool { return c > 0 }},
		{d.EndIncluding, func(c int) bool { return c <= 0 }},
		{d.EndExcluding, func(c int) bool { return c < 0 }},
	}
	for _, b := range bounds {
		if b.bound == Unset {
			continue
		}
		c, ok := Compare(candidate, b.bound)
		if !ok || !b.ok(c) {
			return false
		}
	}
	return true
}

// Compare orders two versions. ok is false when no supported scheme can parse both.
func Compare(a, b string) (int, bool) {
	if va, err := version.Parse(a); err == nil {
		if vb, err := version.Parse(b); err == nil {
			return va.Compare(vb), true
		}
	}
	if va, err := pep440.Parse(a); err == nil {
		if vb, err := pep440.Parse(b); err == nil {
			return va.Compare(vb), true
		}
	}
	return 0, false
}
