// Package cpe parses CPE 2.3 formatted strings and maintains the ranked
// full-text index built from the NVD CPE match feed.
package cpe

import (
	"regexp"
	"strings"
)

const prefix = "cpe:2.3:"

var pattern = regexp.MustCompile(
	`^cpe:2\.3:(?P<part>[aho]):(?P<vendor>[^:]*):(?P<product>[^:]*):(?P<version>[^:]*):(?P<update>[^:]*):(?P<edition>[^:]*):(?P<language>[^:]*):(?P<sw_edition>[^:]*):(?P<target_sw>[^:]*):(?P<target_hw>[^:]*):(?P<other>[^:]*)$`,
)

// WFN holds the eleven attributes following the "cpe:2.3:" prefix.
type WFN struct {
	Part      string
	Vendor    string
	Product   string
	Version   string
	Update    string
	Edition   string
	Language  string
	SWEdition string
	TargetSW  string
	TargetHW  string
	Other     string
}

// ParseWFN splits a formatted string. ok is false for anything that does not
// have exactly the CPE 2.3 shape.
func ParseWFN(s string) (WFN, bool) {
	m := pattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return WFN{}, false
	}
	return WFN{
		Part:      m[1],
		Vendor:    m[2],
		Product:   m[3],
		Version:   m[4],
		Update:    m[5],
		Edition:   m[6],
		Language:  m[7],
		SWEdition: m[8],
		TargetSW:  m[9],
		TargetHW:  m[10],
		Other:     m[11],
	}, true
}

// Parse returns "vendor:product" and the version of a formatted string.
// Malformed input yields two empty strings.
func Parse(s string) (vendorProduct, version string) {
	w, ok := ParseWFN(s)
	if !ok {
		return "", ""
	}
	return w.VendorProduct(), w.Version
}

func (w WFN) VendorProduct() string {
	return w.Vendor + ":" + w.Product
}

func (w WFN) String() string {
	return prefix + strings.Join([]string{
		w.Part, w.Vendor, w.Product, w.Version, w.Update, w.Edition,
		w.Language, w.SWEdition, w.TargetSW, w.TargetHW, w.Other,
	}, ":")
}

// WithVersion replaces the version attribute, e.g. turning the generalized
// "cpe:2.3:a:wordpress:wordpress:*:..." into a fully qualified identifier.
// Malformed input is returned unchanged.
func WithVersion(s, version string) string {
	w, ok := ParseWFN(s)
	if !ok {
		return s
	}
	w.Version = version
	return w.String()
}

// NormalizeInput trims user input and joins inner words with underscores, the
// way product names are spelled in CPE.
func NormalizeInput(s string) string {
	return strings.Join(strings.Fields(s), "_")
}
