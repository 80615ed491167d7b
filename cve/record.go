package cve

import (
	"strings"

	"github.com/samber/lo"
	"golang.org/x/exp/slices"

	"github.com/aquasecurity/nvd-match/versionrange"
)

// Record is the normalized form of one CVE, independent of the feed version.
type Record struct {
	ID                  string
	CWE                 string
	Description         string
	VectorString        string
	BaseScore           float64
	BaseSeverity        string
	ExploitabilityScore float64
	ImpactScore         float64

	// CPEs is the sorted set of non-empty identifiers found anywhere in the configurations.
	CPEs []string
	// Ranges keeps every descriptor seen per identifier, in feed order.
	Ranges map[string][]versionrange.Descriptor
}

type leaf struct {
	cpe        string
	descriptor versionrange.Descriptor
}

// FromItem converts a 1.1 feed item. Only CVSS v3 metrics are used.
func FromItem(item Item) Record {
	r := Record{ID: item.CVE.Meta.ID}
	if pt := item.CVE.ProblemType.Data; len(pt) > 0 && len(pt[0].Description) > 0 {
		r.CWE = pt[0].Description[0].Value
	}
	if d := item.CVE.Description.Data; len(d) > 0 {
		r.Description = d[0].Value
	}
	if m := item.Impact.BaseMetricV3; m != nil {
		r.VectorString = m.CVSSV3.VectorString
		r.BaseScore = m.CVSSV3.BaseScore
		r.BaseSeverity = m.CVSSV3.BaseSeverity
		r.ExploitabilityScore = m.ExploitabilityScore
		r.ImpactScore = m.ImpactScore
	}
	r.setLeaves(flatten(item.Configurations.Nodes))
	return r
}

// FromVulnerability converts a 2.0 feed entry, preferring CVSS v3.1 over v3.0.
func FromVulnerability(v Vulnerability) Record {
	c := v.CVE
	r := Record{ID: c.ID}
	if len(c.Weaknesses) > 0 && len(c.Weaknesses[0].Description) > 0 {
		r.CWE = c.Weaknesses[0].Description[0].Value
	}
	if len(c.Descriptions) > 0 {
		r.Description = c.Descriptions[0].Value
	}
	metrics := c.Metrics.CVSSMetricV31
	if len(metrics) == 0 {
		metrics = c.Metrics.CVSSMetricV30
	}
	if len(metrics) > 0 {
		m := metrics[0]
		r.VectorString = m.CVSSData.VectorString
		r.BaseScore = m.CVSSData.BaseScore
		r.BaseSeverity = m.CVSSData.BaseSeverity
		r.ExploitabilityScore = m.ExploitabilityScore
		r.ImpactScore = m.ImpactScore
	}

	var leaves []leaf
	for _, conf := range c.Configurations {
		for _, n := range conf.Nodes {
			for _, m := range n.CPEMatch {
				leaves = append(leaves, leaf{
					cpe:        m.Criteria,
					descriptor: versionrange.New(m.VersionStartIncluding, m.VersionStartExcluding, m.VersionEndIncluding, m.VersionEndExcluding, m.Vulnerable),
				})
			}
		}
	}
	r.setLeaves(leaves)
	return r
}

// flatten walks the node tree depth first with an explicit stack, emitting
// leaves in the order a recursive pre-order walk would.
func flatten(nodes []Node) []leaf {
	var leaves []leaf
	stack := make([]*Node, 0, len(nodes))
	for i := len(nodes) - 1; i >= 0; i-- {
		stack = append(stack, &nodes[i])
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, m := range n.CPEMatch {
			leaves = append(leaves, leaf{
				cpe:        m.CPE23URI,
				descriptor: versionrange.New(m.VersionStartIncluding, m.VersionStartExcluding, m.VersionEndIncluding, m.VersionEndExcluding, m.Vulnerable),
			})
		}
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, &n.Children[i])
		}
	}
	return leaves
}

func (r *Record) setLeaves(leaves []leaf) {
	r.Ranges = map[string][]versionrange.Descriptor{}
	for _, l := range leaves {
		if l.cpe == "" {
			continue
		}
		r.Ranges[l.cpe] = append(r.Ranges[l.cpe], l.descriptor)
	}
	r.CPEs = sortedKeys(r.Ranges)
}

func sortedKeys(m map[string][]versionrange.Descriptor) []string {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}

// Affects reports whether any descriptor recorded for cpe contains version.
func (r Record) Affects(cpe, version string) bool {
	return lo.ContainsBy(r.descriptorsFor(cpe), func(d versionrange.Descriptor) bool {
		return versionrange.Matches(version, d)
	})
}

// compactRanges renders Ranges with each descriptor in its compact string form.
func (r Record) compactRanges() map[string][]string {
	out := make(map[string][]string, len(r.Ranges))
	for k, ds := range r.Ranges {
		out[k] = lo.Map(ds, func(d versionrange.Descriptor, _ int) string { return d.String() })
	}
	return out
}

func parseRanges(m map[string][]string) map[string][]versionrange.Descriptor {
	out := make(map[string][]versionrange.Descriptor, len(m))
	for k, ss := range m {
		out[k] = lo.Map(ss, func(s string, _ int) versionrange.Descriptor { return versionrange.Parse(s) })
	}
	return out
}

func normalizeCPE(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
