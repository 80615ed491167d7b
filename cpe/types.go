package cpe

// Match is one entry of the NVD CPE match feed (nvdcpematch-1.0.json).
type Match struct {
	CPE23URI              string `json:"cpe23Uri"`
	VersionStartIncluding string `json:"versionStartIncluding,omitempty"`
	VersionStartExcluding string `json:"versionStartExcluding,omitempty"`
	VersionEndIncluding   string `json:"versionEndIncluding,omitempty"`
	VersionEndExcluding   string `json:"versionEndExcluding,omitempty"`
	Names                 []Name `json:"cpe_name,omitempty"`
}

type Name struct {
	CPE23URI string `json:"cpe23Uri"`
}

// Generalized reports whether the match carries no version bound at all.
func (m Match) Generalized() bool {
	return m.VersionStartIncluding == "" && m.VersionStartExcluding == "" &&
		m.VersionEndIncluding == "" && m.VersionEndExcluding == ""
}

// Result is a ranked identifier returned by Searcher.
type Result struct {
	Score float64
	CPE   string
}
