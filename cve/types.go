package cve

// Item is a CVE_Items entry of the NVD 1.1 JSON feeds.
type Item struct {
	CVE            ItemCVE        `json:"cve"`
	Configurations Configurations `json:"configurations"`
	Impact         Impact         `json:"impact"`
}

type ItemCVE struct {
	Meta struct {
		ID string `json:"ID"`
	} `json:"CVE_data_meta"`
	ProblemType struct {
		Data []struct {
			Description []LangString `json:"description"`
		} `json:"problemtype_data"`
	} `json:"problemtype"`
	Description struct {
		Data []LangString `json:"description_data"`
	} `json:"description"`
}

type LangString struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type Configurations struct {
	Nodes []Node `json:"nodes"`
}

// Node is one applicability node. Leaves are in CPEMatch, nested nodes in Children.
type Node struct {
	Operator string     `json:"operator,omitempty"`
	CPEMatch []CPEMatch `json:"cpe_match,omitempty"`
	Children []Node     `json:"children,omitempty"`
}

type CPEMatch struct {
	Vulnerable            *bool  `json:"vulnerable,omitempty"`
	CPE23URI              string `json:"cpe23Uri"`
	VersionStartIncluding string `json:"versionStartIncluding,omitempty"`
	VersionStartExcluding string `json:"versionStartExcluding,omitempty"`
	VersionEndIncluding   string `json:"versionEndIncluding,omitempty"`
	VersionEndExcluding   string `json:"versionEndExcluding,omitempty"`
}

type Impact struct {
	BaseMetricV3 *BaseMetricV3 `json:"baseMetricV3,omitempty"`
}

type BaseMetricV3 struct {
	CVSSV3              CVSSV3  `json:"cvssV3"`
	ExploitabilityScore float64 `json:"exploitabilityScore"`
	ImpactScore         float64 `json:"impactScore"`
}

type CVSSV3 struct {
	VectorString string  `json:"vectorString"`
	BaseScore    float64 `json:"baseScore"`
	BaseSeverity string  `json:"baseSeverity"`
}

// Vulnerability is a "vulnerabilities" entry of the NVD 2.0 JSON feeds and API.
type Vulnerability struct {
	CVE struct {
		ID           string       `json:"id"`
		Descriptions []LangString `json:"descriptions"`
		Weaknesses   []struct {
			Description []LangString `json:"description"`
		} `json:"weaknesses"`
		Metrics struct {
			CVSSMetricV31 []MetricV3 `json:"cvssMetricV31"`
			CVSSMetricV30 []MetricV3 `json:"cvssMetricV30"`
		} `json:"metrics"`
		Configurations []struct {
			Nodes []struct {
				Operator string       `json:"operator"`
				CPEMatch []CPEMatchV2 `json:"cpeMatch"`
			} `json:"nodes"`
		} `json:"configurations"`
	} `json:"cve"`
}

type MetricV3 struct {
	CVSSData            CVSSV3  `json:"cvssData"`
	ExploitabilityScore float64 `json:"exploitabilityScore"`
	ImpactScore         float64 `json:"impactScore"`
}

type CPEMatchV2 struct {
	Vulnerable            *bool  `json:"vulnerable,omitempty"`
	Criteria              string `json:"criteria"`
	VersionStartIncluding string `json:"versionStartIncluding,omitempty"`
	VersionStartExcluding string `json:"versionStartExcluding,omitempty"`
	VersionEndIncluding   string `json:"versionEndIncluding,omitempty"`
	VersionEndExcluding   string `json:"versionEndExcluding,omitempty"`
}
