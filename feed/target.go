package feed

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"
)

const (
	Modified = "modified"
	Recent   = "recent"
	CPE      = "cpe"

	// FirstYear is the oldest yearly CVE feed NVD publishes.
	FirstYear = 2002

	DefaultCVEBaseURL = "https://nvd.nist.gov/feeds/json/cve/1.1"
	DefaultCPEBaseURL = "https://nvd.nist.gov/feeds/json/cpematch/1.0"

	cveDir = "nvd_cve_data"
	cpeDir = "nvd_cpe_data"

	cpeFeedName = "nvdcpematch-1.0"
)

// Years lists the yearly CVE targets up to the year of now.
func Years(now time.Time) []string {
	var years []string
	for y := FirstYear; y <= now.Year(); y++ {
		years = append(years, strconv.Itoa(y))
	}
	return years
}

// FullTargets is every target of a full refresh.
func FullTargets(now time.Time) []string {
	return append(Years(now), Modified, Recent, CPE)
}

// IncrementalTargets is every target of an incremental refresh.
func IncrementalTargets() []string {
	return []string{Modified, Recent}
}

// Valid reports whether target names a published feed.
func Valid(target string, now time.Time) bool {
	switch target {
	case Modified, Recent, CPE:
		return true
	}
	y, err := strconv.Atoi(target)
	return err == nil && y >= FirstYear && y <= now.Year()
}

func feedName(target string) string {
	if target == CPE {
		return cpeFeedName
	}
	return fmt.Sprintf("nvdcve-1.1-%s", target)
}

// Path is where the decompressed feed of target is kept under dataDir.
func Path(dataDir, target string) string {
	dir := cveDir
	if target == CPE {
		dir = cpeDir
	}
	return filepath.Join(dataDir, dir, feedName(target)+".json")
}
