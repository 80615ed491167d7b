package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquasecurity/nvd-match/config"
	"github.com/aquasecurity/nvd-match/feed"
)

const wordpress = "cpe:2.3:a:wordpress:wordpress:*:*:*:*:*:*:*:*"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	a := &app{fs: afero.NewOsFs(), now: time.Now}
	cmd := a.rootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func gzipped(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(b)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestFetchAndSearch(t *testing.T) {
	payload, err := os.ReadFile("cve/testdata/nvdcve-1.1-2021.json")
	require.NoError(t, err)
	files := map[string][]byte{
		"/cve/nvdcve-1.1-2021.json.gz": gzipped(t, payload),
		"/cve/nvdcve-1.1-2021.meta":    []byte("size:1\r\nsha256:" + feed.Digest(payload) + "\r\n"),
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(b)
	}))
	defer ts.Close()

	dataDir := t.TempDir()
	t.Setenv(config.EnvDataDir, dataDir)
	t.Setenv(config.EnvCVEFeedURL, ts.URL+"/cve")
	t.Setenv(config.EnvCPEFeedURL, ts.URL+"/cpe")
	t.Setenv(config.EnvHookURL, "")
	t.Setenv(config.EnvLogLevel, "error")

	_, err = execute(t, "cve", "search", "--cpe", wordpress, "--version", "6.2.1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nvd-match cve index")

	_, err = execute(t, "fetch", "2021", "--index")
	require.NoError(t, err)
	assert.FileExists(t, feed.Path(dataDir, "2021"))

	out, err := execute(t, "cve", "search", "--cpe", wordpress, "--version", "6.2.1")
	require.NoError(t, err)
	assert.Contains(t, out, "CVE-2021-0001")
	assert.Contains(t, out, "CVE-2021-0002")
	assert.NotContains(t, out, "CVE-2021-0003")

	out, err = execute(t, "cve", "index")
	require.NoError(t, err)
	assert.Equal(t, "indexed 3 records in 1 partitions\n", out)
}

func TestParseTargets(t *testing.T) {
	a := &app{now: func() time.Time { return time.Date(2004, 1, 1, 0, 0, 0, 0, time.UTC) }}

	targets, err := a.parseTargets(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"2002", "2003", "2004", "modified", "recent", "cpe"}, targets)

	targets, err = a.parseTargets([]string{"recent", "2003", "recent"})
	require.NoError(t, err)
	assert.Equal(t, []string{"recent", "2003"}, targets)

	_, err = a.parseTargets([]string{"2005"})
	assert.Error(t, err)
}

func TestPrompt(t *testing.T) {
	var out bytes.Buffer
	product, version, err := prompt(bytes.NewBufferString("word press \n6.2\n"), &out)
	require.NoError(t, err)
	assert.Equal(t, "word press", product)
	assert.Equal(t, "6.2", version)
	assert.Equal(t, "Product: Version: ", out.String())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
