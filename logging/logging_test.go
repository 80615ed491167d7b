package logging_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquasecurity/nvd-match/config"
	"github.com/aquasecurity/nvd-match/logging"
)

func TestNew(t *testing.T) {
	t.Run("json to writer", func(t *testing.T) {
		var buf bytes.Buffer
		logger, closer, err := logging.New(config.Log{Level: "warn", Format: "json"}, &buf)
		require.NoError(t, err)
		defer closer.Close()

		logger.Info("hidden")
		logger.WithField("target", "2021").Warn("Feed failed")

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "Feed failed", entry["msg"])
		assert.Equal(t, "2021", entry["target"])
		assert.Equal(t, "warning", entry["level"])
		assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	})

	t.Run("rotated file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "update.log")
		var buf bytes.Buffer
		logger, closer, err := logging.New(config.Log{Level: "info", File: path, MaxSizeMB: 1}, &buf)
		require.NoError(t, err)

		logger.Info("Refresh finished")
		require.NoError(t, closer.Close())

		b, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(b), "Refresh finished")
		assert.Contains(t, buf.String(), "Refresh finished")
	})

	t.Run("bad settings", func(t *testing.T) {
		_, _, err := logging.New(config.Log{Level: "loud"}, &bytes.Buffer{})
		assert.Error(t, err)

		_, _, err = logging.New(config.Log{Level: "info", Format: "xml"}, &bytes.Buffer{})
		assert.Error(t, err)
	})
}
