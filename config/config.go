// Package config loads nvd-match settings from a YAML file and the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"

	"github.com/aquasecurity/nvd-match/feed"
	"github.com/aquasecurity/nvd-match/scheduler"
	"github.com/aquasecurity/nvd-match/utils"
)

const (
	EnvDataDir    = "NVDMATCH_DATA_DIR"
	EnvCVEFeedURL = "NVDMATCH_CVE_FEED_URL"
	EnvCPEFeedURL = "NVDMATCH_CPE_FEED_URL"
	EnvHookURL    = "NVDMATCH_HOOK_URL"
	EnvLogLevel   = "NVDMATCH_LOG_LEVEL"
	EnvUTCOffset  = "NVDMATCH_UTC_OFFSET"
)

var ErrNoDataDir = xerrors.New("no data directory configured")

var offsetPattern = regexp.MustCompile(`^(?:UTC)?([+-])(\d{1,2})(?::?(\d{2}))?$`)

type Config struct {
	DataDir  string   `yaml:"data_dir"`
	Feeds    Feeds    `yaml:"feeds"`
	Schedule Schedule `yaml:"schedule"`
	Hook     Hook     `yaml:"hook"`
	Log      Log      `yaml:"log"`
}

type Feeds struct {
	CVEBaseURL string        `yaml:"cve_base_url"`
	CPEBaseURL string        `yaml:"cpe_base_url"`
	Retry      int           `yaml:"retry"`
	Wait       time.Duration `yaml:"wait"`
	MaxWait    time.Duration `yaml:"max_wait"`
	Timeout    time.Duration `yaml:"timeout"`
}

type Schedule struct {
	// UTCOffset is the fixed zone cron expressions are evaluated in, e.g. "+07:00".
	UTCOffset        string        `yaml:"utc_offset"`
	Full             string        `yaml:"full"`
	FullGrace        time.Duration `yaml:"full_grace"`
	Incremental      string        `yaml:"incremental"`
	IncrementalGrace time.Duration `yaml:"incremental_grace"`
}

type Hook struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File enables rotated file output next to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

func Default() Config {
	return Config{
		DataDir: utils.DataDir(),
		Feeds: Feeds{
			CVEBaseURL: feed.DefaultCVEBaseURL,
			CPEBaseURL: feed.DefaultCPEBaseURL,
			Retry:      5,
			Wait:       time.Second,
			MaxWait:    time.Minute,
			Timeout:    10 * time.Minute,
		},
		Schedule: Schedule{
			UTCOffset:        "+00:00",
			Full:             "0 2 * * *",
			FullGrace:        23*time.Hour + 59*time.Minute,
			Incremental:      "0 0,4,6,8,10,12,14,16,18,20,22 * * *",
			IncrementalGrace: time.Hour + 59*time.Minute + 59*time.Second,
		},
		Hook: Hook{Timeout: 30 * time.Second},
		Log: Log{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads path over the defaults, when path is not empty, and applies the
// environment overrides. The result is not validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, xerrors.Errorf("unable to read config: %w", err)
		}
		if err = yaml.UnmarshalStrict(b, &cfg); err != nil {
			return Config{}, xerrors.Errorf("failed to parse %s: %w", path, err)
		}
	}

	cfg.DataDir = utils.LookupEnv(EnvDataDir, cfg.DataDir)
	cfg.Feeds.CVEBaseURL = utils.LookupEnv(EnvCVEFeedURL, cfg.Feeds.CVEBaseURL)
	cfg.Feeds.CPEBaseURL = utils.LookupEnv(EnvCPEFeedURL, cfg.Feeds.CPEBaseURL)
	cfg.Hook.URL = utils.LookupEnv(EnvHookURL, cfg.Hook.URL)
	cfg.Log.Level = utils.LookupEnv(EnvLogLevel, cfg.Log.Level)
	cfg.Schedule.UTCOffset = utils.LookupEnv(EnvUTCOffset, cfg.Schedule.UTCOffset)
	return cfg, nil
}

// Validate reports the first setting the refresh subsystem cannot start with.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return ErrNoDataDir
	}
	if err := validateURL(c.Feeds.CVEBaseURL); err != nil {
		return xerrors.Errorf("feeds.cve_base_url: %w", err)
	}
	if err := validateURL(c.Feeds.CPEBaseURL); err != nil {
		return xerrors.Errorf("feeds.cpe_base_url: %w", err)
	}
	if c.Hook.URL != "" {
		if err := validateURL(c.Hook.URL); err != nil {
			return xerrors.Errorf("hook.url: %w", err)
		}
	}
	if c.Feeds.Retry < 0 {
		return xerrors.Errorf("feeds.retry must not be negative: %d", c.Feeds.Retry)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := scheduler.ParseSpec(c.Schedule.Full); err != nil {
		return xerrors.Errorf("schedule.full: %w", err)
	}
	if _, err := scheduler.ParseSpec(c.Schedule.Incremental); err != nil {
		return xerrors.Errorf("schedule.incremental: %w", err)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return xerrors.Errorf("log.level: %w", err)
	}
	return nil
}

func validateURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return xerrors.Errorf("%q is not an http(s) URL", s)
	}
	return nil
}

// Location returns the fixed zone of Schedule.UTCOffset.
func (c Config) Location() (*time.Location, error) {
	return ParseOffset(c.Schedule.UTCOffset)
}

// ParseOffset accepts "UTC", "Z", "+07:00", "-0530", "UTC+7" and the like.
func ParseOffset(s string) (*time.Location, error) {
	switch s {
	case "", "UTC", "Z", "utc":
		return time.UTC, nil
	}
	m := offsetPattern.FindStringSubmatch(s)
	if m == nil {
		return nil, xerrors.Errorf("invalid UTC offset %q", s)
	}
	hours, _ := strconv.Atoi(m[2])
	minutes := 0
	if m[3] != "" {
		minutes, _ = strconv.Atoi(m[3])
	}
	if hours > 14 || minutes > 59 {
		return nil, xerrors.Errorf("invalid UTC offset %q", s)
	}
	secs := hours*3600 + minutes*60
	if m[1] == "-" {
		secs = -secs
	}
	return time.FixedZone(fmt.Sprintf("UTC%s%02d:%02d", m[1], hours, minutes), secs), nil
}

func (c Config) IndexDir() string {
	return filepath.Join(c.DataDir, "index")
}

func (c Config) CPEIndexDir() string {
	return filepath.Join(c.IndexDir(), "cpe")
}

// CVEIndexRoot holds one partition per feed target.
func (c Config) CVEIndexRoot() string {
	return filepath.Join(c.IndexDir(), "cve")
}

func (c Config) StatePath() string {
	return filepath.Join(c.DataDir, scheduler.StateFile)
}

func (c Config) RetryPolicy() utils.RetryPolicy {
	return utils.RetryPolicy{
		Retry:   c.Feeds.Retry,
		Wait:    c.Feeds.Wait,
		MaxWait: c.Feeds.MaxWait,
		Timeout: c.Feeds.Timeout,
	}
}
