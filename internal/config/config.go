// Package config loads the optional defaults file and converts between the
// skip list as typed by a user and the absolute paths the worker compares.
package config

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"

	"github.com/nconklindev/linkrefresh/internal/types"
)

// SkipSeparator joins skip-list entries for display.
const SkipSeparator = "; "

const defaultConfigName = "config.yaml"

// Config models the optional linkrefresh config.yaml.
type Config struct {
	Root               string   `yaml:"root,omitempty"`
	Skip               []string `yaml:"skip,omitempty"`
	Exclude            []string `yaml:"exclude,omitempty"`
	SuppressLinkPrompt bool     `yaml:"suppress_link_prompt,omitempty"`
	Engine             string   `yaml:"engine,omitempty"`
	LogFile            string   `yaml:"log_file,omitempty"`
	LogLevel           string   `yaml:"log_level,omitempty"`
}

// DefaultPath returns <UserConfigDir>/linkrefresh/config.yaml.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Errorf("locating user config dir: %w", err)
	}
	return filepath.Join(dir, "linkrefresh", defaultConfigName), nil
}

// Load reads the config file at path. A missing file yields an empty Config
// unless required is set.
func Load(path string, required bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return &Config{}, nil
		}
		return nil, errors.Errorf("reading config file: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		// An empty document decodes to io.EOF.
		if len(bytes.TrimSpace(data)) == 0 {
			return &cfg, nil
		}
		return nil, errors.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// RunConfig builds the worker configuration from the file defaults.
func (c *Config) RunConfig() (types.RunConfig, error) {
	skip, err := absPaths(c.Skip)
	if err != nil {
		return types.RunConfig{}, err
	}
	return types.RunConfig{
		Root:               c.Root,
		Skip:               skip,
		SuppressLinkPrompt: c.SuppressLinkPrompt,
		Exclude:            c.Exclude,
		Engine:             c.Engine,
	}, nil
}

// ParseSkipList splits the semicolon separated display string into absolute
// paths. Blank entries are dropped.
func ParseSkipList(text string) ([]string, error) {
	var entries []string
	for _, part := range strings.Split(text, ";") {
		if p := strings.TrimSpace(part); p != "" {
			entries = append(entries, p)
		}
	}
	return absPaths(entries)
}

// FormatSkipList is the inverse of ParseSkipList.
func FormatSkipList(paths []string) string {
	return strings.Join(paths, SkipSeparator)
}

func absPaths(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, errors.Errorf("resolving %q: %w", p, err)
		}
		out = append(out, abs)
	}
	return out, nil
}
