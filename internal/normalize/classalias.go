package normalize

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/racedata/liverc-ingest/internal/config"
)

// ClassAlias maps one track's or series' spelling of a class name to the
// canonical spelling this module persists, so "17.5 Stock", "175 stock"
// and "Stock 17.5" all collapse to one class_name before they ever reach
// the store. Patterns are literal, case-insensitive matches.
type ClassAlias struct {
	Pattern   string `yaml:"pattern"`
	Canonical string `yaml:"canonical"`
}

// ClassAliasConfig holds the set of class-name aliases loaded from an
// optional YAML file.
type ClassAliasConfig struct {
	//nolint:tagliatelle // snake_case matches the on-disk config format
	ClassAliases []ClassAlias `yaml:"class_aliases"`

	byLower map[string]string
}

// DefaultClassAliasPath is where LoadClassAliasesFromEnv looks absent an
// override.
const DefaultClassAliasPath = ".liverc-class-aliases.yaml"

// ClassAliasPathEnvVar names the environment variable carrying a custom
// config path.
const ClassAliasPathEnvVar = "CLASS_ALIAS_CONFIG_PATH"

// LoadClassAliases reads class-name aliases from path. A missing or empty
// file is not an error: class aliasing is optional, and most deployments
// run with none configured at all.
func LoadClassAliases(path string) (*ClassAliasConfig, error) {
	cfg := &ClassAliasConfig{ClassAliases: []ClassAlias{}}

	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted deployment config
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.index()

			return cfg, nil
		}

		slog.Warn("failed to read class alias config, continuing without aliases", "path", path, "error", err)
		cfg.index()

		return cfg, nil
	}

	if len(data) == 0 {
		cfg.index()

		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("failed to parse class alias config, continuing without aliases", "path", path, "error", err)

		return &ClassAliasConfig{ClassAliases: []ClassAlias{}, byLower: map[string]string{}}, nil
	}

	cfg.index()

	return cfg, nil
}

// LoadClassAliasesFromEnv loads from ClassAliasPathEnvVar, falling back to
// DefaultClassAliasPath.
func LoadClassAliasesFromEnv() (*ClassAliasConfig, error) {
	path := config.GetEnvStr(ClassAliasPathEnvVar, DefaultClassAliasPath)

	return LoadClassAliases(path)
}

func (c *ClassAliasConfig) index() {
	c.byLower = make(map[string]string, len(c.ClassAliases))

	for _, a := range c.ClassAliases {
		c.byLower[strings.ToLower(strings.TrimSpace(a.Pattern))] = a.Canonical
	}
}

// Resolve returns className's canonical spelling if an alias matches
// (case-insensitively, after trimming), else className unchanged.
func (c *ClassAliasConfig) Resolve(className string) string {
	if c == nil || c.byLower == nil {
		return className
	}

	if canonical, ok := c.byLower[strings.ToLower(strings.TrimSpace(className))]; ok {
		return canonical
	}

	return className
}
