// Package config loads and resolves the project configuration.
//
// Configuration comes from three layers, strongest first: MOCKCODE_*
// environment variables, a .mockcode.yml file discovered by walking
// up from the working directory, and built-in defaults. Each
// simulation code gets a label naming its block in the codes map.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the configuration file searched for in the working
// directory and its parents.
const FileName = ".mockcode.yml"

// Environment variables recognized across the toolchain. Entries set
// here win over the configuration file.
const (
	EnvConfig       = "MOCKCODE_CONFIG"
	EnvCacheRoot    = "MOCKCODE_CACHE_ROOT"
	EnvPolicy       = "MOCKCODE_POLICY"
	EnvJournal      = "MOCKCODE_JOURNAL"
	EnvLabel        = "MOCKCODE_LABEL"
	EnvConfigAction = "MOCKCODE_CONFIG_ACTION"

	// EnvFingerprint is set for substitute programs, not read by the
	// toolchain itself.
	EnvFingerprint = "MOCKCODE_FINGERPRINT"
)

// Policy controls how the cache participates in a run.
type Policy string

const (
	// PolicyWriteThrough replays hits and caches fresh results.
	PolicyWriteThrough Policy = "write-through"
	// PolicyReadOnly replays hits but never commits.
	PolicyReadOnly Policy = "read-only"
	// PolicyForceExecute always executes and still commits.
	PolicyForceExecute Policy = "force-execute"
)

// ParsePolicy converts s to a Policy. The empty string means
// write-through.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "":
		return PolicyWriteThrough, nil
	case PolicyWriteThrough, PolicyReadOnly, PolicyForceExecute:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown cache policy %q (want write-through, read-only or force-execute)", s)
}

// Action controls what LoadAction does when no configuration file
// exists.
type Action string

const (
	// ActionRead falls back to an empty in-memory configuration.
	ActionRead Action = "read"
	// ActionRequire fails when no file is found.
	ActionRequire Action = "require"
	// ActionGenerate scaffolds missing pieces and writes them back.
	ActionGenerate Action = "generate"
)

// ParseAction converts s to an Action. The empty string means read.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case "":
		return ActionRead, nil
	case ActionRead, ActionRequire, ActionGenerate:
		return Action(s), nil
	}
	return "", fmt.Errorf("unknown config action %q (want read, require or generate)", s)
}

var (
	// ErrConfigNotFound is returned by LoadAction under ActionRequire
	// when no configuration file exists.
	ErrConfigNotFound = errors.New("config file not found")
	// ErrCodeNotConfigured is returned when a label has no block in
	// the codes map.
	ErrCodeNotConfigured = errors.New("code not configured")
)

// Code configures one simulation program.
type Code struct {
	// Executable is the real simulation binary.
	Executable string `yaml:"executable,omitempty"`
	// Substitute is a stand-in executed instead of the real binary
	// when set.
	Substitute string `yaml:"substitute,omitempty"`
	// Ignore lists gitignore-style patterns for input files excluded
	// from fingerprinting.
	Ignore []string `yaml:"ignore,omitempty"`
	// Transient lists patterns for output files dropped from capture.
	Transient []string `yaml:"transient,omitempty"`
	// CacheDir overrides the per-code cache directory.
	CacheDir string `yaml:"cacheDir,omitempty"`
}

// Config is the root of a .mockcode.yml file.
type Config struct {
	CacheRoot string          `yaml:"cacheRoot,omitempty"`
	Policy    string          `yaml:"policy,omitempty"`
	Journal   string          `yaml:"journal,omitempty"`
	Codes     map[string]Code `yaml:"codes,omitempty"`

	// Path is where the configuration was loaded from, or where
	// Save will write it.
	Path string `yaml:"-"`
}

// Discover locates the configuration file for startDir: the
// EnvConfig override when set, otherwise the first FileName found
// walking from startDir toward the filesystem root.
func Discover(startDir string, environ []string) (string, bool) {
	if path, ok := LookupEnv(environ, EnvConfig); ok && path != "" {
		return path, true
	}

	dir := startDir
	for {
		candidate := filepath.Join(dir, FileName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Codes == nil {
		cfg.Codes = map[string]Code{}
	}
	cfg.Path = path
	return &cfg, nil
}

// LoadAction discovers and loads the configuration for startDir.
// With no file present, ActionRequire fails while the other actions
// return an empty configuration whose Path points at startDir.
func LoadAction(startDir string, environ []string, action Action) (*Config, error) {
	path, found := Discover(startDir, environ)
	if !found {
		if action == ActionRequire {
			return nil, fmt.Errorf("%w: no %s in %s or any parent", ErrConfigNotFound, FileName, startDir)
		}
		return &Config{
			Codes: map[string]Code{},
			Path:  filepath.Join(startDir, FileName),
		}, nil
	}
	return Load(path)
}

// Code returns the block for label. Under ActionGenerate a missing
// block is scaffolded and the configuration written back, so a first
// run against a new code leaves an editable stub behind.
func (c *Config) Code(label string, action Action) (Code, error) {
	if code, ok := c.Codes[label]; ok {
		return code, nil
	}
	if action != ActionGenerate {
		return Code{}, fmt.Errorf("%w: %q (add it to %s)", ErrCodeNotConfigured, label, c.Path)
	}

	code := Code{}
	c.Codes[label] = code
	if err := c.Save(); err != nil {
		return Code{}, fmt.Errorf("generate config block for %q: %w", label, err)
	}
	return code, nil
}

// Save writes the configuration to c.Path, creating parent
// directories as needed.
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.Path), 0755); err != nil {
		return err
	}
	return os.WriteFile(c.Path, data, 0644)
}

// DefaultCacheRoot is the cache location used when neither the
// environment nor the configuration file sets one.
func DefaultCacheRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".mockcode", "cache")
	}
	return filepath.Join(home, ".mockcode", "cache")
}

// ResolveCacheRoot applies the precedence environment over file over
// default.
func (c *Config) ResolveCacheRoot(environ []string) string {
	if root, ok := LookupEnv(environ, EnvCacheRoot); ok && root != "" {
		return root
	}
	if c.CacheRoot != "" {
		return c.CacheRoot
	}
	return DefaultCacheRoot()
}

// ResolvePolicy applies the same precedence to the cache policy.
func (c *Config) ResolvePolicy(environ []string) (Policy, error) {
	if raw, ok := LookupEnv(environ, EnvPolicy); ok && raw != "" {
		return ParsePolicy(raw)
	}
	return ParsePolicy(c.Policy)
}

// ResolveJournal returns the journal database path, empty when
// journaling is disabled.
func (c *Config) ResolveJournal(environ []string) string {
	if path, ok := LookupEnv(environ, EnvJournal); ok && path != "" {
		return path
	}
	return c.Journal
}

// CodeCacheDir returns where entries for label are stored: the
// code's cacheDir override when set, otherwise a subdirectory of the
// cache root named after the label.
func (c *Config) CodeCacheDir(label string, environ []string) string {
	if code, ok := c.Codes[label]; ok && code.CacheDir != "" {
		return code.CacheDir
	}
	return filepath.Join(c.ResolveCacheRoot(environ), label)
}

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration and returns every problem found
// rather than stopping at the first.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if _, err := ParsePolicy(c.Policy); err != nil {
		errs = append(errs, ValidationError{Field: "policy", Message: err.Error()})
	}
	for label := range c.Codes {
		field := "codes." + label
		switch {
		case label == "":
			errs = append(errs, ValidationError{Field: "codes", Message: "empty label"})
		case strings.ContainsAny(label, `/\`) || label == "." || label == "..":
			errs = append(errs, ValidationError{Field: field, Message: "label must be usable as a directory name"})
		case strings.HasPrefix(label, "."):
			errs = append(errs, ValidationError{Field: field, Message: "label must not start with a dot"})
		}
	}
	return errs
}

// LookupEnv finds key in an os.Environ-shaped slice. Later entries
// win, matching how execve resolves duplicates on Linux.
func LookupEnv(environ []string, key string) (string, bool) {
	value, found := "", false
	for _, entry := range environ {
		if name, val, ok := strings.Cut(entry, "="); ok && name == key {
			value, found = val, true
		}
	}
	return value, found
}
