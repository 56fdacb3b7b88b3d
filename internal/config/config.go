package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/seedsync/internal/changes"
	"github.com/schaermu/seedsync/internal/health"
	"github.com/schaermu/seedsync/internal/hooks"
	"github.com/schaermu/seedsync/internal/planner"
	"github.com/schaermu/seedsync/internal/state"
)

// DefaultStateDirName is created under paths.root_dir when no state dir is set
const DefaultStateDirName = ".seedsync"

// Config represents the complete seedsync configuration
type Config struct {
	Paths         PathsConfig         `yaml:"paths"`
	Tracking      TrackingConfig      `yaml:"tracking"`
	Environment   EnvironmentConfig   `yaml:"environment"`
	Scenarios     []string            `yaml:"scenarios"`
	Estimates     EstimatesConfig     `yaml:"estimates"`
	History       HistoryConfig       `yaml:"history"`
	Health        HealthConfig        `yaml:"health"`
	Collaborators CollaboratorsConfig `yaml:"collaborators"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	// RootDir anchors relative tracked paths; defaults to the config file's directory
	RootDir  string `yaml:"root_dir"`
	StateDir string `yaml:"state_dir"`
}

// TrackingConfig lists the inputs whose changes drive planning
type TrackingConfig struct {
	Files       []TrackedFileConfig `yaml:"files"`
	Directories []TrackedDirConfig  `yaml:"directories"`
}

// TrackedFileConfig is one tracked file
type TrackedFileConfig struct {
	Key      string `yaml:"key"`
	Path     string `yaml:"path"`
	Category string `yaml:"category"`
	Critical bool   `yaml:"critical"`
}

// TrackedDirConfig is one tracked directory
type TrackedDirConfig struct {
	Key        string   `yaml:"key"`
	Path       string   `yaml:"path"`
	Category   string   `yaml:"category"`
	Extensions []string `yaml:"extensions"`
}

// EnvironmentConfig describes the target environment. It is part of the
// configuration fingerprint.
type EnvironmentConfig struct {
	Name      string            `yaml:"name"`
	Region    string            `yaml:"region"`
	Endpoints map[string]string `yaml:"endpoints"`
}

// EstimatesConfig overrides the planner's duration heuristics
type EstimatesConfig struct {
	PerImage     time.Duration `yaml:"per_image"`
	ImageFloor   time.Duration `yaml:"image_floor"`
	PerDataFile  time.Duration `yaml:"per_data_file"`
	DataFloor    time.Duration `yaml:"data_floor"`
	Frontend     time.Duration `yaml:"frontend"`
	Validate     time.Duration `yaml:"validate"`
	FullReset    time.Duration `yaml:"full_reset"`
	ServiceCheck time.Duration `yaml:"service_check"`
}

// HistoryConfig bounds the history log
type HistoryConfig struct {
	Limit int `yaml:"limit"`
}

// HealthConfig configures service probing
type HealthConfig struct {
	AllowDegraded bool            `yaml:"allow_degraded"`
	Timeout       time.Duration   `yaml:"timeout"`
	Services      []ServiceConfig `yaml:"services"`
}

// ServiceConfig is one probed endpoint
type ServiceConfig struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Critical bool   `yaml:"critical"`
}

// CollaboratorsConfig holds the commands backing each pipeline stage
type CollaboratorsConfig struct {
	Dir           string            `yaml:"dir"`
	Env           map[string]string `yaml:"env"`
	ProcessImages []string          `yaml:"process_images"`
	SeedAll       []string          `yaml:"seed_all"`
	SeedScenario  []string          `yaml:"seed_scenario"`
	Clear         []string          `yaml:"clear"`
	SyncFrontend  []string          `yaml:"sync_frontend"`
	Validate      []string          `yaml:"validate"`
}

// MetricsConfig configures metrics export
type MetricsConfig struct {
	// Textfile is written after every run when set
	Textfile string `yaml:"textfile"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()

	if cfg.Paths.RootDir == "" {
		abs, err := filepath.Abs(filepath.Dir(path))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config directory: %w", err)
		}
		cfg.Paths.RootDir = abs
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all path-like string fields
func (c *Config) expandEnv() {
	c.Paths.RootDir = os.ExpandEnv(c.Paths.RootDir)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	for i := range c.Tracking.Files {
		c.Tracking.Files[i].Path = os.ExpandEnv(c.Tracking.Files[i].Path)
	}
	for i := range c.Tracking.Directories {
		c.Tracking.Directories[i].Path = os.ExpandEnv(c.Tracking.Directories[i].Path)
	}
	for k, v := range c.Environment.Endpoints {
		c.Environment.Endpoints[k] = os.ExpandEnv(v)
	}
	for i := range c.Health.Services {
		c.Health.Services[i].URL = os.ExpandEnv(c.Health.Services[i].URL)
	}
	c.Collaborators.Dir = os.ExpandEnv(c.Collaborators.Dir)
	for k, v := range c.Collaborators.Env {
		c.Collaborators.Env[k] = os.ExpandEnv(v)
	}
	c.Metrics.Textfile = os.ExpandEnv(c.Metrics.Textfile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Paths.StateDir == "" && c.Paths.RootDir != "" {
		c.Paths.StateDir = filepath.Join(c.Paths.RootDir, DefaultStateDirName)
	}
	if c.History.Limit == 0 {
		c.History.Limit = state.DefaultHistoryLimit
	}
	if c.Health.Timeout == 0 {
		c.Health.Timeout = health.DefaultTimeout
	}
	if c.Collaborators.Dir == "" {
		c.Collaborators.Dir = c.Paths.RootDir
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate paths
	if c.Paths.RootDir == "" {
		return fmt.Errorf("paths.root_dir is required")
	}
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.RootDir) {
		return fmt.Errorf("paths.root_dir must be an absolute path: %s", c.Paths.RootDir)
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	// Validate tracking
	if len(c.Tracking.Files) == 0 && len(c.Tracking.Directories) == 0 {
		return fmt.Errorf("tracking: at least one file or directory must be tracked")
	}
	keys := make(map[string]bool)
	for i, f := range c.Tracking.Files {
		if err := checkTracked(keys, fmt.Sprintf("tracking.files[%d]", i), f.Key, f.Path, f.Category); err != nil {
			return err
		}
	}
	for i, d := range c.Tracking.Directories {
		if err := checkTracked(keys, fmt.Sprintf("tracking.directories[%d]", i), d.Key, d.Path, d.Category); err != nil {
			return err
		}
	}

	// Validate scenarios
	seen := make(map[string]bool, len(c.Scenarios))
	for _, s := range c.Scenarios {
		if s == "" {
			return fmt.Errorf("scenarios: empty scenario name")
		}
		if seen[s] {
			return fmt.Errorf("scenarios: duplicate scenario %q", s)
		}
		seen[s] = true
	}

	if c.History.Limit < 0 {
		return fmt.Errorf("history.limit must not be negative: %d", c.History.Limit)
	}
	if c.Health.Timeout < 0 {
		return fmt.Errorf("health.timeout must not be negative: %s", c.Health.Timeout)
	}

	// Validate health services
	names := make(map[string]bool, len(c.Health.Services))
	for i, s := range c.Health.Services {
		if s.Name == "" {
			return fmt.Errorf("health.services[%d].name is required", i)
		}
		if s.URL == "" {
			return fmt.Errorf("health.services[%d].url is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("health.services: duplicate service %q", s.Name)
		}
		names[s.Name] = true
	}

	for name, d := range map[string]time.Duration{
		"per_image": c.Estimates.PerImage, "image_floor": c.Estimates.ImageFloor,
		"per_data_file": c.Estimates.PerDataFile, "data_floor": c.Estimates.DataFloor,
		"frontend": c.Estimates.Frontend, "validate": c.Estimates.Validate,
		"full_reset": c.Estimates.FullReset, "service_check": c.Estimates.ServiceCheck,
	} {
		if d < 0 {
			return fmt.Errorf("estimates.%s must not be negative: %s", name, d)
		}
	}

	return nil
}

func checkTracked(keys map[string]bool, field, key, path, category string) error {
	if key == "" {
		return fmt.Errorf("%s.key is required", field)
	}
	if keys[key] {
		return fmt.Errorf("%s: duplicate tracking key %q", field, key)
	}
	keys[key] = true
	if path == "" {
		return fmt.Errorf("%s.path is required", field)
	}
	if _, err := changes.ParseCategory(category); err != nil {
		return fmt.Errorf("%s.category: %w", field, err)
	}
	return nil
}

// resolve anchors a tracked path at the root directory
func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Paths.RootDir, p)
}

// TrackedFiles converts the tracked file entries for the change detector.
// Categories are known to be valid after Validate.
func (c *Config) TrackedFiles() []changes.TrackedFile {
	out := make([]changes.TrackedFile, 0, len(c.Tracking.Files))
	for _, f := range c.Tracking.Files {
		cat, _ := changes.ParseCategory(f.Category)
		out = append(out, changes.TrackedFile{
			Key:      f.Key,
			Path:     c.resolve(f.Path),
			Category: cat,
			Critical: f.Critical,
		})
	}
	return out
}

// TrackedDirs converts the tracked directory entries for the change detector
func (c *Config) TrackedDirs() []changes.TrackedDir {
	out := make([]changes.TrackedDir, 0, len(c.Tracking.Directories))
	for _, d := range c.Tracking.Directories {
		cat, _ := changes.ParseCategory(d.Category)
		out = append(out, changes.TrackedDir{
			Key:        d.Key,
			Path:       c.resolve(d.Path),
			Category:   cat,
			Extensions: d.Extensions,
		})
	}
	return out
}

// Estimator returns the default heuristics with configured overrides applied
func (c *Config) Estimator() planner.Estimator {
	est := planner.DefaultEstimator()
	override := func(dst *time.Duration, v time.Duration) {
		if v > 0 {
			*dst = v
		}
	}
	override(&est.PerImage, c.Estimates.PerImage)
	override(&est.ImageFloor, c.Estimates.ImageFloor)
	override(&est.PerDataFile, c.Estimates.PerDataFile)
	override(&est.DataFloor, c.Estimates.DataFloor)
	override(&est.Frontend, c.Estimates.Frontend)
	override(&est.Validate, c.Estimates.Validate)
	override(&est.FullReset, c.Estimates.FullReset)
	override(&est.ServiceCheck, c.Estimates.ServiceCheck)
	return est
}

// HealthServices converts the probed services for the health monitor
func (c *Config) HealthServices() []health.Service {
	out := make([]health.Service, 0, len(c.Health.Services))
	for _, s := range c.Health.Services {
		out = append(out, health.Service(s))
	}
	return out
}

// HookCommands converts the collaborator commands
func (c *Config) HookCommands() hooks.Commands {
	return hooks.Commands{
		ProcessImages: c.Collaborators.ProcessImages,
		SeedAll:       c.Collaborators.SeedAll,
		SeedScenario:  c.Collaborators.SeedScenario,
		Clear:         c.Collaborators.Clear,
		SyncFrontend:  c.Collaborators.SyncFrontend,
		Validate:      c.Collaborators.Validate,
		Dir:           c.Collaborators.Dir,
		Env:           c.Collaborators.Env,
	}
}

// Hash fingerprints the parts of the configuration that shape what gets
// provisioned: environment, tracked inputs and scenarios. File contents are
// not included.
func (c *Config) Hash() string {
	fingerprint := struct {
		Environment EnvironmentConfig
		Tracking    TrackingConfig
		Scenarios   []string
	}{c.Environment, c.Tracking, c.Scenarios}

	// Maps marshal with sorted keys, so the encoding is stable. Plain
	// strings, slices and maps cannot fail to encode.
	data, _ := json.Marshal(fingerprint)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
