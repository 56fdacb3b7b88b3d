package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrNotConfigured is returned when no command is configured for an operation
var ErrNotConfigured = errors.New("no command configured")

// Result is what an image, seed or validation command reports
type Result struct {
	Success bool           `json:"success"`
	Stats   map[string]any `json:"stats,omitempty"`
}

// FrontendOptions are passed through from operator intent
type FrontendOptions struct {
	Scenario            string
	IncludeBusinessData bool
}

// FrontendResult is what the fixture generator reports
type FrontendResult struct {
	Success          bool  `json:"success"`
	ArtistCount      int   `json:"artistCount"`
	GenerationTimeMS int64 `json:"generationTimeMs"`
}

// ImageProcessor transcodes and uploads image assets
type ImageProcessor interface {
	Process(ctx context.Context) (*Result, error)
}

// DatabaseSeeder writes seed records to the database and search index
type DatabaseSeeder interface {
	// SeedAll seeds every data file
	SeedAll(ctx context.Context) (*Result, error)
	// SeedScenario seeds a named scenario only
	SeedScenario(ctx context.Context, name string) (*Result, error)
	// Clear removes everything seeded so far; used for resets and rollback
	Clear(ctx context.Context) (*Result, error)
}

// FrontendSyncProcessor regenerates front-end fixtures
type FrontendSyncProcessor interface {
	Sync(ctx context.Context, opts FrontendOptions) (*FrontendResult, error)
}

// DataValidator checks seeded records for consistency
type DataValidator interface {
	Validate(ctx context.Context) (*Result, error)
}

// Commands holds the argv for each operation. Empty entries are unconfigured.
type Commands struct {
	ProcessImages []string
	SeedAll       []string
	SeedScenario  []string
	Clear         []string
	SyncFrontend  []string
	Validate      []string
	Dir           string
	Env           map[string]string
}

// Client implements every collaborator by running external commands. A
// command reports its result as a JSON document on stdout; empty output means
// success with no stats.
type Client struct {
	cmds   Commands
	logger *slog.Logger
}

// NewClient creates a new command-backed client
func NewClient(cmds Commands, logger *slog.Logger) *Client {
	return &Client{cmds: cmds, logger: logger}
}

// Process runs the image processing command
func (c *Client) Process(ctx context.Context) (*Result, error) {
	return c.result(ctx, "process images", c.cmds.ProcessImages, nil)
}

// SeedAll runs the full seed command
func (c *Client) SeedAll(ctx context.Context) (*Result, error) {
	return c.result(ctx, "seed all", c.cmds.SeedAll, nil)
}

// SeedScenario runs the scenario seed command with SEEDSYNC_SCENARIO set.
// Falls back to the full seed command when no scenario command is configured.
func (c *Client) SeedScenario(ctx context.Context, name string) (*Result, error) {
	argv := c.cmds.SeedScenario
	if len(argv) == 0 {
		argv = c.cmds.SeedAll
	}
	return c.result(ctx, "seed scenario", argv, []string{"SEEDSYNC_SCENARIO=" + name})
}

// Clear runs the clear command
func (c *Client) Clear(ctx context.Context) (*Result, error) {
	return c.result(ctx, "clear", c.cmds.Clear, nil)
}

// Validate runs the validation command
func (c *Client) Validate(ctx context.Context) (*Result, error) {
	return c.result(ctx, "validate", c.cmds.Validate, nil)
}

// Sync runs the fixture generator
func (c *Client) Sync(ctx context.Context, opts FrontendOptions) (*FrontendResult, error) {
	env := []string{
		"SEEDSYNC_SCENARIO=" + opts.Scenario,
		"SEEDSYNC_INCLUDE_BUSINESS_DATA=" + strconv.FormatBool(opts.IncludeBusinessData),
	}

	start := time.Now()
	out, err := c.run(ctx, "sync frontend", c.cmds.SyncFrontend, env)
	if err != nil {
		return nil, err
	}

	res := &FrontendResult{Success: true}
	if len(bytes.TrimSpace(out)) > 0 {
		if err := json.Unmarshal(out, res); err != nil {
			return nil, fmt.Errorf("sync frontend: decode output: %w", err)
		}
	}
	if res.GenerationTimeMS == 0 {
		res.GenerationTimeMS = time.Since(start).Milliseconds()
	}
	return res, nil
}

func (c *Client) result(ctx context.Context, op string, argv, env []string) (*Result, error) {
	out, err := c.run(ctx, op, argv, env)
	if err != nil {
		return nil, err
	}

	res := &Result{Success: true}
	if len(bytes.TrimSpace(out)) == 0 {
		return res, nil
	}
	if err := json.Unmarshal(out, res); err != nil {
		return nil, fmt.Errorf("%s: decode output: %w", op, err)
	}
	return res, nil
}

// run executes argv and returns stdout. stderr is attached to the error on
// a non-zero exit.
func (c *Client) run(ctx context.Context, op string, argv, env []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%s: %w", op, ErrNotConfigured)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = c.cmds.Dir
	cmd.Env = os.Environ()
	for k, v := range c.cmds.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("running collaborator command", "op", op, "argv", argv)
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", op, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
