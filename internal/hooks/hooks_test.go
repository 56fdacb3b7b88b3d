package hooks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(cmds Commands) *Client {
	return NewClient(cmds, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func sh(script string) []string {
	return []string{"sh", "-c", script}
}

func TestProcess_ParsesStats(t *testing.T) {
	c := newTestClient(Commands{
		ProcessImages: sh(`printf '{"success":true,"stats":{"uploaded":3}}'`),
	})

	res, err := c.Process(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, float64(3), res.Stats["uploaded"])
}

func TestResult_EmptyOutputIsSuccess(t *testing.T) {
	c := newTestClient(Commands{Clear: sh("true")})

	res, err := c.Clear(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Stats)
}

func TestResult_ReportedFailure(t *testing.T) {
	c := newTestClient(Commands{Validate: sh(`echo '{"success":false}'`)})

	res, err := c.Validate(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestRun_NonZeroExitIncludesStderr(t *testing.T) {
	c := newTestClient(Commands{SeedAll: sh("echo 'connection refused' >&2; exit 3")})

	_, err := c.SeedAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed all failed")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRun_NotConfigured(t *testing.T) {
	c := newTestClient(Commands{})

	_, err := c.Process(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotConfigured))
}

func TestRun_InvalidJSON(t *testing.T) {
	c := newTestClient(Commands{ProcessImages: sh("echo not-json")})

	_, err := c.Process(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode output")
}

func TestSeedScenario_PassesName(t *testing.T) {
	c := newTestClient(Commands{
		SeedScenario: sh(`printf '{"success":true,"stats":{"scenario":"%s"}}' "$SEEDSYNC_SCENARIO"`),
	})

	res, err := c.SeedScenario(context.Background(), "busy-studio")
	require.NoError(t, err)
	assert.Equal(t, "busy-studio", res.Stats["scenario"])
}

func TestSeedScenario_FallsBackToSeedAll(t *testing.T) {
	c := newTestClient(Commands{
		SeedAll: sh(`printf '{"success":true,"stats":{"mode":"all-%s"}}' "$SEEDSYNC_SCENARIO"`),
	})

	res, err := c.SeedScenario(context.Background(), "empty")
	require.NoError(t, err)
	assert.Equal(t, "all-empty", res.Stats["mode"])
}

func TestSync_PassesOptionsAndEnv(t *testing.T) {
	c := newTestClient(Commands{
		SyncFrontend: sh(`if [ "$SEEDSYNC_INCLUDE_BUSINESS_DATA" = "true" ] && [ "$TARGET" = "staging" ]; then
  printf '{"success":true,"artistCount":12,"generationTimeMs":40}'
else
  printf '{"success":false}'
fi`),
		Env: map[string]string{"TARGET": "staging"},
	})

	res, err := c.Sync(context.Background(), FrontendOptions{Scenario: "busy-studio", IncludeBusinessData: true})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 12, res.ArtistCount)
	assert.Equal(t, int64(40), res.GenerationTimeMS)
}

func TestSync_EmptyOutputMeasuresTime(t *testing.T) {
	c := newTestClient(Commands{SyncFrontend: sh("true")})

	res, err := c.Sync(context.Background(), FrontendOptions{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, res.ArtistCount)
}

func TestRun_WorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	c := newTestClient(Commands{
		Validate: sh(`printf '{"success":true,"stats":{"dir":"%s"}}' "$(pwd -P)"`),
		Dir:      dir,
	})

	res, err := c.Validate(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, res.Stats["dir"])
}

func TestRun_ContextCancelled(t *testing.T) {
	c := newTestClient(Commands{ProcessImages: sh("sleep 5")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Process(ctx)
	require.Error(t, err)
}

func TestClient_ImplementsCollaborators(t *testing.T) {
	var _ ImageProcessor = (*Client)(nil)
	var _ DatabaseSeeder = (*Client)(nil)
	var _ FrontendSyncProcessor = (*Client)(nil)
	var _ DataValidator = (*Client)(nil)
}
