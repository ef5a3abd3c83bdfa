package cmd

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/moltwatch/api/schemas"
	"github.com/xkilldash9x/moltwatch/internal/config"
	"github.com/xkilldash9x/moltwatch/internal/service"
)

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "moltwatch "+Version+"\n", out)

	out, err = execute(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestCollect_PrintsSummary(t *testing.T) {
	isolate(t)
	useFactory(t, &fakeFactory{runner: &fakeRunner{summary: &schemas.RunSummary{
		RunID: "run-1",
		State: schemas.StateDone,
		Counts: schemas.StageCounts{
			Posts:           3,
			NewInteractions: 4,
		},
	}}})

	out, err := execute(t, "collect")
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "run-1", body["run_id"])
	assert.Equal(t, "done", body["state"])
}

func TestCollect_FailureExitsNonZero(t *testing.T) {
	isolate(t)
	runErr := errors.New("collecting_posts: remote unavailable")
	useFactory(t, &fakeFactory{runner: &fakeRunner{
		summary: &schemas.RunSummary{RunID: "run-2", State: schemas.StateFailed},
		err:     runErr,
	}})

	out, err := execute(t, "collect")
	require.ErrorIs(t, err, runErr)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, runErr.Error(), body["error"])
	assert.Equal(t, "failed", body["state"])
}

func TestCollect_FactoryFailure(t *testing.T) {
	isolate(t)
	useFactory(t, &fakeFactory{err: errors.New("no database")})

	_, err := execute(t, "collect")
	assert.ErrorContains(t, err, "failed to initialize components: no database")
}

func TestConfigLayering(t *testing.T) {
	dir := t.TempDir()
	isolate(t)
	cfgFile := writeFile(t, dir, "custom.yaml", `
collector:
  post_limit: 7
  post_sorts: [new]
server:
  trigger_secret: from-file
`)
	t.Setenv("MOLTWATCH_COLLECTOR_COMMENT_POST_LIMIT", "12")
	t.Setenv("MOLTBOOK_API_KEY", "key-from-env")

	factory := &fakeFactory{runner: &fakeRunner{summary: &schemas.RunSummary{State: schemas.StateDone}}}
	useFactory(t, factory)

	_, err := execute(t, "--config", cfgFile, "collect")
	require.NoError(t, err)
	require.NotNil(t, factory.got)

	collector := factory.got.Collector()
	assert.Equal(t, 7, collector.PostLimit)
	assert.Equal(t, []string{"new"}, collector.PostSorts)
	assert.Equal(t, 12, collector.CommentPostLimit)
	assert.Equal(t, 100, collector.DailyTopLimit, "unset keys keep their defaults")
	assert.Equal(t, "key-from-env", factory.got.Moltbook().APIKey)
	assert.Equal(t, "from-file", factory.got.Server().TriggerSecret)
}

func TestDotEnvIsLoaded(t *testing.T) {
	isolate(t)
	// godotenv never overrides variables that are already set, so the key must
	// be absent from the environment before the command runs.
	t.Setenv("MOLTWATCH_COLLECTOR_SUBMOLT_LIMIT", "")
	require.NoError(t, os.Unsetenv("MOLTWATCH_COLLECTOR_SUBMOLT_LIMIT"))
	writeFile(t, ".", ".env", "MOLTWATCH_COLLECTOR_SUBMOLT_LIMIT=42\n")

	factory := &fakeFactory{runner: &fakeRunner{summary: &schemas.RunSummary{State: schemas.StateDone}}}
	useFactory(t, factory)

	_, err := execute(t, "collect")
	require.NoError(t, err)
	assert.Equal(t, 42, factory.got.Collector().SubmoltLimit)
}

func TestInvalidConfig(t *testing.T) {
	isolate(t)
	t.Setenv("MOLTWATCH_DATABASE_DRIVER", "mysql")

	_, err := execute(t, "collect")
	assert.ErrorContains(t, err, "unsupported driver")
}

func TestSetupAndCleanup(t *testing.T) {
	path := isolate(t)

	out, err := execute(t, "setup")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema applied (sqlite)")

	// Seed one empty and one populated snapshot.
	ctx := context.Background()
	s, err := service.OpenStore(ctx, config.DatabaseConfig{Driver: config.DriverSQLite, SQLitePath: path}, zap.NewNop())
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, s.AppendStatsSnapshot(ctx, schemas.StatsSnapshot{CapturedAt: now}))
	require.NoError(t, s.AppendStatsSnapshot(ctx, schemas.StatsSnapshot{Totals: schemas.Totals{Agents: 2, Posts: 1}, CapturedAt: now}))
	s.Close()

	out, err = execute(t, "cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 1 empty stats snapshots.")

	out, err = execute(t, "cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 0 empty stats snapshots.")
}

func TestServe_StopsOnCancel(t *testing.T) {
	isolate(t)
	useFactory(t, &fakeFactory{runner: &fakeRunner{summary: &schemas.RunSummary{State: schemas.StateDone}}})

	root := NewRootCommand()
	root.SetArgs([]string{"serve", "--addr", "127.0.0.1:0"})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	assert.NoError(t, root.ExecuteContext(ctx))
}
