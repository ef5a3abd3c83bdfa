// File: cmd/main_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/moltwatch/api/schemas"
	"github.com/xkilldash9x/moltwatch/internal/config"
	"github.com/xkilldash9x/moltwatch/internal/observability"
	"github.com/xkilldash9x/moltwatch/internal/service"
)

func TestMain(m *testing.M) {
	// The global logger initializes once per process; keep it quiet.
	observability.InitializeLogger(config.LoggerConfig{Level: "fatal", Format: "console", ServiceName: "test"})
	code := m.Run()
	observability.Sync()
	os.Exit(code)
}

// fakeRunner returns a canned summary.
type fakeRunner struct {
	summary *schemas.RunSummary
	err     error
}

func (f *fakeRunner) Run(context.Context) (*schemas.RunSummary, error) { return f.summary, f.err }

// fakeFactory records the configuration it was given and hands out a real
// store with a fake collector.
type fakeFactory struct {
	runner *fakeRunner
	err    error
	got    config.Interface
}

func (f *fakeFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*service.Components, error) {
	f.got = cfg
	if f.err != nil {
		return nil, f.err
	}
	s, err := service.OpenStore(ctx, cfg.Database(), logger)
	if err != nil {
		return nil, err
	}
	return &service.Components{Store: s, Collector: f.runner}, nil
}

// useFactory swaps the component factory for the duration of the test.
func useFactory(t *testing.T, f service.ComponentFactory) {
	t.Helper()
	prev := componentFactory
	componentFactory = f
	t.Cleanup(func() { componentFactory = prev })
}

// isolate points the store at a temporary SQLite file and keeps the working
// directory free of config.yaml and .env files.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "moltwatch.db")
	t.Setenv("MOLTWATCH_DATABASE_DRIVER", "sqlite")
	t.Setenv("MOLTWATCH_DATABASE_SQLITE_PATH", path)
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
